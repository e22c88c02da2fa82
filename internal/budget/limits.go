package budget

import (
	"errors"
	"fmt"
	"time"
)

// Tier names an inference path.
type Tier string

const (
	// TierDeep is the paid, high-quality path. Only deep usage is charged.
	TierDeep Tier = "deep"
	// TierRote is the free, fast path.
	TierRote Tier = "rote"
)

// Tiers lists every recognized tier.
var Tiers = []Tier{TierDeep, TierRote}

var (
	// ErrInvalidAmount is returned for non-positive token amounts.
	ErrInvalidAmount = errors.New("budget: amount must be positive")

	// ErrInvalidTier is returned for tier names outside Tiers.
	ErrInvalidTier = errors.New("budget: unknown tier")

	// ErrBudgetExceeded is returned when a charge does not fit in the
	// remaining daily allowance.
	ErrBudgetExceeded = errors.New("budget: daily token limit exceeded")
)

// ParseTier validates a tier name.
func ParseTier(name string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, name)
}

// Limits defines the ledger constraints.
type Limits struct {
	// DailyLimitTokens is the deep-tier allowance per day.
	DailyLimitTokens int64 `json:"daily_limit_tokens" yaml:"daily_limit_tokens"`

	// WarningThreshold (0-1) is the usage fraction that emits a warning event.
	WarningThreshold float64 `json:"warning_threshold" yaml:"warning_threshold"`
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		DailyLimitTokens: 500_000,
		WarningThreshold: 0.80,
	}
}

// State is the mutable part of the ledger. UsedTokens + RemainingTokens
// always equals DailyLimitTokens.
type State struct {
	DailyLimitTokens int64          `json:"daily_limit_tokens"`
	UsedTokens       int64          `json:"used_tokens"`
	ResetsAt         time.Time      `json:"resets_at"`
	UsageByTier      map[Tier]int64 `json:"usage_by_tier"`
}

// RemainingTokens is the unspent part of today's allowance.
func (s State) RemainingTokens() int64 {
	return s.DailyLimitTokens - s.UsedTokens
}

func (s State) clone() State {
	c := s
	c.UsageByTier = make(map[Tier]int64, len(s.UsageByTier))
	for k, v := range s.UsageByTier {
		c.UsageByTier[k] = v
	}
	return c
}

// CreditStatus answers whether a charge of a given size would fit.
type CreditStatus struct {
	HasCredit bool   `json:"has_credit"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	DailyLimit     int64          `json:"daily_limit"`
	Used           int64          `json:"used"`
	Remaining      int64          `json:"remaining"`
	Reserved       int64          `json:"reserved"`
	PercentageUsed float64        `json:"percentage_used"`
	ResetsAt       time.Time      `json:"resets_at"`
	UsageByTier    map[Tier]int64 `json:"usage_by_tier"`
}

// nextDayBoundary returns the local midnight following t.
func nextDayBoundary(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
