// Package budget tracks daily deep-tier token consumption.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Ledger is the process-wide daily token budget. All mutation is serialized
// by a single mutex; day rollover is checked lazily on every access.
type Ledger struct {
	mu sync.Mutex

	state    State
	reserved int64
	limits   Limits
	warned   bool

	store  Store
	key    string
	now    func() time.Time
	logger *slog.Logger

	onEvent func(Event)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// Limits are the ledger limits. Zero values take DefaultLimits.
	Limits Limits

	// Store persists snapshots. Nil disables Save and Load.
	Store Store

	// SnapshotKey names the snapshot inside Store.
	SnapshotKey string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Logger for events.
	Logger *slog.Logger
}

// Event represents a ledger event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Tier      Tier      `json:"tier,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Snapshot  Snapshot  `json:"snapshot"`
	Message   string    `json:"message"`
}

// EventType categorizes ledger events.
type EventType string

const (
	EventUsed     EventType = "used"
	EventReset    EventType = "reset"
	EventWarning  EventType = "warning_threshold"
	EventExceeded EventType = "limit_exceeded"
)

// NewLedger creates a ledger with a fresh day.
func NewLedger(cfg LedgerConfig) *Ledger {
	defaults := DefaultLimits()
	if cfg.Limits.DailyLimitTokens <= 0 {
		cfg.Limits.DailyLimitTokens = defaults.DailyLimitTokens
	}
	if cfg.Limits.WarningThreshold <= 0 {
		cfg.Limits.WarningThreshold = defaults.WarningThreshold
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = "budget/ledger"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Ledger{
		limits: cfg.Limits,
		store:  cfg.Store,
		key:    cfg.SnapshotKey,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	l.state = l.freshState()
	return l
}

func (l *Ledger) freshState() State {
	return State{
		DailyLimitTokens: l.limits.DailyLimitTokens,
		ResetsAt:         nextDayBoundary(l.now()),
		UsageByTier:      make(map[Tier]int64, len(Tiers)),
	}
}

// SetEventCallback sets the callback for ledger events. The callback runs
// after the ledger lock is released.
func (l *Ledger) SetEventCallback(cb func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = cb
}

// Use charges amount tokens to tier.
func (l *Ledger) Use(amount int64, tier string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	t, err := ParseTier(tier)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.rolloverLocked()
	if available := l.availableLocked(); amount > available {
		ev := l.eventLocked(EventExceeded, t, amount,
			fmt.Sprintf("daily limit exceeded: requested %d, available %d", amount, available))
		l.mu.Unlock()
		l.emit(ev)
		return fmt.Errorf("%w: requested %d, available %d", ErrBudgetExceeded, amount, available)
	}
	events := l.chargeLocked(t, amount)
	l.mu.Unlock()

	l.emit(events...)
	return nil
}

// HasCredit reports whether amount tokens would currently fit. An amount of
// zero or less asks whether any credit is left at all.
func (l *Ledger) HasCredit(amount int64) bool {
	return l.CreditStatus(amount).HasCredit
}

// CreditStatus explains whether amount tokens would currently fit.
func (l *Ledger) CreditStatus(amount int64) CreditStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	return l.creditLocked(amount)
}

func (l *Ledger) creditLocked(amount int64) CreditStatus {
	available := l.availableLocked()
	status := CreditStatus{HasCredit: true, Remaining: available}
	switch {
	case amount <= 0 && available <= 0:
		status.HasCredit = false
		status.Reason = fmt.Sprintf("daily limit of %d tokens exceeded", l.state.DailyLimitTokens)
	case amount > available:
		status.HasCredit = false
		status.Reason = fmt.Sprintf("request of %d tokens exceeded remaining budget of %d", amount, available)
	}
	return status
}

// Reset clears today's usage and moves the boundary to the next day.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.state = l.freshState()
	l.warned = false
	ev := l.eventLocked(EventReset, "", 0, "budget reset")
	l.mu.Unlock()

	l.emit(ev)
}

// Budget returns a snapshot of the ledger.
func (l *Ledger) Budget() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	return l.snapshotLocked()
}

// Limits returns the configured limits.
func (l *Ledger) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

func (l *Ledger) availableLocked() int64 {
	return l.state.RemainingTokens() - l.reserved
}

// rolloverLocked resets the day when the boundary has passed.
func (l *Ledger) rolloverLocked() {
	now := l.now()
	if now.Before(l.state.ResetsAt) {
		return
	}
	l.logger.Info("budget day rolled over",
		"used", l.state.UsedTokens,
		"resets_at", l.state.ResetsAt)
	l.state = l.freshState()
	l.warned = false
}

func (l *Ledger) chargeLocked(t Tier, amount int64) []Event {
	l.state.UsedTokens += amount
	l.state.UsageByTier[t] += amount

	events := []Event{l.eventLocked(EventUsed, t, amount, fmt.Sprintf("charged %d %s tokens", amount, t))}

	pct := float64(l.state.UsedTokens) / float64(l.state.DailyLimitTokens)
	if !l.warned && pct >= l.limits.WarningThreshold {
		l.warned = true
		l.logger.Warn("budget warning",
			"used", l.state.UsedTokens,
			"limit", l.state.DailyLimitTokens,
			"percent", pct*100)
		events = append(events, l.eventLocked(EventWarning, t, 0,
			fmt.Sprintf("deep tokens at %.0f%% of daily limit", pct*100)))
	}
	return events
}

func (l *Ledger) snapshotLocked() Snapshot {
	s := l.state.clone()
	pct := 0.0
	if s.DailyLimitTokens > 0 {
		pct = float64(s.UsedTokens) / float64(s.DailyLimitTokens) * 100
	}
	return Snapshot{
		DailyLimit:     s.DailyLimitTokens,
		Used:           s.UsedTokens,
		Remaining:      s.RemainingTokens(),
		Reserved:       l.reserved,
		PercentageUsed: pct,
		ResetsAt:       s.ResetsAt,
		UsageByTier:    s.UsageByTier,
	}
}

func (l *Ledger) eventLocked(typ EventType, t Tier, amount int64, msg string) Event {
	return Event{
		Type:      typ,
		Timestamp: l.now(),
		Tier:      t,
		Amount:    amount,
		Snapshot:  l.snapshotLocked(),
		Message:   msg,
	}
}

func (l *Ledger) emit(events ...Event) {
	l.mu.Lock()
	cb := l.onEvent
	l.mu.Unlock()
	if cb == nil {
		return
	}
	for _, e := range events {
		cb(e)
	}
}
