package budget

import (
	"fmt"
)

// Reservation holds part of the remaining budget for an in-flight call so
// that concurrent callers cannot jointly overspend.
type Reservation struct {
	ledger *Ledger
	tier   Tier
	amount int64
	done   bool
}

// Reserve checks credit and holds amount tokens for tier in one step.
func (l *Ledger) Reserve(amount int64, tier string) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	t, err := ParseTier(tier)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()
	status := l.creditLocked(amount)
	if !status.HasCredit {
		return nil, fmt.Errorf("%w: %s", ErrBudgetExceeded, status.Reason)
	}
	l.reserved += amount
	return &Reservation{ledger: l, tier: t, amount: amount}, nil
}

// Amount is the number of tokens held.
func (r *Reservation) Amount() int64 {
	return r.amount
}

// Commit releases the hold and charges actual tokens. Usage beyond what is
// left today is capped at the remaining allowance and logged.
func (r *Reservation) Commit(actual int64) error {
	l := r.ledger
	l.mu.Lock()
	if r.done {
		l.mu.Unlock()
		return fmt.Errorf("budget: reservation already settled")
	}
	r.done = true
	l.reserved -= r.amount
	l.rolloverLocked()

	if actual <= 0 {
		l.mu.Unlock()
		return nil
	}

	charge := actual
	if remaining := l.state.RemainingTokens() - l.reserved; charge > remaining {
		l.logger.Warn("deep usage exceeded remaining budget",
			"actual", actual,
			"remaining", remaining,
			"reserved", r.amount)
		charge = max(remaining, 0)
	}
	var events []Event
	if charge > 0 {
		events = l.chargeLocked(r.tier, charge)
	}
	l.mu.Unlock()

	l.emit(events...)
	return nil
}

// Release returns the hold without charging. Releasing a settled
// reservation is a no-op.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.reserved -= r.amount
}
