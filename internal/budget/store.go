package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store persists ledger snapshots under a named key. Load returns nil, nil
// when nothing has been saved under key.
type Store interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// Save writes the full ledger state to the store.
func (l *Ledger) Save(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	state := l.state.clone()
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := l.store.Save(ctx, l.key, data); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Load restores state from the store. A missing snapshot leaves the
// defaults in place. The configured daily limit always wins over the
// persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	data, err := l.store.Load(ctx, l.key)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if data == nil {
		return nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state.DailyLimitTokens = l.limits.DailyLimitTokens
	state.UsedTokens = min(max(state.UsedTokens, 0), state.DailyLimitTokens)
	if state.UsageByTier == nil {
		state.UsageByTier = make(map[Tier]int64, len(Tiers))
	}
	if state.ResetsAt.IsZero() {
		state.ResetsAt = nextDayBoundary(l.now())
	}
	l.state = state
	l.rolloverLocked()

	l.logger.Debug("budget ledger loaded",
		"used", l.state.UsedTokens,
		"resets_at", l.state.ResetsAt)
	return nil
}

// AutoSave persists the ledger every interval until ctx is done, then saves
// one final time. Save failures are logged and do not stop the loop.
func (l *Ledger) AutoSave(ctx context.Context, interval time.Duration) {
	if l.store == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Save(context.WithoutCancel(ctx)); err != nil {
				l.logger.Error("failed to save budget ledger", "error", err)
			}
			return
		case <-ticker.C:
			if err := l.Save(ctx); err != nil {
				l.logger.Error("failed to save budget ledger", "error", err)
			}
		}
	}
}
