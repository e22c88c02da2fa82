// Package telemetry records orchestration events to best-effort sinks.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// Event names emitted by the orchestrator.
const (
	EventOrchestrationStart = "orchestration.start"
	EventRouteOutcome       = "route.outcome"
	EventReviewPass         = "review.pass"
	EventOrchestrationEnd   = "orchestration.end"
	EventBudget             = "budget"
)

// Event is one telemetry record.
type Event struct {
	ID        string
	Name      string
	TraceID   string
	ConvID    string
	Timestamp time.Time
	Fields    map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	Close() error
}

// stamp fills in the id and timestamp.
func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}

// Encode renders ev as one JSON object: the fields plus event, id, ts,
// trace_id and conv_id.
func Encode(ev Event) ([]byte, error) {
	ev = stamp(ev)

	data := []byte("{}")
	if len(ev.Fields) > 0 {
		var err error
		if data, err = json.Marshal(ev.Fields); err != nil {
			return nil, fmt.Errorf("encode %s fields: %w", ev.Name, err)
		}
	}

	stamps := []struct {
		path  string
		value string
	}{
		{"event", ev.Name},
		{"id", ev.ID},
		{"ts", ev.Timestamp.UTC().Format(time.RFC3339Nano)},
		{"trace_id", ev.TraceID},
		{"conv_id", ev.ConvID},
	}
	for _, s := range stamps {
		if s.value == "" {
			continue
		}
		var err error
		if data, err = sjson.SetBytes(data, s.path, s.value); err != nil {
			return nil, fmt.Errorf("stamp %s: %w", s.path, err)
		}
	}
	return data, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Append(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Multi fans events out to every sink.
type Multi []Sink

// Append writes to every sink and joins their errors.
func (m Multi) Append(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Safe wraps a sink so that errors and panics are logged, never returned.
type Safe struct {
	sink   Sink
	logger *slog.Logger
}

// NewSafe wraps sink. A nil sink becomes Nop.
func NewSafe(sink Sink, logger *slog.Logger) *Safe {
	if sink == nil {
		sink = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{sink: sink, logger: logger}
}

// Append never fails.
func (s *Safe) Append(ctx context.Context, ev Event) error {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("telemetry sink panicked", "event", ev.Name, "panic", p)
		}
	}()
	if err := s.sink.Append(ctx, ev); err != nil {
		s.logger.Warn("telemetry append failed", "event", ev.Name, "error", err)
	}
	return nil
}

// Emit is Append for callers that have no use for the error.
func (s *Safe) Emit(ctx context.Context, ev Event) {
	_ = s.Append(ctx, ev)
}

// Close closes the wrapped sink, logging any error.
func (s *Safe) Close() error {
	if err := s.sink.Close(); err != nil {
		s.logger.Warn("telemetry close failed", "error", err)
	}
	return nil
}
