package telemetry

import (
	"context"
	"fmt"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

const appID = "refinery"

// enqueuer is the part of posthog.Client the sink uses.
type enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

// PostHogSink forwards events to PostHog, keyed by an anonymized machine id.
type PostHogSink struct {
	client     enqueuer
	distinctID string
}

// NewPostHogSink creates a PostHog sink. endpoint may be empty.
func NewPostHogSink(apiKey, endpoint string) (*PostHogSink, error) {
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, fmt.Errorf("create posthog client: %w", err)
	}
	return newPostHogSink(client), nil
}

func newPostHogSink(client enqueuer) *PostHogSink {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		id = uuid.New().String()
	}
	return &PostHogSink{client: client, distinctID: id}
}

// Append enqueues ev; delivery is batched by the client.
func (s *PostHogSink) Append(_ context.Context, ev Event) error {
	ev = stamp(ev)

	props := posthog.NewProperties().Set("event_id", ev.ID)
	for k, v := range ev.Fields {
		props.Set(k, v)
	}
	if ev.TraceID != "" {
		props.Set("trace_id", ev.TraceID)
	}
	if ev.ConvID != "" {
		props.Set("conv_id", ev.ConvID)
	}

	return s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinctID,
		Event:      ev.Name,
		Timestamp:  ev.Timestamp,
		Properties: props,
	})
}

// Close flushes pending events.
func (s *PostHogSink) Close() error {
	return s.client.Close()
}
