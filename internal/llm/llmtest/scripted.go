// Package llmtest provides a scripted llm.Endpoint for tests and dry runs.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/rand/refinery/internal/llm"
)

// ErrScriptExhausted is returned when a Scripted endpoint runs out of steps
// and has no Fallback.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted reply. When Err is set it is returned instead of
// Response.
type Step struct {
	Response *llm.Response
	Err      error
}

// Reply is a step returning content with a token count.
func Reply(content string, tokens int64) Step {
	return Step{Response: &llm.Response{Content: content, UsageTokens: tokens, FinishReason: "stop"}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call records one request made to a Scripted endpoint.
type Call struct {
	Messages []llm.Message
	Options  llm.Options
}

// Scripted replays Steps in order.
type Scripted struct {
	mu    sync.Mutex
	name  string
	steps []Step
	calls []Call

	// Fallback answers once the script is exhausted. Nil means return
	// ErrScriptExhausted.
	Fallback func(messages []llm.Message, opts llm.Options) (*llm.Response, error)

	// Block makes Generate wait for context cancellation.
	Block bool
}

// New creates a scripted endpoint.
func New(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// Name returns the endpoint name.
func (s *Scripted) Name() string { return s.name }

// Generate returns the next scripted step.
func (s *Scripted) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Messages: append([]llm.Message(nil), messages...), Options: opts})
	block := s.Block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.steps) == 0 {
		fallback := s.Fallback
		s.mu.Unlock()
		if fallback != nil {
			return fallback(messages, opts)
		}
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Push appends steps to the script.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls returns the requests received so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of requests received so far.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var _ llm.Endpoint = (*Scripted)(nil)
