package regen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rand/refinery/internal/review"
)

// ErrNoCandidate is returned when not even a first candidate was produced.
var ErrNoCandidate = errors.New("no candidate produced")

// Reviewer scores content against the question it answers.
type Reviewer interface {
	Review(ctx context.Context, question, content string) (review.Verdict, error)
}

// Feedback is handed to the generator on each regeneration.
type Feedback struct {
	// Pass is the review pass that triggered this regeneration.
	Pass     int
	Critique string
	Score    float64
	Previous *Candidate
}

// GenerateFunc produces a candidate. The first call gets a zero Feedback.
type GenerateFunc func(ctx context.Context, fb Feedback) (*Candidate, error)

// Outcome is the terminal state of the loop.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeDeadlock  Outcome = "deadlock"
	OutcomeError     Outcome = "error"
)

// Config bounds the loop.
type Config struct {
	// Threshold is the accept score.
	Threshold float64

	// MaxPasses is the maximum number of review passes (default 3).
	MaxPasses int

	// MaxRegenerations bounds regenerations. Zero means review only.
	MaxRegenerations int

	// DeadlockPasses stops a loop that had tools available but never used
	// one after this many passes. The value is a tunable heuristic (default 2).
	DeadlockPasses int

	// OnEvent receives every ReviewEvent as it is appended.
	OnEvent func(ReviewEvent)

	Logger *slog.Logger
}

// Controller runs the GENERATE → REVIEW → {ACCEPT | REGENERATE | EXHAUSTED}
// loop. A Controller is stateless; each Run owns its own state.
type Controller struct {
	cfg      Config
	reviewer Reviewer
	logger   *slog.Logger
}

// NewController creates a controller.
func NewController(reviewer Reviewer, cfg Config) *Controller {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 3
	}
	if cfg.MaxRegenerations < 0 {
		cfg.MaxRegenerations = 0
	}
	if cfg.DeadlockPasses <= 0 {
		cfg.DeadlockPasses = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, reviewer: reviewer, logger: cfg.Logger}
}

// Request is one loop invocation.
type Request struct {
	Question string

	// Initial is an already generated first candidate. When nil the first
	// candidate comes from the generator.
	Initial *Candidate

	// ToolsAvailable arms the deadlock guard.
	ToolsAvailable bool
}

// Result is the loop outcome.
type Result struct {
	// Candidate is the accepted candidate, or the best one seen.
	Candidate *Candidate `json:"candidate"`

	Outcome       Outcome       `json:"outcome"`
	Accepted      bool          `json:"accepted"`
	Passes        int           `json:"passes"`
	Regenerations int           `json:"regenerations"`
	FinalScore    float64       `json:"final_score"`
	Events        []ReviewEvent `json:"events"`

	Deadlock bool   `json:"deadlock,omitempty"`
	Warning  string `json:"warning,omitempty"`

	// Err is an absorbed internal error that ended the loop early.
	Err error `json:"-"`
}

// Run drives the loop. Internal review or regeneration errors end the loop
// with the best candidate so far; they are returned only when no candidate
// exists. Context cancellation is always returned.
func (c *Controller) Run(ctx context.Context, req Request, generate GenerateFunc) (*Result, error) {
	cand := req.Initial
	if cand == nil {
		var err error
		cand, err = generate(ctx, Feedback{})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", ErrNoCandidate, err)
		}
		if cand == nil {
			return nil, ErrNoCandidate
		}
	}

	res := &Result{Outcome: OutcomeExhausted}
	var best *Candidate
	toolCalls := cand.ToolCalls

	for {
		res.Passes++
		pass := res.Passes

		start := time.Now()
		verdict, err := c.reviewer.Review(ctx, req.Question, cand.Content)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		elapsed := time.Since(start)

		if err != nil {
			c.append(res, ReviewEvent{
				Iteration:   pass,
				CandidateID: cand.ID,
				Threshold:   c.cfg.Threshold,
				ElapsedMs:   elapsed.Milliseconds(),
				Status:      StatusError,
				Error:       err.Error(),
			})
			c.logger.Warn("review failed, keeping best candidate", "pass", pass, "error", err)
			res.Outcome = OutcomeError
			res.Err = err
			break
		}

		cand.setScore(verdict.Score)
		cand.Critique = verdict.Critique
		// Ties keep the earliest candidate.
		if best == nil || verdict.Score > best.ScoreValue() {
			best = cand
		}

		accepted := verdict.Score >= c.cfg.Threshold
		c.append(res, ReviewEvent{
			Iteration:   pass,
			CandidateID: cand.ID,
			Score:       verdict.Score,
			Threshold:   c.cfg.Threshold,
			Critique:    verdict.Critique,
			Accepted:    accepted,
			ElapsedMs:   elapsed.Milliseconds(),
			Status:      StatusOK,
		})
		c.logger.Debug("review pass", "pass", pass, "score", verdict.Score, "accepted", accepted)

		if accepted {
			res.Outcome = OutcomeAccepted
			res.Accepted = true
			best = cand
			break
		}

		if req.ToolsAvailable && toolCalls == 0 && pass >= c.cfg.DeadlockPasses {
			res.Outcome = OutcomeDeadlock
			res.Deadlock = true
			res.Warning = fmt.Sprintf("stopped after %d review passes: tools were available but never invoked", pass)
			c.logger.Warn("planning deadlock detected", "passes", pass)
			break
		}

		if res.Regenerations >= c.cfg.MaxRegenerations || pass >= c.cfg.MaxPasses {
			break
		}

		next, err := generate(ctx, Feedback{
			Pass:     pass,
			Critique: verdict.Critique,
			Score:    verdict.Score,
			Previous: cand,
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil || next == nil {
			if err == nil {
				err = ErrNoCandidate
			}
			c.logger.Warn("regeneration failed, keeping best candidate", "pass", pass, "error", err)
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("regenerate: %w", err)
			break
		}
		res.Regenerations++
		next.diffAgainst(cand)
		toolCalls += next.ToolCalls
		cand = next
	}

	if best == nil {
		// The first review failed; the unreviewed candidate is all we have.
		best = cand
	}
	res.Candidate = best
	res.FinalScore = best.ScoreValue()
	return res, nil
}

func (c *Controller) append(res *Result, ev ReviewEvent) {
	ev.Timestamp = time.Now()
	res.Events = append(res.Events, ev)
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}
