// Package orchestrator turns one request into a quality-controlled response
// by composing the router, chunk planner, reviewer and regeneration loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/chunk"
	"github.com/rand/refinery/internal/config"
	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/regen"
	"github.com/rand/refinery/internal/review"
	"github.com/rand/refinery/internal/routing"
	"github.com/rand/refinery/internal/telemetry"
)

// Request is one orchestration request.
type Request struct {
	Messages    []llm.Message   `json:"messages"`
	Model       string          `json:"model,omitempty"`
	Tools       []llm.Tool      `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Strategy    config.Strategy `json:"strategy,omitempty"`
	ConvID      string          `json:"conv_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// Result is the terminal artifact of one request.
type Result struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	Chunks    []chunk.Result `json:"chunks,omitempty"`
	Outline   chunk.Outline  `json:"outline,omitempty"`

	ReviewPasses  int             `json:"review_passes"`
	Regenerations int             `json:"regenerations"`
	FinalScore    float64         `json:"final_score"`
	Strategy      config.Strategy `json:"strategy"`
	Reviewed      bool            `json:"reviewed"`
	Accepted      bool            `json:"accepted"`

	Events []regen.ReviewEvent `json:"events,omitempty"`

	Tier           budget.Tier             `json:"tier"`
	Classification *routing.Classification `json:"classification,omitempty"`
	BudgetOverride bool                    `json:"budget_override,omitempty"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`

	Deadlock bool   `json:"deadlock,omitempty"`
	Warning  string `json:"warning,omitempty"`

	TraceID string        `json:"trace_id"`
	ConvID  string        `json:"conv_id,omitempty"`
	Tokens  int64         `json:"tokens"`
	Elapsed time.Duration `json:"elapsed"`
}

// Options configures an Orchestrator.
type Options struct {
	Config config.Config

	// Router executes every generation. Required.
	Router *routing.Router

	// Reviewer scores candidates. Defaults to a review.Reviewer on
	// ReviewEndpoint.
	Reviewer regen.Reviewer

	// ReviewEndpoint answers review calls when Reviewer is nil.
	ReviewEndpoint llm.Endpoint

	Telemetry *telemetry.Safe
	Logger    *slog.Logger
}

// Orchestrator is safe for concurrent use; each call owns its own state.
type Orchestrator struct {
	cfg       config.Config
	router    *routing.Router
	reviewer  regen.Reviewer
	telemetry *telemetry.Safe
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Router == nil {
		return nil, errors.New("orchestrator requires a router")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reviewer == nil {
		if opts.ReviewEndpoint == nil {
			return nil, errors.New("orchestrator requires a reviewer or a review endpoint")
		}
		opts.Reviewer = review.New(review.Config{
			Endpoint:   opts.ReviewEndpoint,
			EvalTokens: opts.Config.EvalTokens,
			Logger:     opts.Logger,
		})
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewSafe(telemetry.Nop{}, opts.Logger)
	}
	return &Orchestrator{
		cfg:       opts.Config,
		router:    opts.Router,
		reviewer:  opts.Reviewer,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
	}, nil
}

// Router returns the router the orchestrator generates through.
func (o *Orchestrator) Router() *routing.Router {
	return o.router
}

// Orchestrate produces a best-effort result for req. It fails only when no
// candidate could be produced or ctx was cancelled.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	r := o.newRun(req)
	res, err := r.execute(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("orchestrate: %w", ctx.Err())
		}
		r.emit(ctx, telemetry.EventOrchestrationEnd, map[string]any{
			"error":      err.Error(),
			"elapsed_ms": time.Since(r.start).Milliseconds(),
		})
		return nil, err
	}

	res.Elapsed = time.Since(r.start)
	r.emit(ctx, telemetry.EventOrchestrationEnd, map[string]any{
		"strategy":        string(res.Strategy),
		"tier":            string(res.Tier),
		"review_passes":   res.ReviewPasses,
		"regenerations":   res.Regenerations,
		"final_score":     res.FinalScore,
		"accepted":        res.Accepted,
		"reviewed":        res.Reviewed,
		"chunks":          len(res.Chunks),
		"deadlock":        res.Deadlock,
		"tokens":          res.Tokens,
		"budget_override": res.BudgetOverride,
		"elapsed_ms":      res.Elapsed.Milliseconds(),
	})
	return res, nil
}

// resolveStrategy picks the request strategy, falling back to final_only
// for unknown names.
func (o *Orchestrator) resolveStrategy(requested config.Strategy) config.Strategy {
	s := requested
	if s == "" {
		s = o.cfg.Strategy
	}
	switch s {
	case config.StrategyPerChunk, config.StrategyFinalOnly, config.StrategyBoth:
		return s
	}
	o.logger.Warn("unknown review strategy, using final_only", "strategy", s)
	return config.StrategyFinalOnly
}

func (o *Orchestrator) newRun(req Request) *run {
	if req.TraceID == "" {
		req.TraceID = uuid.New().String()
	}
	return &run{
		o:      o,
		req:    req,
		start:  time.Now(),
		logger: o.logger.With("trace_id", req.TraceID, "conv_id", req.ConvID),
	}
}
