package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/chunk"
	"github.com/rand/refinery/internal/config"
	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/regen"
	"github.com/rand/refinery/internal/routing"
	"github.com/rand/refinery/internal/telemetry"
)

// run is the state of one Orchestrate call.
type run struct {
	o      *Orchestrator
	req    Request
	start  time.Time
	logger *slog.Logger

	question string
	opts     llm.Options
	cls      *routing.Classification

	tokens    int64
	override  bool
	fallback  string
	truncated bool
	lastTier  budget.Tier
}

// planning routes outline calls to the cheap tier.
var planning = &routing.Classification{Tier: budget.TierRote, Confidence: 1, Reasoning: "outline planning"}

func (r *run) execute(ctx context.Context) (*Result, error) {
	cfg := r.o.cfg
	strategy := r.o.resolveStrategy(r.req.Strategy)

	r.question = llm.LastUser(r.req.Messages)
	r.opts = llm.Options{
		MaxTokens:   r.req.MaxTokens,
		Temperature: r.req.Temperature,
		TopP:        r.req.TopP,
		Tools:       r.req.Tools,
	}

	r.emit(ctx, telemetry.EventOrchestrationStart, map[string]any{
		"strategy": string(strategy),
		"model":    r.req.Model,
		"messages": len(r.req.Messages),
		"tools":    len(r.req.Tools),
		"mode":     string(cfg.Mode),
	})

	r.cls = r.o.router.Classify(ctx, routing.Request{Messages: r.req.Messages, Tools: r.req.Tools})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Strategy:       strategy,
		TraceID:        r.req.TraceID,
		ConvID:         r.req.ConvID,
		Classification: r.cls,
	}

	if !cfg.Enabled || cfg.Mode == config.ModeNever {
		cand, err := r.generateSingle(ctx, r.req.Messages)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", regen.ErrNoCandidate, err)
		}
		r.finish(res, cand)
		return res, nil
	}

	var outline chunk.Outline
	if cfg.Chunking.Enabled {
		planner := chunk.NewPlanner(r.planGenerate, r.chunkConfig())
		var err error
		if outline, err = planner.Plan(ctx, r.question); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("outline planning failed, answering in one piece", "error", err)
			outline = nil
		}
	}

	var (
		first  *regen.Candidate
		chunks []chunk.Result
		err    error
	)
	if len(outline) > 0 {
		res.Outline = outline
		chunks, first, err = r.generateChunks(ctx, outline, res)
	} else {
		first, err = r.generateSingle(ctx, r.req.Messages)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", regen.ErrNoCandidate, err)
	}
	res.Chunks = chunks

	if !r.shouldReview(first) {
		r.logger.Debug("review skipped by mode", "mode", cfg.Mode)
		r.finish(res, first)
		return res, nil
	}
	res.Reviewed = true

	final := first
	switch {
	case len(outline) == 0:
		out, err := r.controller(ctx, cfg.Iterations, cfg.MaxRegenerations).Run(ctx, regen.Request{
			Question:       r.question,
			Initial:        first,
			ToolsAvailable: len(r.req.Tools) > 0,
		}, r.regenerate)
		if err != nil {
			return nil, err
		}
		r.applyLoop(res, out)
		final = out.Candidate

	case strategy == config.StrategyPerChunk:
		if err := r.reviewChunks(ctx, res); err != nil {
			return nil, err
		}

	case strategy == config.StrategyFinalOnly:
		if err := r.reviewAssembled(ctx, res, first); err != nil {
			return nil, err
		}

	case strategy == config.StrategyBoth:
		if err := r.reviewChunks(ctx, res); err != nil {
			return nil, err
		}
		if err := r.reviewAssembled(ctx, res, first); err != nil {
			return nil, err
		}
	}

	res.ReviewPasses = len(res.Events)
	for _, ev := range res.Events {
		if ev.Accepted {
			res.Accepted = true
		}
	}
	r.finish(res, final)
	return res, nil
}

func (r *run) chunkConfig() chunk.Config {
	c := r.o.cfg.Chunking
	return chunk.Config{
		MaxChunks:       c.MaxChunks,
		ContextChars:    c.ContextChars,
		MinRequestChars: c.MinRequestChars,
		Logger:          r.logger,
	}
}

func (r *run) controller(ctx context.Context, passes, regenerations int) *regen.Controller {
	cfg := r.o.cfg
	return regen.NewController(r.o.reviewer, regen.Config{
		Threshold:        cfg.Threshold,
		MaxPasses:        passes,
		MaxRegenerations: regenerations,
		DeadlockPasses:   cfg.DeadlockPasses,
		OnEvent:          func(ev regen.ReviewEvent) { r.emitReview(ctx, ev) },
		Logger:           r.logger,
	})
}

// applyLoop folds a controller result into res.
func (r *run) applyLoop(res *Result, out *regen.Result) {
	res.Events = append(res.Events, out.Events...)
	res.Regenerations += out.Regenerations
	res.FinalScore = max(res.FinalScore, out.FinalScore)
	if out.Deadlock {
		res.Deadlock = true
		res.Warning = out.Warning
	}
	if out.Err != nil {
		r.logger.Warn("review loop ended early", "error", out.Err)
	}
}

// reviewAssembled reviews the assembled chunked answer once.
func (r *run) reviewAssembled(ctx context.Context, res *Result, cand *regen.Candidate) error {
	out, err := r.controller(ctx, 1, 0).Run(ctx, regen.Request{Question: r.question, Initial: cand}, r.regenerate)
	if err != nil {
		return err
	}
	for i := range out.Events {
		out.Events[i].Iteration = len(res.Events) + i + 1
	}
	r.applyLoop(res, out)
	return nil
}

// reviewChunks scores each chunk on its own. Chunks keep their content; the
// best chunk score becomes the final score.
func (r *run) reviewChunks(ctx context.Context, res *Result) error {
	threshold := r.o.cfg.Threshold
	for i := range res.Chunks {
		ch := &res.Chunks[i]
		question := fmt.Sprintf("%s\n\n(Section %d of %d: %s)", r.question, i+1, len(res.Chunks), ch.Label)

		start := time.Now()
		v, err := r.o.reviewer.Review(ctx, question, ch.Content)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev := regen.ReviewEvent{
			Iteration: len(res.Events) + 1,
			Label:     ch.Label,
			Threshold: threshold,
			ElapsedMs: time.Since(start).Milliseconds(),
			Timestamp: time.Now(),
		}
		if err != nil {
			ev.Status = regen.StatusError
			ev.Error = err.Error()
			res.Events = append(res.Events, ev)
			r.emitReview(ctx, ev)
			r.logger.Warn("chunk review failed, stopping chunk reviews", "chunk", i+1, "error", err)
			return nil
		}

		score := v.Score
		ch.Reviewed = true
		ch.Score = &score
		ch.Critique = v.Critique

		ev.Status = regen.StatusOK
		ev.Score = score
		ev.Critique = v.Critique
		ev.Accepted = score >= threshold
		res.Events = append(res.Events, ev)
		r.emitReview(ctx, ev)

		res.FinalScore = max(res.FinalScore, score)
	}
	return nil
}

// shouldReview applies the review mode to the first candidate.
func (r *run) shouldReview(first *regen.Candidate) bool {
	switch r.o.cfg.Mode {
	case config.ModeNever:
		return false
	case config.ModeOnError:
		return r.override || r.fallback != ""
	case config.ModeOnIncomplete:
		return r.truncated || looksIncomplete(first.Content)
	case config.ModeOnComplex:
		return r.cls.Tier == budget.TierDeep || r.cls.Scores.Complexity >= 0.6
	}
	return true
}

// looksIncomplete reports whether content appears cut off: an unclosed code
// fence or no terminal punctuation.
func looksIncomplete(content string) bool {
	s := strings.TrimSpace(content)
	if s == "" {
		return true
	}
	if strings.Count(s, "```")%2 == 1 {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	return !strings.ContainsRune(".!?)]}\"'`*|>。！？", last)
}

var regeneratePrompt = heredoc.Doc(`
	A reviewer scored your previous answer %.2f out of 1.

	Critique:
	%s

	Rewrite the complete answer so that it addresses the critique.
	Reply with the improved answer only.
`)

// regenerate produces a revised single-piece candidate from feedback.
func (r *run) regenerate(ctx context.Context, fb regen.Feedback) (*regen.Candidate, error) {
	msgs := append([]llm.Message(nil), r.req.Messages...)
	if fb.Previous != nil {
		msgs = append(msgs,
			llm.Assistant(fb.Previous.Content),
			llm.User(fmt.Sprintf(regeneratePrompt, fb.Score, fb.Critique)),
		)
	}
	return r.generateSingle(ctx, msgs)
}

func (r *run) generateSingle(ctx context.Context, msgs []llm.Message) (*regen.Candidate, error) {
	rr, err := r.route(ctx, msgs, r.opts, r.cls)
	if err != nil {
		return nil, err
	}
	resp := rr.Response
	r.truncated = r.truncated || resp.Truncated()
	cand := regen.NewCandidate(resp.Content, resp.Reasoning)
	cand.ToolCalls = resp.ToolCalls
	cand.SetDebug("tier", rr.Tier)
	cand.SetDebug("tokens", resp.UsageTokens)
	cand.SetDebug("attempts", rr.Attempts)
	cand.SetDebug("finish_reason", resp.FinishReason)
	if resp.Model != "" {
		cand.SetDebug("model", resp.Model)
	}
	return cand, nil
}

// generateChunks writes every outline section and assembles them. A partial
// answer is kept, with a warning, when a later section fails.
func (r *run) generateChunks(ctx context.Context, outline chunk.Outline, res *Result) ([]chunk.Result, *regen.Candidate, error) {
	w := chunk.NewWriter(r.chunkGenerate, r.chunkConfig())
	results, err := w.Write(ctx, r.req.Messages, outline, r.opts)
	if err != nil {
		if ctx.Err() != nil || len(results) == 0 {
			return nil, nil, err
		}
		res.Warning = fmt.Sprintf("answer is partial: %d of %d sections written (%v)", len(results), len(outline), err)
		r.logger.Warn("chunk generation stopped early", "written", len(results), "planned", len(outline), "error", err)
	}

	cand := regen.NewCandidate(chunk.Assemble(results), "")
	for _, c := range results {
		cand.ToolCalls += c.ToolCalls
	}
	cand.SetDebug("tier", r.lastTier)
	cand.SetDebug("chunks", len(results))
	return results, cand, nil
}

func (r *run) planGenerate(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	rr, err := r.route(ctx, msgs, opts, planning)
	if err != nil {
		return nil, err
	}
	return rr.Response, nil
}

func (r *run) chunkGenerate(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	rr, err := r.route(ctx, msgs, opts, r.cls)
	if err != nil {
		return nil, err
	}
	r.truncated = r.truncated || rr.Response.Truncated()
	return rr.Response, nil
}

// route executes one routed call and records its outcome.
func (r *run) route(ctx context.Context, msgs []llm.Message, opts llm.Options, cls *routing.Classification) (*routing.Result, error) {
	rr, err := r.o.router.Route(ctx, routing.Call{Messages: msgs, Options: opts, Classification: cls})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	fields := map[string]any{}
	if rr != nil {
		fields["tier"] = string(rr.Tier)
		fields["attempts"] = rr.Attempts
		fields["elapsed_ms"] = rr.Elapsed.Milliseconds()
		fields["budget_override"] = rr.BudgetOverride
		if rr.FallbackReason != "" {
			fields["fallback_reason"] = rr.FallbackReason
		}
		r.override = r.override || rr.BudgetOverride
		if rr.FallbackReason != "" {
			r.fallback = rr.FallbackReason
		}
		r.lastTier = rr.Tier
		if rr.Response != nil {
			fields["tokens"] = rr.Response.UsageTokens
			r.tokens += rr.Response.UsageTokens
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.emit(ctx, telemetry.EventRouteOutcome, fields)
	return rr, err
}

// finish copies the chosen candidate and run totals into res.
func (r *run) finish(res *Result, cand *regen.Candidate) {
	res.Content = cand.Content
	res.Reasoning = cand.Reasoning
	res.Tier = r.lastTier
	if t, ok := cand.Debug["tier"].(budget.Tier); ok && t != "" {
		res.Tier = t
	}
	res.Tokens = r.tokens
	res.BudgetOverride = r.override
	res.FallbackReason = r.fallback
}

func (r *run) emitReview(ctx context.Context, ev regen.ReviewEvent) {
	r.emit(ctx, telemetry.EventReviewPass, map[string]any{
		"iteration":  ev.Iteration,
		"label":      ev.Label,
		"score":      ev.Score,
		"threshold":  ev.Threshold,
		"accepted":   ev.Accepted,
		"status":     string(ev.Status),
		"error":      ev.Error,
		"elapsed_ms": ev.ElapsedMs,
	})
}

// emit records a telemetry event unless the request was cancelled.
func (r *run) emit(ctx context.Context, name string, fields map[string]any) {
	if ctx.Err() != nil {
		return
	}
	r.o.telemetry.Emit(ctx, telemetry.Event{
		Name:    name,
		TraceID: r.req.TraceID,
		ConvID:  r.req.ConvID,
		Fields:  fields,
	})
}
