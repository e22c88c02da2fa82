package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/config"
	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/llm/llmtest"
	"github.com/rand/refinery/internal/regen"
	"github.com/rand/refinery/internal/routing"
	"github.com/rand/refinery/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) Append(_ context.Context, ev telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, ev := range s.events {
		names[i] = ev.Name
	}
	return names
}

func (s *recordingSink) last() telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type fixedClassifier struct {
	cls routing.Classification
}

func (f fixedClassifier) Classify(context.Context, routing.Request) (*routing.Classification, error) {
	c := f.cls
	return &c, nil
}

func (fixedClassifier) RecordOutcome(context.Context, routing.Request, *routing.Classification, routing.Outcome) {
}

type harness struct {
	deep     *llmtest.Scripted
	rote     *llmtest.Scripted
	reviewer *llmtest.Scripted
	sink     *recordingSink
	ledger   *budget.Ledger
	orch     *Orchestrator
}

type harnessOptions struct {
	cls   routing.Classification
	limit int64
	edit  func(*config.Config)
}

func newHarness(opts harnessOptions) *harness {
	cfg := config.Default()
	cfg.Chunking.Enabled = false
	if opts.edit != nil {
		opts.edit(&cfg)
	}
	if opts.cls.Tier == "" {
		opts.cls.Tier = budget.TierRote
	}
	if opts.limit == 0 {
		opts.limit = 100_000
	}

	h := &harness{
		deep:     llmtest.New("deep"),
		rote:     llmtest.New("rote"),
		reviewer: llmtest.New("reviewer"),
		sink:     &recordingSink{},
		ledger:   budget.NewLedger(budget.LedgerConfig{Limits: budget.Limits{DailyLimitTokens: opts.limit}}),
	}
	router, err := routing.NewRouter(routing.Config{
		Deep:         h.deep,
		Rote:         h.rote,
		Classifier:   fixedClassifier{cls: opts.cls},
		Ledger:       h.ledger,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	h.orch, err = New(Options{
		Config:         cfg,
		Router:         router,
		ReviewEndpoint: h.reviewer,
		Telemetry:      telemetry.NewSafe(h.sink, nil),
	})
	if err != nil {
		panic(err)
	}
	return h
}

func ask(text string) Request {
	return Request{Messages: []llm.Message{llm.User(text)}, TraceID: "trace-1"}
}

func scores(events []regen.ReviewEvent) []float64 {
	out := make([]float64, len(events))
	for i, ev := range events {
		out[i] = ev.Score
	}
	return out
}

func TestNewRequiresRouterAndReviewer(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(harnessOptions{})
	_, err = New(Options{Router: h.orch.Router()})
	assert.Error(t, err)
}

func TestOrchestrateRegeneratesUntilAccepted(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(
		llmtest.Reply("Draft one.", 10),
		llmtest.Reply("Draft two.", 10),
		llmtest.Reply("Draft three.", 10),
	)
	h.reviewer.Push(
		llmtest.Reply("Score: 0.4\nCritique: add examples", 5),
		llmtest.Reply("Score: 0.6\nCritique: tighten the wording", 5),
		llmtest.Reply("Score: 0.8\nCritique: good", 5),
	)

	res, err := h.orch.Orchestrate(context.Background(), ask("explain channels"))
	require.NoError(t, err)

	assert.Equal(t, "Draft three.", res.Content)
	assert.True(t, res.Reviewed)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, res.ReviewPasses)
	assert.Equal(t, 2, res.Regenerations)
	assert.InDelta(t, 0.8, res.FinalScore, 1e-9)
	assert.Equal(t, []float64{0.4, 0.6, 0.8}, scores(res.Events))
	assert.Equal(t, budget.TierRote, res.Tier)
	assert.Equal(t, int64(30), res.Tokens)
	assert.Equal(t, "trace-1", res.TraceID)

	// Regeneration sees the previous answer and the critique.
	calls := h.rote.Calls()
	require.Len(t, calls, 3)
	retry := calls[1].Messages
	require.Len(t, retry, 3)
	assert.Equal(t, "Draft one.", retry[1].Content)
	assert.Contains(t, retry[2].Content, "0.40")
	assert.Contains(t, retry[2].Content, "add examples")

	assert.Equal(t, []string{
		telemetry.EventOrchestrationStart,
		telemetry.EventRouteOutcome, telemetry.EventReviewPass,
		telemetry.EventRouteOutcome, telemetry.EventReviewPass,
		telemetry.EventRouteOutcome, telemetry.EventReviewPass,
		telemetry.EventOrchestrationEnd,
	}, h.sink.names())
	end := h.sink.last()
	assert.Equal(t, "trace-1", end.TraceID)
	assert.Equal(t, 3, end.Fields["review_passes"])
}

func TestOrchestrateExhaustedKeepsBest(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Reply("First.", 1), llmtest.Reply("Second.", 1), llmtest.Reply("Third.", 1))
	h.reviewer.Push(
		llmtest.Reply("Score: 0.6", 1),
		llmtest.Reply("Score: 0.3", 1),
		llmtest.Reply("Score: 0.5", 1),
	)

	res, err := h.orch.Orchestrate(context.Background(), ask("q"))
	require.NoError(t, err)
	assert.Equal(t, "First.", res.Content)
	assert.False(t, res.Accepted)
	assert.Equal(t, 3, res.ReviewPasses)
	assert.InDelta(t, 0.6, res.FinalScore, 1e-9)
}

func TestOrchestrateGeneratesTraceID(t *testing.T) {
	h := newHarness(harnessOptions{edit: func(c *config.Config) { c.Mode = config.ModeNever }})
	h.rote.Push(llmtest.Reply("Hi.", 1))

	res, err := h.orch.Orchestrate(context.Background(), Request{Messages: []llm.Message{llm.User("hi")}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TraceID)
}

func TestReviewSkipped(t *testing.T) {
	tests := []struct {
		name string
		edit func(*config.Config)
	}{
		{"mode never", func(c *config.Config) { c.Mode = config.ModeNever }},
		{"disabled", func(c *config.Config) { c.Enabled = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(harnessOptions{edit: tt.edit})
			h.rote.Push(llmtest.Reply("Only answer.", 4))

			res, err := h.orch.Orchestrate(context.Background(), ask("q"))
			require.NoError(t, err)
			assert.Equal(t, "Only answer.", res.Content)
			assert.False(t, res.Reviewed)
			assert.Zero(t, res.ReviewPasses)
			assert.Zero(t, h.reviewer.CallCount())
		})
	}
}

func TestModeOnError(t *testing.T) {
	onError := func(c *config.Config) { c.Mode = config.ModeOnError }

	t.Run("clean call is not reviewed", func(t *testing.T) {
		h := newHarness(harnessOptions{edit: onError})
		h.rote.Push(llmtest.Reply("Fine.", 1))

		res, err := h.orch.Orchestrate(context.Background(), ask("q"))
		require.NoError(t, err)
		assert.False(t, res.Reviewed)
		assert.Zero(t, h.reviewer.CallCount())
	})

	t.Run("fallback is reviewed", func(t *testing.T) {
		h := newHarness(harnessOptions{edit: onError, cls: routing.Classification{Tier: budget.TierDeep}})
		h.deep.Push(llmtest.Fail(errors.New("upstream 500")))
		h.rote.Push(llmtest.Reply("Rote answer.", 3))
		h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

		res, err := h.orch.Orchestrate(context.Background(), ask("q"))
		require.NoError(t, err)
		assert.True(t, res.Reviewed)
		assert.True(t, res.Accepted)
		assert.Equal(t, budget.TierRote, res.Tier)
		assert.Contains(t, res.FallbackReason, "upstream 500")
	})
}

func TestModeOnIncomplete(t *testing.T) {
	onIncomplete := func(c *config.Config) { c.Mode = config.ModeOnIncomplete }

	tests := []struct {
		name   string
		step   llmtest.Step
		review bool
	}{
		{"complete", llmtest.Reply("This is done.", 1), false},
		{"no terminal punctuation", llmtest.Reply("and then the", 1), true},
		{"open code fence", llmtest.Reply("```go\nfmt.Println(1)", 1), true},
		{"truncated", llmtest.Step{Response: &llm.Response{Content: "Looks fine.", FinishReason: "length"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(harnessOptions{edit: onIncomplete})
			h.rote.Push(tt.step)
			h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

			res, err := h.orch.Orchestrate(context.Background(), ask("q"))
			require.NoError(t, err)
			assert.Equal(t, tt.review, res.Reviewed)
		})
	}
}

func TestModeOnComplex(t *testing.T) {
	onComplex := func(c *config.Config) { c.Mode = config.ModeOnComplex }

	tests := []struct {
		name   string
		cls    routing.Classification
		review bool
	}{
		{"simple rote", routing.Classification{Tier: budget.TierRote, Scores: routing.Scores{Complexity: 0.2}}, false},
		{"complex rote", routing.Classification{Tier: budget.TierRote, Scores: routing.Scores{Complexity: 0.7}}, true},
		{"deep", routing.Classification{Tier: budget.TierDeep}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(harnessOptions{edit: onComplex, cls: tt.cls})
			h.deep.Push(llmtest.Reply("Deep.", 1))
			h.rote.Push(llmtest.Reply("Rote.", 1))
			h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

			res, err := h.orch.Orchestrate(context.Background(), ask("q"))
			require.NoError(t, err)
			assert.Equal(t, tt.review, res.Reviewed)
		})
	}
}

func TestBudgetOverrideSurfaced(t *testing.T) {
	h := newHarness(harnessOptions{
		cls:   routing.Classification{Tier: budget.TierDeep},
		limit: 10,
		edit:  func(c *config.Config) { c.Mode = config.ModeNever },
	})
	h.rote.Push(llmtest.Reply("Cheap answer.", 50))

	res, err := h.orch.Orchestrate(context.Background(), ask("a question that costs more than ten tokens"))
	require.NoError(t, err)
	assert.True(t, res.BudgetOverride)
	assert.Equal(t, budget.TierRote, res.Tier)
	assert.Zero(t, h.deep.CallCount())
	assert.Equal(t, true, h.sink.last().Fields["budget_override"])
}

func TestDeadlockStopsLoop(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Reply("Guess one.", 1), llmtest.Reply("Guess two.", 1), llmtest.Reply("Guess three.", 1))
	h.reviewer.Push(llmtest.Reply("Score: 0.2", 1), llmtest.Reply("Score: 0.3", 1), llmtest.Reply("Score: 0.4", 1))

	req := ask("look it up")
	req.Tools = []llm.Tool{{Name: "search", Description: "web search"}}

	res, err := h.orch.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Deadlock)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, 2, res.ReviewPasses)
	assert.Equal(t, "Guess two.", res.Content)
}

func TestReviewErrorKeepsCandidate(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Reply("Answer.", 1))
	h.reviewer.Push(llmtest.Fail(errors.New("reviewer down")))

	res, err := h.orch.Orchestrate(context.Background(), ask("q"))
	require.NoError(t, err)
	assert.Equal(t, "Answer.", res.Content)
	assert.False(t, res.Accepted)
	require.Len(t, res.Events, 1)
	assert.Equal(t, regen.StatusError, res.Events[0].Status)
	assert.Zero(t, res.FinalScore)
}

func TestNoCandidate(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Fail(errors.New("all down")))

	_, err := h.orch.Orchestrate(context.Background(), ask("q"))
	require.ErrorIs(t, err, regen.ErrNoCandidate)

	end := h.sink.last()
	assert.Equal(t, telemetry.EventOrchestrationEnd, end.Name)
	assert.Contains(t, end.Fields["error"], "all down")
}

func TestCancellationStopsEvents(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Reply("Answer.", 1))
	h.reviewer.Block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.orch.Orchestrate(ctx, ask("q"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{telemetry.EventOrchestrationStart, telemetry.EventRouteOutcome}, h.sink.names())
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	h := newHarness(harnessOptions{})
	h.rote.Push(llmtest.Reply("Answer.", 1))
	h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

	req := ask("q")
	req.Strategy = "fancy"
	res, err := h.orch.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyFinalOnly, res.Strategy)
}

func chunked(strategy config.Strategy) func(*config.Config) {
	return func(c *config.Config) {
		c.Chunking.Enabled = true
		c.Chunking.MinRequestChars = 0
		c.Strategy = strategy
	}
}

func pushOutline(h *harness) {
	h.rote.Push(
		llmtest.Reply("Chunk 1: Intro - basics\nChunk 2: Usage - examples", 8),
		llmtest.Reply("Intro text.", 5),
		llmtest.Reply("Usage text.", 5),
	)
}

func TestChunkedPerChunk(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyPerChunk)})
	pushOutline(h)
	h.reviewer.Push(llmtest.Reply("Score: 0.5\nCritique: thin", 1), llmtest.Reply("Score: 0.9\nCritique: solid", 1))

	res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Intro", "Usage"}, res.Outline.Labels())
	assert.Equal(t, "Intro text.\n\nUsage text.", res.Content)
	assert.Equal(t, 2, res.ReviewPasses)
	assert.Zero(t, res.Regenerations)
	assert.InDelta(t, 0.9, res.FinalScore, 1e-9)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(18), res.Tokens)

	require.Len(t, res.Chunks, 2)
	require.NotNil(t, res.Chunks[0].Score)
	assert.InDelta(t, 0.5, *res.Chunks[0].Score, 1e-9)
	assert.Equal(t, "thin", res.Chunks[0].Critique)
	assert.True(t, res.Chunks[1].Reviewed)
	assert.Equal(t, "Usage", res.Events[1].Label)

	// The planning call and each chunk were routed separately.
	assert.Equal(t, 3, h.rote.CallCount())
	assert.Contains(t, h.reviewer.Calls()[1].Messages[1].Content, "Section 2 of 2: Usage")
}

func TestChunkedFinalOnly(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyFinalOnly)})
	pushOutline(h)
	h.reviewer.Push(llmtest.Reply("Score: 0.3\nCritique: needs depth", 1))

	res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
	require.NoError(t, err)

	assert.Equal(t, "Intro text.\n\nUsage text.", res.Content)
	assert.Equal(t, 1, h.reviewer.CallCount())
	assert.Equal(t, 1, res.ReviewPasses)
	assert.Zero(t, res.Regenerations)
	assert.False(t, res.Accepted)
	assert.False(t, res.Chunks[0].Reviewed)
	assert.Equal(t, 3, h.rote.CallCount())
}

func TestChunkedBoth(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyBoth)})
	pushOutline(h)
	h.reviewer.Push(
		llmtest.Reply("Score: 0.5", 1),
		llmtest.Reply("Score: 0.6", 1),
		llmtest.Reply("Score: 0.9", 1),
	)

	res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.ReviewPasses)
	assert.Equal(t, []float64{0.5, 0.6, 0.9}, scores(res.Events))
	assert.Equal(t, 3, res.Events[2].Iteration)
	assert.Empty(t, res.Events[2].Label)
	assert.InDelta(t, 0.9, res.FinalScore, 1e-9)
	assert.True(t, res.Accepted)
}

func TestChunkedPartialAnswer(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyFinalOnly)})
	h.rote.Push(
		llmtest.Reply("1. A\n2. B\n3. C", 3),
		llmtest.Reply("A text.", 2),
		llmtest.Fail(errors.New("rote down")),
	)
	h.reviewer.Push(llmtest.Reply("Score: 0.8", 1))

	res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
	require.NoError(t, err)
	assert.Equal(t, "A text.", res.Content)
	assert.Len(t, res.Chunks, 1)
	assert.True(t, strings.HasPrefix(res.Warning, "answer is partial"))
}

func TestModeOnIncompleteIgnoresOutlineTruncation(t *testing.T) {
	incompleteChunked := func(c *config.Config) {
		chunked(config.StrategyFinalOnly)(c)
		c.Mode = config.ModeOnIncomplete
	}
	outline := llm.Response{
		Content:      "Chunk 1: Intro - basics\nChunk 2: Usage - examples\nChunk 3: Tro",
		UsageTokens:  8,
		FinishReason: "length",
	}

	t.Run("complete sections", func(t *testing.T) {
		h := newHarness(harnessOptions{edit: incompleteChunked})
		plan := outline
		h.rote.Push(
			llmtest.Step{Response: &plan},
			llmtest.Reply("Intro text.", 5),
			llmtest.Reply("Usage text.", 5),
			llmtest.Reply("Tro text.", 5),
		)

		res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
		require.NoError(t, err)
		assert.False(t, res.Reviewed)
		assert.Zero(t, h.reviewer.CallCount())
	})

	t.Run("truncated section", func(t *testing.T) {
		h := newHarness(harnessOptions{edit: incompleteChunked})
		plan := outline
		h.rote.Push(
			llmtest.Step{Response: &plan},
			llmtest.Reply("Intro text.", 5),
			llmtest.Step{Response: &llm.Response{Content: "Usage text.", UsageTokens: 5, FinishReason: "length"}},
			llmtest.Reply("Tro text.", 5),
		)
		h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

		res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
		require.NoError(t, err)
		assert.True(t, res.Reviewed)
		assert.Equal(t, 1, h.reviewer.CallCount())
	})
}

func TestPlanningFailureAnswersInOnePiece(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyPerChunk)})
	h.rote.Push(llmtest.Fail(errors.New("planner down")), llmtest.Reply("Whole answer.", 4))
	h.reviewer.Push(llmtest.Reply("Score: 0.9", 1))

	res, err := h.orch.Orchestrate(context.Background(), ask("write a guide"))
	require.NoError(t, err)
	assert.Equal(t, "Whole answer.", res.Content)
	assert.Empty(t, res.Outline)
	assert.Equal(t, 1, res.ReviewPasses)
}

func TestShortOutlineReplyAnswersInOnePiece(t *testing.T) {
	h := newHarness(harnessOptions{edit: chunked(config.StrategyFinalOnly)})
	h.rote.Push(llmtest.Reply("Short enough to answer directly.", 2), llmtest.Reply("Direct.", 2))
	h.reviewer.Push(llmtest.Reply("Score: 0.4", 1), llmtest.Reply("Score: 0.9", 1))
	h.rote.Push(llmtest.Reply("Better.", 2))

	res, err := h.orch.Orchestrate(context.Background(), ask("q"))
	require.NoError(t, err)
	assert.Nil(t, res.Outline)
	assert.Equal(t, "Better.", res.Content)
	assert.Equal(t, 1, res.Regenerations)
}

func TestLooksIncomplete(t *testing.T) {
	assert.True(t, looksIncomplete(""))
	assert.True(t, looksIncomplete("trailing words"))
	assert.True(t, looksIncomplete("```\ncode"))
	assert.False(t, looksIncomplete("A sentence."))
	assert.False(t, looksIncomplete("```\ncode\n```"))
	assert.False(t, looksIncomplete("Really?"))
}
