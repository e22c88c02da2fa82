package regen

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/rand/refinery/internal/llm/llmtest"
	"github.com/rand/refinery/internal/review"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// scriptedReviewer returns scores in order; an error entry fails that pass.
type scriptedReviewer struct {
	scores []float64
	errAt  map[int]error
	calls  int
}

func (s *scriptedReviewer) Review(_ context.Context, _, content string) (review.Verdict, error) {
	s.calls++
	if err := s.errAt[s.calls]; err != nil {
		return review.Verdict{Score: review.NeutralScore}, err
	}
	score := s.scores[min(s.calls, len(s.scores))-1]
	return review.Verdict{Score: score, Critique: "improve " + content, Parsed: true}, nil
}

// drafts generates "draft N" candidates and records feedback.
type drafts struct {
	n         int
	toolCalls int
	failAt    int
	feedback  []Feedback
}

func (d *drafts) generate(_ context.Context, fb Feedback) (*Candidate, error) {
	d.n++
	d.feedback = append(d.feedback, fb)
	if d.failAt == d.n {
		return nil, errors.New("generation failed")
	}
	c := NewCandidate(fmt.Sprintf("draft %d", d.n), "")
	c.ToolCalls = d.toolCalls
	return c, nil
}

func TestControllerAcceptsOnThirdPass(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.4, 0.6, 0.8}}
	gen := &drafts{}
	var seen []ReviewEvent
	c := NewController(rev, Config{
		Threshold:        0.7,
		MaxPasses:        3,
		MaxRegenerations: 2,
		OnEvent:          func(ev ReviewEvent) { seen = append(seen, ev) },
	})

	res, err := c.Run(context.Background(), Request{Question: "q"}, gen.generate)
	require.NoError(t, err)

	assert.Equal(t, "draft 3", res.Candidate.Content)
	assert.True(t, res.Accepted)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, res.Regenerations)
	assert.Equal(t, 3, res.Passes)
	assert.InDelta(t, 0.8, res.FinalScore, 1e-9)

	require.Len(t, res.Events, 3)
	assert.Equal(t, res.Events, seen)
	for i, ev := range res.Events {
		assert.Equal(t, i+1, ev.Iteration)
		assert.Equal(t, StatusOK, ev.Status)
		assert.InDelta(t, 0.7, ev.Threshold, 1e-9)
	}
	assert.False(t, res.Events[0].Accepted)
	assert.True(t, res.Events[2].Accepted)

	// Regenerations carry the previous critique and draft.
	require.Len(t, gen.feedback, 3)
	assert.Zero(t, gen.feedback[0])
	assert.Equal(t, 1, gen.feedback[1].Pass)
	assert.Equal(t, "improve draft 1", gen.feedback[1].Critique)
	assert.Equal(t, "draft 1", gen.feedback[1].Previous.Content)
}

func TestControllerExhaustedKeepsBest(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.6, 0.3, 0.5}}
	gen := &drafts{}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 3, MaxRegenerations: 2})

	res, err := c.Run(context.Background(), Request{Question: "q"}, gen.generate)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.False(t, res.Accepted)
	assert.Equal(t, "draft 1", res.Candidate.Content)
	assert.InDelta(t, 0.6, res.FinalScore, 1e-9)
	assert.Equal(t, 3, res.Passes)
	assert.Equal(t, 2, res.Regenerations)
}

func TestControllerTiesKeepEarliest(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.5, 0.5}}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 2, MaxRegenerations: 1})

	res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
	require.NoError(t, err)
	assert.Equal(t, "draft 1", res.Candidate.Content)
}

func TestControllerBounds(t *testing.T) {
	tests := []struct {
		name      string
		passes    int
		regens    int
		wantPass  int
		wantRegen int
	}{
		{"passes bound", 2, 5, 2, 1},
		{"regenerations bound", 5, 1, 2, 1},
		{"review only", 3, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rev := &scriptedReviewer{scores: []float64{0.1}}
			c := NewController(rev, Config{Threshold: 0.9, MaxPasses: tt.passes, MaxRegenerations: tt.regens})

			res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPass, res.Passes)
			assert.Equal(t, tt.wantRegen, res.Regenerations)
		})
	}
}

func TestControllerUsesInitialCandidate(t *testing.T) {
	gen := &drafts{}
	c := NewController(&scriptedReviewer{scores: []float64{0.95}}, Config{Threshold: 0.7})

	initial := NewCandidate("prepared", "")
	res, err := c.Run(context.Background(), Request{Question: "q", Initial: initial}, gen.generate)
	require.NoError(t, err)
	assert.Same(t, initial, res.Candidate)
	assert.Zero(t, gen.n)
}

func TestControllerDeadlock(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.2}}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 10, MaxRegenerations: 10})

	res, err := c.Run(context.Background(), Request{Question: "q", ToolsAvailable: true}, (&drafts{}).generate)
	require.NoError(t, err)
	assert.True(t, res.Deadlock)
	assert.Equal(t, OutcomeDeadlock, res.Outcome)
	assert.Equal(t, 2, res.Passes)
	assert.Contains(t, res.Warning, "never invoked")
}

func TestControllerNoDeadlockWhenToolsUsed(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.2}}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 4, MaxRegenerations: 10})

	res, err := c.Run(context.Background(), Request{Question: "q", ToolsAvailable: true}, (&drafts{toolCalls: 1}).generate)
	require.NoError(t, err)
	assert.False(t, res.Deadlock)
	assert.Equal(t, 4, res.Passes)
}

func TestProperty_DeadlockBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRegen := rapid.IntRange(2, 50).Draw(rt, "maxRegenerations")
		maxPasses := rapid.IntRange(2, 50).Draw(rt, "maxPasses")
		rev := &scriptedReviewer{scores: []float64{0.1}}
		c := NewController(rev, Config{Threshold: 0.9, MaxPasses: maxPasses, MaxRegenerations: maxRegen})

		res, err := c.Run(context.Background(), Request{Question: "q", ToolsAvailable: true}, (&drafts{}).generate)
		require.NoError(rt, err)
		assert.Equal(rt, 2, res.Passes)
		assert.True(rt, res.Deadlock)
	})
}

func TestProperty_FinalScoreIsMax(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "passes")
		scores := rapid.SliceOfN(rapid.Float64Range(0, 1), n, n).Draw(rt, "scores")
		threshold := rapid.Float64Range(0, 1).Draw(rt, "threshold")

		rev := &scriptedReviewer{scores: scores}
		c := NewController(rev, Config{Threshold: threshold, MaxPasses: n, MaxRegenerations: n})

		res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
		require.NoError(rt, err)

		seen := scores[:res.Passes]
		assert.Equal(rt, slices.Max(seen), res.FinalScore)
		assert.Equal(rt, res.FinalScore, res.Candidate.ScoreValue())
		if res.Accepted {
			assert.GreaterOrEqual(rt, res.FinalScore, threshold)
		} else {
			assert.Equal(rt, n, res.Passes)
		}
	})
}

func TestControllerReviewErrorKeepsBest(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.5}, errAt: map[int]error{2: errors.New("review timeout")}}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 3, MaxRegenerations: 2})

	res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorContains(t, res.Err, "review timeout")
	assert.Equal(t, "draft 1", res.Candidate.Content)
	assert.InDelta(t, 0.5, res.FinalScore, 1e-9)

	require.Len(t, res.Events, 2)
	last := res.Events[1]
	assert.Equal(t, StatusError, last.Status)
	assert.Zero(t, last.Score)
	assert.False(t, last.Accepted)
}

func TestControllerFirstReviewError(t *testing.T) {
	rev := &scriptedReviewer{errAt: map[int]error{1: errors.New("down")}}
	c := NewController(rev, Config{Threshold: 0.7})

	res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
	require.NoError(t, err)
	assert.Equal(t, "draft 1", res.Candidate.Content)
	assert.False(t, res.Candidate.Scored())
	assert.Zero(t, res.FinalScore)
}

func TestControllerRegenerationErrorKeepsBest(t *testing.T) {
	rev := &scriptedReviewer{scores: []float64{0.4}}
	c := NewController(rev, Config{Threshold: 0.9, MaxPasses: 3, MaxRegenerations: 2})

	res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{failAt: 2}).generate)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "draft 1", res.Candidate.Content)
	assert.Len(t, res.Events, 1)
}

func TestControllerNoCandidate(t *testing.T) {
	c := NewController(&scriptedReviewer{}, Config{Threshold: 0.7})

	_, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{failAt: 1}).generate)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestControllerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var events int
	rev := &cancellingReviewer{cancel: cancel}
	c := NewController(rev, Config{Threshold: 0.7, OnEvent: func(ReviewEvent) { events++ }})

	_, err := c.Run(ctx, Request{Question: "q"}, (&drafts{}).generate)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, events)
}

type cancellingReviewer struct{ cancel context.CancelFunc }

func (r *cancellingReviewer) Review(ctx context.Context, _, _ string) (review.Verdict, error) {
	r.cancel()
	return review.Verdict{}, ctx.Err()
}

func TestControllerWithReviewer(t *testing.T) {
	ep := llmtest.New("reviewer",
		llmtest.Reply("Score: 0.3\nCritique: too short", 10),
		llmtest.Reply("Quality score: 0.9\nCritique: fine", 10),
	)
	c := NewController(review.New(review.Config{Endpoint: ep}), Config{Threshold: 0.7, MaxPasses: 3, MaxRegenerations: 2})

	res, err := c.Run(context.Background(), Request{Question: "q"}, (&drafts{}).generate)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "draft 2", res.Candidate.Content)
	assert.Equal(t, "too short", res.Events[0].Critique)

	diff, ok := res.Candidate.Debug["diff"].(string)
	require.True(t, ok)
	assert.Contains(t, diff, "-draft 1")
	assert.Contains(t, diff, "+draft 2")
}
