// Package review scores generated candidates with a secondary model call.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/refinery/internal/llm"
)

// Verdict is the outcome of one review call.
type Verdict struct {
	Score    float64 `json:"score"`
	Critique string  `json:"critique"`

	// Parsed is false when the score fell back to NeutralScore.
	Parsed bool `json:"parsed"`

	Raw     string        `json:"raw,omitempty"`
	Tokens  int64         `json:"tokens"`
	Elapsed time.Duration `json:"elapsed"`
}

// Reviewer scores a candidate against the question it answers.
type Reviewer struct {
	endpoint   llm.Endpoint
	evalTokens int
	maxInput   int
	logger     *slog.Logger
}

// Config configures a Reviewer.
type Config struct {
	// Endpoint answers review calls.
	Endpoint llm.Endpoint

	// EvalTokens is the output budget of one review (default 400).
	EvalTokens int

	// MaxCandidateChars truncates very long candidates before review
	// (default 24000).
	MaxCandidateChars int

	Logger *slog.Logger
}

// New creates a reviewer.
func New(cfg Config) *Reviewer {
	if cfg.EvalTokens <= 0 {
		cfg.EvalTokens = 400
	}
	if cfg.MaxCandidateChars <= 0 {
		cfg.MaxCandidateChars = 24000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reviewer{
		endpoint:   cfg.Endpoint,
		evalTokens: cfg.EvalTokens,
		maxInput:   cfg.MaxCandidateChars,
		logger:     cfg.Logger,
	}
}

var systemPrompt = heredoc.Doc(`
	You are a strict reviewer of AI assistant answers.
	Judge whether the answer fully and correctly addresses the question.
	Rate it on a scale of 0 to 1, where:
	- 0.0-0.3: wrong, off-topic or unusable
	- 0.3-0.6: partially correct or missing important parts
	- 0.6-0.8: correct with minor gaps
	- 0.8-1.0: complete, correct and well organized

	Respond in this exact format:
	Score: [0.0-1.0]
	Critique: [the most important concrete improvements]
`)

// Review scores content as an answer to question. An empty or unparseable
// review yields NeutralScore without error; the error is non-nil only when
// the review call itself failed.
func (r *Reviewer) Review(ctx context.Context, question, content string) (Verdict, error) {
	start := time.Now()
	neutral := Verdict{Score: NeutralScore}

	if len(content) > r.maxInput {
		cut := r.maxInput
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n[truncated]"
	}

	prompt := heredoc.Docf(`
		Question:
		%s

		Answer to review:
		%s
	`, question, content)

	resp, err := r.endpoint.Generate(ctx, []llm.Message{
		llm.System(systemPrompt),
		llm.User(prompt),
	}, llm.Options{
		MaxTokens:   r.evalTokens,
		Temperature: llm.Float(0),
	})
	if err != nil {
		neutral.Elapsed = time.Since(start)
		return neutral, fmt.Errorf("review call: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		r.logger.Warn("empty review response, using neutral score")
		neutral.Elapsed = time.Since(start)
		return neutral, nil
	}

	score, parsed := ParseScore(resp.Content)
	if !parsed {
		r.logger.Debug("no score in review response", "response_len", len(resp.Content))
	}
	return Verdict{
		Score:    score,
		Critique: ParseCritique(resp.Content),
		Parsed:   parsed,
		Raw:      resp.Content,
		Tokens:   resp.UsageTokens,
		Elapsed:  time.Since(start),
	}, nil
}
