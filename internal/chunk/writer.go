package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/refinery/internal/llm"
)

// GenerateFunc issues one generation. The orchestrator supplies a routed
// implementation.
type GenerateFunc func(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)

// Result is one written section.
type Result struct {
	Label    string   `json:"label"`
	Content  string   `json:"content"`
	Reviewed bool     `json:"reviewed"`
	Score    *float64 `json:"score,omitempty"`
	Critique string   `json:"critique,omitempty"`

	Tokens    int64 `json:"tokens"`
	ToolCalls int   `json:"tool_calls"`
}

// Config configures a Planner and Writer.
type Config struct {
	// MaxChunks caps the outline length (default 6).
	MaxChunks int

	// ContextChars caps how much previously written text is echoed into
	// each section prompt (default 6000).
	ContextChars int

	// MinRequestChars is the request length below which no outline is
	// planned. Zero always plans.
	MinRequestChars int

	// PlanTokens is the output budget of the planning call (default 512).
	PlanTokens int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxChunks <= 0 {
		c.MaxChunks = 6
	}
	if c.ContextChars <= 0 {
		c.ContextChars = 6000
	}
	if c.PlanTokens <= 0 {
		c.PlanTokens = 512
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Planner produces outlines.
type Planner struct {
	cfg      Config
	generate GenerateFunc
}

// NewPlanner creates a planner.
func NewPlanner(generate GenerateFunc, cfg Config) *Planner {
	cfg.defaults()
	return &Planner{cfg: cfg, generate: generate}
}

var planPrompt = heredoc.Doc(`
	Break the request below into at most %d sections that together form a
	complete answer. Only plan sections; do not write them.

	Reply with one line per section in this format:
	Chunk 1: <label> - <what the section covers>

	Reply with no lines at all if the request is short enough to answer in
	one piece.

	Request:
	%s
`)

// Plan issues one planning call and parses its outline. A nil outline
// means the request is answered as a single piece.
func (p *Planner) Plan(ctx context.Context, question string) (Outline, error) {
	if len(strings.TrimSpace(question)) < p.cfg.MinRequestChars {
		return nil, nil
	}

	resp, err := p.generate(ctx, []llm.Message{
		llm.User(fmt.Sprintf(planPrompt, p.cfg.MaxChunks, question)),
	}, llm.Options{MaxTokens: p.cfg.PlanTokens, Temperature: llm.Float(0)})
	if err != nil {
		return nil, fmt.Errorf("plan outline: %w", err)
	}

	outline := ParseOutline(resp.Content, p.cfg.MaxChunks)
	p.cfg.Logger.Debug("outline planned", "chunks", len(outline))
	return outline, nil
}

// Writer generates outline sections strictly in order.
type Writer struct {
	cfg      Config
	generate GenerateFunc
}

// NewWriter creates a writer.
func NewWriter(generate GenerateFunc, cfg Config) *Writer {
	cfg.defaults()
	return &Writer{cfg: cfg, generate: generate}
}

// Write generates every section of outline. Section i+1 sees the final text
// of sections 0..i, capped at ContextChars. On error the sections written
// so far are returned with it.
func (w *Writer) Write(ctx context.Context, messages []llm.Message, outline Outline, opts llm.Options) ([]Result, error) {
	results := make([]Result, 0, len(outline))
	var written strings.Builder

	for i, spec := range outline {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		prompt := w.sectionPrompt(outline, i, tail(written.String(), w.cfg.ContextChars))
		msgs := append(append([]llm.Message(nil), messages...), llm.User(prompt))

		resp, err := w.generate(ctx, msgs, opts)
		if err != nil {
			return results, fmt.Errorf("write chunk %d (%s): %w", i+1, spec.Label, err)
		}

		content := strings.TrimSpace(resp.Content)
		results = append(results, Result{
			Label:     spec.Label,
			Content:   content,
			Tokens:    resp.UsageTokens,
			ToolCalls: resp.ToolCalls,
		})
		if written.Len() > 0 {
			written.WriteString("\n\n")
		}
		written.WriteString(content)

		w.cfg.Logger.Debug("chunk written", "index", i+1, "label", spec.Label, "chars", len(content))
	}
	return results, nil
}

func (w *Writer) sectionPrompt(outline Outline, i int, previous string) string {
	var b strings.Builder
	b.WriteString("You are writing one section of a longer answer to the conversation above.\n\nOutline:\n")
	for j, s := range outline {
		marker := " "
		if j == i {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %d. %s", marker, j+1, s.Label)
		if s.Description != "" {
			fmt.Fprintf(&b, " - %s", s.Description)
		}
		b.WriteByte('\n')
	}

	if previous != "" {
		fmt.Fprintf(&b, "\nSections written so far:\n%s\n", previous)
	}

	spec := outline[i]
	fmt.Fprintf(&b, heredoc.Doc(`

		Write only section %d, "%s".
		Do not repeat or summarize earlier sections and do not start later ones.
	`), i+1, spec.Label)
	return b.String()
}

// Assemble joins written sections into one response.
func Assemble(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// tail returns at most n trailing bytes of s, cut at a line start when
// possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	s = s[start:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "[...]\n" + s
}
