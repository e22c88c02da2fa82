// Package regen drives the review/regenerate loop for one request.
package regen

import (
	"time"

	"github.com/aymanbagabas/go-udiff"
	"github.com/google/uuid"
)

// Candidate is one generated response plus its review metadata.
type Candidate struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`

	// Score is nil until the candidate has been reviewed.
	Score    *float64 `json:"score,omitempty"`
	Critique string   `json:"critique,omitempty"`

	// ToolCalls counts tool invocations made while generating.
	ToolCalls int `json:"tool_calls"`

	Debug map[string]any `json:"debug,omitempty"`
}

// NewCandidate creates an unreviewed candidate.
func NewCandidate(content, reasoning string) *Candidate {
	return &Candidate{
		ID:        uuid.New().String(),
		Content:   content,
		Reasoning: reasoning,
		Debug:     make(map[string]any),
	}
}

// Scored reports whether the candidate has a score.
func (c *Candidate) Scored() bool {
	return c.Score != nil
}

// ScoreValue returns the score, or 0 when unscored.
func (c *Candidate) ScoreValue() float64 {
	if c.Score == nil {
		return 0
	}
	return *c.Score
}

func (c *Candidate) setScore(v float64) {
	c.Score = &v
}

// SetDebug records a debug value.
func (c *Candidate) SetDebug(key string, v any) {
	if c.Debug == nil {
		c.Debug = make(map[string]any)
	}
	c.Debug[key] = v
}

// diffAgainst stores a unified diff from prev to c.
func (c *Candidate) diffAgainst(prev *Candidate) {
	if prev == nil || prev.Content == c.Content {
		return
	}
	c.SetDebug("previous_id", prev.ID)
	c.SetDebug("diff", udiff.Unified("previous", "current", prev.Content, c.Content))
}

// EventStatus is the status of one review pass.
type EventStatus string

const (
	StatusOK    EventStatus = "ok"
	StatusError EventStatus = "error"
)

// ReviewEvent is the append-only record of one review pass.
type ReviewEvent struct {
	Iteration   int         `json:"iteration"`
	CandidateID string      `json:"candidate_id,omitempty"`
	Label       string      `json:"label,omitempty"`
	Score       float64     `json:"score"`
	Threshold   float64     `json:"threshold"`
	Critique    string      `json:"critique"`
	Accepted    bool        `json:"accepted"`
	ElapsedMs   int64       `json:"elapsed_ms"`
	Status      EventStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
