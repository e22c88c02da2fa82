// Package routing picks an inference tier for each request and executes it
// with retries, circuit breaking and fallback.
package routing

import (
	"context"
	"time"

	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/llm"
)

// Scores are the per-dimension classifier signals, each in [0,1].
type Scores struct {
	Complexity  float64 `json:"complexity"`
	Novelty     float64 `json:"novelty"`
	Creativity  float64 `json:"creativity"`
	Uncertainty float64 `json:"uncertainty"`
	Stakes      float64 `json:"stakes"`
}

// Classification is the classifier verdict for one request. It is not
// mutated after creation.
type Classification struct {
	Tier       budget.Tier `json:"tier"`
	Confidence float64     `json:"confidence"`
	Scores     Scores      `json:"scores"`
	Reasoning  string      `json:"reasoning"`
}

// Request is what the classifier sees.
type Request struct {
	Messages []llm.Message
	Tools    []llm.Tool
}

// Outcome is reported back to the classifier after each routed call.
type Outcome struct {
	Success        bool          `json:"success"`
	Tier           budget.Tier   `json:"tier"`
	Elapsed        time.Duration `json:"elapsed"`
	Tokens         int64         `json:"tokens"`
	Attempts       int           `json:"attempts"`
	Fallback       bool          `json:"fallback"`
	BudgetOverride bool          `json:"budget_override"`
	Error          string        `json:"error,omitempty"`
}

// Classifier scores requests and learns from outcomes. RecordOutcome is
// called asynchronously; implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Classification, error)
	RecordOutcome(ctx context.Context, req Request, c *Classification, o Outcome)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
