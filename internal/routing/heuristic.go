package routing

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/llm"
	"github.com/zeebo/xxh3"
)

// HeuristicClassifier scores requests with keyword and shape signals. It is
// the default Classifier.
type HeuristicClassifier struct {
	cache     *expirable.LRU[uint64, Classification]
	threshold float64

	mu       sync.Mutex
	outcomes map[budget.Tier]*TierOutcomes

	totalCalls atomic.Int64
	cacheHits  atomic.Int64
}

// HeuristicConfig configures the heuristic classifier.
type HeuristicConfig struct {
	// DeepThreshold is the weighted score at which deep is recommended
	// (default 0.55).
	DeepThreshold float64

	// CacheSize is the maximum cache entries (default 1000).
	CacheSize int

	// CacheTTL bounds how long a verdict is reused (default 10m).
	CacheTTL time.Duration
}

// TierOutcomes counts routed outcomes for one tier.
type TierOutcomes struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Fallbacks int64 `json:"fallbacks"`
	Tokens    int64 `json:"tokens"`
}

// SuccessRate returns the fraction of successful outcomes (0.5 with no data).
func (o TierOutcomes) SuccessRate() float64 {
	total := o.Successes + o.Failures
	if total == 0 {
		return 0.5
	}
	return float64(o.Successes) / float64(total)
}

// NewHeuristicClassifier creates a heuristic classifier.
func NewHeuristicClassifier(cfg HeuristicConfig) *HeuristicClassifier {
	if cfg.DeepThreshold <= 0 {
		cfg.DeepThreshold = 0.55
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &HeuristicClassifier{
		cache:     expirable.NewLRU[uint64, Classification](cfg.CacheSize, nil, cfg.CacheTTL),
		threshold: cfg.DeepThreshold,
		outcomes:  make(map[budget.Tier]*TierOutcomes),
	}
}

var (
	complexityPatterns = []string{
		"prove", "derive", "architecture", "design", "algorithm", "optimize",
		"trade-off", "tradeoff", "step by step", "analyze", "compare",
		"distributed", "concurrency", "refactor", "migrate", "debug",
	}
	noveltyPatterns = []string{
		"novel", "new approach", "invent", "research", "unexplored",
		"original", "unusual", "unprecedented", "state of the art",
	}
	creativityPatterns = []string{
		"write", "story", "poem", "essay", "brainstorm", "imagine",
		"compose", "draft", "creative", "narrative",
	}
	uncertaintyPatterns = []string{
		"maybe", "not sure", "unclear", "ambiguous", "might", "possibly",
		"could be", "i think", "?",
	}
	stakesPatterns = []string{
		"production", "security", "legal", "medical", "financial",
		"critical", "compliance", "safety", "outage", "customer",
	}

	codeRe = regexp.MustCompile("```|func\\s+\\w+|def\\s+\\w+|class\\s+\\w+")
)

// Classify scores the last user turn and recommends a tier.
func (c *HeuristicClassifier) Classify(ctx context.Context, req Request) (*Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.totalCalls.Add(1)

	text := llm.LastUser(req.Messages)
	key := xxh3.HashString(fmt.Sprintf("%d|%s", len(req.Tools), normalizeForCache(text)))
	if cached, ok := c.cache.Get(key); ok {
		c.cacheHits.Add(1)
		out := cached
		return &out, nil
	}

	lower := strings.ToLower(text)
	s := Scores{
		Complexity:  matchScore(lower, complexityPatterns),
		Novelty:     matchScore(lower, noveltyPatterns),
		Creativity:  matchScore(lower, creativityPatterns),
		Uncertainty: matchScore(lower, uncertaintyPatterns),
		Stakes:      matchScore(lower, stakesPatterns),
	}

	// Long requests and code are harder regardless of wording.
	switch n := len(text); {
	case n > 4000:
		s.Complexity = max(s.Complexity, 0.8)
	case n > 1500:
		s.Complexity = max(s.Complexity, 0.6)
	}
	if codeRe.MatchString(text) {
		s.Complexity = max(s.Complexity, 0.7)
	}
	if len(req.Tools) > 0 {
		s.Complexity = clamp(s.Complexity+0.1, 0, 1)
	}

	weighted := 0.35*s.Complexity + 0.15*s.Novelty + 0.15*s.Creativity + 0.1*s.Uncertainty + 0.25*s.Stakes
	// The dominant signal alone can push a request to deep.
	weighted = max(weighted, 0.8*max(s.Complexity, s.Stakes))

	cls := Classification{
		Tier:       budget.TierRote,
		Confidence: clamp(0.5+math.Abs(weighted-c.threshold), 0, 1),
		Scores:     s,
	}
	if weighted >= c.threshold {
		cls.Tier = budget.TierDeep
	}
	cls.Reasoning = fmt.Sprintf("weighted score %.2f vs threshold %.2f (complexity %.2f, stakes %.2f)",
		weighted, c.threshold, s.Complexity, s.Stakes)

	c.cache.Add(key, cls)
	return &cls, nil
}

// RecordOutcome updates per-tier counters.
func (c *HeuristicClassifier) RecordOutcome(_ context.Context, _ Request, _ *Classification, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.outcomes[o.Tier]
	if !ok {
		t = &TierOutcomes{}
		c.outcomes[o.Tier] = t
	}
	if o.Success {
		t.Successes++
	} else {
		t.Failures++
	}
	if o.Fallback {
		t.Fallbacks++
	}
	t.Tokens += o.Tokens
}

// Outcomes returns a copy of the per-tier counters.
func (c *HeuristicClassifier) Outcomes() map[budget.Tier]TierOutcomes {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[budget.Tier]TierOutcomes, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = *v
	}
	return out
}

// ClassifierStats contains classification statistics.
type ClassifierStats struct {
	TotalCalls int64 `json:"total_calls"`
	CacheHits  int64 `json:"cache_hits"`
	CacheSize  int   `json:"cache_size"`
}

// Stats returns classifier statistics.
func (c *HeuristicClassifier) Stats() ClassifierStats {
	return ClassifierStats{
		TotalCalls: c.totalCalls.Load(),
		CacheHits:  c.cacheHits.Load(),
		CacheSize:  c.cache.Len(),
	}
}

// matchScore calculates how well text matches a set of patterns.
func matchScore(text string, patterns []string) float64 {
	matches := 0
	for _, p := range patterns {
		if strings.Contains(text, p) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	// Diminishing returns for multiple matches
	return min(0.4+0.2*float64(matches-1), 1.0)
}

// normalizeForCache creates a cache key source from a request.
func normalizeForCache(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

var _ Classifier = (*HeuristicClassifier)(nil)
