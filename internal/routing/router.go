package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/llm"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// ErrNoEndpoint is returned when a tier has no endpoint configured.
var ErrNoEndpoint = errors.New("no endpoint configured for tier")

// Config configures a Router.
type Config struct {
	Deep llm.Endpoint
	Rote llm.Endpoint

	// Classifier recommends a tier. Defaults to a HeuristicClassifier.
	Classifier Classifier

	// Ledger is charged for deep usage. Required.
	Ledger *budget.Ledger

	// MaxRetries is how many times a failing tier is retried (default 0).
	MaxRetries int

	// RetryBackoff is the base of the exponential backoff (default 500ms).
	RetryBackoff time.Duration

	// DeepTimeout and RoteTimeout bound each upstream attempt.
	DeepTimeout time.Duration
	RoteTimeout time.Duration

	// DeepRPS and RoteRPS limit attempts per second; 0 is unlimited.
	DeepRPS float64
	RoteRPS float64

	// DisableFallback makes deep failures propagate instead of falling
	// back to rote.
	DisableFallback bool

	// DeepBreaker and RoteBreaker configure the per-tier circuit breakers.
	DeepBreaker BreakerConfig
	RoteBreaker BreakerConfig

	// EstimateTokens predicts deep usage for the budget check. Defaults to
	// prompt characters / 4 plus the requested output cap.
	EstimateTokens func(messages []llm.Message, opts llm.Options) int64

	// Logger for routing events.
	Logger *slog.Logger
}

// Call is one routed generation.
type Call struct {
	Messages []llm.Message
	Options  llm.Options

	// Classification, when set, is used instead of classifying again.
	Classification *Classification
}

// Result is the terminal outcome of a routed call.
type Result struct {
	Response       *llm.Response   `json:"response"`
	Tier           budget.Tier     `json:"tier"`
	Classification *Classification `json:"classification"`
	BudgetOverride bool            `json:"budget_override"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Attempts       int             `json:"attempts"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// Stats are the router counters. Each routed call updates them exactly once.
type Stats struct {
	TotalCalls   int64                     `json:"total_calls"`
	DeepCalls    int64                     `json:"deep_calls"`
	RoteCalls    int64                     `json:"rote_calls"`
	Failures     int64                     `json:"failures"`
	Fallbacks    int64                     `json:"fallbacks"`
	Overrides    int64                     `json:"budget_overrides"`
	TotalCost    int64                     `json:"total_cost"`
	AvgDuration  time.Duration             `json:"avg_duration"`
	TotalElapsed time.Duration             `json:"-"`
	Breakers     map[string]BreakerMetrics `json:"breakers,omitempty"`
}

// Router executes generations on the deep or rote tier.
type Router struct {
	cfg        Config
	classifier Classifier
	ledger     *budget.Ledger
	endpoints  map[budget.Tier]llm.Endpoint
	timeouts   map[budget.Tier]time.Duration
	limiters   map[budget.Tier]*rate.Limiter
	breakers   breakerSet
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats

	outcomes sync.WaitGroup
}

// NewRouter creates a router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("router requires a budget ledger")
	}
	if cfg.Rote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, budget.TierRote)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewHeuristicClassifier(HeuristicConfig{})
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.DeepTimeout <= 0 {
		cfg.DeepTimeout = 120 * time.Second
	}
	if cfg.RoteTimeout <= 0 {
		cfg.RoteTimeout = 60 * time.Second
	}
	if cfg.EstimateTokens == nil {
		cfg.EstimateTokens = EstimateTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Router{
		cfg:        cfg,
		classifier: cfg.Classifier,
		ledger:     cfg.Ledger,
		endpoints: map[budget.Tier]llm.Endpoint{
			budget.TierDeep: cfg.Deep,
			budget.TierRote: cfg.Rote,
		},
		timeouts: map[budget.Tier]time.Duration{
			budget.TierDeep: cfg.DeepTimeout,
			budget.TierRote: cfg.RoteTimeout,
		},
		limiters: make(map[budget.Tier]*rate.Limiter),
		breakers: newBreakerSet(cfg.DeepBreaker, cfg.RoteBreaker),
		logger:   cfg.Logger,
	}
	if cfg.DeepRPS > 0 {
		r.limiters[budget.TierDeep] = rate.NewLimiter(rate.Limit(cfg.DeepRPS), 1)
	}
	if cfg.RoteRPS > 0 {
		r.limiters[budget.TierRote] = rate.NewLimiter(rate.Limit(cfg.RoteRPS), 1)
	}
	return r, nil
}

// Classify asks the classifier for a verdict. Classifier failures never
// fail the request; they yield a rote classification.
func (r *Router) Classify(ctx context.Context, req Request) *Classification {
	cls, err := r.classifier.Classify(ctx, req)
	if err != nil || cls == nil {
		reason := "classifier returned no verdict"
		if err != nil {
			reason = "classifier error: " + err.Error()
		}
		r.logger.Warn("classification failed, using rote tier", "error", err)
		return &Classification{Tier: budget.TierRote, Reasoning: reason}
	}
	if r.endpoints[budget.TierDeep] == nil && cls.Tier == budget.TierDeep {
		out := *cls
		out.Tier = budget.TierRote
		out.Reasoning += "; no deep endpoint configured"
		return &out
	}
	return cls
}

// Route executes one generation, honoring the ledger, with bounded
// retries and deep-to-rote fallback.
func (r *Router) Route(ctx context.Context, call Call) (*Result, error) {
	start := time.Now()
	req := Request{Messages: call.Messages, Tools: call.Options.Tools}

	cls := call.Classification
	if cls == nil {
		cls = r.Classify(ctx, req)
	}

	res := &Result{Tier: cls.Tier, Classification: cls}
	if res.Tier != budget.TierDeep {
		res.Tier = budget.TierRote
	}

	var reservation *budget.Reservation
	if res.Tier == budget.TierDeep {
		estimate := max(r.cfg.EstimateTokens(call.Messages, call.Options), 1)
		var err error
		reservation, err = r.ledger.Reserve(estimate, string(budget.TierDeep))
		switch {
		case errors.Is(err, budget.ErrBudgetExceeded):
			r.logger.Info("deep budget exhausted, routing to rote", "estimate", estimate)
			res.Tier = budget.TierRote
			res.BudgetOverride = true
		case err != nil:
			return nil, fmt.Errorf("reserve deep budget: %w", err)
		}
	}

	if res.Tier == budget.TierDeep {
		resp, attempts, err := r.attempt(ctx, budget.TierDeep, call)
		res.Attempts += attempts
		if err == nil {
			if cerr := reservation.Commit(resp.UsageTokens); cerr != nil {
				r.logger.Error("failed to charge deep usage", "error", cerr)
			}
			res.Response = resp
			return r.finish(ctx, req, res, start, nil)
		}
		reservation.Release()

		if ctx.Err() != nil || r.cfg.DisableFallback {
			return r.finish(ctx, req, res, start, fmt.Errorf("deep tier: %w", err))
		}

		res.FallbackReason = fmt.Sprintf("deep tier error after %d attempts: %v", attempts, err)
		r.logger.Warn("deep tier failed, falling back to rote", "attempts", attempts, "error", err)
		res.Tier = budget.TierRote
	}

	resp, attempts, err := r.attempt(ctx, budget.TierRote, call)
	res.Attempts += attempts
	if err != nil {
		return r.finish(ctx, req, res, start, fmt.Errorf("rote tier: %w", err))
	}
	res.Response = resp
	return r.finish(ctx, req, res, start, nil)
}

// attempt runs one tier with retries. It returns the number of attempts made.
func (r *Router) attempt(ctx context.Context, tier budget.Tier, call Call) (*llm.Response, int, error) {
	endpoint := r.endpoints[tier]
	if endpoint == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoEndpoint, tier)
	}
	breaker := r.breakers[tier]
	limiter := r.limiters[tier]
	timeout := r.timeouts[tier]

	backoff := retry.WithMaxRetries(uint64(r.cfg.MaxRetries), retry.NewExponential(r.cfg.RetryBackoff))
	backoff = retry.WithCappedDuration(10*r.cfg.RetryBackoff, backoff)

	attempts := 0
	resp, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*llm.Response, error) {
		attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var out *llm.Response
		err := breaker.Call(func() error {
			var err error
			out, err = endpoint.Generate(callCtx, call.Messages, call.Options)
			if err == nil && out == nil {
				err = &llm.ProviderError{Provider: endpoint.Name(), Err: errors.New("empty response")}
			}
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrCircuitOpen):
			return nil, err
		}

		r.logger.Debug("tier attempt failed",
			"tier", tier,
			"endpoint", endpoint.Name(),
			"attempt", attempts,
			"error", err)
		return nil, retry.RetryableError(err)
	})
	return resp, attempts, err
}

func (r *Router) finish(ctx context.Context, req Request, res *Result, start time.Time, err error) (*Result, error) {
	res.Elapsed = time.Since(start)

	var tokens int64
	if res.Response != nil {
		tokens = res.Response.UsageTokens
	}

	r.mu.Lock()
	r.stats.TotalCalls++
	if res.Tier == budget.TierDeep {
		r.stats.DeepCalls++
		r.stats.TotalCost += tokens
	} else {
		r.stats.RoteCalls++
	}
	if err != nil {
		r.stats.Failures++
	}
	if res.FallbackReason != "" {
		r.stats.Fallbacks++
	}
	if res.BudgetOverride {
		r.stats.Overrides++
	}
	r.stats.TotalElapsed += res.Elapsed
	r.stats.AvgDuration = r.stats.TotalElapsed / time.Duration(r.stats.TotalCalls)
	r.mu.Unlock()

	outcome := Outcome{
		Success:        err == nil,
		Tier:           res.Tier,
		Elapsed:        res.Elapsed,
		Tokens:         tokens,
		Attempts:       res.Attempts,
		Fallback:       res.FallbackReason != "",
		BudgetOverride: res.BudgetOverride,
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	r.recordOutcome(ctx, req, res.Classification, outcome)

	if err != nil {
		return res, err
	}
	return res, nil
}

// recordOutcome reports to the classifier without blocking the caller.
func (r *Router) recordOutcome(ctx context.Context, req Request, cls *Classification, o Outcome) {
	ctx = context.WithoutCancel(ctx)
	r.outcomes.Add(1)
	go func() {
		defer r.outcomes.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("classifier outcome hook panicked", "panic", p)
			}
		}()
		r.classifier.RecordOutcome(ctx, req, cls, o)
	}()
}

// Wait blocks until pending outcome reports have been delivered.
func (r *Router) Wait() {
	r.outcomes.Wait()
}

// Stats returns a copy of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()

	s.Breakers = make(map[string]BreakerMetrics, len(r.breakers))
	for tier, b := range r.breakers {
		s.Breakers[string(tier)] = b.Metrics()
	}
	return s
}

// Ledger returns the ledger the router charges.
func (r *Router) Ledger() *budget.Ledger {
	return r.ledger
}

// EstimateTokens approximates a call's usage as prompt characters / 4 plus
// the output cap (or 1024 when uncapped).
func EstimateTokens(messages []llm.Message, opts llm.Options) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	out := int64(opts.MaxTokens)
	if out <= 0 {
		out = 1024
	}
	return int64(chars/4) + out
}
