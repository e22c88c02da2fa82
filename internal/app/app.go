// Package app wires configuration, storage, endpoints and the orchestrator
// into one process-level service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/config"
	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/llm/llmtest"
	"github.com/rand/refinery/internal/orchestrator"
	"github.com/rand/refinery/internal/routing"
	"github.com/rand/refinery/internal/store"
	"github.com/rand/refinery/internal/telemetry"
)

// App owns every long-lived collaborator of the orchestrator.
type App struct {
	Config       config.Config
	Store        *store.SQLite
	Ledger       *budget.Ledger
	Router       *routing.Router
	Classifier   *routing.HeuristicClassifier
	Orchestrator *orchestrator.Orchestrator
	Telemetry    *telemetry.Safe

	logger       *slog.Logger
	cleanupFuncs []func() error
}

// Options configures New.
type Options struct {
	// DryRun replaces every model endpoint with a local scripted one.
	DryRun bool

	// StoreOnly opens the store and ledger without building endpoints.
	StoreOnly bool

	Logger *slog.Logger
}

// New opens the store, restores the budget ledger and builds the router and
// orchestrator. Call Shutdown when done.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	app := &App{Config: cfg, logger: opts.Logger}

	st, err := store.Open(ctx, store.Options{Path: cfg.StorePath(), Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = st
	app.cleanupFuncs = append(app.cleanupFuncs, st.Close)

	limits := budget.DefaultLimits()
	limits.DailyLimitTokens = cfg.Budget.DailyLimitTokens
	app.Ledger = budget.NewLedger(budget.LedgerConfig{
		Limits:      limits,
		Store:       st,
		SnapshotKey: cfg.Budget.SnapshotKey,
		Logger:      opts.Logger,
	})
	if err := app.Ledger.Load(ctx); err != nil {
		opts.Logger.Warn("budget snapshot unreadable, starting from a fresh day", "error", err)
	}

	if opts.StoreOnly {
		return app, nil
	}

	saveCtx, stopSave := context.WithCancel(context.WithoutCancel(ctx))
	saved := make(chan struct{})
	go func() {
		defer close(saved)
		app.Ledger.AutoSave(saveCtx, cfg.Budget.SaveInterval)
	}()
	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		stopSave()
		<-saved
		return nil
	})

	deep, rote, reviewer, err := endpoints(cfg, opts)
	if err != nil {
		app.Shutdown()
		return nil, err
	}

	app.Classifier = routing.NewHeuristicClassifier(routing.HeuristicConfig{
		DeepThreshold: cfg.Routing.DeepThreshold,
	})
	app.Router, err = routing.NewRouter(routing.Config{
		Deep:            deep,
		Rote:            rote,
		Classifier:      app.Classifier,
		Ledger:          app.Ledger,
		MaxRetries:      cfg.Routing.MaxRetries,
		RetryBackoff:    cfg.Routing.RetryBackoff,
		DeepTimeout:     cfg.Routing.DeepTimeout,
		RoteTimeout:     cfg.Routing.RoteTimeout,
		DeepRPS:         cfg.Routing.DeepRPS,
		RoteRPS:         cfg.Routing.RoteRPS,
		DisableFallback: !cfg.Routing.AllowFallback,
		Logger:          opts.Logger,
	})
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("create router: %w", err)
	}
	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		app.Router.Wait()
		return nil
	})

	app.Telemetry = telemetry.Open(ctx, cfg.Telemetry, opts.Logger)
	app.cleanupFuncs = append(app.cleanupFuncs, app.Telemetry.Close)

	emitCtx := context.WithoutCancel(ctx)
	app.Ledger.SetEventCallback(func(ev budget.Event) {
		if ev.Type == budget.EventUsed {
			return
		}
		app.Telemetry.Emit(emitCtx, budgetEvent(ev))
	})
	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		app.Ledger.SetEventCallback(nil)
		return nil
	})

	app.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Config:         cfg,
		Router:         app.Router,
		ReviewEndpoint: reviewer,
		Telemetry:      app.Telemetry,
		Logger:         opts.Logger,
	})
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	opts.Logger.Info("refinery initialized",
		"deep", describe(cfg.Providers.Deep, deep),
		"rote", describe(cfg.Providers.Rote, rote),
		"store", cfg.StorePath(),
		"dry_run", opts.DryRun)
	return app, nil
}

// endpoints builds the deep, rote and review endpoints. A deep provider that
// fails to build is logged and left out so that requests run on rote.
// Reviews use the rote endpoint.
func endpoints(cfg config.Config, opts Options) (deep, rote, reviewer llm.Endpoint, err error) {
	if opts.DryRun {
		return DryRunEndpoint("dry-run-deep"), DryRunEndpoint("dry-run-rote"), DryRunReviewer(), nil
	}

	rote, err = llm.FromConfig(cfg.Providers.Rote, opts.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rote provider: %w", err)
	}
	if cfg.Providers.Deep.Type != "" {
		if deep, err = llm.FromConfig(cfg.Providers.Deep, opts.Logger); err != nil {
			opts.Logger.Warn("deep provider unavailable, routing everything to rote", "error", err)
			deep = nil
		}
	}
	return deep, rote, rote, nil
}

// budgetEvent converts a ledger event for the telemetry sinks.
func budgetEvent(ev budget.Event) telemetry.Event {
	fields := map[string]any{
		"type":        string(ev.Type),
		"message":     ev.Message,
		"used":        ev.Snapshot.Used,
		"remaining":   ev.Snapshot.Remaining,
		"daily_limit": ev.Snapshot.DailyLimit,
		"percent":     ev.Snapshot.PercentageUsed,
	}
	if ev.Tier != "" {
		fields["tier"] = string(ev.Tier)
	}
	if ev.Amount > 0 {
		fields["amount"] = ev.Amount
	}
	return telemetry.Event{
		Name:      telemetry.EventBudget,
		Timestamp: ev.Timestamp,
		Fields:    fields,
	}
}

func describe(p config.ProviderConfig, e llm.Endpoint) string {
	if e == nil {
		return "none"
	}
	if p.Model == "" {
		return e.Name()
	}
	return p.Type + "/" + p.Model
}

// DryRunEndpoint answers every request locally without calling a model.
func DryRunEndpoint(name string) *llmtest.Scripted {
	s := llmtest.New(name)
	s.Fallback = func(messages []llm.Message, _ llm.Options) (*llm.Response, error) {
		chars := 0
		for _, m := range messages {
			chars += len(m.Content)
		}
		return &llm.Response{
			Content:      fmt.Sprintf("[%s] received %d message(s), %d characters.", name, len(messages), chars),
			UsageTokens:  int64(chars/4 + 1),
			FinishReason: "stop",
			Model:        name,
		}, nil
	}
	return s
}

// DryRunReviewer accepts every candidate.
func DryRunReviewer() *llmtest.Scripted {
	s := llmtest.New("dry-run-reviewer")
	s.Fallback = func([]llm.Message, llm.Options) (*llm.Response, error) {
		return &llm.Response{Content: "Score: 1.0\nCritique: dry run", UsageTokens: 1, FinishReason: "stop"}, nil
	}
	return s
}

// Shutdown releases resources in reverse order of acquisition.
func (app *App) Shutdown() {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	if err := errors.Join(errs...); err != nil {
		app.logger.Warn("shutdown", "error", strings.ReplaceAll(err.Error(), "\n", "; "))
	}
}
