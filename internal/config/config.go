// Package config holds the orchestrator configuration surface and its loaders.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Mode controls when the review loop runs at all.
type Mode string

const (
	ModeAlways       Mode = "always"
	ModeNever        Mode = "never"
	ModeOnError      Mode = "on_error"
	ModeOnIncomplete Mode = "on_incomplete"
	ModeOnComplex    Mode = "on_complex"
)

// Valid reports whether m is a recognized review mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAlways, ModeNever, ModeOnError, ModeOnIncomplete, ModeOnComplex:
		return true
	}
	return false
}

// Strategy names the combined review strategy. Unrecognized names are
// tolerated here; the orchestrator falls back to final_only with a warning.
type Strategy string

const (
	StrategyPerChunk  Strategy = "per_chunk"
	StrategyFinalOnly Strategy = "final_only"
	StrategyBoth      Strategy = "both"
)

// Config is the effective configuration after merging all sources.
type Config struct {
	// Enabled turns the review/regenerate machinery on. When false every
	// request is a single routed call.
	Enabled bool `json:"enabled" yaml:"enabled" jsonschema:"description=Enable quality-controlled generation,default=true"`

	// Iterations is the maximum number of review passes per request.
	Iterations int `json:"iterations" yaml:"iterations" jsonschema:"description=Maximum review passes,minimum=1,default=3"`

	// Threshold is the accept score.
	Threshold float64 `json:"threshold" yaml:"threshold" jsonschema:"description=Score at or above which a candidate is accepted,minimum=0,maximum=1,default=0.7"`

	MaxRegenerations int `json:"max_regenerations" yaml:"max_regenerations" jsonschema:"description=Maximum regenerations per request,minimum=0,default=2"`

	// EvalTokens is the output token budget of one review call.
	EvalTokens int `json:"eval_tokens" yaml:"eval_tokens" jsonschema:"description=Token budget of one review call,default=400"`

	Mode     Mode     `json:"mode" yaml:"mode" jsonschema:"description=When to review,enum=always,enum=never,enum=on_error,enum=on_incomplete,enum=on_complex,default=always"`
	Strategy Strategy `json:"strategy" yaml:"strategy" jsonschema:"description=Combined review strategy,enum=per_chunk,enum=final_only,enum=both,default=final_only"`

	// DeadlockPasses is the review-pass count after which a request that had
	// tools available but never invoked one is forced to stop. Heuristic.
	DeadlockPasses int `json:"deadlock_passes" yaml:"deadlock_passes" jsonschema:"description=Review passes without tool calls before the loop is stopped,minimum=1,default=2"`

	Budget    BudgetConfig    `json:"budget" yaml:"budget"`
	Chunking  ChunkConfig     `json:"chunking" yaml:"chunking"`
	Routing   RoutingConfig   `json:"routing" yaml:"routing"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Options   Options         `json:"options" yaml:"options"`
}

// BudgetConfig configures the daily token ledger.
type BudgetConfig struct {
	DailyLimitTokens int64 `json:"daily_limit_tokens" yaml:"daily_limit_tokens" jsonschema:"description=Daily deep-tier token allowance,default=500000"`

	// SnapshotKey names the persisted ledger snapshot inside the store.
	SnapshotKey string `json:"snapshot_key" yaml:"snapshot_key" jsonschema:"default=budget/ledger"`

	// SaveInterval is how often the ledger is persisted while the process runs.
	SaveInterval time.Duration `json:"save_interval" yaml:"save_interval" jsonschema:"description=Autosave period as a Go duration"`
}

// ChunkConfig configures outline planning and chunk writing.
type ChunkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" jsonschema:"description=Decompose long requests into chunks,default=true"`

	MaxChunks int `json:"max_chunks" yaml:"max_chunks" jsonschema:"minimum=1,default=6"`

	// ContextChars caps how much previously written text is echoed back
	// into each chunk prompt.
	ContextChars int `json:"context_chars" yaml:"context_chars" jsonschema:"default=6000"`

	// MinRequestChars is the request length below which no outline is planned.
	MinRequestChars int `json:"min_request_chars" yaml:"min_request_chars" jsonschema:"default=400"`
}

// RoutingConfig configures the tiered router.
type RoutingConfig struct {
	MaxRetries   int           `json:"max_retries" yaml:"max_retries" jsonschema:"minimum=0,default=2"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	DeepTimeout  time.Duration `json:"deep_timeout" yaml:"deep_timeout"`
	RoteTimeout  time.Duration `json:"rote_timeout" yaml:"rote_timeout"`

	// DeepRPS and RoteRPS limit requests per second per tier; 0 disables.
	DeepRPS float64 `json:"deep_rps" yaml:"deep_rps"`
	RoteRPS float64 `json:"rote_rps" yaml:"rote_rps"`

	// DeepThreshold is the heuristic classifier score at which deep is recommended.
	DeepThreshold float64 `json:"deep_threshold" yaml:"deep_threshold" jsonschema:"minimum=0,maximum=1,default=0.55"`

	// AllowFallback lets deep-tier failures fall back to rote.
	AllowFallback bool `json:"allow_fallback" yaml:"allow_fallback" jsonschema:"default=true"`
}

// ProvidersConfig selects the model endpoint for each tier.
type ProvidersConfig struct {
	Deep ProviderConfig `json:"deep" yaml:"deep"`
	Rote ProviderConfig `json:"rote" yaml:"rote"`
}

// ProviderConfig describes one model endpoint.
type ProviderConfig struct {
	// Type is one of openai, anthropic, openrouter.
	Type    string `json:"type" yaml:"type" jsonschema:"enum=openai,enum=anthropic,enum=openrouter"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// TelemetryConfig configures the telemetry sinks.
type TelemetryConfig struct {
	// File is a JSONL file receiving every event. Empty disables.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	MaxSizeMB  int `json:"max_size_mb" yaml:"max_size_mb" jsonschema:"default=20"`
	MaxBackups int `json:"max_backups" yaml:"max_backups" jsonschema:"default=3"`

	// Database is a SQLite file receiving every event. Empty disables.
	Database string `json:"database,omitempty" yaml:"database,omitempty"`

	PostHogKey      string `json:"posthog_key,omitempty" yaml:"posthog_key,omitempty"`
	PostHogEndpoint string `json:"posthog_endpoint,omitempty" yaml:"posthog_endpoint,omitempty"`
}

// Options holds process-level settings.
type Options struct {
	DataDirectory string `json:"data_directory" yaml:"data_directory"`
	Debug         bool   `json:"debug" yaml:"debug"`
	LogFile       string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Enabled:          true,
		Iterations:       3,
		Threshold:        0.7,
		MaxRegenerations: 2,
		EvalTokens:       400,
		Mode:             ModeAlways,
		Strategy:         StrategyFinalOnly,
		DeadlockPasses:   2,
		Budget: BudgetConfig{
			DailyLimitTokens: 500_000,
			SnapshotKey:      "budget/ledger",
			SaveInterval:     time.Minute,
		},
		Chunking: ChunkConfig{
			Enabled:         true,
			MaxChunks:       6,
			ContextChars:    6000,
			MinRequestChars: 400,
		},
		Routing: RoutingConfig{
			MaxRetries:    2,
			RetryBackoff:  500 * time.Millisecond,
			DeepTimeout:   120 * time.Second,
			RoteTimeout:   60 * time.Second,
			DeepThreshold: 0.55,
			AllowFallback: true,
		},
		Providers: ProvidersConfig{
			Deep: ProviderConfig{Type: "anthropic", Model: "claude-sonnet-4-5"},
			Rote: ProviderConfig{Type: "openrouter", Model: "qwen/qwen3-8b"},
		},
		Telemetry: TelemetryConfig{
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Options: Options{
			DataDirectory: ".refinery",
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", c.Threshold)
	}
	if c.MaxRegenerations < 0 {
		return fmt.Errorf("max_regenerations must not be negative, got %d", c.MaxRegenerations)
	}
	if c.EvalTokens <= 0 {
		return fmt.Errorf("eval_tokens must be positive, got %d", c.EvalTokens)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.DeadlockPasses < 1 {
		return fmt.Errorf("deadlock_passes must be at least 1, got %d", c.DeadlockPasses)
	}
	if c.Budget.DailyLimitTokens <= 0 {
		return fmt.Errorf("daily_limit_tokens must be positive, got %d", c.Budget.DailyLimitTokens)
	}
	if c.Chunking.MaxChunks < 1 {
		return fmt.Errorf("max_chunks must be at least 1, got %d", c.Chunking.MaxChunks)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.DeepThreshold < 0 || c.Routing.DeepThreshold > 1 {
		return fmt.Errorf("deep_threshold must be within [0,1], got %v", c.Routing.DeepThreshold)
	}
	return nil
}

// StorePath is the SQLite file holding ledger snapshots.
func (c Config) StorePath() string {
	return filepath.Join(c.Options.DataDirectory, "refinery.db")
}
