package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func loadWith(t *testing.T, opts LoadOptions) (Config, error) {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.EnvFile == "" {
		opts.EnvFile = filepath.Join(t.TempDir(), "missing.env")
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = envMap(nil)
	}
	return Load(opts)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Iterations)
	assert.InDelta(t, 0.7, cfg.Threshold, 1e-9)
	assert.Equal(t, ModeAlways, cfg.Mode)
	assert.Equal(t, StrategyFinalOnly, cfg.Strategy)
	assert.Equal(t, filepath.Join(".refinery", "refinery.db"), cfg.StorePath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold high", func(c *Config) { c.Threshold = 1.5 }},
		{"threshold negative", func(c *Config) { c.Threshold = -0.1 }},
		{"iterations", func(c *Config) { c.Iterations = 0 }},
		{"regenerations", func(c *Config) { c.MaxRegenerations = -1 }},
		{"eval tokens", func(c *Config) { c.EvalTokens = 0 }},
		{"mode", func(c *Config) { c.Mode = "sometimes" }},
		{"deadlock", func(c *Config) { c.DeadlockPasses = 0 }},
		{"daily limit", func(c *Config) { c.Budget.DailyLimitTokens = 0 }},
		{"chunks", func(c *Config) { c.Chunking.MaxChunks = 0 }},
		{"retries", func(c *Config) { c.Routing.MaxRetries = -2 }},
		{"deep threshold", func(c *Config) { c.Routing.DeepThreshold = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Unknown strategies are resolved at selection time.
	cfg := Default()
	cfg.Strategy = "zigzag"
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(t, LoadOptions{})
	require.NoError(t, err)

	want := Default()
	want.Options.DataDirectory = cfg.Options.DataDirectory
	assert.Equal(t, want, cfg)
}

func TestLoadYAMLFromDataDir(t *testing.T) {
	dir := t.TempDir()
	yml := `
iterations: 5
threshold: 0.8
mode: on_error
budget:
  daily_limit_tokens: 1000
routing:
  retry_backoff: 250ms
providers:
  rote:
    type: openai
    model: gpt-4o-mini
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte(yml), 0o644))

	cfg, err := loadWith(t, LoadOptions{DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Iterations)
	assert.InDelta(t, 0.8, cfg.Threshold, 1e-9)
	assert.Equal(t, ModeOnError, cfg.Mode)
	assert.Equal(t, int64(1000), cfg.Budget.DailyLimitTokens)
	assert.Equal(t, 250*time.Millisecond, cfg.Routing.RetryBackoff)
	assert.Equal(t, "openai", cfg.Providers.Rote.Type)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.MaxRegenerations)
	assert.Equal(t, "anthropic", cfg.Providers.Deep.Type)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := loadWith(t, LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("iterations: 5\n"), 0o644))

	cfg, err := loadWith(t, LoadOptions{
		DataDir: dir,
		LookupEnv: envMap(map[string]string{
			"REFINERY_ITERATIONS":         "7",
			"REFINERY_ENABLED":            "false",
			"REFINERY_THRESHOLD":          "0.9",
			"REFINERY_MODE":               "ON_COMPLEX",
			"REFINERY_STRATEGY":           "both",
			"REFINERY_DAILY_LIMIT_TOKENS": "42000",
			"REFINERY_DEEP_TIMEOUT":       "30s",
			"REFINERY_ROTE_RPS":           "2.5",
			"REFINERY_BASE_URL":           "http://localhost:8080/v1",
			"POSTHOG_API_KEY":             "phc_test",
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Iterations)
	assert.False(t, cfg.Enabled)
	assert.InDelta(t, 0.9, cfg.Threshold, 1e-9)
	assert.Equal(t, ModeOnComplex, cfg.Mode)
	assert.Equal(t, StrategyBoth, cfg.Strategy)
	assert.Equal(t, int64(42000), cfg.Budget.DailyLimitTokens)
	assert.Equal(t, 30*time.Second, cfg.Routing.DeepTimeout)
	assert.InDelta(t, 2.5, cfg.Routing.RoteRPS, 1e-9)
	assert.Equal(t, "http://localhost:8080/v1", cfg.Providers.Rote.BaseURL)
	assert.Equal(t, "phc_test", cfg.Telemetry.PostHogKey)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("REFINERY_ITERATIONS=4\nREFINERY_MAX_REGENERATIONS=1\n"), 0o644))

	cfg, err := loadWith(t, LoadOptions{
		EnvFile:   envFile,
		LookupEnv: envMap(map[string]string{"REFINERY_ITERATIONS": "6"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Iterations)
	assert.Equal(t, 1, cfg.MaxRegenerations)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := loadWith(t, LoadOptions{LookupEnv: envMap(map[string]string{"REFINERY_ITERATIONS": "many"})})
	assert.ErrorContains(t, err, "REFINERY_ITERATIONS")

	_, err = loadWith(t, LoadOptions{LookupEnv: envMap(map[string]string{"REFINERY_THRESHOLD": "3"})})
	assert.ErrorContains(t, err, "threshold")

	_, err = loadWith(t, LoadOptions{LookupEnv: envMap(map[string]string{"REFINERY_MODE": "sometimes"})})
	assert.ErrorContains(t, err, "mode")
}

func TestEnvKeys(t *testing.T) {
	keys := EnvKeys()
	for _, k := range []string{
		"REFINERY_ENABLED", "REFINERY_ITERATIONS", "REFINERY_THRESHOLD",
		"REFINERY_MAX_REGENERATIONS", "REFINERY_EVAL_TOKENS", "REFINERY_MODE",
		"REFINERY_STRATEGY", "REFINERY_DAILY_LIMIT_TOKENS", "POSTHOG_API_KEY",
	} {
		assert.Contains(t, keys, k)
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	doc := gjson.ParseBytes(data)
	assert.Equal(t, "refinery configuration", doc.Get("title").String())
	assert.True(t, doc.Get("properties.threshold").Exists())
	assert.True(t, doc.Get("properties.budget.properties.daily_limit_tokens").Exists())

	var modes []string
	for _, v := range doc.Get("properties.mode.enum").Array() {
		modes = append(modes, v.String())
	}
	assert.ElementsMatch(t, []string{"always", "never", "on_error", "on_incomplete", "on_complex"}, modes)
}
