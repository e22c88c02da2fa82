package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "REFINERY_"

// DefaultFileName is the config file looked up inside the data directory.
const DefaultFileName = "refinery.yaml"

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an explicit YAML file. It must exist when set. Falls back to
	// $REFINERY_CONFIG, then <data-dir>/refinery.yaml if present.
	Path string

	// DataDir overrides the data directory before the YAML file is located.
	DataDir string

	// EnvFile is a dotenv file whose values fill in unset environment
	// variables. Defaults to ".env"; a missing file is ignored.
	EnvFile string

	// LookupEnv reads the environment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the effective configuration: defaults, then the YAML file,
// then the environment (real variables win over the dotenv file).
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	lookup, err := opts.environment()
	if err != nil {
		return cfg, err
	}

	if dir, ok := lookup(EnvPrefix + "DATA_DIR"); ok && dir != "" {
		cfg.Options.DataDirectory = dir
	}
	if opts.DataDir != "" {
		cfg.Options.DataDirectory = opts.DataDir
	}

	path, required := opts.Path, opts.Path != ""
	if !required {
		if p, ok := lookup(EnvPrefix + "CONFIG"); ok && p != "" {
			path, required = p, true
		} else {
			path = filepath.Join(cfg.Options.DataDirectory, DefaultFileName)
		}
	}
	if err := readYAML(path, required, &cfg); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	// Flags beat every file and variable.
	if opts.DataDir != "" {
		cfg.Options.DataDirectory = opts.DataDir
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (opts LoadOptions) environment() (func(string) (string, bool), error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func readYAML(path string, required bool, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// envBinding maps one environment key onto the config.
type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"ENABLED", func(c *Config, v string) (err error) { c.Enabled, err = cast.ToBoolE(v); return }},
	{"ITERATIONS", func(c *Config, v string) (err error) { c.Iterations, err = cast.ToIntE(v); return }},
	{"THRESHOLD", func(c *Config, v string) (err error) { c.Threshold, err = cast.ToFloat64E(v); return }},
	{"MAX_REGENERATIONS", func(c *Config, v string) (err error) { c.MaxRegenerations, err = cast.ToIntE(v); return }},
	{"EVAL_TOKENS", func(c *Config, v string) (err error) { c.EvalTokens, err = cast.ToIntE(v); return }},
	{"MODE", func(c *Config, v string) error { c.Mode = Mode(strings.ToLower(v)); return nil }},
	{"STRATEGY", func(c *Config, v string) error { c.Strategy = Strategy(strings.ToLower(v)); return nil }},
	{"DEADLOCK_PASSES", func(c *Config, v string) (err error) { c.DeadlockPasses, err = cast.ToIntE(v); return }},
	{"DAILY_LIMIT_TOKENS", func(c *Config, v string) (err error) { c.Budget.DailyLimitTokens, err = cast.ToInt64E(v); return }},
	{"CHUNKING", func(c *Config, v string) (err error) { c.Chunking.Enabled, err = cast.ToBoolE(v); return }},
	{"MAX_CHUNKS", func(c *Config, v string) (err error) { c.Chunking.MaxChunks, err = cast.ToIntE(v); return }},
	{"CHUNK_CONTEXT_CHARS", func(c *Config, v string) (err error) { c.Chunking.ContextChars, err = cast.ToIntE(v); return }},
	{"MAX_RETRIES", func(c *Config, v string) (err error) { c.Routing.MaxRetries, err = cast.ToIntE(v); return }},
	{"RETRY_BACKOFF", func(c *Config, v string) (err error) { c.Routing.RetryBackoff, err = cast.ToDurationE(v); return }},
	{"DEEP_TIMEOUT", func(c *Config, v string) (err error) { c.Routing.DeepTimeout, err = cast.ToDurationE(v); return }},
	{"ROTE_TIMEOUT", func(c *Config, v string) (err error) { c.Routing.RoteTimeout, err = cast.ToDurationE(v); return }},
	{"DEEP_RPS", func(c *Config, v string) (err error) { c.Routing.DeepRPS, err = cast.ToFloat64E(v); return }},
	{"ROTE_RPS", func(c *Config, v string) (err error) { c.Routing.RoteRPS, err = cast.ToFloat64E(v); return }},
	{"DEEP_PROVIDER", func(c *Config, v string) error { c.Providers.Deep.Type = v; return nil }},
	{"DEEP_MODEL", func(c *Config, v string) error { c.Providers.Deep.Model = v; return nil }},
	{"ROTE_PROVIDER", func(c *Config, v string) error { c.Providers.Rote.Type = v; return nil }},
	{"ROTE_MODEL", func(c *Config, v string) error { c.Providers.Rote.Model = v; return nil }},
	{"BASE_URL", func(c *Config, v string) error {
		c.Providers.Deep.BaseURL = v
		c.Providers.Rote.BaseURL = v
		return nil
	}},
	{"TELEMETRY_FILE", func(c *Config, v string) error { c.Telemetry.File = v; return nil }},
	{"TELEMETRY_DB", func(c *Config, v string) error { c.Telemetry.Database = v; return nil }},
	{"DATA_DIR", func(c *Config, v string) error { c.Options.DataDirectory = v; return nil }},
	{"DEBUG", func(c *Config, v string) (err error) { c.Options.Debug, err = cast.ToBoolE(v); return }},
	{"LOG_FILE", func(c *Config, v string) error { c.Options.LogFile = v; return nil }},
}

// EnvKeys lists every recognized environment variable.
func EnvKeys() []string {
	keys := make([]string, 0, len(envBindings)+1)
	for _, b := range envBindings {
		keys = append(keys, EnvPrefix+b.key)
	}
	return append(keys, "POSTHOG_API_KEY")
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	if v, ok := lookup("POSTHOG_API_KEY"); ok && v != "" {
		cfg.Telemetry.PostHogKey = v
	}
	return nil
}
