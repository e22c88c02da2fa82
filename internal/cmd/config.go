package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rand/refinery/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	// config show flags
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configSchemaCmd,
		configValidateCmd,
		configPathCmd,
		configEnvCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for inspecting refinery configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the current effective configuration after merging all sources",
	Example: `
# Show config in human-readable format
refinery config show

# Show config as JSON
refinery config show --json

# Show config as YAML
refinery config show --yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = redact(cfg)

		out := cmd.OutOrStdout()
		if asJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg)
		}

		if asYAML {
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			return encoder.Encode(cfg)
		}

		printConfig(out, cfg)
		return nil
	},
}

func printConfig(w io.Writer, cfg config.Config) {
	fmt.Fprintln(w, "Effective Configuration")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Review:")
	fmt.Fprintf(w, "  Enabled:           %v\n", cfg.Enabled)
	fmt.Fprintf(w, "  Mode:              %s\n", cfg.Mode)
	fmt.Fprintf(w, "  Strategy:          %s\n", cfg.Strategy)
	fmt.Fprintf(w, "  Iterations:        %d\n", cfg.Iterations)
	fmt.Fprintf(w, "  Threshold:         %.2f\n", cfg.Threshold)
	fmt.Fprintf(w, "  Max Regenerations: %d\n", cfg.MaxRegenerations)
	fmt.Fprintf(w, "  Eval Tokens:       %d\n", cfg.EvalTokens)
	fmt.Fprintf(w, "  Deadlock Passes:   %d\n", cfg.DeadlockPasses)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Budget:")
	fmt.Fprintf(w, "  Daily Limit:       %d tokens\n", cfg.Budget.DailyLimitTokens)
	fmt.Fprintf(w, "  Save Interval:     %s\n", cfg.Budget.SaveInterval)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Chunking:")
	fmt.Fprintf(w, "  Enabled:           %v\n", cfg.Chunking.Enabled)
	fmt.Fprintf(w, "  Max Chunks:        %d\n", cfg.Chunking.MaxChunks)
	fmt.Fprintf(w, "  Min Request Chars: %d\n", cfg.Chunking.MinRequestChars)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Routing:")
	fmt.Fprintf(w, "  Max Retries:       %d\n", cfg.Routing.MaxRetries)
	fmt.Fprintf(w, "  Deep Timeout:      %s\n", cfg.Routing.DeepTimeout)
	fmt.Fprintf(w, "  Rote Timeout:      %s\n", cfg.Routing.RoteTimeout)
	fmt.Fprintf(w, "  Deep Threshold:    %.2f\n", cfg.Routing.DeepThreshold)
	fmt.Fprintf(w, "  Allow Fallback:    %v\n", cfg.Routing.AllowFallback)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Providers:")
	for _, tier := range []struct {
		name string
		p    config.ProviderConfig
	}{{"deep", cfg.Providers.Deep}, {"rote", cfg.Providers.Rote}} {
		p := tier.p
		fmt.Fprintf(w, "  %s:\n", tier.name)
		fmt.Fprintf(w, "    Type:          %s\n", p.Type)
		fmt.Fprintf(w, "    Model:         %s\n", p.Model)
		if p.BaseURL != "" {
			fmt.Fprintf(w, "    Base URL:      %s\n", p.BaseURL)
		}
		if p.APIKey != "" {
			fmt.Fprintf(w, "    API Key:       %s\n", p.APIKey)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Options:")
	fmt.Fprintf(w, "  Data Directory:    %s\n", cfg.Options.DataDirectory)
	fmt.Fprintf(w, "  Debug:             %v\n", cfg.Options.Debug)
}

// redact shortens secrets for display.
func redact(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return s[:min(len(s), 8)] + "..."
	}
	cfg.Providers.Deep.APIKey = mask(cfg.Providers.Deep.APIKey)
	cfg.Providers.Rote.APIKey = mask(cfg.Providers.Rote.APIKey)
	cfg.Telemetry.PostHogKey = mask(cfg.Telemetry.PostHogKey)
	return cfg
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON Schema",
	Example: `
# Write the schema next to the config for editor completion
refinery config schema > refinery.schema.json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	Example: `
# Validate configuration
refinery config validate
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "✗ Configuration error: %v\n", err)
			return err
		}

		warnings := configWarnings(cfg, os.LookupEnv)
		if len(warnings) == 0 {
			fmt.Fprintln(out, "✓ Configuration is valid")
			return nil
		}

		fmt.Fprintln(out, "Warnings:")
		for _, w := range warnings {
			fmt.Fprintf(out, "  ⚠ %s\n", w)
		}
		fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
		return nil
	},
}

var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// configWarnings reports settings that load but are unlikely to work.
func configWarnings(cfg config.Config, lookup func(string) (string, bool)) []string {
	var warnings []string

	for _, p := range []struct {
		tier string
		cfg  config.ProviderConfig
	}{{"deep", cfg.Providers.Deep}, {"rote", cfg.Providers.Rote}} {
		if p.cfg.Type == "" {
			if p.tier == "rote" {
				warnings = append(warnings, "No rote provider configured")
			}
			continue
		}
		env, known := providerKeyEnv[p.cfg.Type]
		if !known {
			warnings = append(warnings, fmt.Sprintf("%s provider has unknown type %q", p.tier, p.cfg.Type))
			continue
		}
		if p.cfg.APIKey == "" && p.cfg.BaseURL == "" {
			if v, ok := lookup(env); !ok || v == "" {
				warnings = append(warnings, fmt.Sprintf("%s provider has no API key (set %s)", p.tier, env))
			}
		}
	}

	switch cfg.Strategy {
	case config.StrategyPerChunk, config.StrategyFinalOnly, config.StrategyBoth:
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown strategy %q, final_only will be used", cfg.Strategy))
	}

	if _, err := os.Stat(cfg.Options.DataDirectory); os.IsNotExist(err) {
		warnings = append(warnings, fmt.Sprintf("Data directory does not exist: %s (will be created)", cfg.Options.DataDirectory))
	}
	return warnings
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display the paths where configuration and state are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		explicit, _ := cmd.Flags().GetString("config")
		paths := []struct {
			name string
			path string
		}{
			{"Config file", filepath.Join(cfg.Options.DataDirectory, config.DefaultFileName)},
			{"Budget store", cfg.StorePath()},
		}
		if explicit != "" {
			paths[0].path = explicit
		} else if env := os.Getenv(config.EnvPrefix + "CONFIG"); env != "" {
			paths[0].path = env
		}
		if cfg.Telemetry.File != "" {
			paths = append(paths, struct{ name, path string }{"Telemetry file", cfg.Telemetry.File})
		}
		if cfg.Telemetry.Database != "" {
			paths = append(paths, struct{ name, path string }{"Telemetry database", cfg.Telemetry.Database})
		}

		for _, p := range paths {
			status := "✗"
			if _, err := os.Stat(p.path); err == nil {
				status = "✓"
			}
			fmt.Fprintf(out, "  %s %s\n    %s\n", status, p.name, p.path)
		}
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List recognized environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.EnvKeys() {
			v, ok := os.LookupEnv(k)
			switch {
			case !ok:
				fmt.Fprintln(cmd.OutOrStdout(), k)
			case k == "POSTHOG_API_KEY":
				fmt.Fprintf(cmd.OutOrStdout(), "%s=(set)\n", k)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
		}
		return nil
	},
}
