// Package cmd is the refinery command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"charm.land/log/v2"
	"github.com/charmbracelet/fang"
	"github.com/rand/refinery/internal/app"
	"github.com/rand/refinery/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Version is set at build time.
var Version = "dev"

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: <data-dir>/refinery.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Data directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Write JSON logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Answer locally without calling any model")

	rootCmd.AddCommand(
		runCmd,
		batchCmd,
		budgetCmd,
		configCmd,
		telemetryCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "refinery",
	Short: "Quality-controlled generation in front of tiered language models",
	Long: `Refinery routes each request to a deep or rote model tier under a daily
token budget, reviews the answer with a second model call and regenerates
it until it passes a quality threshold or the pass budget runs out.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fang.Execute(ctx, rootCmd, fang.WithVersion(Version)); err != nil {
		cancel()
		os.Exit(1)
	}
}

// loadConfig merges defaults, the config file, the environment and the
// persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg, err := config.Load(config.LoadOptions{Path: path, DataDir: dataDir})
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Options.Debug = true
	}
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		cfg.Options.LogFile = logFile
	}
	return cfg, nil
}

// newLogger returns the process logger and a function releasing its
// output. Without a log file, human-readable logs go to stderr.
func newLogger(cfg config.Config, stderr io.Writer) (*slog.Logger, func()) {
	level, charmLevel := slog.LevelWarn, log.WarnLevel
	if cfg.Options.Debug {
		level, charmLevel = slog.LevelDebug, log.DebugLevel
	}

	if cfg.Options.LogFile != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.Options.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   true,
		}
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
		return slog.New(h), func() { _ = w.Close() }
	}

	l := log.NewWithOptions(stderr, log.Options{
		Level:           charmLevel,
		ReportTimestamp: cfg.Options.Debug,
		Prefix:          "refinery",
	})
	return slog.New(l), func() {}
}

// appHandle is an App that also owns the process log output.
type appHandle struct {
	*app.App
	closeLog func()
}

// Shutdown stops the app, then closes the log output.
func (h *appHandle) Shutdown() {
	h.App.Shutdown()
	h.closeLog()
}

// setupApp loads configuration, installs the logger and builds the app.
func setupApp(cmd *cobra.Command, storeOnly bool) (*appHandle, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, closeLog := newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	a, err := app.New(cmd.Context(), cfg, app.Options{
		DryRun:    dryRun,
		StoreOnly: storeOnly,
		Logger:    logger,
	})
	if err != nil {
		closeLog()
		return nil, err
	}
	return &appHandle{App: a, closeLog: closeLog}, nil
}

// MaybePrependStdin prepends piped standard input to prompt.
func MaybePrependStdin(prompt string) (string, error) {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
		return prompt, nil
	}
	return prependInput(prompt, os.Stdin)
}

func prependInput(prompt string, in io.Reader) (string, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(data))
	switch {
	case piped == "":
		return prompt, nil
	case prompt == "":
		return piped, nil
	}
	return piped + "\n\n" + prompt, nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
