package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/config"
	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/orchestrator"
	"github.com/rand/refinery/internal/routing"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Answer one prompt with review and regeneration",
	Long: `Answer one prompt through the orchestrator.

The prompt is routed to the deep or rote tier, optionally split into an
outline of chunks, reviewed, and regenerated until it is accepted or the
pass budget is exhausted. The prompt can be given as arguments or piped
from stdin.`,
	Example: `
# Answer a question
refinery run "Explain how Go's scheduler handles blocking syscalls"

# Pipe a file in as context
cat main.go | refinery run "Review this code"

# Review each chunk and the assembled answer
refinery run --strategy both "Write a deployment guide for a Go service"

# Show every review pass
refinery run --trace "Compare raft and paxos"

# Full result as JSON without calling a model
refinery --dry-run run --json "hello"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		asJSON, _ := cmd.Flags().GetBool("json")
		showTrace, _ := cmd.Flags().GetBool("trace")
		quiet, _ := cmd.Flags().GetBool("quiet")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		system, _ := cmd.Flags().GetString("system")
		convID, _ := cmd.Flags().GetString("conv-id")
		verbose, _ := cmd.Flags().GetBool("verbose")

		prompt, err := MaybePrependStdin(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("no prompt provided")
		}

		a, err := setupApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		var messages []llm.Message
		if system != "" {
			messages = append(messages, llm.System(system))
		}
		messages = append(messages, llm.User(prompt))

		if !quiet && !asJSON {
			fmt.Fprintln(cmd.ErrOrStderr(), "Generating...")
		}

		res, err := a.Orchestrator.Orchestrate(cmd.Context(), orchestrator.Request{
			Messages:  messages,
			MaxTokens: maxTokens,
			Strategy:  config.Strategy(strategy),
			ConvID:    convID,
		})
		if err != nil {
			return fmt.Errorf("orchestrate: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		fmt.Fprintln(out, res.Content)

		if showTrace {
			printTrace(cmd, res)
		}
		if !quiet {
			fmt.Fprintln(cmd.ErrOrStderr(), summaryLine(res))
		}
		if verbose {
			a.Router.Wait()
			fmt.Fprint(cmd.ErrOrStderr(), sessionStats(
				budget.NewReport(a.Ledger),
				a.Router.Stats(),
				a.Classifier.Stats(),
				a.Classifier.Outcomes(),
			))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("strategy", "s", "", "Review strategy: per_chunk, final_only or both (default from config)")
	runCmd.Flags().BoolP("json", "j", false, "Print the full result as JSON")
	runCmd.Flags().BoolP("trace", "t", false, "Show review passes")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	runCmd.Flags().IntP("max-tokens", "m", 0, "Output token cap per generation")
	runCmd.Flags().String("system", "", "System prompt")
	runCmd.Flags().String("conv-id", "", "Conversation id recorded in telemetry")
	runCmd.Flags().Bool("verbose", false, "Show budget, router and classifier statistics")
}

func printTrace(cmd *cobra.Command, res *orchestrator.Result) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "\n--- Review passes (%s) ---\n", res.Strategy)
	if res.Classification != nil {
		fmt.Fprintf(w, "classified %s (confidence %.2f): %s\n",
			res.Classification.Tier, res.Classification.Confidence, res.Classification.Reasoning)
	}
	for _, ev := range res.Events {
		label := ""
		if ev.Label != "" {
			label = " [" + ev.Label + "]"
		}
		status := "rejected"
		switch {
		case ev.Error != "":
			status = "error: " + ev.Error
		case ev.Accepted:
			status = "accepted"
		}
		fmt.Fprintf(w, "  pass %d%s: %.2f / %.2f %s (%dms)\n",
			ev.Iteration, label, ev.Score, ev.Threshold, status, ev.ElapsedMs)
		if ev.Critique != "" {
			fmt.Fprintf(w, "    %s\n", truncateStr(strings.ReplaceAll(ev.Critique, "\n", " "), 100))
		}
	}
}

func summaryLine(res *orchestrator.Result) string {
	parts := []string{
		fmt.Sprintf("tier=%s", res.Tier),
		fmt.Sprintf("passes=%d", res.ReviewPasses),
		fmt.Sprintf("regenerations=%d", res.Regenerations),
	}
	if res.Reviewed {
		parts = append(parts, fmt.Sprintf("score=%.2f", res.FinalScore), fmt.Sprintf("accepted=%v", res.Accepted))
	}
	if len(res.Chunks) > 0 {
		parts = append(parts, fmt.Sprintf("chunks=%d", len(res.Chunks)))
	}
	if res.BudgetOverride {
		parts = append(parts, "budget_override")
	}
	if res.FallbackReason != "" {
		parts = append(parts, "fallback")
	}
	parts = append(parts, fmt.Sprintf("tokens=%d", res.Tokens), fmt.Sprintf("elapsed=%s", res.Elapsed.Round(time.Millisecond)))
	line := strings.Join(parts, " ")
	if res.Warning != "" {
		line += "\nwarning: " + res.Warning
	}
	return line
}

// sessionStats renders the budget, router and classifier counters of this
// process.
func sessionStats(report budget.Report, rs routing.Stats, cs routing.ClassifierStats, outcomes map[budget.Tier]routing.TierOutcomes) string {
	var sb strings.Builder
	sb.WriteString("\n--- Session ---\n")
	sb.WriteString(report.Summary() + "\n")
	fmt.Fprintf(&sb, "router: calls=%d deep=%d rote=%d failures=%d fallbacks=%d overrides=%d avg=%s\n",
		rs.TotalCalls, rs.DeepCalls, rs.RoteCalls, rs.Failures, rs.Fallbacks, rs.Overrides,
		rs.AvgDuration.Round(time.Millisecond))

	breakers := make([]string, 0, len(rs.Breakers))
	for name := range rs.Breakers {
		breakers = append(breakers, name)
	}
	slices.Sort(breakers)
	for _, name := range breakers {
		m := rs.Breakers[name]
		fmt.Fprintf(&sb, "breaker %s: %s calls=%d failures=%d rejected=%d\n",
			name, m.State, m.TotalCalls, m.TotalFailures, m.TotalRejections)
	}

	fmt.Fprintf(&sb, "classifier: calls=%d cache_hits=%d cache_size=%d\n", cs.TotalCalls, cs.CacheHits, cs.CacheSize)
	tiers := make([]budget.Tier, 0, len(outcomes))
	for t := range outcomes {
		tiers = append(tiers, t)
	}
	slices.Sort(tiers)
	for _, t := range tiers {
		o := outcomes[t]
		fmt.Fprintf(&sb, "outcomes %s: success=%.0f%% fallbacks=%d tokens=%d\n",
			t, o.SuccessRate()*100, o.Fallbacks, o.Tokens)
	}
	return sb.String()
}
