package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/rand/refinery/internal/budget"
	"github.com/rand/refinery/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	budgetShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	budgetShowCmd.Flags().Bool("detailed", false, "Plain multi-line report")
	budgetShowCmd.Flags().Bool("summary", false, "One-line summary")
	budgetHistoryCmd.Flags().IntP("limit", "n", 10, "Maximum snapshots to show")
	budgetResetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	budgetCmd.AddCommand(
		budgetShowCmd,
		budgetHistoryCmd,
		budgetResetCmd,
	)
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Daily token budget",
	Long:  "Inspect and reset the persisted daily deep-tier token budget",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show today's budget",
	Example: `
# Show the budget
refinery budget show

# Machine-readable
refinery budget show --json

# For a status line
refinery budget show --summary
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		detailed, _ := cmd.Flags().GetBool("detailed")
		summary, _ := cmd.Flags().GetBool("summary")

		a, err := setupApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		report := budget.NewReport(a.Ledger)
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		switch {
		case summary:
			fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
		case detailed:
			fmt.Fprint(cmd.OutOrStdout(), report.Detailed())
		default:
			renderReport(cmd.OutOrStdout(), report)
		}
		return nil
	},
}

var budgetHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past budget snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := setupApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		entries, err := a.Store.History(cmd.Context(), a.Config.Budget.SnapshotKey, limit)
		if err != nil {
			return err
		}
		return renderHistory(cmd.OutOrStdout(), entries)
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's usage to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset the budget without --yes")
		}

		a, err := setupApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		a.Ledger.Reset()
		if err := a.Ledger.Save(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Budget reset")
		return nil
	},
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func renderReport(w io.Writer, r budget.Report) {
	s := r.Snapshot

	used := fmt.Sprintf("%d / %d (%.1f%%)", s.Used, s.DailyLimit, s.PercentageUsed)
	if s.PercentageUsed >= 80 {
		used = warnStyle.Render(used)
	}

	lines := []string{
		titleStyle.Render("Deep-tier budget"),
		"",
		labelStyle.Render("Used") + used,
		labelStyle.Render("Remaining") + fmt.Sprint(s.Remaining),
	}
	if s.Reserved > 0 {
		lines = append(lines, labelStyle.Render("Held")+fmt.Sprint(s.Reserved))
	}
	lines = append(lines, labelStyle.Render("Resets")+s.ResetsAt.Format(time.DateTime))

	if len(s.UsageByTier) > 0 {
		lines = append(lines, "", titleStyle.Render("By tier"))
		tiers := make([]budget.Tier, 0, len(s.UsageByTier))
		for t := range s.UsageByTier {
			tiers = append(tiers, t)
		}
		slices.Sort(tiers)
		for _, t := range tiers {
			lines = append(lines, labelStyle.Render(string(t))+fmt.Sprint(s.UsageByTier[t]))
		}
	}

	lines = append(lines, "", r.StatusBar())
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

func renderHistory(w io.Writer, entries []store.HistoryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No snapshots saved yet.")
		return nil
	}
	for _, e := range entries {
		var st budget.State
		if err := json.Unmarshal(e.Blob, &st); err != nil {
			fmt.Fprintf(w, "%s  (unreadable: %v)\n", e.SavedAt.Format(time.DateTime), err)
			continue
		}
		fmt.Fprintf(w, "%s  used %d / %d  resets %s\n",
			e.SavedAt.Format(time.DateTime), st.UsedTokens, st.DailyLimitTokens, st.ResetsAt.Format(time.DateTime))
	}
	return nil
}
