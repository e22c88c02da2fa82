package budget

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Report renders a ledger snapshot for humans.
type Report struct {
	Snapshot Snapshot  `json:"snapshot"`
	Now      time.Time `json:"now"`
}

// NewReport creates a report from the ledger's current state.
func NewReport(l *Ledger) Report {
	snap := l.Budget()
	return Report{Snapshot: snap, Now: l.now()}
}

// Summary returns a brief one-line summary.
func (r Report) Summary() string {
	s := r.Snapshot
	return fmt.Sprintf("Deep tokens: %dk/%dk (%.1f%%) | Remaining: %d | Resets in %s",
		s.Used/1000, s.DailyLimit/1000, s.PercentageUsed,
		s.Remaining, formatDuration(r.untilReset()))
}

// StatusBar returns a compact status line with a progress bar.
func (r Report) StatusBar() string {
	s := r.Snapshot
	var parts []string

	parts = append(parts, fmt.Sprintf("[Tokens: %.1fk/%dk %s]",
		float64(s.Used)/1000,
		s.DailyLimit/1000,
		progressBar(s.PercentageUsed, 10)))

	if s.Reserved > 0 {
		parts = append(parts, fmt.Sprintf("[Held: %d]", s.Reserved))
	}

	parts = append(parts, fmt.Sprintf("[⏱ %s]", formatDuration(r.untilReset())))

	return strings.Join(parts, " ")
}

// Detailed returns a multi-line report.
func (r Report) Detailed() string {
	s := r.Snapshot
	var sb strings.Builder

	sb.WriteString("Daily Budget:\n")
	sb.WriteString(fmt.Sprintf("  Used:      %d / %d (%.1f%%)\n", s.Used, s.DailyLimit, s.PercentageUsed))
	sb.WriteString(fmt.Sprintf("  Remaining: %d\n", s.Remaining))
	if s.Reserved > 0 {
		sb.WriteString(fmt.Sprintf("  Held:      %d\n", s.Reserved))
	}
	sb.WriteString("\n")

	sb.WriteString("By Tier:\n")
	tiers := make([]string, 0, len(s.UsageByTier))
	for t := range s.UsageByTier {
		tiers = append(tiers, string(t))
	}
	slices.Sort(tiers)
	if len(tiers) == 0 {
		sb.WriteString("  (no usage)\n")
	}
	for _, t := range tiers {
		sb.WriteString(fmt.Sprintf("  %-5s %d\n", t, s.UsageByTier[Tier(t)]))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Resets at %s (in %s)\n",
		s.ResetsAt.Format(time.RFC3339), formatDuration(r.untilReset())))

	return sb.String()
}

func (r Report) untilReset() time.Duration {
	if r.Now.IsZero() || r.Snapshot.ResetsAt.IsZero() {
		return 0
	}
	return max(r.Snapshot.ResetsAt.Sub(r.Now), 0)
}

// progressBar creates a simple ASCII progress bar.
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent / 100 * float64(width))
	empty := width - filled

	return strings.Repeat("▓", filled) + strings.Repeat("░", empty)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
