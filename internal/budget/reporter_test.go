package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testReport() Report {
	now := time.Date(2025, 3, 10, 21, 30, 0, 0, time.UTC)
	return Report{
		Snapshot: Snapshot{
			DailyLimit:     100000,
			Used:           50000,
			Remaining:      50000,
			PercentageUsed: 50,
			ResetsAt:       time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
			UsageByTier:    map[Tier]int64{TierDeep: 50000},
		},
		Now: now,
	}
}

func TestReportSummary(t *testing.T) {
	summary := testReport().Summary()

	assert.Contains(t, summary, "50k/100k")
	assert.Contains(t, summary, "50.0%")
	assert.Contains(t, summary, "2h30m")
}

func TestReportStatusBar(t *testing.T) {
	r := testReport()
	statusBar := r.StatusBar()

	assert.Contains(t, statusBar, "Tokens:")
	assert.Contains(t, statusBar, "▓")
	assert.Contains(t, statusBar, "░")
	assert.NotContains(t, statusBar, "Held")

	r.Snapshot.Reserved = 1200
	assert.Contains(t, r.StatusBar(), "[Held: 1200]")
}

func TestReportDetailed(t *testing.T) {
	detailed := testReport().Detailed()

	assert.Contains(t, detailed, "Used:      50000 / 100000 (50.0%)")
	assert.Contains(t, detailed, "deep  50000")
	assert.Contains(t, detailed, "Resets at 2025-03-11T00:00:00Z")

	empty := Report{Snapshot: Snapshot{DailyLimit: 10}}
	assert.Contains(t, empty.Detailed(), "(no usage)")
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent float64
		width   int
		want    string
	}{
		{0, 10, "░░░░░░░░░░"},
		{50, 10, "▓▓▓▓▓░░░░░"},
		{100, 10, "▓▓▓▓▓▓▓▓▓▓"},
		{150, 10, "▓▓▓▓▓▓▓▓▓▓"},
		{-10, 10, "░░░░░░░░░░"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, progressBar(tt.percent, tt.width))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h30m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
