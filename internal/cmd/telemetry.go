package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nxadm/tail"
	"github.com/rand/refinery/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func init() {
	telemetryTailCmd.Flags().BoolP("follow", "f", false, "Keep reading as events are appended")
	telemetryTailCmd.Flags().String("trace", "", "Only events of this trace id")
	telemetryTailCmd.Flags().StringP("event", "e", "", "Only events with this name")
	telemetryTailCmd.Flags().Bool("raw", false, "Print raw JSON lines")

	telemetryCmd.AddCommand(
		telemetryTailCmd,
		telemetryTraceCmd,
	)
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Inspect orchestration telemetry",
}

var telemetryTailCmd = &cobra.Command{
	Use:   "tail [file]",
	Short: "Print events from the telemetry JSONL file",
	Example: `
# Follow review passes as they happen
refinery telemetry tail -f -e review.pass

# Everything one request did
refinery telemetry tail --trace 4f9c...
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		traceID, _ := cmd.Flags().GetString("trace")
		name, _ := cmd.Flags().GetString("event")
		raw, _ := cmd.Flags().GetBool("raw")

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path = cfg.Telemetry.File
		}
		if path == "" {
			return fmt.Errorf("no telemetry file configured (set telemetry.file or REFINERY_TELEMETRY_FILE)")
		}

		t, err := tail.TailFile(path, tail.Config{
			Follow:    follow,
			ReOpen:    follow,
			MustExist: !follow,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			return fmt.Errorf("tail %s: %w", path, err)
		}
		defer t.Cleanup()

		filter := eventFilter{traceID: traceID, name: name}
		out := cmd.OutOrStdout()
		for {
			select {
			case <-cmd.Context().Done():
				_ = t.Stop()
				return nil
			case line, ok := <-t.Lines:
				if !ok {
					return t.Err()
				}
				if line.Err != nil {
					return line.Err
				}
				if !filter.match(line.Text) {
					continue
				}
				if raw {
					fmt.Fprintln(out, line.Text)
				} else {
					fmt.Fprintln(out, formatEvent(line.Text))
				}
			}
		}
	},
}

var telemetryTraceCmd = &cobra.Command{
	Use:   "trace <trace-id>",
	Short: "Print one request's events from the telemetry database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Telemetry.Database == "" {
			return fmt.Errorf("no telemetry database configured (set telemetry.database or REFINERY_TELEMETRY_DB)")
		}

		db, err := telemetry.OpenSQLite(cmd.Context(), cfg.Telemetry.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.Trace(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printStored(cmd.OutOrStdout(), events)
	},
}

type eventFilter struct {
	traceID string
	name    string
}

func (f eventFilter) match(line string) bool {
	if !gjson.Valid(line) {
		return false
	}
	if f.traceID != "" && gjson.Get(line, "trace_id").String() != f.traceID {
		return false
	}
	if f.name != "" && gjson.Get(line, "event").String() != f.name {
		return false
	}
	return true
}

// formatEvent renders one encoded event as a single readable line.
func formatEvent(line string) string {
	doc := gjson.Parse(line)

	ts := doc.Get("ts").String()
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = t.Local().Format(time.TimeOnly)
	}

	var fields []string
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "event", "id", "ts", "trace_id", "conv_id":
			return true
		}
		v := value.String()
		if value.Type == gjson.Number {
			v = value.Raw
		}
		fields = append(fields, key.String()+"="+truncateStr(v, 80))
		return true
	})

	trace := doc.Get("trace_id").String()
	if len(trace) > 8 {
		trace = trace[:8]
	}
	return fmt.Sprintf("%s %-8s %-20s %s", ts, trace, doc.Get("event").String(), strings.Join(fields, " "))
}

func printStored(w io.Writer, events []telemetry.StoredEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events for this trace.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintln(w, formatEvent(ev.Payload))
	}
	return nil
}
