package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rand/refinery/internal/llm"
	"github.com/rand/refinery/internal/orchestrator"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

var batchCmd = &cobra.Command{
	Use:   "batch [file.jsonl]",
	Short: "Answer a file of requests concurrently",
	Long: `Answer one request per JSONL line and print one JSON result per line, in
input order.

Each line is either a full request ({"messages": [...], "strategy": ...})
or a shorthand {"prompt": "..."}. Requests run independently; a failing
request produces an error line and does not stop the batch.`,
	Example: `
# Answer every request in a file, four at a time
refinery batch -n 4 requests.jsonl > results.jsonl

# Read requests from stdin
cat requests.jsonl | refinery batch
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open batch file: %w", err)
			}
			defer f.Close()
			in = f
		}

		reqs, err := readBatch(in)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			return fmt.Errorf("no requests")
		}

		a, err := setupApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		lines, err := runBatch(cmd.Context(), a.Orchestrator.Orchestrate, reqs, concurrency)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		failed := 0
		for _, l := range lines {
			if l.Error != "" {
				failed++
			}
			if err := enc.Encode(l); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d requests failed", failed, len(lines))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntP("concurrency", "n", 4, "Requests in flight at once")
}

// batchLine is one output record.
type batchLine struct {
	Index  int                  `json:"index"`
	Result *orchestrator.Result `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type orchestrateFunc func(context.Context, orchestrator.Request) (*orchestrator.Result, error)

// readBatch parses JSONL requests. Blank lines and lines starting with #
// are skipped.
func readBatch(r io.Reader) ([]orchestrator.Request, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var reqs []orchestrator.Request
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var req orchestrator.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if p := gjson.GetBytes(line, "prompt"); p.Exists() {
			req.Messages = append(req.Messages, llm.User(p.String()))
		}
		if len(req.Messages) == 0 {
			return nil, fmt.Errorf("line %d: no messages or prompt", n)
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return reqs, nil
}

// runBatch runs every request with at most limit in flight. Per-request
// failures are recorded in their line; only cancellation fails the batch.
func runBatch(ctx context.Context, orchestrate orchestrateFunc, reqs []orchestrator.Request, limit int) ([]batchLine, error) {
	lines := make([]batchLine, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, req := range reqs {
		g.Go(func() error {
			lines[i].Index = i
			res, err := orchestrate(gctx, req)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				lines[i].Error = err.Error()
				return nil
			}
			lines[i].Result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return lines, fmt.Errorf("batch: %w", err)
	}
	return lines, nil
}
