package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/cli/render"
	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

// BatchCommand returns the batch command.
func BatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Optimize every prompt in a file, one per line",
		ArgsUsage: "<file|->",
		Flags: joinFlags(
			[]cli.Flag{
				&cli.IntFlag{
					Name:  "concurrency",
					Usage: "Maximum runs in flight",
					Value: runtime.DefaultBatchConcurrency,
				},
				&cli.StringFlag{
					Name:  "report-dir",
					Usage: "Write one JSON run report per prompt into this directory",
				},
			},
			configFlags(),
			serviceFlags(),
			requestFlags(),
			storageFlags(),
			policyFlags(),
			adapterFlags(),
			OutputFlags(),
		),
		Action: batchAction,
	}
}

func batchAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for batch command")
	}
	if c.NArg() != 1 {
		return usageError("batch requires exactly one prompt file argument")
	}
	if c.Int("concurrency") < 1 {
		return usageError("--concurrency must be >= 1, got %d", c.Int("concurrency"))
	}

	data, err := readInput(c, c.Args().First())
	if err != nil {
		return usageError("read prompt file: %v", err)
	}
	prompts := parsePrompts(data)
	if len(prompts) == 0 {
		return usageError("prompt file %q has no prompts", c.Args().First())
	}

	reportDir := c.String("report-dir")
	if reportDir != "" {
		if info, err := os.Stat(reportDir); err != nil || !info.IsDir() {
			return usageError("--report-dir %q must be an existing directory", reportDir)
		}
	}

	setup, err := newRunSetup(c)
	if err != nil {
		return err
	}
	defer func() { _ = setup.Close() }()

	ctx, stop := signalContext(c.Context)
	defer stop()

	// Latest collector per prompt, for reports.
	var mu sync.Mutex
	collectors := make(map[int]*metrics.Collector, len(prompts))

	items, summary, err := runtime.Batch(ctx, runtime.BatchConfig{
		Prompts:     prompts,
		Concurrency: c.Int("concurrency"),
		Retry:       setup.retry,
		Factory: func(index int, prompt string, meta *types.RunMeta) (*runtime.RunConfig, error) {
			cfg, err := setup.newRunConfig(ctx, meta, prompt, runOptions{})
			if err != nil {
				return nil, err
			}
			mu.Lock()
			collectors[index] = cfg.Collector
			mu.Unlock()
			return cfg, nil
		},
		OnDone: func(item *runtime.BatchItem) {
			fields := map[string]any{
				"index":    item.Index,
				"attempts": len(item.Attempts),
				"outcome":  string(item.Status()),
			}
			if item.Err != nil {
				fields["error"] = item.Err.Error()
			}
			setup.logger.Info("batch item finished", fields)

			final := item.Final()
			if reportDir == "" || final == nil {
				return
			}
			mu.Lock()
			col := collectors[item.Index]
			mu.Unlock()
			report := runtime.BuildRunReport(final, col.Snapshot(), setup.policy.name, runtime.ExitCode(final.Outcome.Status))
			path := filepath.Join(reportDir, final.RunMeta.RunID+".json")
			if err := runtime.WriteRunReport(report, path); err != nil {
				setup.logger.Warn("report write failed", map[string]any{"error": err.Error()})
			}
		},
	})
	if err != nil && ctx.Err() == nil {
		return cli.Exit(fmt.Sprintf("batch failed: %v", err), runtime.ExitCodeFailure)
	}

	setup.logger.Info("batch finished", map[string]any{
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})

	if err := r.Render(render.NewBatchRows(items)); err != nil {
		return err
	}

	if code := batchExitCode(items, ctx.Err() != nil); code != runtime.ExitCodeSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// parsePrompts splits a prompt file into prompts, one per line. Blank
// lines and lines starting with # are skipped.
func parsePrompts(data []byte) []string {
	var prompts []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts
}

// batchExitCode is zero when every prompt succeeded. Otherwise canceled
// wins, then transport failure when it is the only kind of failure.
func batchExitCode(items []*runtime.BatchItem, canceled bool) int {
	failed, transport := 0, 0
	for _, item := range items {
		switch item.Status() {
		case types.OutcomeSuccess:
		case types.OutcomeTransportFailure:
			failed++
			transport++
		default:
			failed++
		}
	}
	switch {
	case failed == 0:
		return runtime.ExitCodeSuccess
	case canceled:
		return runtime.ExitCodeCanceled
	case failed == transport:
		return runtime.ExitCodeTransport
	default:
		return runtime.ExitCodeFailure
	}
}
