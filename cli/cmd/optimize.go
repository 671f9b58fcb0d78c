package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/cli/render"
	"github.com/justapithecus/promptopt/cli/tui"
	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

// OptimizeCommand returns the optimize command.
func OptimizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "optimize",
		Usage:     "Optimize one prompt, streaming progress from the service",
		ArgsUsage: "[prompt]",
		Flags: joinFlags(
			[]cli.Flag{
				&cli.StringFlag{
					Name:    "prompt",
					Aliases: []string{"p"},
					Usage:   "Prompt text",
				},
				&cli.StringFlag{
					Name:  "file",
					Usage: "Read the prompt from a file (- for stdin)",
				},
				&cli.StringFlag{
					Name:  "run-id",
					Usage: "Run ID (default: random UUID)",
				},
				&cli.StringFlag{
					Name:  "record",
					Usage: "Record the raw event stream into a capture file",
				},
				&cli.StringFlag{
					Name:  "report",
					Usage: "Write a JSON run report to this path (- for stderr)",
				},
				&cli.BoolFlag{
					Name:  "quiet",
					Usage: "Suppress result output",
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
		Action: optimizeAction,
	}
}

func optimizeAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}

	prompt, err := readPrompt(c)
	if err != nil {
		return err
	}

	useTUI := c.Bool("tui")
	if useTUI {
		if c.Bool("no-stream") {
			return usageError("--tui requires streaming; drop --no-stream")
		}
		if !render.IsTTY(os.Stdout) {
			return usageError("--tui requires a terminal")
		}
	}
	if c.String("record") != "" && c.Bool("no-stream") {
		return usageError("--record requires streaming; drop --no-stream")
	}

	setup, err := newRunSetup(c)
	if err != nil {
		return err
	}
	defer func() { _ = setup.Close() }()

	var rec *recording
	if path := c.String("record"); path != "" {
		if rec, err = createRecording(path); err != nil {
			return usageError("%v", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				setup.logger.Warn("capture close failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	runID := c.String("run-id")
	if runID == "" {
		runID = runtime.NewRunID()
	}
	first := &types.RunMeta{RunID: runID, Attempt: 1}

	var collector *metrics.Collector
	execute := func(ctx context.Context, observer runtime.ProgressObserver) (*runtime.RunResult, error) {
		factory := func(meta *types.RunMeta) (*runtime.RunConfig, error) {
			opts := runOptions{observer: observer}
			if rec != nil {
				w, err := rec.next(capture.Header{
					RunID:   meta.RunID,
					Backend: string(setup.request.Backend),
					Prompt:  prompt,
				})
				if err != nil {
					return nil, err
				}
				opts.recorder = w
			}
			cfg, err := setup.newRunConfig(ctx, meta, prompt, opts)
			if err != nil {
				return nil, err
			}
			collector = cfg.Collector
			return cfg, nil
		}

		results, err := runtime.ExecuteWithRetries(ctx, first, factory, setup.retry)
		if len(results) == 0 {
			return nil, err
		}
		if err != nil {
			setup.logger.Warn("retry aborted", map[string]any{"error": err.Error()})
		}
		return results[len(results)-1], nil
	}

	var res *runtime.RunResult
	if useTUI {
		res, err = tui.RunProgress(ctx, prompt, execute)
	} else {
		res, err = execute(ctx, nil)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("optimize failed: %v", err), runtime.ExitCodeFailure)
	}

	code := runtime.ExitCode(res.Outcome.Status)
	if path := c.String("report"); path != "" {
		report := runtime.BuildRunReport(res, collector.Snapshot(), setup.policy.name, code)
		if err := runtime.WriteRunReport(report, path); err != nil {
			setup.logger.Warn("report write failed", map[string]any{"error": err.Error()})
		}
	}

	if !c.Bool("quiet") {
		if err := r.Render(render.NewRunView(res)); err != nil {
			return err
		}
	}

	if code != runtime.ExitCodeSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// readPrompt takes the prompt from exactly one of --prompt, --file, or the
// first argument.
func readPrompt(c *cli.Context) (string, error) {
	sources := 0
	for _, set := range []bool{c.String("prompt") != "", c.String("file") != "", c.NArg() > 0} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return "", usageError("use only one of --prompt, --file, or a prompt argument")
	}

	var prompt string
	switch {
	case c.String("prompt") != "":
		prompt = c.String("prompt")
	case c.String("file") != "":
		data, err := readInput(c, c.String("file"))
		if err != nil {
			return "", usageError("read --file: %v", err)
		}
		prompt = string(data)
	case c.NArg() > 0:
		prompt = c.Args().First()
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", usageError("a prompt is required (--prompt, --file, or an argument)")
	}
	return prompt, nil
}

// readInput reads a file, or the app's stdin for "-".
func readInput(c *cli.Context, path string) ([]byte, error) {
	if path == "-" {
		in := c.App.Reader
		if in == nil {
			in = os.Stdin
		}
		return io.ReadAll(in)
	}
	return os.ReadFile(path)
}
