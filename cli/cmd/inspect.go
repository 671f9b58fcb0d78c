package cmd

import (
	"errors"
	"fmt"
	"os"

	golode "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/cli/render"
	"github.com/justapithecus/promptopt/lode"
	"github.com/justapithecus/promptopt/runtime"
)

// InspectCommand returns the inspect command with subcommands.
// Inspect is read-only: it never contacts the service.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a stream capture or an archived run",
		Subcommands: []*cli.Command{
			inspectCaptureCommand(),
			inspectRunCommand(),
			inspectMetricsCommand(),
		},
	}
}

func inspectCaptureCommand() *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "Show the header and records of a capture file",
		ArgsUsage: "<file>",
		Flags:     OutputFlags(),
		Action:    inspectCaptureAction,
	}
}

func inspectCaptureAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for inspect capture command")
	}
	if c.NArg() != 1 {
		return usageError("capture file required")
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return usageError("open capture: %v", err)
	}
	defer func() { _ = f.Close() }()

	hdr, records, err := capture.Load(f)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read capture: %v", err), runtime.ExitCodeFailure)
	}
	return r.Render(render.NewCaptureView(hdr, records))
}

func inspectRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Show the archived events, result and metrics of a run",
		ArgsUsage: "<run-id>",
		Flags:     joinFlags(configFlags(), storageFlags(), OutputFlags()),
		Action:    inspectRunAction,
	}
}

func inspectRunAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for inspect run command")
	}
	if c.NArg() != 1 {
		return usageError("run-id required")
	}

	ds, err := openReadDataset(c)
	if err != nil {
		return err
	}

	recs, err := lode.QueryRun(c.Context, ds, c.Args().First())
	if err != nil {
		if errors.Is(err, lode.ErrRunNotFound) {
			return cli.Exit(fmt.Sprintf("run %q not found", c.Args().First()), runtime.ExitCodeFailure)
		}
		return cli.Exit(fmt.Sprintf("query run: %v", err), runtime.ExitCodeFailure)
	}
	return r.Render(render.NewArchivedRunView(recs))
}

func inspectMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:      "metrics",
		Usage:     "Show the latest archived metrics record",
		ArgsUsage: "[run-id]",
		Flags: joinFlags(
			[]cli.Flag{
				&cli.StringFlag{
					Name:  "backend",
					Usage: "Only consider runs against this optimization backend",
				},
			},
			configFlags(),
			storageFlags(),
			OutputFlags(),
		),
		Action: inspectMetricsAction,
	}
}

func inspectMetricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for inspect metrics command")
	}

	ds, err := openReadDataset(c)
	if err != nil {
		return err
	}

	rec, err := lode.QueryLatestMetrics(c.Context, ds, c.Args().First(), c.String("backend"))
	if err != nil {
		if errors.Is(err, lode.ErrNoMetricsFound) {
			return cli.Exit("no metrics found", runtime.ExitCodeFailure)
		}
		return cli.Exit(fmt.Sprintf("query metrics: %v", err), runtime.ExitCodeFailure)
	}
	snap, err := lode.ParseMetricsRecord(rec)
	if err != nil {
		return cli.Exit(fmt.Sprintf("parse metrics: %v", err), runtime.ExitCodeFailure)
	}
	return r.Render(snap)
}

// openReadDataset opens the archive named by the storage flags for reading.
func openReadDataset(c *cli.Context) (golode.Dataset, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	st := parseStorageChoice(c, cfg)
	if !st.enabled() {
		return nil, usageError("--storage-path is required (or set storage.path in --config)")
	}
	if err := validateStorageConfig(st); err != nil {
		return nil, usageError("invalid storage config: %v", err)
	}

	var ds golode.Dataset
	switch st.backend {
	case "s3":
		ds, err = lode.NewReadDatasetS3(c.Context, st.dataset, st.s3Config())
	default:
		ds, err = lode.NewReadDatasetFS(st.dataset, st.path)
	}
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("open archive: %v", err), runtime.ExitCodeFailure)
	}
	return ds, nil
}

