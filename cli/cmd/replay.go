package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/replay"
	"github.com/justapithecus/promptopt/runtime"
)

// DefaultReplayAddr is the default listen address of the replay server.
const DefaultReplayAddr = "127.0.0.1:8080"

// ReplayCommand returns the replay command.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Serve a recorded stream as a stand-in optimization service",
		ArgsUsage: "<capture-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
				Value: DefaultReplayAddr,
			},
			&cli.Float64Flag{
				Name:  "speed",
				Usage: "Playback speed multiplier (0 sends every record at once)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("capture file required")
	}
	if c.Float64("speed") < 0 {
		return usageError("--speed must be >= 0, got %g", c.Float64("speed"))
	}
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		return usageError("invalid --log-level: %v", err)
	}
	logger := log.NewLogger(nil, log.WithLevel(level))

	srv, err := replay.Open(c.Args().First(),
		replay.WithSpeed(c.Float64("speed")),
		replay.WithLogger(logger),
	)
	if err != nil {
		return usageError("open capture: %v", err)
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	logger.Info("replay server listening", map[string]any{
		"addr":    c.String("addr"),
		"records": srv.Len(),
		"run_id":  srv.Header().RunID,
	})
	if err := srv.ListenAndServe(ctx, c.String("addr")); err != nil {
		return cli.Exit(fmt.Sprintf("replay server: %v", err), runtime.ExitCodeFailure)
	}
	logger.Info("replay server stopped", nil)
	return nil
}
