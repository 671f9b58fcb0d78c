// Package main provides the promptopt CLI entrypoint.
//
// Usage:
//
//	promptopt <command> [subcommand] [options]
//
// Exit codes:
//   - 0: success
//   - 1: service error, partial failure, or policy failure
//   - 2: transport failure
//   - 3: usage error
//   - 130: canceled
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/cli/cmd"
	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(runtime.ExitCodeFailure)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "promptopt",
		Usage:          "Client for a streaming prompt optimization service",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.OptimizeCommand(),
			cmd.BatchCommand(),
			cmd.HealthCommand(),
			cmd.ReplayCommand(),
			cmd.InspectCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(reportExit(os.Stderr, err))
}

// reportExit prints err to w unless it carries no message and returns the
// process exit code for it.
func reportExit(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() is "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			_, _ = fmt.Fprintln(w, msg)
		}
		return code
	}

	_, _ = fmt.Fprintf(w, "Error: %v\n", err)
	return runtime.ExitCodeFailure
}
