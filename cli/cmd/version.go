package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/cli/render"
	"github.com/justapithecus/promptopt/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version        string `json:"version" yaml:"version"`
	CaptureVersion string `json:"capture_version" yaml:"capture_version"`
	Commit         string `json:"commit" yaml:"commit"`
}

// VersionCommand returns the version command.
// It must not contact the service.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return usageError("%v", err)
		}

		if c.Bool("tui") {
			return usageError("--tui is not supported for version command")
		}

		return r.Render(VersionResponse{
			Version:        types.Version,
			CaptureVersion: types.CaptureVersion,
			Commit:         commit,
		})
	}
}
