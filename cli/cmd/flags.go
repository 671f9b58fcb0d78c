// Package cmd provides CLI commands for the promptopt binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/runtime"
)

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the Bubble Tea progress view.
	// Only valid for optimize.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Show live progress in an interactive TUI (optimize only)",
	}
)

// OutputFlags returns the shared output flags for every command.
// Includes --tui so that unsupported commands can provide explicit error
// messages instead of generic "flag not defined" errors.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// configFlags locate the config file and set the log level.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a promptopt.yaml config file",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
	}
}

// serviceFlags locate the optimization service.
func serviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "service-url",
			Aliases: []string{"u"},
			Usage:   "Service base URL (repeatable for an endpoint pool)",
			EnvVars: []string{"PROMPTOPT_SERVICE_URL"},
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "Endpoint selection strategy: round_robin, random, sticky",
			Value: "round_robin",
		},
		&cli.DurationFlag{
			Name:  "cooldown",
			Usage: "How long a failing endpoint is demoted (0 disables)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout for non-streaming requests",
		},
		&cli.StringSliceFlag{
			Name:  "header",
			Usage: "Extra request header as Key=Value (repeatable)",
		},
	}
}

// requestFlags shape the optimize request.
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "LLM backend: gemini or grok",
			Value: "gemini",
		},
		&cli.IntFlag{
			Name:  "max-iterations",
			Usage: "Maximum D/S iterations (1-6)",
			Value: 3,
		},
		&cli.Float64Flag{
			Name:  "convergence-threshold",
			Usage: "Change rate below which D/S stops (0.01-0.20)",
			Value: 0.05,
		},
		&cli.BoolFlag{
			Name:  "no-force",
			Usage: "Let the service skip prompts that need no optimization",
		},
		&cli.StringFlag{
			Name:    "gemini-api-key",
			Usage:   "Gemini API key",
			EnvVars: []string{"GEMINI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "xai-api-key",
			Usage:   "xAI API key",
			EnvVars: []string{"XAI_API_KEY"},
		},
		&cli.BoolFlag{
			Name:  "no-stream",
			Usage: "Use the non-streaming endpoint (no progress, no event archive)",
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "Abandon a stream silent for this long (0 disables)",
			Value: runtime.DefaultIdleTimeout,
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Retry transport and partial failures this many times",
		},
		&cli.DurationFlag{
			Name:  "retry-backoff",
			Usage: "Delay before each retry",
			Value: runtime.DefaultRetryBackoff,
		},
	}
}

// storageFlags configure the run archive.
func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "storage-dataset",
			Usage: "Archive dataset ID",
			Value: "promptopt",
		},
		&cli.StringFlag{
			Name:  "storage-backend",
			Usage: "Archive backend: fs or s3",
			Value: "fs",
		},
		&cli.StringFlag{
			Name:  "storage-path",
			Usage: "Archive location (fs: directory, s3: bucket/prefix); empty disables archiving",
		},
		&cli.StringFlag{
			Name:  "storage-region",
			Usage: "AWS region for the s3 backend (optional, uses default chain)",
		},
		&cli.StringFlag{
			Name:  "storage-endpoint",
			Usage: "Custom S3 endpoint for S3-compatible providers",
		},
		&cli.BoolFlag{
			Name:  "storage-s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
	}
}

// policyFlags configure the event policy.
func policyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Event policy: strict, buffered, noop (default strict with storage, noop without)",
		},
		&cli.StringFlag{
			Name:  "flush-mode",
			Usage: "Flush mode for buffered policy: at_least_once, best_effort",
			Value: "at_least_once",
		},
		&cli.IntFlag{
			Name:  "buffer-events",
			Usage: "Max buffered events (buffered policy)",
		},
		&cli.Int64Flag{
			Name:  "buffer-bytes",
			Usage: "Max buffer size in bytes (buffered policy)",
		},
	}
}

// adapterFlags configure completion notifications.
func adapterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "Completion notification adapter: webhook or redis",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Webhook URL or Redis URL",
		},
		&cli.StringFlag{
			Name:  "adapter-channel",
			Usage: "Redis pub/sub channel",
		},
		&cli.StringSliceFlag{
			Name:  "adapter-header",
			Usage: "Webhook header as Key=Value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "adapter-timeout",
			Usage: "Per-notification timeout",
		},
		&cli.IntFlag{
			Name:  "adapter-retries",
			Usage: "Notification retry attempts",
			Value: 3,
		},
	}
}

func joinFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
