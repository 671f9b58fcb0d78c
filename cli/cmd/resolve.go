package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/cli/config"
)

// Precedence for every setting: explicit CLI flag, then config file, then
// the flag's default.

func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) || cfgVal == "" {
		return c.String(name)
	}
	return cfgVal
}

func resolveInt(c *cli.Context, name string, cfgVal int) int {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int(name)
	}
	return cfgVal
}

func resolveInt64(c *cli.Context, name string, cfgVal int64) int64 {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int64(name)
	}
	return cfgVal
}

func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Duration(name)
	}
	return cfgVal
}

// configVal reads a field from a possibly nil config.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// loadConfig loads --config when given. A missing flag yields nil.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, usageError("invalid --config: %v", err)
	}
	return cfg, nil
}

// parseHeaders parses Key=Value pairs over base. Flags win on conflict.
func parseHeaders(flag string, pairs []string, base map[string]string) (map[string]string, error) {
	if len(pairs) == 0 && len(base) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(base)+len(pairs))
	for k, v := range base {
		out[k] = v
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected Key=Value", flag, p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
