// Package config handles YAML config file loading for promptopt commands.
package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} and ${VAR:-default}. Bare $VAR is left
// alone so API keys and URLs containing '$' survive expansion.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references with values
// from the environment. A variable that is unset or empty takes the
// default, or the empty string without one. Missing API keys are reported
// later by request validation on the service side.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(sub[1]); v != "" {
			return v
		}
		return sub[2]
	})
}
