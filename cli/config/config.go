package config

import (
	"fmt"
	"time"

	"github.com/justapithecus/promptopt/types"
)

// Config represents a promptopt.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Request RequestConfig `yaml:"request"`
	Storage StorageConfig `yaml:"storage"`
	Policy  PolicyConfig  `yaml:"policy"`
	Adapter AdapterConfig `yaml:"adapter"`
	Log     LogConfig     `yaml:"log"`
}

// ServiceConfig locates the optimization service.
type ServiceConfig struct {
	// URL is a single base URL. Ignored when Endpoints is set.
	URL         string            `yaml:"url"`
	Endpoints   []string          `yaml:"endpoints"`
	Strategy    string            `yaml:"strategy"`
	Cooldown    Duration          `yaml:"cooldown"`
	StickyTTL   Duration          `yaml:"sticky_ttl"`
	Timeout     Duration          `yaml:"timeout"`
	IdleTimeout Duration          `yaml:"idle_timeout"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// RequestConfig holds optimize request defaults. Pointer fields
// distinguish "unset" from the zero value.
type RequestConfig struct {
	Backend              string   `yaml:"backend"`
	MaxIterations        *int     `yaml:"max_iterations,omitempty"`
	ConvergenceThreshold *float64 `yaml:"convergence_threshold,omitempty"`
	ForceOptimization    *bool    `yaml:"force_optimization,omitempty"`
	GeminiAPIKey         string   `yaml:"gemini_api_key"`
	XAIAPIKey            string   `yaml:"xai_api_key"`
}

// StorageConfig holds archive defaults from the config file.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// PolicyConfig holds event policy defaults from the config file.
type PolicyConfig struct {
	Type         string `yaml:"type"`
	FlushMode    string `yaml:"flush_mode"`
	BufferEvents int    `yaml:"buffer_events"`
	BufferBytes  int64  `yaml:"buffer_bytes"`
}

// AdapterConfig holds notification adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// EndpointPool builds the service pool. An empty service section yields
// nil so callers can fall back to flags.
func (s *ServiceConfig) EndpointPool() *types.EndpointPool {
	urls := s.Endpoints
	if len(urls) == 0 && s.URL != "" {
		urls = []string{s.URL}
	}
	if len(urls) == 0 {
		return nil
	}

	pool := &types.EndpointPool{
		Strategy:   types.EndpointStrategy(s.Strategy),
		CooldownMs: s.Cooldown.Milliseconds(),
	}
	if pool.Strategy == "" {
		pool.Strategy = types.EndpointStrategyRoundRobin
	}
	if s.StickyTTL.Duration > 0 {
		ttl := s.StickyTTL.Milliseconds()
		pool.StickyTTLMs = &ttl
	}
	for _, u := range urls {
		pool.Endpoints = append(pool.Endpoints, types.ServiceEndpoint{URL: u})
	}
	return pool
}

// Apply overlays the configured request defaults onto req.
func (r *RequestConfig) Apply(req *types.OptimizeRequest) {
	if r.Backend != "" {
		req.Backend = types.Backend(r.Backend)
	}
	if r.MaxIterations != nil {
		req.MaxIterations = *r.MaxIterations
	}
	if r.ConvergenceThreshold != nil {
		req.ConvergenceThreshold = *r.ConvergenceThreshold
	}
	if r.ForceOptimization != nil {
		req.ForceOptimization = *r.ForceOptimization
	}
	if r.GeminiAPIKey != "" {
		req.GeminiAPIKey = r.GeminiAPIKey
	}
	if r.XAIAPIKey != "" {
		req.XAIAPIKey = r.XAIAPIKey
	}
}
