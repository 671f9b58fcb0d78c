//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// EndpointStrategy is the selection strategy for a service endpoint pool.
type EndpointStrategy string

const (
	EndpointStrategyRoundRobin EndpointStrategy = "round_robin"
	EndpointStrategyRandom     EndpointStrategy = "random"
	EndpointStrategySticky     EndpointStrategy = "sticky"
)

// ServiceEndpoint is one base URL of the optimization service.
type ServiceEndpoint struct {
	// URL is the base URL, e.g. http://localhost:8000. Paths are appended.
	URL string `json:"url" yaml:"url"`
}

// Validate checks the endpoint is an absolute http(s) URL with a host.
func (e *ServiceEndpoint) Validate() error {
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", e.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
		// valid
	default:
		return fmt.Errorf("invalid scheme %q in %q: must be http or https", u.Scheme, e.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", e.URL)
	}
	return nil
}

// Warnings returns soft warnings. These are non-fatal issues that should
// be surfaced to users.
func (e *ServiceEndpoint) Warnings() []string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Scheme != "http" {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return []string{fmt.Sprintf("endpoint %q uses plain http; API keys in the request body are sent unencrypted", e.URL)}
}

// EndpointPool defines the service endpoints and the rotation policy.
type EndpointPool struct {
	// Strategy is the selection strategy.
	Strategy EndpointStrategy `json:"strategy" yaml:"strategy"`
	// Endpoints is the list of available endpoints (must have at least one).
	Endpoints []ServiceEndpoint `json:"endpoints" yaml:"endpoints"`
	// StickyTTLMs bounds how long a sticky assignment is kept. Nil keeps it forever.
	StickyTTLMs *int64 `json:"sticky_ttl_ms,omitempty" yaml:"sticky_ttl_ms,omitempty"`
	// CooldownMs is how long a failed endpoint is skipped. Zero disables demotion.
	CooldownMs int64 `json:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"`
}

// Validate validates the pool.
func (p *EndpointPool) Validate() error {
	switch p.Strategy {
	case EndpointStrategyRoundRobin, EndpointStrategyRandom, EndpointStrategySticky:
		// valid
	default:
		return fmt.Errorf("invalid strategy %q: must be round_robin, random, or sticky", p.Strategy)
	}

	if len(p.Endpoints) == 0 {
		return errors.New("pool must have at least one endpoint")
	}

	for i, ep := range p.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}

	if p.StickyTTLMs != nil && *p.StickyTTLMs <= 0 {
		return errors.New("sticky TTL must be positive")
	}
	if p.CooldownMs < 0 {
		return errors.New("cooldown must not be negative")
	}

	return nil
}

// Warnings returns soft warnings for the pool and its endpoints.
func (p *EndpointPool) Warnings() []string {
	var warnings []string
	if p.Strategy != EndpointStrategySticky && p.StickyTTLMs != nil {
		warnings = append(warnings, fmt.Sprintf("sticky_ttl_ms is ignored with strategy %q", p.Strategy))
	}
	for _, ep := range p.Endpoints {
		warnings = append(warnings, ep.Warnings()...)
	}
	return warnings
}
