// Package client talks to the prompt optimization service over HTTP.
//
// Three endpoints are used: GET /api/health, POST /api/optimize (returns
// the result contract in one response), and POST /api/optimize-stream
// (returns an event stream consumed by the runtime).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/justapithecus/promptopt/iox"
	"github.com/justapithecus/promptopt/types"
)

// Service paths.
const (
	HealthPath         = "/api/health"
	OptimizePath       = "/api/optimize"
	OptimizeStreamPath = "/api/optimize-stream"
)

// DefaultTimeout bounds non-streaming requests. Optimization runs several
// LLM calls, so the default is generous.
const DefaultTimeout = 5 * time.Minute

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// Client is a service client bound to one base URL.
// Safe for concurrent use.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	// stream has no overall timeout; the runtime's idle watchdog and the
	// request context bound streaming reads instead.
	stream *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the timeout of non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithTransport sets the round tripper shared by both underlying clients.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = rt
		c.stream.Transport = rt
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	ep := types.ServiceEndpoint{URL: baseURL}
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service url: %w", err)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{"User-Agent": "promptopt/" + types.Version},
		http:    &http.Client{Timeout: DefaultTimeout},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health queries the service health endpoint.
func (c *Client) Health(ctx context.Context) (*types.HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, HealthPath, nil)
	if err != nil {
		return nil, err
	}

	var status types.HealthStatus
	if err := c.doJSON(c.http, req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Optimize runs a non-streaming optimization and returns the result
// contract as sent by the service.
func (c *Client) Optimize(ctx context.Context, in types.OptimizeRequest) (*types.OptimizeResult, error) {
	req, err := c.newJSONRequest(ctx, OptimizePath, in)
	if err != nil {
		return nil, err
	}

	var result types.OptimizeResult
	if err := c.doJSON(c.http, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OptimizeStream starts a streaming optimization and returns the response
// body. The caller must close it. Cancelling ctx aborts the read.
func (c *Client) OptimizeStream(ctx context.Context, in types.OptimizeRequest) (io.ReadCloser, error) {
	req, err := c.newJSONRequest(ctx, OptimizeStreamPath, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "stream", URL: req.URL.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer iox.DiscardClose(resp.Body)
		return nil, newStatusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) newJSONRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) doJSON(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Op: strings.ToLower(req.Method), URL: req.URL.String(), Err: err}
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || isNetError(err) {
			return &TransportError{Op: "read", URL: req.URL.String(), Err: err}
		}
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}
