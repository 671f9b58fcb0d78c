package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/justapithecus/promptopt/iox"
	"github.com/justapithecus/promptopt/types"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(ts.URL+"/", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8000", "ftp://example.com", "http://"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q) expected error", u)
		}
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c, err := New("http://localhost:8000/")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.BaseURL() != "http://localhost:8000" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != HealthPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"status":"healthy","version":"1.0.0"}`)
	})

	h, err := c.Health(t.Context())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !h.Healthy() || h.Version != "1.0.0" {
		t.Errorf("Health() = %+v", h)
	}
}

func TestOptimize(t *testing.T) {
	var got types.OptimizeRequest
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != OptimizePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("X-Api-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"success":true,"original_prompt":"p","final_prompt":"X",
			"smart_queue":null,"pcv":null,"ds_iterations":[],"evaluation":null,"converged":true}`)
	}, WithHeaders(map[string]string{"X-Api-Token": "t"}))

	req := types.NewOptimizeRequest("p")
	res, err := c.Optimize(t.Context(), req)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
	if auth != "t" {
		t.Errorf("custom header not sent")
	}
	if res.FinalPrompt != "X" || !res.Success {
		t.Errorf("result = %+v", res)
	}
	if res.Metadata["converged"] != true {
		t.Errorf("metadata not collected: %v", res.Metadata)
	}
}

func TestOptimizeStream(t *testing.T) {
	const body = "data: {\"stage\":\"init\"}\n\n"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != OptimizeStreamPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if a := r.Header.Get("Accept"); a != "text/event-stream" {
			t.Errorf("Accept = %q", a)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	})

	rc, err := c.OptimizeStream(t.Context(), types.NewOptimizeRequest("p"))
	if err != nil {
		t.Fatalf("OptimizeStream failed: %v", err)
	}
	defer iox.DiscardClose(rc)

	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != body {
		t.Errorf("body = %q", b)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantDetail string
	}{
		{"string detail", 400, `{"detail":"API key required for gemini"}`, "API key required for gemini"},
		{"list detail", 422, `{"detail":[{"loc":["body","prompt"]}]}`, `[{"loc":["body","prompt"]}]`},
		{"plain body", 502, "bad gateway\n", "bad gateway"},
		{"empty body", 500, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			})

			calls := map[string]func() error{
				"health": func() error { _, err := c.Health(t.Context()); return err },
				"optimize": func() error {
					_, err := c.Optimize(t.Context(), types.NewOptimizeRequest("p"))
					return err
				},
				"stream": func() error {
					_, err := c.OptimizeStream(t.Context(), types.NewOptimizeRequest("p"))
					return err
				},
			}
			for name, call := range calls {
				err := call()
				var se *StatusError
				if !errors.As(err, &se) {
					t.Fatalf("%s: expected *StatusError, got %v", name, err)
				}
				if se.Code != tt.code || se.Detail != tt.wantDetail {
					t.Errorf("%s: got %d %q, want %d %q", name, se.Code, se.Detail, tt.code, tt.wantDetail)
				}
				if IsTransportError(err) {
					t.Errorf("%s: status error classified as transport error", name)
				}
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	c, err := New(url)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = c.OptimizeStream(t.Context(), types.NewOptimizeRequest("p"))
	if !IsTransportError(err) {
		t.Errorf("OptimizeStream: expected transport error, got %v", err)
	}
	_, err = c.Health(t.Context())
	if !IsTransportError(err) {
		t.Errorf("Health: expected transport error, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))

	_, err := c.Health(t.Context())
	if !IsTransportError(err) {
		t.Errorf("expected transport error on timeout, got %v", err)
	}
}

func TestOptimizeStream_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err := c.OptimizeStream(ctx, types.NewOptimizeRequest("p"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
