package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/promptopt/adapter"
	"github.com/justapithecus/promptopt/iox"
)

func testEvent() *adapter.CompletedEvent {
	return &adapter.CompletedEvent{
		Version:           "0.3.0",
		EventType:         adapter.EventType,
		RunID:             "run-001",
		Attempt:           1,
		Outcome:           "success",
		Backend:           "gemini",
		FinalPromptLength: 128,
		StorageLocation:   "promptopt/backend=gemini/day=2026-10-16/run_id=run-001",
		Timestamp:         "2026-10-16T12:00:00Z",
		EventCount:        14,
		DurationMs:        1500,
	}
}

func fastBackoff(t *testing.T) {
	t.Helper()
	prev := adapter.BaseBackoff
	adapter.BaseBackoff = time.Millisecond
	t.Cleanup(func() { adapter.BaseBackoff = prev })
}

func TestPublish_Success(t *testing.T) {
	var received adapter.CompletedEvent
	var eventType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		eventType = r.Header.Get("X-Event-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.RunID != "run-001" {
		t.Errorf("expected run-001, got %s", received.RunID)
	}
	if received.EventType != adapter.EventType || eventType != adapter.EventType {
		t.Errorf("event type body=%q header=%q", received.EventType, eventType)
	}
	if received.FinalPromptLength != 128 {
		t.Errorf("expected final_prompt_length 128, got %d", received.FinalPromptLength)
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %s", authHeader)
	}
}

func TestPublish_RetriesOnFailure(t *testing.T) {
	fastBackoff(t)
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish should succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	fastBackoff(t)
	tests := []struct {
		code     int
		retries  int
		wantErr  bool
		attempts int32
	}{
		{200, 2, false, 1},
		{201, 2, false, 1},
		{204, 2, false, 1},
		{400, 3, true, 1},
		{401, 3, true, 1},
		{404, 3, true, 1},
		{500, 2, true, 3},
		{502, 2, true, 3},
		{503, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Retries: tt.retries})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	a, err := New(Config{URL: ts.URL, Retries: 0, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}

	a, err := New(Config{URL: "http://example.com", Retries: 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
	if a.config.Retries != 5 {
		t.Errorf("expected 5 retries, got %d", a.config.Retries)
	}
}
