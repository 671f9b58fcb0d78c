package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/justapithecus/promptopt/adapter"
	"github.com/justapithecus/promptopt/endpoint"
	"github.com/justapithecus/promptopt/types"
)

// canonicalStream is a complete run in the service's wire format.
const canonicalStream = "data: {\"stage\":\"init\",\"message\":\"Initializing LLM provider...\"}\n\n" +
	"data: {\"stage\":\"smart_queue\",\"status\":\"running\"}\n\n" +
	"data: {\"stage\":\"smart_queue\",\"status\":\"complete\",\"data\":{\"clarity\":0.8}}\n\n" +
	"data: {\"stage\":\"pcv_proposer\",\"status\":\"complete\",\"data\":{\"proposed_prompt\":\"P\"}}\n\n" +
	"data: {\"stage\":\"ds_iteration_1_s\",\"status\":\"complete\",\"data\":{\"iteration\":1,\"length\":5,\"change_rate\":0.1}}\n\n" +
	"data: {\"stage\":\"evaluation\",\"status\":\"complete\",\"data\":{\"clarity\":0.5}}\n\n" +
	"data: {\"stage\":\"complete\",\"data\":{\"final_prompt\":\"FINAL\",\"converged\":true}}\n\n"

// canonicalEvents is the number of events in canonicalStream.
const canonicalEvents = 7

// truncatedStream ends after the verifier without a final prompt.
const truncatedStream = "data: {\"stage\":\"init\"}\n\n" +
	"data: {\"stage\":\"pcv_proposer\",\"status\":\"complete\",\"data\":{\"proposed_prompt\":\"P\"}}\n\n" +
	"data: {\"stage\":\"pcv_verifier\",\"status\":\"complete\",\"data\":{\"final_prompt\":\"V\"}}\n\n"

// errorStream ends with the service's error stage.
const errorStream = "data: {\"stage\":\"init\"}\n\n" +
	"data: {\"stage\":\"error\",\"error\":\"API key required for gemini\"}\n\n"

// fakeService serves a fixed stream body and a fixed non-streaming result.
type fakeService struct {
	mu         sync.Mutex
	stream     string
	status     int
	streamHits int
	result     string
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/optimize-stream", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.streamHits++
		status, body := f.status, f.stream
		f.mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"detail":"boom"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/api/optimize", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.result)
	})
	return mux
}

func (f *fakeService) set(stream string, status int) {
	f.mu.Lock()
	f.stream, f.status = stream, status
	f.mu.Unlock()
}

func (f *fakeService) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamHits
}

func newFakeService(t *testing.T, stream string) (*fakeService, string) {
	t.Helper()
	f := &fakeService{stream: stream}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	return f, ts.URL
}

func mustSelector(t *testing.T, url string) *endpoint.Selector {
	t.Helper()
	s, err := endpoint.Single(url)
	if err != nil {
		t.Fatalf("endpoint.Single failed: %v", err)
	}
	return s
}

func testRequest() types.OptimizeRequest {
	return types.NewOptimizeRequest("Write a haiku about Go.")
}

// recordingAdapter captures published notifications.
type recordingAdapter struct {
	mu     sync.Mutex
	events []*adapter.CompletedEvent
	err    error
}

func (a *recordingAdapter) Publish(_ context.Context, ev *adapter.CompletedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return a.err
}

func (a *recordingAdapter) Close() error { return nil }

// errReader fails after returning its prefix.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func newErrReader(s string, err error) io.Reader {
	return &errReader{r: strings.NewReader(s), err: err}
}
