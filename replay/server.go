// Package replay serves a recorded capture as a fake optimization service.
//
// The server speaks the same HTTP surface as the real service, so the
// client, the TUI and the archive can be exercised offline against a
// known event sequence.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/stream"
	"github.com/justapithecus/promptopt/types"
)

// shutdownTimeout bounds graceful shutdown of in-flight replays.
const shutdownTimeout = 5 * time.Second

// Server replays one capture on every request.
type Server struct {
	header  capture.Header
	records []*capture.Record
	speed   float64
	logger  *log.Logger
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithSpeed scales the recorded delays: 1 is real time, 2 twice as fast.
// Zero or less sends every record immediately.
func WithSpeed(speed float64) Option {
	return func(s *Server) { s.speed = speed }
}

// WithLogger sets the request logger. Defaults to a no-op logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server over an already loaded capture.
func New(hdr capture.Header, records []*capture.Record, opts ...Option) *Server {
	s := &Server{
		header:  hdr,
		records: records,
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(client.HealthPath, s.handleHealth)
	r.Post(client.OptimizeStreamPath, s.handleOptimizeStream)
	r.Post(client.OptimizePath, s.handleOptimize)

	s.router = r
	return s
}

// Open loads a capture file and creates a server for it.
func Open(path string, opts ...Option) (*Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer func() { _ = f.Close() }()

	hdr, records, err := capture.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load capture %s: %w", path, err)
	}
	return New(hdr, records, opts...), nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Header returns the capture header.
func (s *Server) Header() capture.Header {
	return s.header
}

// Len returns the number of recorded payloads.
func (s *Server) Len() int {
	return len(s.records)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown replay server: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Result folds the capture the way a streaming client would.
// Malformed payloads are skipped.
func (s *Server) Result(originalPrompt string) (*types.OptimizeResult, error) {
	acc := pipeline.NewAccumulator()
	for _, rec := range s.records {
		ev, err := stream.DecodeEvent(rec.Payload)
		if err != nil {
			continue
		}
		pipeline.Apply(acc, ev)
	}
	fin := pipeline.NewFinalizer(acc)
	fin.Close()
	return fin.Finalize(originalPrompt)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthStatus{
		Status:    "healthy",
		Version:   "replay-" + types.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOptimizeStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decodeRequest(w, r); !ok {
		return
	}
	speed, err := s.requestSpeed(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var prev int64
	for _, rec := range s.records {
		if delay := scaled(rec.OffsetMs-prev, speed); delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		prev = rec.OffsetMs

		if _, err := fmt.Fprintf(w, "%s%s\n\n", stream.DataPrefix, rec.Payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := s.Result(req.Prompt)
	if err != nil {
		// The service reports pipeline failures as a 500 with a detail.
		var se *pipeline.ServiceError
		if errors.As(err, &se) {
			writeDetail(w, http.StatusInternalServerError, se.Message)
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeRequest reads and validates the optimize request body.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*types.OptimizeRequest, bool) {
	var req types.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return nil, false
	}
	if err := req.Validate(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return nil, false
	}
	return &req, true
}

// requestSpeed returns the speed query parameter, or the server default.
func (s *Server) requestSpeed(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("speed")
	if raw == "" {
		return s.speed, nil
	}
	speed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q", raw)
	}
	return speed, nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("replay request", map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		})
	})
}

func scaled(deltaMs int64, speed float64) time.Duration {
	if speed <= 0 || deltaMs <= 0 {
		return 0
	}
	return time.Duration(float64(deltaMs) / speed * float64(time.Millisecond))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
