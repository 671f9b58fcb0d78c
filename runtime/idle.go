package runtime

import (
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a stream may stay silent before it is
// abandoned. D/S iterations can take tens of seconds per LLM call.
const DefaultIdleTimeout = 120 * time.Second

// ErrIdleTimeout is returned by reads on a stream that stayed silent for
// longer than the idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// idleReader closes the underlying stream when no bytes arrive for the
// timeout, unblocking a pending Read. Reads after that fail with
// ErrIdleTimeout.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer

	mu    sync.Mutex
	fired bool
}

// newIdleReader wraps rc. A timeout of zero or less disables the watchdog.
func newIdleReader(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, r.expire)
	return r
}

func (r *idleReader) expire() {
	r.mu.Lock()
	r.fired = true
	r.mu.Unlock()
	_ = r.rc.Close()
}

func (r *idleReader) expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.expired() {
		return 0, ErrIdleTimeout
	}
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && r.expired() {
		return n, ErrIdleTimeout
	}
	return n, err
}

// Close stops the watchdog and closes the stream.
func (r *idleReader) Close() error {
	r.timer.Stop()
	if r.expired() {
		return nil
	}
	return r.rc.Close()
}
