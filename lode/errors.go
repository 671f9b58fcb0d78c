package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrPermissionDenied indicates a permission/access failure (EACCES, 403).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the target path/resource does not exist (ENOENT, 404).
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates authentication failure (no credentials, expired token).
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied indicates authorization failure (valid creds but no permission).
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")

	// ErrUnclassified marks storage failures matching no other kind.
	ErrUnclassified = errors.New("storage error")
)

// StorageError wraps an underlying error with storage classification.
// It preserves the original error in the chain for inspection via errors.As.
type StorageError struct {
	// Kind is the sentinel error for classification (e.g., ErrPermissionDenied).
	Kind error
	// Op is the operation that failed ("write", "read", "init").
	Op string
	// Path is the storage path involved, if any.
	Path string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStorageError creates a classified storage error.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

// WrapWriteError classifies and wraps a write operation error.
// Returns nil if err is nil.
func WrapWriteError(err error, path string) error {
	return wrap(err, "write", path)
}

// WrapReadError classifies and wraps a read operation error.
// Returns nil if err is nil.
func WrapReadError(err error, path string) error {
	return wrap(err, "read", path)
}

// WrapInitError classifies and wraps a client initialization error.
// Returns nil if err is nil.
func WrapInitError(err error, dataset string) error {
	return wrap(err, "init", dataset)
}

func wrap(err error, op, path string) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// classifyError determines the sentinel error for the given error.
// Classification is based on error type first, then message patterns.
func classifyError(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission denied", "eacces", "access denied"):
		if containsAny(msg, "accessdenied", "forbidden", "403") {
			return ErrAccessDenied
		}
		return ErrPermissionDenied
	case containsAny(msg, "no such file", "does not exist", "not found", "enoent", "404", "nosuchkey", "nosuchbucket"):
		return ErrNotFound
	case containsAny(msg, "no space left", "disk full", "enospc", "quota exceeded"):
		return ErrDiskFull
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"):
		return ErrThrottled
	case containsAny(msg, "nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"):
		return ErrAuth
	case containsAny(msg, "accessdenied", "forbidden", "403"):
		return ErrAccessDenied
	case containsAny(msg, "connection refused", "no route to host", "network unreachable",
		"dns", "dial tcp"):
		return ErrNetwork
	default:
		return ErrUnclassified
	}
}

// containsAny reports whether s contains any of the lowercase substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
