package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// StatusError is returned for non-2xx service responses.
type StatusError struct {
	Code int
	// Detail is the service's "detail" field, or the raw body when the
	// response is not the service's error shape.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("service returned %d", e.Code)
	}
	return fmt.Sprintf("service returned %d: %s", e.Code, e.Detail)
}

// TransportError is returned when the service could not be reached or the
// connection broke before a response was read.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsStatusError returns true if err is a *StatusError.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// IsTransportError returns true if err is a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Detail: parseDetail(body)}
}

// parseDetail extracts the detail field of an error body. Validation
// errors carry a list in detail; it is kept as compact JSON.
func parseDetail(body []byte) string {
	var wire struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && len(wire.Detail) > 0 {
		var s string
		if err := json.Unmarshal(wire.Detail, &s); err == nil {
			return s
		}
		return string(wire.Detail)
	}
	return strings.TrimSpace(string(body))
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
