package completion

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is the cause attached to a completion request whose deadline
// expired. Errors returned for that case match it with errors.Is.
var ErrTimeout = errors.New("completion request timed out")

// ErrEmptyResponse is returned when the provider answered with an empty or
// null JSON document.
var ErrEmptyResponse = errors.New("empty response")

// TimeoutError reports a request cancelled by its own deadline, as opposed
// to a network failure or a caller cancellation.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("completion request timed out after %s, retry or switch to another model", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TransportError wraps network level failures (DNS, connection reset,
// caller cancellation). No retry is attempted.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "completion transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx status or an error body from the provider.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// ProtocolError covers responses the relay cannot interpret: a missing body,
// an unexpected content type, or a malformed document.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "completion protocol: " + e.Reason + ": " + e.Err.Error()
	}
	return "completion protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Outcome classifies err for metrics and traces.
func Outcome(err error) string {
	var (
		upstream  *UpstreamError
		protocol  *ProtocolError
		transport *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &upstream):
		return "upstream_error"
	case errors.As(err, &protocol):
		return "protocol_error"
	case errors.As(err, &transport):
		return "transport_error"
	default:
		return "error"
	}
}
