package opencode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ProtocolError means the backend was reachable but its response violated
// the parsing contract: an empty body, or a body that is not JSON. It keeps
// enough context for user display without dumping the whole payload.
type ProtocolError struct {
	Endpoint string
	Status   int
	Preview  string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s returned an empty body (HTTP %d); check that the opencode server is running and the base URL is correct", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s returned non-JSON (HTTP %d), preview: %s: %v", e.Endpoint, e.Status, e.Preview, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StatusError is a reachable backend answering with a non-2xx status.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// NotFound reports whether the failure is the 404 class, e.g. a session id
// the backend no longer recognizes.
func (e *StatusError) NotFound() bool { return e.Status == http.StatusNotFound }

// TimeoutError means a delivery deadline elapsed. The backend may still be
// computing; callers must not auto-retry.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (the backend may still be running the request)", e.Op, e.Timeout)
}

// IsNotFound reports whether err is a not-found-class backend failure.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.NotFound()
}

// IsTimeout reports whether err is a delivery-deadline failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// deadlineExpired classifies transport-level errors caused by an expired
// deadline, covering both context expiry and net-level timeouts.
func deadlineExpired(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
