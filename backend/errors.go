package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when user_id or day fail validation. No request is sent.
var ErrInvalidArgument = errors.New("invalid argument")

// KindRequestFailed is the kind of every descriptor produced for a failed backend call.
const KindRequestFailed = "backend_request_failed"

// StatusError is returned when the backend answered with a non-2xx status.
type StatusError struct {
	Status int
	// Body is the response body as received.
	Body []byte
}

// UnreachableError is returned when the backend could not be reached at the connection level,
// including when the request context ends before a response arrives.
type UnreachableError struct {
	Err error
}

// RequestError is returned when the request could not be built or the response could not be read.
type RequestError struct {
	Err error
}

// ErrorDescriptor is the uniform, protocol-independent description of a failed backend call.
type ErrorDescriptor struct {
	Kind string `json:"kind"`
	// Status is the backend's HTTP status, zero when no response was received.
	Status  int `json:"status,omitempty"`
	Details any `json:"details"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded with status %d", e.Status)
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("backend unreachable: %s", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend request failed: %s", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Describe normalizes a backend call failure into an ErrorDescriptor. The descriptor of a
// StatusError carries the response body as JSON when it parses, otherwise as a string.
func Describe(err error) ErrorDescriptor {
	d := ErrorDescriptor{Kind: KindRequestFailed}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		d.Status = statusErr.Status
		if json.Valid(statusErr.Body) {
			d.Details = json.RawMessage(statusErr.Body)
		} else {
			d.Details = string(statusErr.Body)
		}
		return d
	}

	d.Details = err.Error()
	return d
}
