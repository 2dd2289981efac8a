package delivery

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedShape indicates the endpoint returned a body matching none
// of the accepted response shapes. Treated as transient: the remote side may
// be misbehaving temporarily, so it participates in the retry loop.
var ErrUnrecognizedShape = errors.New("unrecognized response shape")

// Error is the terminal delivery failure surfaced after the retry budget is
// exhausted. It wraps the last attempt's error verbatim.
type Error struct {
	Agent    string
	Endpoint string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery to agent %s failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusError marks a non-2xx response. Always retryable.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.status, e.body)
}

// attemptError pairs a failure with an explicit retryable flag so the retry
// loop never inspects error types.
type attemptError struct {
	err       error
	retryable bool
}
