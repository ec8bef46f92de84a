package kycapi

import "fmt"

// NetworkError wraps a transport-level failure. The flow halts at the current
// step and stays resumable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a 401/403 from the backend. Fatal: the flow aborts.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected with status %d", e.StatusCode)
}

// ServerError is a 5xx from the backend.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Body)
}

// InvalidResponseError reports a response missing a required field. Missing
// or empty upload credentials are a fatal parse error, never something to
// default around.
type InvalidResponseError struct {
	Field string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("response missing required field %q", e.Field)
}

// TimeoutError reports an exhausted polling budget.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("result not ready after %d polling attempts", e.Attempts)
}

// RejectedError reports a terminal reject from the verification backend.
type RejectedError struct {
	Status string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("verification rejected with status %s", e.Status)
}
