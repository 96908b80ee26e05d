package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-success response from the upstream API.
// A zero Status means the response was successful but its content was rejected.
type APIError struct {
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream API error: %s", e.Message)
	}
	return fmt.Sprintf("upstream API error [%d]: %s", e.Status, e.Message)
}

// PollingTimeoutError means the sign-in confirmation was not received in time.
type PollingTimeoutError struct {
	Attempts int
}

func (e *PollingTimeoutError) Error() string {
	return fmt.Sprintf("login confirmation not received after %d polling attempts", e.Attempts)
}

// Kind is the closed classification of upstream failures.
type Kind int

const (
	KindUnexpected     Kind = iota // Anything not matching the kinds below
	KindUnauthorized               // 401: session is dead, user must sign in again
	KindForbidden                  // 403: transient, logged only
	KindAPI                        // Any other status or a rejected response
	KindPollingTimeout             // Sign-in confirmation never arrived
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindAPI:
		return "api_error"
	case KindPollingTimeout:
		return "polling_timeout"
	case KindUnexpected:
		return "unexpected"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf maps err to exactly one Kind.
func KindOf(err error) Kind {
	var timeout *PollingTimeoutError
	if errors.As(err, &timeout) {
		return KindPollingTimeout
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return KindUnexpected
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized:
		return KindUnauthorized
	case apiErr.Status == http.StatusForbidden:
		return KindForbidden
	default:
		return KindAPI
	}
}

// IsUnauthorized checks if an error is a 401 from upstream.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
