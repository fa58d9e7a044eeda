package provider

import (
	"fmt"
)

// APIError is an application-level upstream failure (response code != 0).
// The Message text carries the upstream's quota/limit phrasing and feeds
// the classification predicate.
type APIError struct {
	API     string
	Code    int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s error (code %d): %s", e.API, e.Code, e.Message)
}

// HTTPError is an HTTP-level upstream failure (non-200 status).
type HTTPError struct {
	API        string
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s http error: %s", e.API, e.Status)
}
