// Package api with the SSAP bridge client interface, shared types and error taxonomy
package api

import (
	"errors"
	"fmt"
)

// ErrDuplicateSuppressed is returned by a polling worker when the newest record equals the
// last delivered one. This is a control-flow outcome, not a failure.
var ErrDuplicateSuppressed = errors.New("duplicate record suppressed")

// ConfigurationError signals missing or contradictory configuration. Fatal at construction.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// TransportError is a non-2xx response or an I/O failure on the platform connection.
// StatusCode is 0 when the request did not produce a response.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s %s: unsuccessful server response %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error: %s %s: %s", e.Method, e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// SessionError signals a failed join or an operation issued without an active session.
type SessionError struct {
	Op     string
	Reason string
}

func (e *SessionError) Error() string {
	if e.Op == "" {
		return "session error: " + e.Reason
	}
	return fmt.Sprintf("session error: %s: %s", e.Op, e.Reason)
}

// PayloadError rejects malformed or missing required input, eg a subscribe without device refs.
type PayloadError struct {
	Op     string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload error: %s: %s", e.Op, e.Reason)
}

// NotFoundError is the expected outcome of a query-before-delete that matched nothing.
type NotFoundError struct {
	Ontology string
	Field    string
	Value    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s.%s = %s", e.Ontology, e.Field, e.Value)
}

// IsSessionError returns true if err is or wraps a SessionError
func IsSessionError(err error) bool {
	var sessionErr *SessionError
	return errors.As(err, &sessionErr)
}

// IsNotFound returns true if err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}
