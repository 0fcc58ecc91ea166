// Package apperr defines the engine's error taxonomy as concrete types so
// callers can errors.As/errors.Is instead of matching on strings.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports bad input at a public entry point.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing session/agent/key lookup.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransportError wraps a failed remote call.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(service string, err error) error {
	return &TransportError{Service: service, Err: err}
}

// TimeoutError reports a wall-clock budget exceeded.
type TimeoutError struct {
	Service string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout calling %s after %s", e.Service, e.Budget)
}

func NewTimeout(service string, budget time.Duration) error {
	return &TimeoutError{Service: service, Budget: budget}
}

// RateLimitError carries a hint for when the caller may retry.
type RateLimitError struct {
	Service  string
	ResetAt  time.Time
	HasReset bool
}

func (e *RateLimitError) Error() string {
	if e.HasReset {
		return fmt.Sprintf("rate limited by %s, reset at %s", e.Service, e.ResetAt)
	}
	return fmt.Sprintf("rate limited by %s", e.Service)
}

func NewRateLimit(service string, resetAt time.Time, hasReset bool) error {
	return &RateLimitError{Service: service, ResetAt: resetAt, HasReset: hasReset}
}

// CircuitOpenError indicates a breaker short-circuited the call.
type CircuitOpenError struct {
	Service string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Service)
}

func NewCircuitOpen(service string) error {
	return &CircuitOpenError{Service: service}
}

// DecisionParseError indicates an LLM response could not be turned into a
// Decision.
type DecisionParseError struct {
	Reason string
	Raw    string
}

func (e *DecisionParseError) Error() string {
	return fmt.Sprintf("decision parse error: %s", e.Reason)
}

func NewDecisionParse(reason, raw string) error {
	return &DecisionParseError{Reason: reason, Raw: raw}
}

// IndicatorError reports a custom-rule cycle or invalid operator.
type IndicatorError struct {
	Rule   string
	Reason string
}

func (e *IndicatorError) Error() string {
	return fmt.Sprintf("indicator error in rule %q: %s", e.Rule, e.Reason)
}

func NewIndicator(rule, reason string) error {
	return &IndicatorError{Rule: rule, Reason: reason}
}

// Is* helpers for quick classification without importing the concrete types.

func IsRetryable(err error) bool {
	var t *TransportError
	var to *TimeoutError
	var rl *RateLimitError
	return errors.As(err, &t) || errors.As(err, &to) || errors.As(err, &rl)
}
