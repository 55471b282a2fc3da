package domain

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when an optional collaborator was not set up.
var ErrNotConfigured = errors.New("not configured")

// ErrPriceNotFound is returned by a price source that does not list a token.
var ErrPriceNotFound = errors.New("price not found")

// ValidationError reports user-correctable input problems.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ZeroValueError reports a well-formed portfolio whose total value is zero.
type ZeroValueError struct{}

func (e *ZeroValueError) Error() string {
	return "total portfolio value is zero"
}

// UpstreamLookupError reports a failed call to an external collaborator
// for which no fallback value exists.
type UpstreamLookupError struct {
	Service string
	Symbol  string
	Err     error
}

func (e *UpstreamLookupError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s lookup for %s failed: %v", e.Service, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s lookup failed: %v", e.Service, e.Err)
}

func (e *UpstreamLookupError) Unwrap() error { return e.Err }

// ParseError reports language model output that could not be turned into a
// target allocation. Raw holds the model content for diagnosis.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
