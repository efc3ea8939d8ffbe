// Package util provides the shared logger, common error types, and
// key-format helpers.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for bridge-wide failure categories
var (
	ErrNotConnected       = errors.New("serial port not connected")
	ErrNoIdentity         = errors.New("node identity not established")
	ErrAuthUnavailable    = errors.New("token auth unavailable: private key not disclosed by firmware")
	ErrNoBrokersConnected = errors.New("no brokers connected")
	ErrReconnectExhausted = errors.New("broker reconnect attempts exhausted")
	ErrValidationFailed   = errors.New("validation failed")
)

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
