// Package validation provides the field validators used when checking the
// sqlproxy configuration file and admin API input. Validators return nil on
// success and an error safe to show to an operator on failure.
package validation

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

const (
	// MaxBackendNameLength bounds backend names, including the database part.
	MaxBackendNameLength = 128

	// MaxHostLength is the longest DNS name.
	MaxHostLength = 253
)

// backendNamePattern is a pool name optionally followed by /database.
var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+(/[A-Za-z0-9_$.\-]+)?$`)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.\-]*[A-Za-z0-9])?$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string has at most max runes.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("must be at most %d characters", max), ErrTooLong)
	}
	return nil
}

// Positive validates that value is at least 1.
func Positive(field string, value int) error {
	if value < 1 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that value is not below zero.
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must not be negative", ErrOutOfRange)
	}
	return nil
}

// NonNegativeFloat validates that value is not below zero.
func NonNegativeFloat(field string, value float64) error {
	if value < 0 {
		return NewResult(field, "must not be negative", ErrOutOfRange)
	}
	return nil
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(value); err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}
	return nil
}

// Host validates a hostname or IP address without a port.
func Host(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if net.ParseIP(value) != nil {
		return nil
	}
	if len(value) > MaxHostLength || !hostnamePattern.MatchString(value) {
		return NewResult(field, "must be a hostname or IP address", ErrInvalidFormat)
	}
	return nil
}

// BackendName validates a backend name such as "primary" or "primary/orders".
func BackendName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxBackendNameLength); err != nil {
		return err
	}
	if !backendNamePattern.MatchString(value) {
		return NewResult(field, "must be a name optionally followed by /database", ErrInvalidFormat)
	}
	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns e as an error, or nil when nothing was collected.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
