// Package errors provides the error taxonomy for the sqlproxy connection pool.
// Errors are safe to surface to proxy sessions and the admin API without
// exposing backend credentials.
//
// This package provides:
//   - Sentinel errors for pool, backend and configuration failures
//   - Error codes for admin API responses
//   - Error wrapping with context preservation
//   - A retryable classification for errors the proxy session may retry
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors. The generic codes follow JSON-RPC 2.0
// numbering; pool-specific codes live in the -32000 to -32099 range.
const (
	CodeInvalidParams = -32602 // Invalid parameters
	CodeInternal      = -32603 // Internal error

	CodeNotFound       = -32003 // Resource not found
	CodeTimeout        = -32005 // Operation timeout
	CodeUnavailable    = -32007 // Service unavailable
	CodeConnection     = -32009 // Backend connection error
	CodeState          = -32010 // Invalid state
	CodeBackendBusy    = -32011 // Backend saturated, retry later
	CodeConfiguration  = -32012 // Static configuration rejected
	CodeNotInitialized = -32013 // Pool used before Init
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrBackendBusy indicates a backend is saturated.
	ErrBackendBusy = errors.New("backend busy")
)

// Pool errors
var (
	// ErrNotInitialized indicates the pool was used before Init succeeded.
	ErrNotInitialized = fmt.Errorf("pool: not initialized: %w", ErrInvalidState)

	// ErrUnknownBackend indicates a fetch for a backend name that is not registered.
	ErrUnknownBackend = fmt.Errorf("pool: unknown backend: %w", ErrNotFound)

	// ErrUnknownConnection indicates a recycle of a handle that is not busy.
	ErrUnknownConnection = fmt.Errorf("pool: unknown connection: %w", ErrNotFound)

	// ErrAdmissionTimeout indicates a fetch waited for a spare connection
	// longer than the backend's connect timeout.
	ErrAdmissionTimeout = fmt.Errorf("pool: reach max connections, cannot pending fetch: %w", ErrBackendBusy)

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrPoolConfig indicates a backend configuration was rejected.
	ErrPoolConfig = fmt.Errorf("pool: %w", ErrConfiguration)
)

// Backend errors
var (
	// ErrConnect indicates the backend could not be reached or the
	// handshake did not complete in time.
	ErrConnect = fmt.Errorf("backend: cannot connect: %w", ErrConnection)

	// ErrNotConnected indicates an operation on a transport that is not connected.
	ErrNotConnected = fmt.Errorf("backend: not connected: %w", ErrConnection)
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
// The message is the sentinel text, never the wrapped detail, so connect
// targets and credentials stay out of client responses.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	code := codeFromError(err)
	return &Error{
		Code:    code,
		Message: messageFromCode(code, err),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
// Pool sentinels are checked before the generic ones they wrap.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrBackendBusy):
		return CodeBackendBusy
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed), errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

func messageFromCode(code int, err error) string {
	switch code {
	case CodeNotInitialized:
		return "pool not initialized"
	case CodeConfiguration:
		return "invalid configuration"
	case CodeBackendBusy:
		return "backend busy"
	case CodeNotFound:
		return "not found"
	case CodeTimeout:
		return "operation timed out"
	case CodeUnavailable:
		return "service unavailable"
	case CodeConnection:
		return "backend connection error"
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a service is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsBackendBusy returns true if the backend was saturated.
func IsBackendBusy(err error) bool {
	return errors.Is(err, ErrBackendBusy)
}

// IsRetryable reports whether a proxy session may retry the operation later.
// Saturation, connect failures and open circuits are transient; programming
// and configuration errors are not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrBackendBusy), errors.Is(err, ErrConnection), errors.Is(err, ErrCircuitOpen):
		return true
	default:
		return false
	}
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
