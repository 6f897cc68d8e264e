package pool

import (
	"fmt"
	"time"

	apperrors "github.com/go-i2p/sqlproxy/lib/errors"
)

// Aliases to the central error definitions in lib/errors.
var (
	// ErrNotInitialized is returned by every operation before Init succeeds.
	ErrNotInitialized = apperrors.ErrNotInitialized
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = apperrors.ErrPoolClosed
)

// ConfigError rejects a backend configuration at Init.
type ConfigError struct {
	Backend string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pool: backend %q: %s", e.Backend, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return apperrors.ErrPoolConfig
}

// UnknownBackendError is returned when a fetch names an unregistered backend.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("pool: unknown backend %q", e.Backend)
}

func (e *UnknownBackendError) Unwrap() error {
	return apperrors.ErrUnknownBackend
}

// UnknownConnectionError is returned when a recycled or reconnected handle
// is not currently busy in this pool: a double recycle or a foreign handle.
type UnknownConnectionError struct {
	Backend string
	ID      uint64
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("pool: unknown connection %d for backend %q", e.ID, e.Backend)
}

func (e *UnknownConnectionError) Unwrap() error {
	return apperrors.ErrUnknownConnection
}

// ConnectError reports a failed connect to a backend.
type ConnectError struct {
	Backend string
	Target  string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("pool: cannot connect to backend %q at %s: %v", e.Backend, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{apperrors.ErrConnect, e.Err}
}

// AdmissionTimeoutError is returned when a saturated backend did not free a
// connection within the wait window. It is retryable.
type AdmissionTimeoutError struct {
	Backend string
	Waited  time.Duration
	// Err is the context error when the caller's context ended the wait.
	Err error
}

func (e *AdmissionTimeoutError) Error() string {
	return fmt.Sprintf("pool: backend %q: reach max connections, cannot pending fetch (waited %s)", e.Backend, e.Waited)
}

func (e *AdmissionTimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrAdmissionTimeout}
	}
	return []error{apperrors.ErrAdmissionTimeout, e.Err}
}
