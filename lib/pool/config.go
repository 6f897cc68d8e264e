package pool

import (
	"fmt"
	"time"

	"github.com/go-i2p/sqlproxy/lib/backend"
	"github.com/go-i2p/sqlproxy/lib/resilience"
)

// DefaultPort is the MySQL port used when a backend does not set one.
const DefaultPort = 3306

// ConnectConfig holds the parameters used to open a backend connection.
type ConnectConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// Timeout bounds both the connect call and how long a fetch waits
	// for a spare connection when the backend is saturated.
	Timeout  time.Duration
	Charset  string
	Database string
}

// Target returns host:port.
func (c ConnectConfig) Target() string {
	return backend.Target(c.Host, c.Port)
}

// BackendConfig is the registry entry for one named backend.
// It is read-only once Init has accepted it.
type BackendConfig struct {
	// MaxSpareConns bounds the spare list over the long term.
	MaxSpareConns int
	// MaxConns bounds live plus in-flight connections.
	MaxConns int
	// MaxSpareIdle is how long a connection must have been in use before a
	// recycle into a full spare list closes it instead of keeping it.
	MaxSpareIdle time.Duration
	Connect      ConnectConfig
	// Breaker guards connect attempts; the zero value disables it.
	Breaker resilience.CircuitBreakerConfig
}

// Validate checks the entry registered under name.
func (c BackendConfig) Validate(name string) error {
	switch {
	case c.MaxSpareConns <= 0 || c.MaxConns <= 0:
		return &ConfigError{Backend: name, Reason: fmt.Sprintf("invalid max_spare_conns (%d) or max_conns (%d)", c.MaxSpareConns, c.MaxConns)}
	case c.MaxSpareIdle < 0:
		return &ConfigError{Backend: name, Reason: "max_spare_idle must not be negative"}
	case c.Connect.Timeout < 0:
		return &ConfigError{Backend: name, Reason: "connect timeout must not be negative"}
	case c.Connect.Port < 0 || c.Connect.Port > 65535:
		return &ConfigError{Backend: name, Reason: fmt.Sprintf("invalid port %d", c.Connect.Port)}
	}
	return nil
}

func (c BackendConfig) withDefaults() BackendConfig {
	if c.Connect.Timeout == 0 {
		c.Connect.Timeout = backend.DefaultConnectTimeout
	}
	if c.Connect.Port == 0 {
		c.Connect.Port = DefaultPort
	}
	return c
}
