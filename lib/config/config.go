// Package config loads the sqlproxy configuration file and turns its backend
// tables into pool registry entries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/sqlproxy/lib/pool"
	"github.com/go-i2p/sqlproxy/lib/resilience"
	"github.com/go-i2p/sqlproxy/lib/validation"
)

// Default configuration values
const (
	DefaultAdminListen         = "127.0.0.1:9306"
	DefaultReapInterval        = 30 * time.Second
	DefaultConnectTimeout      = 0.1
	DefaultMaxSpareIdleSeconds = 5.0
	DefaultCharset             = "utf8mb4"
	DefaultAdminRateLimit      = 10.0
	DefaultAdminBurst          = 20
)

// Config holds all configuration for a sqlproxy process.
type Config struct {
	Admin    AdminConfig              `toml:"admin"`
	Pool     PoolConfig               `toml:"pool"`
	Backends map[string]BackendConfig `toml:"backends"`
}

// AdminConfig contains admin HTTP server settings.
type AdminConfig struct {
	// Enabled controls whether the admin server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the admin server to
	Listen string `toml:"listen"`
	// RateLimit is the sustained requests per second allowed per client IP
	RateLimit float64 `toml:"rate_limit"`
	// Burst is the number of requests a client may make at once
	Burst int `toml:"burst"`
}

// PoolConfig contains settings shared by every backend.
type PoolConfig struct {
	// ReapInterval is how often spare lists are swept. Zero disables the sweep.
	ReapInterval Duration `toml:"reap_interval"`
}

// BackendConfig is one [backends."name"] table.
type BackendConfig struct {
	MaxSpareConns       int           `toml:"max_spare_conns"`
	MaxConns            int           `toml:"max_conns"`
	MaxSpareIdleSeconds float64       `toml:"max_spare_idle_seconds"`
	Connect             ConnectConfig `toml:"connect"`
	Breaker             BreakerConfig `toml:"breaker"`
}

// ConnectConfig is the connect table of a backend.
type ConnectConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	Account        string  `toml:"account"`
	Password       string  `toml:"password"`
	TimeoutSeconds float64 `toml:"timeout_seconds"`
	Charset        string  `toml:"charset"`
	Database       string  `toml:"database"`
}

// BreakerConfig is the breaker table of a backend. A zero failure threshold
// disables the connect breaker.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown"`
}

// Duration is a time.Duration written as a Go duration string, e.g. "30s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a Config with sensible defaults and no backends.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Enabled:   true,
			Listen:    DefaultAdminListen,
			RateLimit: DefaultAdminRateLimit,
			Burst:     DefaultAdminBurst,
		},
		Pool: PoolConfig{
			ReapInterval: Duration(DefaultReapInterval),
		},
		Backends: map[string]BackendConfig{},
	}
}

// DefaultBackend returns a backend table with the connect defaults filled in.
func DefaultBackend(host string) BackendConfig {
	return BackendConfig{
		MaxSpareConns:       4,
		MaxConns:            16,
		MaxSpareIdleSeconds: DefaultMaxSpareIdleSeconds,
		Connect: ConnectConfig{
			Host:           host,
			Port:           pool.DefaultPort,
			TimeoutSeconds: DefaultConnectTimeout,
			Charset:        DefaultCharset,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Backend passwords live in this file.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyDefaults fills connect fields a backend table left out.
func (c *Config) applyDefaults() {
	for name, b := range c.Backends {
		if b.Connect.Port == 0 {
			b.Connect.Port = pool.DefaultPort
		}
		if b.Connect.TimeoutSeconds == 0 {
			b.Connect.TimeoutSeconds = DefaultConnectTimeout
		}
		c.Backends[name] = b
	}
}

// Validate checks the configuration for errors. Every problem found is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs validation.Errors
	if c.Admin.Enabled {
		errs.Add(validation.HostPort("admin.listen", c.Admin.Listen))
	}
	errs.Add(validation.NonNegativeFloat("admin.rate_limit", c.Admin.RateLimit))
	if c.Admin.RateLimit > 0 {
		errs.Add(validation.Positive("admin.burst", c.Admin.Burst))
	}
	if c.Pool.ReapInterval < 0 {
		errs.Add(validation.NewResult("pool.reap_interval", "must not be negative", validation.ErrOutOfRange))
	}

	for _, name := range c.BackendNames() {
		b := c.Backends[name]
		field := func(f string) string { return fmt.Sprintf("backends.%q.%s", name, f) }

		errs.Add(validation.BackendName("backends", name))
		errs.Add(validation.Host(field("connect.host"), b.Connect.Host))
		if b.Connect.Port != 0 {
			errs.Add(validation.Port(field("connect.port"), b.Connect.Port))
		}
		errs.Add(validation.Positive(field("max_spare_conns"), b.MaxSpareConns))
		errs.Add(validation.Positive(field("max_conns"), b.MaxConns))
		errs.Add(validation.NonNegativeFloat(field("max_spare_idle_seconds"), b.MaxSpareIdleSeconds))
		errs.Add(validation.NonNegativeFloat(field("connect.timeout_seconds"), b.Connect.TimeoutSeconds))
		errs.Add(validation.NonNegative(field("breaker.failure_threshold"), b.Breaker.FailureThreshold))
		if !errs.HasErrors() {
			errs.Add(b.PoolConfig().Validate(name))
		}
	}
	return errs.Err()
}

// BackendNames returns the configured backend names in sorted order.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackendConfigs converts every backend table into a pool registry entry.
func (c *Config) BackendConfigs() map[string]pool.BackendConfig {
	out := make(map[string]pool.BackendConfig, len(c.Backends))
	for name, b := range c.Backends {
		out[name] = b.PoolConfig()
	}
	return out
}

// PoolConfig converts the table into a pool registry entry.
func (b BackendConfig) PoolConfig() pool.BackendConfig {
	return pool.BackendConfig{
		MaxSpareConns: b.MaxSpareConns,
		MaxConns:      b.MaxConns,
		MaxSpareIdle:  seconds(b.MaxSpareIdleSeconds),
		Connect: pool.ConnectConfig{
			Host:     b.Connect.Host,
			Port:     b.Connect.Port,
			User:     b.Connect.Account,
			Password: b.Connect.Password,
			Timeout:  seconds(b.Connect.TimeoutSeconds),
			Charset:  b.Connect.Charset,
			Database: b.Connect.Database,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: b.Breaker.FailureThreshold,
			Cooldown:         time.Duration(b.Breaker.Cooldown),
		},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
