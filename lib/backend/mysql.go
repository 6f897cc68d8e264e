package backend

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/go-i2p/sqlproxy/lib/errors"
)

// MySQL is a Transport backed by a single go-sql-driver/mysql connection.
type MySQL struct {
	opts Options

	mu   sync.Mutex
	conn driver.Conn
}

// NewMySQL is the Factory for MySQL transports.
func NewMySQL(opts Options) Transport {
	return &MySQL{opts: opts}
}

// config builds the driver configuration for host:port.
func (m *MySQL) config(host string, port int, timeout time.Duration) (*mysql.Config, error) {
	cfg := mysql.NewConfig()
	cfg.User = m.opts.User
	cfg.Passwd = m.opts.Password
	cfg.Net = "tcp"
	cfg.Addr = Target(host, port)
	cfg.DBName = m.opts.Database
	cfg.Timeout = timeout

	if m.opts.Charset == "" {
		return cfg, nil
	}

	// The driver only accepts a charset through its DSN parser.
	dsn := cfg.FormatDSN()
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return mysql.ParseDSN(dsn + sep + "charset=" + url.QueryEscape(m.opts.Charset))
}

// Connect dials the backend and completes the MySQL handshake.
func (m *MySQL) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	cfg, err := m.config(host, port, timeout)
	if err != nil {
		return fmt.Errorf("mysql config for %s: %w", m.opts.Backend, err)
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return fmt.Errorf("mysql connector for %s: %w", m.opts.Backend, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := connector.Connect(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.conn
	m.conn = conn
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.WithField("backend", m.opts.Backend).
		WithField("target", cfg.Addr).
		WithField("database", cfg.DBName).
		Debug("mysql connection established")
	return nil
}

// IsConnected asks the driver whether the connection is still usable.
func (m *MySQL) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return false
	}
	if v, ok := m.conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

// Ping issues a round trip to the backend.
func (m *MySQL) Ping(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return apperrors.ErrNotConnected
	}
	if p, ok := conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Conn returns the underlying driver connection for the proxy session,
// or nil before Connect succeeds.
func (m *MySQL) Conn() driver.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Close closes the underlying driver connection.
func (m *MySQL) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
