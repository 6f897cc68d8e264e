package pool

import (
	"sync"
	"time"

	"github.com/go-i2p/sqlproxy/lib/backend"
)

// Session is the client session a connection is checked out to.
type Session interface {
	SessionID() string
}

// Conn is a pooled backend connection. A Conn handed out by Fetch or
// Reconnect belongs to the caller until it is passed to Recycle.
type Conn struct {
	id        uint64
	backend   string
	transport backend.Transport

	mu           sync.Mutex
	session      Session
	lastActivity time.Time

	// Guarded by the owning backend's lock.
	reserved  bool
	idleSince time.Time
}

// ID returns the connection identity, unique within a Manager.
func (c *Conn) ID() uint64 {
	return c.id
}

// Backend returns the backend name the connection belongs to.
func (c *Conn) Backend() string {
	return c.backend
}

// Transport returns the underlying transport.
func (c *Conn) Transport() backend.Transport {
	return c.transport
}

// Session returns the session the connection is bound to, or nil while spare.
func (c *Conn) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastActivity returns when the connection was last checked out.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsConnected asks the transport.
func (c *Conn) IsConnected() bool {
	return c.transport.IsConnected()
}

func (c *Conn) bind(s Session, now time.Time) {
	c.mu.Lock()
	c.session = s
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) unbind() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func sessionID(s Session) string {
	if s == nil {
		return ""
	}
	return s.SessionID()
}
