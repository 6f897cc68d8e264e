// Package backend defines the per-connection transport the pool drives and
// provides a MySQL implementation.
//
// The pool only needs three things from a transport: open it with a
// timeout, ask whether it is still connected, and close it. Everything the
// proxy session does with the connection afterwards goes through the
// concrete type (see MySQL.Conn).
package backend

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DatabaseSeparator splits a backend name into a logical pool name and the
// database it targets, e.g. "primary/orders" targets database "orders".
const DatabaseSeparator = "/"

// DefaultConnectTimeout is used when a backend does not configure one.
const DefaultConnectTimeout = 100 * time.Millisecond

// Transport is one live backend connection.
type Transport interface {
	// Connect opens the connection. It must give up after timeout or when
	// ctx is done, whichever comes first.
	Connect(ctx context.Context, host string, port int, timeout time.Duration) error
	// IsConnected reports authoritative liveness. Implementations must
	// consult the underlying connection on every call.
	IsConnected() bool
	// Close closes the connection. Closing twice is not an error.
	Close() error
}

// Options are the connection attributes fixed before Connect.
type Options struct {
	// Backend is the pool name the connection belongs to.
	Backend string
	// Database is the schema selected after the handshake.
	Database string
	// User and Password form the backend account.
	User     string
	Password string
	// Charset is the connection character set, e.g. "utf8mb4".
	Charset string
}

// Factory instantiates an unconnected transport.
type Factory func(opts Options) Transport

// DatabaseFor returns the database a backend name targets. The part after
// DatabaseSeparator wins; otherwise fallback is used.
func DatabaseFor(backendName, fallback string) string {
	if i := strings.Index(backendName, DatabaseSeparator); i >= 0 {
		if db := backendName[i+len(DatabaseSeparator):]; db != "" {
			return db
		}
	}
	return fallback
}

// Target formats host and port for logs and errors.
func Target(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
