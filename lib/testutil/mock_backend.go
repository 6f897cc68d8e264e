// Package testutil provides test doubles for the sqlproxy pool: an in-memory
// backend whose transports can be made to fail, stall or silently drop, and
// a TCP server that accepts connections but never completes a handshake.
package testutil

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-i2p/sqlproxy/lib/backend"
)

// ErrConnectRefused is what a MockBackend returns while FailConnects is set.
var ErrConnectRefused = errors.New("mock backend: connection refused")

// MockBackend is an in-memory backend.Factory. Every transport it creates is
// recorded so tests can inspect or break it later.
type MockBackend struct {
	mu         sync.Mutex
	transports []*MockTransport
	connects   int
	failErr    error
	delay      time.Duration
	gate       chan struct{}
}

// NewMockBackend creates a backend whose connects succeed immediately.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Factory returns the backend.Factory to hand to the pool.
func (b *MockBackend) Factory() backend.Factory {
	return func(opts backend.Options) backend.Transport {
		t := &MockTransport{opts: opts, backend: b}
		b.mu.Lock()
		b.transports = append(b.transports, t)
		b.mu.Unlock()
		return t
	}
}

// FailConnects makes subsequent connects fail with err. Pass nil to recover.
func (b *MockBackend) FailConnects(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// SetConnectDelay makes each connect take d, bounded by the connect timeout.
func (b *MockBackend) SetConnectDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// HoldConnects blocks every connect until the returned release func is
// called or the connect's context expires.
func (b *MockBackend) HoldConnects() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Connects returns the number of connect attempts so far.
func (b *MockBackend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Transports returns every transport created so far, oldest first.
func (b *MockBackend) Transports() []*MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockTransport, len(b.transports))
	copy(out, b.transports)
	return out
}

// Open returns the transports that are currently connected.
func (b *MockBackend) Open() []*MockTransport {
	var open []*MockTransport
	for _, t := range b.Transports() {
		if t.IsConnected() {
			open = append(open, t)
		}
	}
	return open
}

func (b *MockBackend) connectBehaviour() (time.Duration, chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	return b.delay, b.gate, b.failErr
}

// MockTransport is a backend.Transport created by a MockBackend.
type MockTransport struct {
	opts    backend.Options
	backend *MockBackend

	mu        sync.Mutex
	target    string
	timeout   time.Duration
	connected bool
	closed    int
}

// Connect honours the backend's failure, delay and hold settings.
func (t *MockTransport) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	delay, gate, failErr := t.backend.connectBehaviour()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = net.JoinHostPort(host, strconv.Itoa(port))
	t.timeout = timeout
	t.connected = true
	return nil
}

// IsConnected reports whether the transport is connected.
func (t *MockTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close marks the transport closed.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.closed++
	return nil
}

// Drop simulates the backend silently closing the connection.
func (t *MockTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

// Closed reports whether Close was called at least once.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed > 0
}

// Options returns the options the transport was created with.
func (t *MockTransport) Options() backend.Options {
	return t.opts
}

// Target returns the host:port of the last successful connect.
func (t *MockTransport) Target() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

// Timeout returns the timeout of the last successful connect.
func (t *MockTransport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// MockServer is a TCP listener that accepts connections and never writes,
// so a MySQL client blocks waiting for the server greeting.
type MockServer struct {
	mu       sync.Mutex
	listener net.Listener
	conns    []net.Conn
	addr     string
}

// NewMockServer starts a silent server on a random loopback port.
func NewMockServer() (*MockServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &MockServer{
		listener: ln,
		addr:     ln.Addr().String(),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *MockServer) Addr() string {
	return s.addr
}

// HostPort splits Addr for backend.Transport.Connect.
func (s *MockServer) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Accepted returns how many connections the server has accepted.
func (s *MockServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the listener and drops accepted connections.
func (s *MockServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	return err
}

func (s *MockServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}
