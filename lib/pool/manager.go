package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/sqlproxy/lib/backend"
	apperrors "github.com/go-i2p/sqlproxy/lib/errors"
)

// shutdownParallelism bounds concurrent transport closes during Shutdown.
const shutdownParallelism = 16

// Manager is the process-wide registry of named backends.
type Manager struct {
	factory      backend.Factory
	now          func() time.Time
	reapInterval time.Duration

	// mu serializes Init and Shutdown.
	mu          sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	// backends is written once by Init before initialized is set.
	backends map[string]*backendState
	names    []string
	nextID   atomic.Uint64

	stopReap chan struct{}
	reapDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory sets the transport factory. The default dials MySQL.
func WithFactory(f backend.Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReapInterval enables a background sweep that closes dead spares and
// trims spare lists above MaxSpareConns. Zero disables it.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.reapInterval = d
	}
}

// New creates an uninitialized Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		factory: backend.NewMySQL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init installs the backend registry. Every entry is validated before any is
// activated; the first invalid entry fails the whole call. Once Init has
// succeeded later calls are no-ops.
func (m *Manager) Init(configs map[string]BackendConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized.Load() {
		log.Debug("pool already initialized")
		return nil
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := configs[name].Validate(name); err != nil {
			log.WithField("backend", name).WithError(err).Error("rejecting pool configuration")
			return err
		}
	}

	backends := make(map[string]*backendState, len(names))
	for _, name := range names {
		cfg := configs[name].withDefaults()
		backends[name] = newBackendState(name, cfg)
		BackendMaxConns.With(name).Set(int64(cfg.MaxConns))
		BackendMaxSpareConns.With(name).Set(int64(cfg.MaxSpareConns))
		log.WithField("backend", name).
			WithField("target", cfg.Connect.Target()).
			WithField("maxConns", cfg.MaxConns).
			WithField("maxSpareConns", cfg.MaxSpareConns).
			WithField("maxSpareIdle", cfg.MaxSpareIdle).
			Debug("backend registered")
	}
	m.backends = backends
	m.names = names
	m.initialized.Store(true)

	if m.reapInterval > 0 {
		m.stopReap = make(chan struct{})
		m.reapDone = make(chan struct{})
		go m.reapLoop()
	}

	log.WithField("backends", len(names)).Info("connection pool initialized")
	return nil
}

// Initialized reports whether Init has succeeded.
func (m *Manager) Initialized() bool {
	return m.initialized.Load()
}

// Backends returns the registered backend names in sorted order.
func (m *Manager) Backends() []string {
	if !m.initialized.Load() {
		return nil
	}
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

func (m *Manager) lookup(name string) (*backendState, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	st, ok := m.backends[name]
	if !ok {
		return nil, &UnknownBackendError{Backend: name}
	}
	return st, nil
}

// Fetch checks out a connection to the named backend for session.
//
// A live spare is reused when one is free. Otherwise a new connection is
// opened if the backend has headroom. A saturated backend parks the caller
// until a recycle hands it a connection, the connect timeout elapses or ctx
// is done.
func (m *Manager) Fetch(ctx context.Context, name string, session Session) (*Conn, error) {
	st, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	FetchTotal.With(name).Inc()

	c, err := m.fetch(ctx, st, session)
	FetchLatency.ObserveSince(start)
	if err != nil {
		FetchFailedTotal.With(name).Inc()
		return nil, err
	}
	return c, nil
}

func (m *Manager) fetch(ctx context.Context, st *backendState, session Session) (*Conn, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if c := st.popSpareLocked(); c != nil {
		if c.transport.IsConnected() {
			st.checkoutLocked(c, session, m.now())
			st.counters.Reused++
			st.mu.Unlock()
			ReusedTotal.With(st.name).Inc()
			log.WithField("backend", st.name).
				WithField("conn", c.id).
				WithField("session", sessionID(session)).
				Debug("reusing spare connection")
			return c, nil
		}
		// The dead spare's slot goes straight to its replacement.
		st.forgetLocked(c)
		st.initializing++
		st.counters.Reconnected++
		st.mu.Unlock()
		m.discard(st, c)
		ReconnectedTotal.With(st.name).Inc()
		return m.connect(ctx, st, session)
	}

	if st.occupiedLocked() < st.cfg.MaxConns {
		st.initializing++
		st.mu.Unlock()
		return m.connect(ctx, st, session)
	}

	w := st.enqueueLocked()
	log.WithField("backend", st.name).
		WithField("pending", st.pending).
		WithField("session", sessionID(session)).
		Debug("backend saturated, waiting for a recycled connection")
	st.mu.Unlock()
	return m.await(ctx, st, w, session)
}

// await parks w until it is signalled, the pool closes, or the wait window
// ends. A waiter signalled concurrently with its timeout keeps the signal.
func (m *Manager) await(ctx context.Context, st *backendState, w *waiter, session Session) (*Conn, error) {
	start := time.Now()
	timer := time.NewTimer(st.cfg.Connect.Timeout)
	defer timer.Stop()

	var cause error
	select {
	case <-w.ready:
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	st.mu.Lock()
	if !w.signaled && !w.closed {
		st.dequeueLocked(w)
		st.pending--
		st.counters.AdmissionTimeouts++
		st.mu.Unlock()
		AdmissionTimeoutsTotal.With(st.name).Inc()
		err := &AdmissionTimeoutError{Backend: st.name, Waited: time.Since(start), Err: cause}
		log.WithField("backend", st.name).
			WithField("session", sessionID(session)).
			WithError(err).
			Warn("fetch gave up waiting for a connection")
		return nil, err
	}

	if w.closed || st.closed {
		if w.signaled {
			st.resume--
		}
		st.pending--
		st.mu.Unlock()
		return nil, ErrPoolClosed
	}

	st.resume--
	c := st.takeSpareLocked(w.id)
	if c == nil {
		st.pending--
		st.mu.Unlock()
		return nil, apperrors.WrapInternal(fmt.Errorf("signalled connection %d missing from spare list of %q", w.id, st.name))
	}

	if c.transport.IsConnected() {
		st.checkoutLocked(c, session, m.now())
		st.pending--
		st.counters.Reused++
		st.mu.Unlock()
		ReusedTotal.With(st.name).Inc()
		log.WithField("backend", st.name).
			WithField("conn", c.id).
			WithField("session", sessionID(session)).
			Debug("waiter claimed recycled connection")
		return c, nil
	}

	// The reserved connection died while parked; replace it. The waiter
	// stays counted as pending until the replacement settles.
	st.forgetLocked(c)
	st.initializing++
	st.counters.Reconnected++
	st.mu.Unlock()
	m.discard(st, c)
	ReconnectedTotal.With(st.name).Inc()

	conn, err := m.connect(ctx, st, session)

	st.mu.Lock()
	st.pending--
	st.mu.Unlock()
	return conn, err
}

// connect opens a new connection for st. The caller has already counted it
// in st.initializing; connect settles that count whatever the outcome.
func (m *Manager) connect(ctx context.Context, st *backendState, session Session) (*Conn, error) {
	cfg := st.cfg
	t := m.factory(backend.Options{
		Backend:  st.name,
		Database: backend.DatabaseFor(st.name, cfg.Connect.Database),
		User:     cfg.Connect.User,
		Password: cfg.Connect.Password,
		Charset:  cfg.Connect.Charset,
	})

	dial := func(ctx context.Context) error {
		return t.Connect(ctx, cfg.Connect.Host, cfg.Connect.Port, cfg.Connect.Timeout)
	}

	var err error
	if st.breaker != nil {
		err = st.breaker.ExecuteWithContext(ctx, dial)
	} else {
		err = dial(ctx)
	}

	st.mu.Lock()
	st.initializing--
	if err != nil {
		st.counters.ConnectFailures++
		st.mu.Unlock()
		t.Close()
		ConnectFailuresTotal.With(st.name).Inc()
		cerr := &ConnectError{Backend: st.name, Target: cfg.Connect.Target(), Err: err}
		log.WithField("backend", st.name).
			WithField("target", cfg.Connect.Target()).
			WithError(err).
			Warn("backend connect failed")
		return nil, cerr
	}
	if st.closed {
		st.mu.Unlock()
		t.Close()
		return nil, ErrPoolClosed
	}

	c := &Conn{
		id:        m.nextID.Add(1),
		backend:   st.name,
		transport: t,
	}
	st.checkoutLocked(c, session, m.now())
	st.counters.Created++
	st.mu.Unlock()

	CreatedTotal.With(st.name).Inc()
	log.WithField("backend", st.name).
		WithField("conn", c.id).
		WithField("session", sessionID(session)).
		Debug("opened backend connection")
	return c, nil
}

// Reconnect replaces a busy connection whose transport has gone away. A
// connection that is still connected is returned unchanged. The new
// connection is bound to the same session; the old handle must not be used
// again.
func (m *Manager) Reconnect(ctx context.Context, old *Conn) (*Conn, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if old == nil {
		return nil, &UnknownConnectionError{}
	}
	if old.IsConnected() {
		return old, nil
	}

	st, ok := m.backends[old.backend]
	if !ok {
		return nil, &UnknownConnectionError{Backend: old.backend, ID: old.id}
	}

	session := old.Session()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if st.busy[old.id] != old {
		st.mu.Unlock()
		return nil, &UnknownConnectionError{Backend: st.name, ID: old.id}
	}
	st.forgetLocked(old)
	st.initializing++
	st.counters.Reconnected++
	st.mu.Unlock()

	old.unbind()
	m.discard(st, old)
	ReconnectedTotal.With(st.name).Inc()
	log.WithField("backend", st.name).
		WithField("conn", old.id).
		WithField("session", sessionID(session)).
		Info("reconnecting dropped backend connection")

	return m.connect(ctx, st, session)
}

// Recycle returns a busy connection to its backend. Dead connections are
// forgotten. A connection recycled into a full spare list after being held
// for at least MaxSpareIdle is closed. Anything else becomes spare and, if
// a fetch is parked, is handed to the oldest one.
func (m *Manager) Recycle(c *Conn) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if c == nil {
		return &UnknownConnectionError{}
	}
	st, ok := m.backends[c.backend]
	if !ok {
		return &UnknownConnectionError{Backend: c.backend, ID: c.id}
	}

	now := m.now()

	st.mu.Lock()
	if st.busy[c.id] != c {
		st.mu.Unlock()
		log.WithField("backend", st.name).
			WithField("conn", c.id).
			Warn("recycle of a connection that is not busy")
		return &UnknownConnectionError{Backend: st.name, ID: c.id}
	}
	delete(st.busy, c.id)
	c.unbind()
	st.counters.Recycled++

	var (
		closeIt bool
		outcome string
	)
	switch {
	case st.closed:
		st.forgetLocked(c)
		closeIt = true
		outcome = "closed"
	case !c.transport.IsConnected():
		st.forgetLocked(c)
		st.counters.Discarded++
		outcome = "discarded"
	case st.spareFullLocked() && now.Sub(st.lastUsed[c.id]) >= st.cfg.MaxSpareIdle:
		st.forgetLocked(c)
		st.counters.Evicted++
		closeIt = true
		outcome = "evicted"
	default:
		c.idleSince = now
		st.spare = append(st.spare, c)
		if st.signalLocked(c) {
			outcome = "handed off"
		} else {
			outcome = "spare"
		}
	}
	st.mu.Unlock()

	RecycledTotal.With(st.name).Inc()
	switch outcome {
	case "evicted":
		EvictedTotal.With(st.name).Inc()
	case "discarded":
		DiscardedTotal.With(st.name).Inc()
	}
	if closeIt {
		m.discard(st, c)
	}

	log.WithField("backend", st.name).
		WithField("conn", c.id).
		WithField("outcome", outcome).
		Debug("connection recycled")
	return nil
}

// discard closes c's transport. Must be called without st.mu held.
func (m *Manager) discard(st *backendState, c *Conn) {
	if err := c.transport.Close(); err != nil {
		log.WithField("backend", st.name).
			WithField("conn", c.id).
			WithError(err).
			Debug("error closing backend connection")
	}
}

// Shutdown stops the reaper, fails every parked fetch with ErrPoolClosed and
// closes every tracked connection, in parallel, until ctx is done.
// Connections still checked out are closed too; recycling them afterwards
// succeeds.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if !m.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	if m.stopReap != nil {
		close(m.stopReap)
		<-m.reapDone
	}

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)

	total := 0
	for _, name := range m.names {
		st := m.backends[name]
		st.mu.Lock()
		conns := st.closeLocked()
		st.mu.Unlock()

		total += len(conns)
		for _, c := range conns {
			g.Go(func() error {
				if err := c.transport.Close(); err != nil {
					return fmt.Errorf("close %s connection %d: %w", name, c.id, err)
				}
				return nil
			})
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Warn("errors closing backend connections")
			return err
		}
		log.WithField("connections", total).Info("connection pool shut down")
		return nil
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("pool shutdown interrupted")
		return ctx.Err()
	}
}
