package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/sqlproxy/lib/errors"
	"github.com/go-i2p/sqlproxy/lib/resilience"
	"github.com/go-i2p/sqlproxy/lib/testutil"
)

type testSession string

func (s testSession) SessionID() string { return string(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(maxSpare, maxConns int, idle time.Duration) BackendConfig {
	return BackendConfig{
		MaxSpareConns: maxSpare,
		MaxConns:      maxConns,
		MaxSpareIdle:  idle,
		Connect: ConnectConfig{
			Host:    "127.0.0.1",
			Port:    3306,
			User:    "proxy",
			Timeout: 2 * time.Second,
		},
	}
}

func newTestManager(t *testing.T, configs map[string]BackendConfig, opts ...Option) (*Manager, *testutil.MockBackend, *fakeClock) {
	t.Helper()
	mock := testutil.NewMockBackend()
	clock := newFakeClock()
	opts = append([]Option{WithFactory(mock.Factory()), WithClock(clock.Now)}, opts...)
	m := New(opts...)
	require.NoError(t, m.Init(configs))
	t.Cleanup(func() {
		m.Shutdown(context.Background())
	})
	return m, mock, clock
}

func mustStats(t *testing.T, m *Manager, name string) Stats {
	t.Helper()
	s, err := m.Stats(name)
	require.NoError(t, err)
	return s
}

// invariantViolations describes every way st's bookkeeping is inconsistent.
// The checks hold whenever st.mu is free.
func invariantViolations(st *backendState) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []string
	if st.resume > st.pending {
		out = append(out, fmt.Sprintf("resume %d > pending %d", st.resume, st.pending))
	}
	if live := len(st.busy) + len(st.spare) + st.initializing; live > st.cfg.MaxConns {
		out = append(out, fmt.Sprintf("live %d > max conns %d", live, st.cfg.MaxConns))
	}

	reserved := 0
	inSpare := make(map[uint64]bool, len(st.spare))
	for _, c := range st.spare {
		if inSpare[c.id] {
			out = append(out, fmt.Sprintf("conn %d appears twice in spare", c.id))
		}
		inSpare[c.id] = true
		if _, ok := st.busy[c.id]; ok {
			out = append(out, fmt.Sprintf("conn %d is both busy and spare", c.id))
		}
		if _, ok := st.lastUsed[c.id]; !ok {
			out = append(out, fmt.Sprintf("spare conn %d has no lastUsed", c.id))
		}
		if c.reserved {
			reserved++
		}
	}
	for id, c := range st.busy {
		if c.id != id {
			out = append(out, fmt.Sprintf("busy key %d holds conn %d", id, c.id))
		}
		if _, ok := st.lastUsed[id]; !ok {
			out = append(out, fmt.Sprintf("busy conn %d has no lastUsed", id))
		}
	}
	if reserved != st.resume {
		out = append(out, fmt.Sprintf("%d reserved spares but resume is %d", reserved, st.resume))
	}
	return out
}

func checkInvariants(t *testing.T, m *Manager, name string) {
	t.Helper()
	st, ok := m.backends[name]
	require.True(t, ok, "unknown backend %q", name)
	require.Empty(t, invariantViolations(st))
}

type fetchResult struct {
	conn *Conn
	err  error
}

// parkFetch starts a Fetch in the background and waits until it is queued.
func parkFetch(t *testing.T, m *Manager, name string, session Session) <-chan fetchResult {
	t.Helper()
	before := mustStats(t, m, name).Pending
	ch := make(chan fetchResult, 1)
	go func() {
		c, err := m.Fetch(context.Background(), name, session)
		ch <- fetchResult{c, err}
	}()
	require.Eventually(t, func() bool {
		return mustStats(t, m, name).Pending == before+1
	}, time.Second, time.Millisecond)
	return ch
}

func receive(t *testing.T, ch <-chan fetchResult) fetchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("parked fetch did not complete")
		return fetchResult{}
	}
}

func TestOperationsBeforeInit(t *testing.T) {
	m := New(WithFactory(testutil.NewMockBackend().Factory()))
	ctx := context.Background()

	_, err := m.Fetch(ctx, "db", nil)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, m.Recycle(&Conn{}), ErrNotInitialized)
	_, err = m.Reconnect(ctx, &Conn{})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.Stats("db")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, m.Shutdown(ctx), ErrNotInitialized)
	require.Nil(t, m.AllStats())
	require.Equal(t, 0, m.Reap())
	require.False(t, m.Initialized())
}

func TestInitValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackendConfig
	}{
		{"zero max conns", testConfig(1, 0, 0)},
		{"zero max spare", testConfig(0, 1, 0)},
		{"negative max conns", testConfig(1, -1, 0)},
		{"negative idle", testConfig(1, 1, -time.Second)},
		{"bad port", func() BackendConfig {
			c := testConfig(1, 1, 0)
			c.Connect.Port = 70000
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(WithFactory(testutil.NewMockBackend().Factory()))
			err := m.Init(map[string]BackendConfig{"b": tt.cfg})

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, "b", cfgErr.Backend)
			require.ErrorIs(t, err, apperrors.ErrPoolConfig)
			require.False(t, m.Initialized())
		})
	}
}

func TestInitRejectsWholeRegistry(t *testing.T) {
	m := New(WithFactory(testutil.NewMockBackend().Factory()))
	err := m.Init(map[string]BackendConfig{
		"good": testConfig(1, 1, 0),
		"bad":  testConfig(1, 0, 0),
	})
	require.Error(t, err)
	require.Nil(t, m.Backends())

	_, err = m.Fetch(context.Background(), "good", nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestConfigValidationScenario(t *testing.T) {
	m := New(WithFactory(testutil.NewMockBackend().Factory()))

	err := m.Init(map[string]BackendConfig{"b": {MaxConns: 0, MaxSpareConns: 1}})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	require.NoError(t, m.Init(map[string]BackendConfig{"b": {MaxConns: 1, MaxSpareConns: 1}}))
	require.True(t, m.Initialized())
	require.Equal(t, []string{"b"}, m.Backends())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestInitIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"a": testConfig(1, 2, 0)})

	require.NoError(t, m.Init(map[string]BackendConfig{"other": testConfig(1, 1, 0)}))
	require.Equal(t, []string{"a"}, m.Backends())

	_, err := m.Stats("other")
	var unknown *UnknownBackendError
	require.ErrorAs(t, err, &unknown)
}

func TestInitAppliesDefaults(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{
		"b": {MaxConns: 1, MaxSpareConns: 1, Connect: ConnectConfig{Host: "db.internal"}},
	})

	_, err := m.Fetch(context.Background(), "b", nil)
	require.NoError(t, err)

	tr := mock.Transports()[0]
	require.Equal(t, "db.internal:3306", tr.Target())
	require.Equal(t, 100*time.Millisecond, tr.Timeout())
}

func TestFetchUnknownBackend(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"a": testConfig(1, 1, 0)})

	_, err := m.Fetch(context.Background(), "missing", nil)
	var unknown *UnknownBackendError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "missing", unknown.Backend)
	require.ErrorIs(t, err, apperrors.ErrUnknownBackend)
	require.True(t, apperrors.IsNotFound(err))
}

func TestFetchCreatesThenReuses(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"primary/orders": testConfig(2, 4, time.Minute)})
	ctx := context.Background()

	c1, err := m.Fetch(ctx, "primary/orders", testSession("s1"))
	require.NoError(t, err)
	require.Equal(t, "primary/orders", c1.Backend())
	require.Equal(t, testSession("s1"), c1.Session())
	require.True(t, c1.IsConnected())

	tr := mock.Transports()[0]
	require.Equal(t, "orders", tr.Options().Database)
	require.Equal(t, "proxy", tr.Options().User)
	require.Equal(t, "127.0.0.1:3306", tr.Target())

	s := mustStats(t, m, "primary/orders")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, uint64(1), s.Created)

	require.NoError(t, m.Recycle(c1))
	require.Nil(t, c1.Session())
	s = mustStats(t, m, "primary/orders")
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 1, s.Spare)

	c2, err := m.Fetch(ctx, "primary/orders", testSession("s2"))
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, testSession("s2"), c2.Session())
	require.Equal(t, 1, mock.Connects())
	checkInvariants(t, m, "primary/orders")

	s = mustStats(t, m, "primary/orders")
	require.Equal(t, uint64(1), s.Reused)
	require.Equal(t, uint64(1), s.Created)
}

func TestFetchPrefersMostRecentlyRecycled(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(4, 4, time.Minute)})
	ctx := context.Background()

	c1, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	c2, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())

	require.NoError(t, m.Recycle(c1))
	require.NoError(t, m.Recycle(c2))

	got, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.Same(t, c2, got)
}

func TestFetchReplacesDeadSpare(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})
	ctx := context.Background()

	c1, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.NoError(t, m.Recycle(c1))
	mock.Transports()[0].Drop()

	c2, err := m.Fetch(ctx, "db", testSession("s"))
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
	require.True(t, c2.IsConnected())
	require.True(t, mock.Transports()[0].Closed())
	checkInvariants(t, m, "db")

	s := mustStats(t, m, "db")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, uint64(1), s.Reconnected)
	require.Equal(t, uint64(2), s.Created)

	// The dead connection's identity is gone.
	var unknown *UnknownConnectionError
	require.ErrorAs(t, m.Recycle(c1), &unknown)
}

func TestRecycleUnknownConnection(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})
	other, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})
	ctx := context.Background()

	c, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.NoError(t, m.Recycle(c))

	err = m.Recycle(c)
	require.ErrorIs(t, err, apperrors.ErrUnknownConnection)
	require.Equal(t, 1, mustStats(t, m, "db").Spare)

	foreign, err := other.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.ErrorIs(t, m.Recycle(foreign), apperrors.ErrUnknownConnection)
	require.ErrorIs(t, m.Recycle(nil), apperrors.ErrUnknownConnection)
	require.ErrorIs(t, m.Recycle(&Conn{backend: "nope"}), apperrors.ErrUnknownConnection)
}

func TestRecycleSparePolicy(t *testing.T) {
	t.Run("keeps while spare list has room", func(t *testing.T) {
		m, mock, clock := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 4, 10*time.Second)})
		ctx := context.Background()

		c1, _ := m.Fetch(ctx, "db", nil)
		c2, _ := m.Fetch(ctx, "db", nil)
		clock.Advance(time.Hour)

		require.NoError(t, m.Recycle(c1))
		require.NoError(t, m.Recycle(c2))
		require.Equal(t, 2, mustStats(t, m, "db").Spare)
		require.Len(t, mock.Open(), 2)
	})

	// A young connection recycled into a full spare list is kept, so the
	// list can briefly exceed MaxSpareConns. Reap trims it once the extra
	// spare has idled for MaxSpareIdle.
	t.Run("keeps recently fetched connection when full until reaped", func(t *testing.T) {
		m, _, clock := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 4, 10*time.Second)})
		ctx := context.Background()

		c1, _ := m.Fetch(ctx, "db", nil)
		c2, _ := m.Fetch(ctx, "db", nil)
		require.NoError(t, m.Recycle(c1))

		clock.Advance(5 * time.Second)
		require.NoError(t, m.Recycle(c2))

		s := mustStats(t, m, "db")
		require.Equal(t, 2, s.Spare)
		require.Equal(t, uint64(0), s.Evicted)
		checkInvariants(t, m, "db")

		clock.Advance(10 * time.Second)
		require.Equal(t, 1, m.Reap())
		s = mustStats(t, m, "db")
		require.Equal(t, 1, s.Spare)
		require.Equal(t, uint64(1), s.Evicted)
		checkInvariants(t, m, "db")
	})

	t.Run("evicts long held connection when full", func(t *testing.T) {
		m, mock, clock := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 4, 10*time.Second)})
		ctx := context.Background()

		c1, _ := m.Fetch(ctx, "db", nil)
		c2, _ := m.Fetch(ctx, "db", nil)
		require.NoError(t, m.Recycle(c1))

		clock.Advance(10 * time.Second)
		require.NoError(t, m.Recycle(c2))

		s := mustStats(t, m, "db")
		require.Equal(t, 1, s.Spare)
		require.Equal(t, 0, s.Busy)
		require.Equal(t, uint64(1), s.Evicted)
		require.True(t, mock.Transports()[1].Closed())
		require.False(t, mock.Transports()[0].Closed())
	})

	t.Run("in-flight connects count toward the spare limit", func(t *testing.T) {
		m, mock, clock := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 4, time.Second)})
		ctx := context.Background()

		c1, err := m.Fetch(ctx, "db", nil)
		require.NoError(t, err)

		release := mock.HoldConnects()
		defer release()
		done := make(chan fetchResult, 1)
		go func() {
			c, err := m.Fetch(ctx, "db", nil)
			done <- fetchResult{c, err}
		}()
		require.Eventually(t, func() bool {
			return mustStats(t, m, "db").Initializing == 1
		}, time.Second, time.Millisecond)

		clock.Advance(time.Second)
		require.NoError(t, m.Recycle(c1))
		require.Equal(t, uint64(1), mustStats(t, m, "db").Evicted)

		release()
		r := receive(t, done)
		require.NoError(t, r.err)
	})

	t.Run("discards disconnected connection", func(t *testing.T) {
		m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})

		c, err := m.Fetch(context.Background(), "db", nil)
		require.NoError(t, err)
		mock.Transports()[0].Drop()

		require.NoError(t, m.Recycle(c))
		s := mustStats(t, m, "db")
		require.Equal(t, 0, s.Spare)
		require.Equal(t, 0, s.Busy)
		require.Equal(t, uint64(1), s.Discarded)
	})
}

func TestEndToEndScenario(t *testing.T) {
	cfg := BackendConfig{MaxConns: 1, MaxSpareConns: 1, Connect: ConnectConfig{Timeout: 2 * time.Second}}
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"b": cfg})
	ctx := context.Background()

	c1, err := m.Fetch(ctx, "b", testSession("first"))
	require.NoError(t, err)
	require.Equal(t, 1, mustStats(t, m, "b").Busy)

	parked := parkFetch(t, m, "b", testSession("second"))
	require.Equal(t, 1, mustStats(t, m, "b").Pending)
	checkInvariants(t, m, "b")

	require.NoError(t, m.Recycle(c1))
	r := receive(t, parked)
	require.NoError(t, r.err)
	require.Same(t, c1, r.conn)
	require.Equal(t, testSession("second"), r.conn.Session())

	s := mustStats(t, m, "b")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	checkInvariants(t, m, "b")

	require.NoError(t, m.Recycle(r.conn))
	s = mustStats(t, m, "b")
	require.Equal(t, 1, s.Spare)
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 1, mock.Connects())
	checkInvariants(t, m, "b")
}

func TestWaitersWakeInOrder(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 1, time.Minute)})

	c, err := m.Fetch(context.Background(), "db", nil)
	require.NoError(t, err)

	first := parkFetch(t, m, "db", testSession("first"))
	second := parkFetch(t, m, "db", testSession("second"))

	require.NoError(t, m.Recycle(c))
	r1 := receive(t, first)
	require.NoError(t, r1.err)
	require.Same(t, c, r1.conn)
	require.Equal(t, testSession("first"), r1.conn.Session())
	require.Equal(t, 1, mustStats(t, m, "db").Pending)

	require.NoError(t, m.Recycle(r1.conn))
	r2 := receive(t, second)
	require.NoError(t, r2.err)
	require.Same(t, c, r2.conn)
	require.Equal(t, testSession("second"), r2.conn.Session())

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	checkInvariants(t, m, "db")
}

func TestAdmissionTimeout(t *testing.T) {
	cfg := testConfig(1, 1, time.Minute)
	cfg.Connect.Timeout = 50 * time.Millisecond
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": cfg})
	ctx := context.Background()

	c, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Fetch(ctx, "db", nil)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var timeout *AdmissionTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "db", timeout.Backend)
	require.GreaterOrEqual(t, timeout.Waited, 50*time.Millisecond)
	require.ErrorIs(t, err, apperrors.ErrAdmissionTimeout)
	require.True(t, apperrors.IsRetryable(err))

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	require.Equal(t, uint64(1), s.AdmissionTimeouts)
	checkInvariants(t, m, "db")

	// Nothing is reserved for the waiter that gave up.
	require.NoError(t, m.Recycle(c))
	require.Equal(t, 0, mustStats(t, m, "db").Resume)
	got, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.Same(t, c, got)
}

func TestFetchContextCancelled(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 1, time.Minute)})

	_, err := m.Fetch(context.Background(), "db", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Fetch(ctx, "db", nil)
	require.ErrorIs(t, err, apperrors.ErrAdmissionTimeout)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, mustStats(t, m, "db").Pending)

	// The wait ended with the context, well before the 2s connect timeout.
	var timeout *AdmissionTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Less(t, timeout.Waited, time.Second)
}

func TestRecycleDroppedConnectionWakesNobody(t *testing.T) {
	cfg := testConfig(1, 1, time.Minute)
	cfg.Connect.Timeout = 80 * time.Millisecond
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": cfg})

	c, err := m.Fetch(context.Background(), "db", nil)
	require.NoError(t, err)

	parked := parkFetch(t, m, "db", testSession("waiting"))
	mock.Transports()[0].Drop()
	require.NoError(t, m.Recycle(c))

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Resume)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, uint64(1), s.Discarded)
	checkInvariants(t, m, "db")

	r := receive(t, parked)
	var timeout *AdmissionTimeoutError
	require.ErrorAs(t, r.err, &timeout)
	require.Nil(t, r.conn)

	s = mustStats(t, m, "db")
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 1, mock.Connects())
	checkInvariants(t, m, "db")
}

func TestReservedSpareIsNotStolen(t *testing.T) {
	cfg := testConfig(1, 1, time.Minute)
	cfg.Connect.Timeout = 30 * time.Millisecond
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": cfg})
	ctx := context.Background()
	st := m.backends["db"]

	c, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)

	st.mu.Lock()
	w := st.enqueueLocked()
	st.mu.Unlock()

	require.NoError(t, m.Recycle(c))
	s := mustStats(t, m, "db")
	require.Equal(t, 1, s.Spare)
	require.Equal(t, 1, s.Resume)
	checkInvariants(t, m, "db")

	// A fetch arriving between the signal and the claim must not take the
	// reserved connection.
	_, err = m.Fetch(ctx, "db", nil)
	require.ErrorIs(t, err, apperrors.ErrAdmissionTimeout)
	require.Equal(t, 0, m.Reap())

	got, err := m.await(ctx, st, w, testSession("owner"))
	require.NoError(t, err)
	require.Same(t, c, got)

	s = mustStats(t, m, "db")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	checkInvariants(t, m, "db")
}

func TestSignalledWaiterReconnectsDeadConnection(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 1, time.Minute)})
	ctx := context.Background()
	st := m.backends["db"]

	c, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)

	st.mu.Lock()
	w := st.enqueueLocked()
	st.mu.Unlock()

	require.NoError(t, m.Recycle(c))
	mock.Transports()[0].Drop()

	got, err := m.await(ctx, st, w, testSession("owner"))
	require.NoError(t, err)
	require.NotEqual(t, c.ID(), got.ID())
	require.Equal(t, testSession("owner"), got.Session())

	s := mustStats(t, m, "db")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, 0, s.Spare)
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	require.Equal(t, 0, s.Initializing)
	require.Equal(t, uint64(1), s.Reconnected)
	checkInvariants(t, m, "db")
}

func TestReconnect(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})
	ctx := context.Background()

	c1, err := m.Fetch(ctx, "db", testSession("s"))
	require.NoError(t, err)

	same, err := m.Reconnect(ctx, c1)
	require.NoError(t, err)
	require.Same(t, c1, same)
	require.Equal(t, 1, mock.Connects())

	mock.Transports()[0].Drop()
	c2, err := m.Reconnect(ctx, c1)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
	require.Equal(t, testSession("s"), c2.Session())
	require.True(t, mock.Transports()[0].Closed())

	s := mustStats(t, m, "db")
	require.Equal(t, 1, s.Busy)
	require.Equal(t, uint64(2), s.Created)
	require.Equal(t, uint64(1), s.Reconnected)
	checkInvariants(t, m, "db")

	require.ErrorIs(t, m.Recycle(c1), apperrors.ErrUnknownConnection)
	require.NoError(t, m.Recycle(c2))
}

func TestReconnectFailure(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)})
	ctx := context.Background()

	c, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	mock.Transports()[0].Drop()
	mock.FailConnects(testutil.ErrConnectRefused)

	_, err = m.Reconnect(ctx, c)
	require.ErrorIs(t, err, apperrors.ErrConnect)
	require.ErrorIs(t, err, testutil.ErrConnectRefused)

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 0, s.Initializing)

	_, err = m.Reconnect(ctx, c)
	require.ErrorIs(t, err, apperrors.ErrUnknownConnection)
}

func TestConnectFailure(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 1, time.Minute)})
	ctx := context.Background()
	mock.FailConnects(testutil.ErrConnectRefused)

	_, err := m.Fetch(ctx, "db", nil)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "db", connErr.Backend)
	require.Equal(t, "127.0.0.1:3306", connErr.Target)
	require.ErrorIs(t, err, testutil.ErrConnectRefused)
	require.True(t, apperrors.IsRetryable(err))

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Initializing)
	require.Equal(t, 0, s.Busy)
	require.Equal(t, uint64(1), s.ConnectFailures)

	mock.FailConnects(nil)
	_, err = m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig(1, 1, time.Minute)
	cfg.Connect.Timeout = 30 * time.Millisecond
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": cfg})
	mock.SetConnectDelay(time.Second)

	start := time.Now()
	_, err := m.Fetch(context.Background(), "db", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 0, mustStats(t, m, "db").Initializing)
}

func TestConnectBreaker(t *testing.T) {
	cfg := testConfig(1, 1, time.Minute)
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"breaker-db": cfg})
	ctx := context.Background()
	mock.FailConnects(testutil.ErrConnectRefused)

	for i := 0; i < 2; i++ {
		_, err := m.Fetch(ctx, "breaker-db", nil)
		require.ErrorIs(t, err, testutil.ErrConnectRefused)
	}

	_, err := m.Fetch(ctx, "breaker-db", nil)
	require.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	require.Equal(t, 2, mock.Connects())
	require.Equal(t, "open", mustStats(t, m, "breaker-db").Breaker)
	require.Equal(t, 0, mustStats(t, m, "breaker-db").Initializing)
}

func TestCapacityUnderContention(t *testing.T) {
	const (
		maxConns   = 3
		workers    = 16
		iterations = 25
	)
	m, _, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(maxConns, maxConns, time.Minute)})

	var (
		holders    sync.Map
		maxLive    atomic.Int64
		failures   atomic.Int64
		violations atomic.Int64
		wg         sync.WaitGroup
	)
	st := m.backends["db"]
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				c, err := m.Fetch(context.Background(), "db", nil)
				if err != nil {
					if !errors.Is(err, apperrors.ErrAdmissionTimeout) {
						failures.Add(1)
					}
					continue
				}
				if _, loaded := holders.LoadOrStore(c.ID(), w); loaded {
					failures.Add(1)
				}

				s, _ := m.Stats("db")
				if live := int64(s.Live()); live > maxLive.Load() {
					maxLive.Store(live)
				}
				if len(invariantViolations(st)) > 0 {
					violations.Add(1)
				}
				time.Sleep(time.Duration(i%3) * 100 * time.Microsecond)

				holders.Delete(c.ID())
				if err := m.Recycle(c); err != nil {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	require.Zero(t, violations.Load())
	require.LessOrEqual(t, maxLive.Load(), int64(maxConns))
	checkInvariants(t, m, "db")

	s := mustStats(t, m, "db")
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 0, s.Pending)
	require.Equal(t, 0, s.Resume)
	require.Equal(t, 0, s.Initializing)
	require.LessOrEqual(t, s.Spare, maxConns)
	require.LessOrEqual(t, s.Created, uint64(maxConns))
}

func TestReap(t *testing.T) {
	m, mock, clock := newTestManager(t, map[string]BackendConfig{"db": testConfig(1, 4, 10*time.Second)})
	ctx := context.Background()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := m.Fetch(ctx, "db", nil)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		require.NoError(t, m.Recycle(c))
	}
	require.Equal(t, 3, mustStats(t, m, "db").Spare)

	// Nothing has been idle long enough yet.
	require.Equal(t, 0, m.Reap())

	mock.Transports()[0].Drop()
	clock.Advance(11 * time.Second)

	require.Equal(t, 2, m.Reap())
	s := mustStats(t, m, "db")
	require.Equal(t, 1, s.Spare)
	require.Equal(t, uint64(1), s.Discarded)
	require.Equal(t, uint64(1), s.Evicted)
	require.True(t, mock.Transports()[1].Closed())
	require.False(t, mock.Transports()[2].Closed())
	checkInvariants(t, m, "db")

	got, err := m.Fetch(ctx, "db", nil)
	require.NoError(t, err)
	require.Same(t, conns[2], got)
}

func TestReapLoop(t *testing.T) {
	m, mock, _ := newTestManager(t, map[string]BackendConfig{"db": testConfig(2, 2, time.Minute)},
		WithReapInterval(5*time.Millisecond))

	c, err := m.Fetch(context.Background(), "db", nil)
	require.NoError(t, err)
	require.NoError(t, m.Recycle(c))
	mock.Transports()[0].Drop()

	require.Eventually(t, func() bool {
		return mustStats(t, m, "db").Spare == 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	m := New(WithFactory(testutil.NewMockBackend().Factory()))
	require.NoError(t, m.Init(map[string]BackendConfig{
		"a": testConfig(1, 1, time.Minute),
		"b": testConfig(2, 2, time.Minute),
	}))
	ctx := context.Background()

	busy, err := m.Fetch(ctx, "a", nil)
	require.NoError(t, err)
	spare, err := m.Fetch(ctx, "b", nil)
	require.NoError(t, err)
	require.NoError(t, m.Recycle(spare))

	parked := parkFetch(t, m, "a", testSession("late"))

	require.NoError(t, m.Shutdown(ctx))

	r := receive(t, parked)
	require.ErrorIs(t, r.err, ErrPoolClosed)
	require.False(t, busy.IsConnected())
	require.False(t, spare.IsConnected())

	_, err = m.Fetch(ctx, "b", nil)
	require.ErrorIs(t, err, ErrPoolClosed)
	require.True(t, apperrors.IsClosed(err))

	require.NoError(t, m.Recycle(busy))
	s, err := m.Stats("a")
	require.NoError(t, err)
	require.Equal(t, 0, s.Busy)
	require.Equal(t, 0, s.Pending)

	require.ErrorIs(t, m.Shutdown(ctx), ErrPoolClosed)
}

func TestAllStatsAndMetrics(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]BackendConfig{
		"stats-b": testConfig(1, 3, time.Minute),
		"stats-a": testConfig(2, 5, time.Minute),
	})

	c, err := m.Fetch(context.Background(), "stats-b", nil)
	require.NoError(t, err)

	all := m.AllStats()
	require.Len(t, all, 2)
	require.Equal(t, "stats-a", all[0].Backend)
	require.Equal(t, "stats-b", all[1].Backend)
	require.Equal(t, 5, all[0].MaxConns)
	require.Equal(t, 1, all[1].Busy)
	require.Empty(t, all[1].Breaker)

	UpdateMetrics(all)
	require.Equal(t, int64(1), BackendBusy.With("stats-b").Value())
	require.Equal(t, int64(0), BackendSpare.With("stats-b").Value())
	require.Equal(t, int64(3), BackendMaxConns.With("stats-b").Value())

	require.NoError(t, m.Recycle(c))
	UpdateMetrics(m.AllStats())
	require.Equal(t, int64(1), BackendSpare.With("stats-b").Value())
}
