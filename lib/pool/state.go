package pool

import (
	"sync"
	"time"

	"github.com/go-i2p/sqlproxy/lib/resilience"
)

// waiter is a fetch parked on a saturated backend.
type waiter struct {
	ready chan struct{}
	// Set under the backend lock before ready is closed.
	id       uint64
	signaled bool
	closed   bool
}

// backendState is the mutable accounting for one backend. Every field below
// mu is guarded by it; methods with the Locked suffix require it held.
type backendState struct {
	name    string
	cfg     BackendConfig
	breaker *resilience.CircuitBreaker

	mu sync.Mutex
	// spare is a stack: the most recently recycled connection is last.
	spare    []*Conn
	busy     map[uint64]*Conn
	lastUsed map[uint64]time.Time
	// pending counts parked fetches, resume counts spares reserved for
	// a signalled fetch that has not yet claimed them.
	pending      int
	resume       int
	initializing int
	waiters      []*waiter
	closed       bool

	counters Counters
}

// Counters are cumulative per-backend event counts reported by Stats.
type Counters struct {
	Created           uint64 `json:"created"`
	Reused            uint64 `json:"reused"`
	Reconnected       uint64 `json:"reconnected"`
	Recycled          uint64 `json:"recycled"`
	Evicted           uint64 `json:"evicted"`
	Discarded         uint64 `json:"discarded"`
	ConnectFailures   uint64 `json:"connect_failures"`
	AdmissionTimeouts uint64 `json:"admission_timeouts"`
}

func newBackendState(name string, cfg BackendConfig) *backendState {
	st := &backendState{
		name:     name,
		cfg:      cfg,
		busy:     make(map[uint64]*Conn),
		lastUsed: make(map[uint64]time.Time),
	}
	if cfg.Breaker.Enabled() {
		st.breaker = resilience.NewCircuitBreaker(name, cfg.Breaker)
	}
	return st
}

// occupiedLocked is what admission compares against MaxConns.
func (st *backendState) occupiedLocked() int {
	return len(st.busy) + len(st.spare) + st.pending + st.initializing
}

// spareFullLocked reports whether the spare list, counting connections
// about to join it, has reached MaxSpareConns.
func (st *backendState) spareFullLocked() bool {
	return len(st.spare)+st.initializing >= st.cfg.MaxSpareConns
}

// popSpareLocked removes the most recently recycled unreserved spare.
func (st *backendState) popSpareLocked() *Conn {
	if len(st.spare) <= st.resume {
		return nil
	}
	for i := len(st.spare) - 1; i >= 0; i-- {
		if c := st.spare[i]; !c.reserved {
			st.removeSpareLocked(i)
			return c
		}
	}
	return nil
}

// takeSpareLocked removes the spare with the given identity.
func (st *backendState) takeSpareLocked(id uint64) *Conn {
	for i, c := range st.spare {
		if c.id == id {
			st.removeSpareLocked(i)
			return c
		}
	}
	return nil
}

func (st *backendState) removeSpareLocked(i int) {
	copy(st.spare[i:], st.spare[i+1:])
	st.spare[len(st.spare)-1] = nil
	st.spare = st.spare[:len(st.spare)-1]
}

func (st *backendState) checkoutLocked(c *Conn, s Session, now time.Time) {
	c.reserved = false
	st.busy[c.id] = c
	st.lastUsed[c.id] = now
	c.bind(s, now)
}

// forgetLocked drops every trace of c from the identity maps.
func (st *backendState) forgetLocked(c *Conn) {
	delete(st.busy, c.id)
	delete(st.lastUsed, c.id)
	c.reserved = false
}

func (st *backendState) enqueueLocked() *waiter {
	w := &waiter{ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	st.pending++
	return w
}

func (st *backendState) dequeueLocked(w *waiter) bool {
	for i, q := range st.waiters {
		if q == w {
			copy(st.waiters[i:], st.waiters[i+1:])
			st.waiters[len(st.waiters)-1] = nil
			st.waiters = st.waiters[:len(st.waiters)-1]
			return true
		}
	}
	return false
}

// signalLocked hands the just-recycled spare c to the oldest waiter, if any.
func (st *backendState) signalLocked(c *Conn) bool {
	if len(st.waiters) == 0 {
		return false
	}
	w := st.waiters[0]
	st.waiters[0] = nil
	st.waiters = st.waiters[1:]

	c.reserved = true
	st.resume++
	w.id = c.id
	w.signaled = true
	close(w.ready)
	return true
}

// closeLocked marks the backend closed, releases every waiter and returns
// the connections it was tracking.
func (st *backendState) closeLocked() []*Conn {
	st.closed = true
	for _, w := range st.waiters {
		w.closed = true
		close(w.ready)
	}
	st.waiters = nil

	conns := make([]*Conn, 0, len(st.spare)+len(st.busy))
	for _, c := range st.spare {
		delete(st.lastUsed, c.id)
		conns = append(conns, c)
	}
	st.spare = nil
	for _, c := range st.busy {
		conns = append(conns, c)
	}
	return conns
}
