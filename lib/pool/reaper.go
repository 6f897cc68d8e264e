package pool

import "time"

func (m *Manager) reapLoop() {
	defer close(m.reapDone)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopReap:
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Reap sweeps every backend's spare list once. Spares whose transport has
// gone away are dropped. While a backend holds more than MaxSpareConns
// unreserved spares, the oldest ones idle for at least MaxSpareIdle are
// closed. Spares reserved for a parked fetch are never touched. Reap
// returns how many connections it removed.
func (m *Manager) Reap() int {
	if !m.initialized.Load() {
		return 0
	}

	removed := 0
	for _, name := range m.names {
		removed += m.reapBackend(m.backends[name])
	}
	return removed
}

func (m *Manager) reapBackend(st *backendState) int {
	now := m.now()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return 0
	}

	var dead, idle []*Conn
	kept := st.spare[:0]
	for _, c := range st.spare {
		if !c.reserved && !c.transport.IsConnected() {
			st.forgetLocked(c)
			dead = append(dead, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(st.spare); i++ {
		st.spare[i] = nil
	}
	st.spare = kept

	excess := len(st.spare) - st.resume - st.cfg.MaxSpareConns
	if excess > 0 {
		// Oldest spares sit at the bottom of the stack.
		kept = st.spare[:0]
		for _, c := range st.spare {
			if excess > 0 && !c.reserved && now.Sub(c.idleSince) >= st.cfg.MaxSpareIdle {
				st.forgetLocked(c)
				idle = append(idle, c)
				excess--
				continue
			}
			kept = append(kept, c)
		}
		for i := len(kept); i < len(st.spare); i++ {
			st.spare[i] = nil
		}
		st.spare = kept
	}
	st.counters.Discarded += uint64(len(dead))
	st.counters.Evicted += uint64(len(idle))
	st.mu.Unlock()

	for _, c := range dead {
		m.discard(st, c)
	}
	for _, c := range idle {
		m.discard(st, c)
	}
	if n := len(dead) + len(idle); n > 0 {
		DiscardedTotal.With(st.name).Add(uint64(len(dead)))
		EvictedTotal.With(st.name).Add(uint64(len(idle)))
		log.WithField("backend", st.name).
			WithField("dead", len(dead)).
			WithField("idle", len(idle)).
			Debug("reaped spare connections")
		return n
	}
	return 0
}
