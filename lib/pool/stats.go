package pool

// Stats is a point-in-time snapshot of one backend.
type Stats struct {
	Backend       string `json:"backend"`
	MaxConns      int    `json:"max_conns"`
	MaxSpareConns int    `json:"max_spare_conns"`
	Spare         int    `json:"spare"`
	Busy          int    `json:"busy"`
	Pending       int    `json:"pending"`
	Resume        int    `json:"resume"`
	Initializing  int    `json:"initializing"`
	// Breaker is the connect breaker state, empty when disabled.
	Breaker string `json:"breaker,omitempty"`
	Counters
}

// Live is the number of connections open or being opened.
func (s Stats) Live() int {
	return s.Busy + s.Spare + s.Initializing
}

// Stats returns a snapshot of the named backend.
func (m *Manager) Stats(name string) (Stats, error) {
	st, err := m.lookup(name)
	if err != nil {
		return Stats{}, err
	}
	return st.stats(), nil
}

// AllStats returns a snapshot of every backend, sorted by name.
func (m *Manager) AllStats() []Stats {
	if !m.initialized.Load() {
		return nil
	}
	out := make([]Stats, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.backends[name].stats())
	}
	return out
}

func (st *backendState) stats() Stats {
	st.mu.Lock()
	s := Stats{
		Backend:       st.name,
		MaxConns:      st.cfg.MaxConns,
		MaxSpareConns: st.cfg.MaxSpareConns,
		Spare:         len(st.spare),
		Busy:          len(st.busy),
		Pending:       st.pending,
		Resume:        st.resume,
		Initializing:  st.initializing,
		Counters:      st.counters,
	}
	st.mu.Unlock()

	if st.breaker != nil {
		s.Breaker = st.breaker.State().String()
	}
	return s
}
