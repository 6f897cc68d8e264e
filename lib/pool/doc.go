// Package pool manages per-backend pools of MySQL connections for the proxy.
//
// A Manager holds a registry of named backends, each with its own spare
// list, busy set and admission counters. Sessions check connections out with
// Fetch and return them with Recycle.
//
// # Admission
//
// Fetch serves a request in this order:
//
//  1. Pop the most recently recycled spare that is not reserved. A spare
//     that has gone away is replaced by a fresh connect in the same slot.
//  2. Open a new connection when busy+spare+pending+initializing is below
//     MaxConns.
//  3. Otherwise park in a FIFO queue. The next Recycle that keeps its
//     connection hands exactly that connection to the oldest parked fetch.
//     A parked fetch gives up after the backend's connect timeout with an
//     AdmissionTimeoutError.
//
// # Spare policy
//
// Recycle keeps a connection unless it is disconnected, or the spare list
// (counting connects in flight) is already at MaxSpareConns and the
// connection was checked out at least MaxSpareIdle ago. An optional reaper
// (WithReapInterval) trims spares that have gone away or that exceed
// MaxSpareConns.
//
// # Basic Usage
//
//	m := pool.New()
//	err := m.Init(map[string]pool.BackendConfig{
//	    "primary/orders": {
//	        MaxSpareConns: 4,
//	        MaxConns:      16,
//	        MaxSpareIdle:  30 * time.Second,
//	        Connect: pool.ConnectConfig{Host: "10.0.0.5", Port: 3306, User: "proxy"},
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
//	c, err := m.Fetch(ctx, "primary/orders", session)
//	if err != nil {
//	    return err
//	}
//	defer m.Recycle(c)
//
// # Metrics
//
// Per-backend metrics are registered with the metrics package under the
// sqlproxy_pool_ prefix and labelled by backend. Gauges are refreshed by
// UpdateMetrics.
package pool
