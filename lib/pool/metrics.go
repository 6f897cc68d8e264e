package pool

import "github.com/go-i2p/sqlproxy/lib/metrics"

// Per-backend pool metrics, labelled by backend name.
var (
	// BackendMaxConns is the configured connection ceiling.
	BackendMaxConns = metrics.NewGaugeVec(
		"sqlproxy_pool_max_conns",
		"Configured maximum connections per backend",
		"backend",
	)
	// BackendMaxSpareConns is the configured spare ceiling.
	BackendMaxSpareConns = metrics.NewGaugeVec(
		"sqlproxy_pool_max_spare_conns",
		"Configured maximum spare connections per backend",
		"backend",
	)
	// BackendSpare is the current number of spare connections.
	BackendSpare = metrics.NewGaugeVec(
		"sqlproxy_pool_spare_conns",
		"Current spare connections per backend",
		"backend",
	)
	// BackendBusy is the current number of checked out connections.
	BackendBusy = metrics.NewGaugeVec(
		"sqlproxy_pool_busy_conns",
		"Current checked out connections per backend",
		"backend",
	)
	// BackendPending is the number of fetches parked on a saturated backend.
	BackendPending = metrics.NewGaugeVec(
		"sqlproxy_pool_pending_fetches",
		"Fetches waiting for a recycled connection per backend",
		"backend",
	)
	// BackendInitializing is the number of connects in flight.
	BackendInitializing = metrics.NewGaugeVec(
		"sqlproxy_pool_initializing_conns",
		"Connections being opened per backend",
		"backend",
	)
	// FetchTotal counts fetch calls.
	FetchTotal = metrics.NewCounterVec(
		"sqlproxy_pool_fetch_total",
		"Total fetch calls per backend",
		"backend",
	)
	// FetchFailedTotal counts fetches that returned an error.
	FetchFailedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_fetch_failed_total",
		"Total failed fetch calls per backend",
		"backend",
	)
	// ReusedTotal counts fetches served from the spare list.
	ReusedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_reused_total",
		"Total fetches served by a spare connection",
		"backend",
	)
	// CreatedTotal counts connections opened.
	CreatedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_created_total",
		"Total backend connections opened",
		"backend",
	)
	// ReconnectedTotal counts dead connections replaced.
	ReconnectedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_reconnected_total",
		"Total dead connections replaced",
		"backend",
	)
	// ConnectFailuresTotal counts failed connects.
	ConnectFailuresTotal = metrics.NewCounterVec(
		"sqlproxy_pool_connect_failures_total",
		"Total failed backend connects",
		"backend",
	)
	// AdmissionTimeoutsTotal counts fetches that gave up waiting.
	AdmissionTimeoutsTotal = metrics.NewCounterVec(
		"sqlproxy_pool_admission_timeouts_total",
		"Total fetches that timed out on a saturated backend",
		"backend",
	)
	// RecycledTotal counts recycle calls that were accepted.
	RecycledTotal = metrics.NewCounterVec(
		"sqlproxy_pool_recycled_total",
		"Total connections returned to the pool",
		"backend",
	)
	// EvictedTotal counts spare connections closed for idleness.
	EvictedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_evicted_total",
		"Total connections closed because the spare list was full",
		"backend",
	)
	// DiscardedTotal counts dead connections dropped.
	DiscardedTotal = metrics.NewCounterVec(
		"sqlproxy_pool_discarded_total",
		"Total disconnected connections dropped",
		"backend",
	)
	// FetchLatency tracks time spent in Fetch.
	FetchLatency = metrics.NewHistogram(
		"sqlproxy_pool_fetch_duration_seconds",
		"Time spent fetching a backend connection",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics refreshes the per-backend gauges from stats.
func UpdateMetrics(stats []Stats) {
	for _, s := range stats {
		BackendSpare.With(s.Backend).Set(int64(s.Spare))
		BackendBusy.With(s.Backend).Set(int64(s.Busy))
		BackendPending.With(s.Backend).Set(int64(s.Pending))
		BackendInitializing.With(s.Backend).Set(int64(s.Initializing))
	}
}
