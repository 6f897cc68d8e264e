package resilience

import (
	"github.com/go-i2p/sqlproxy/lib/metrics"
)

// Connect circuit breaker metrics, one series per backend.
var (
	// BreakerState tracks the current state of each backend's breaker.
	// 0 = closed, 1 = open, 2 = half-open
	BreakerState = metrics.NewGaugeVec(
		"sqlproxy_connect_breaker_state",
		"Current state of the connect circuit breaker (0=closed, 1=open, 2=half-open)",
		"backend",
	)

	// BreakerTrips counts the number of times a backend's circuit opened.
	BreakerTrips = metrics.NewCounterVec(
		"sqlproxy_connect_breaker_trips_total",
		"Total number of times the connect circuit breaker opened",
		"backend",
	)

	// BreakerRejections counts connects rejected by an open circuit.
	BreakerRejections = metrics.NewCounterVec(
		"sqlproxy_connect_breaker_rejections_total",
		"Total connect attempts rejected by an open circuit breaker",
		"backend",
	)
)
