package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Total committed driver-order assignments"})
	AssignConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assign_conflicts_total", Help: "Assignment attempts lost to a concurrent commit"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match attempt latency seconds"})
	OrdersCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "orders_created_total", Help: "Total orders created"})
	OrdersCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "orders_completed_total", Help: "Total orders completed"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of registered drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
