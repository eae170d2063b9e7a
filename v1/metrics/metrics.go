package metrics

import "github.com/prometheus/client_golang/prometheus"

// Operation results used as the "result" label of LockOps.
const (
	ResultOK    = "ok"
	ResultBusy  = "busy"
	ResultError = "error"
)

var (
	// LockOps counts lock operations by operation name and result.
	LockOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teleo_lock_operations_total",
		Help: "Total number of lock operations",
	}, []string{"op", "result"})
	// OpenLocks reports the number of constructed and not yet destroyed locks.
	OpenLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teleo_locks_open",
		Help: "Current number of open locks",
	})
	// AcquireWait tracks how long Acquire blocked before obtaining a lock.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleo_lock_wait_seconds",
		Help:    "Time spent blocked in Acquire",
		Buckets: []float64{.00001, .0001, .001, .005, .01, .05, .1, .5, 1, 5},
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the lock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockOps, OpenLocks, AcquireWait)
}
