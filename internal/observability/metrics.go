package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"cell", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cellmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cell", "method", "path", "status"},
	)
	contractViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "delta",
			Name:      "contract_violations_total",
			Help:      "Change records skipped because sender and receiver disagree on schema or state.",
		},
		[]string{"component"},
	)
	witnessFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "witness",
			Name:      "flushed_records_total",
			Help:      "Change records handed to witness channels.",
		},
		[]string{"cell"},
	)
	witnessFlushBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "witness",
			Name:      "flushed_bytes_total",
			Help:      "Payload bytes handed to witness channels.",
		},
		[]string{"cell"},
	)
	witnessDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "witness",
			Name:      "dropped_records_total",
			Help:      "Pending change records discarded with an explicit drop event.",
		},
		[]string{"cell", "reason"},
	)
	witnessSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "witness",
			Name:      "suppressed_records_total",
			Help:      "Change records not queued because the witness was out of range.",
		},
		[]string{"cell"},
	)
	ghostUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "ghost",
			Name:      "updates_total",
			Help:      "Incoming ghost updates by outcome.",
		},
		[]string{"cell", "outcome"},
	)
	ghostTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "ghost",
			Name:      "authority_transitions_total",
			Help:      "Authority state changes of entity records.",
		},
		[]string{"cell", "from", "to"},
	)
	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cellmesh",
			Subsystem: "cell",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent inside one cell tick.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"cell"},
	)
	backupsDue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellmesh",
			Subsystem: "cell",
			Name:      "backups_due_total",
			Help:      "Backup-due signals emitted for REAL entities.",
		},
		[]string{"cell"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			contractViolations,
			witnessFlushes, witnessFlushBytes, witnessDrops, witnessSuppressed,
			ghostUpdates, ghostTransitions,
			tickDuration, backupsDue,
		)
	})
}

func RecordHTTPRequest(cell, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(cell, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(cell, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordContractViolation(component string) {
	RegisterMetrics()
	contractViolations.WithLabelValues(component).Inc()
}

func RecordWitnessFlush(cell string, records, bytes int) {
	RegisterMetrics()
	witnessFlushes.WithLabelValues(cell).Add(float64(records))
	witnessFlushBytes.WithLabelValues(cell).Add(float64(bytes))
}

func RecordWitnessDrop(cell, reason string, records int) {
	RegisterMetrics()
	witnessDrops.WithLabelValues(cell, reason).Add(float64(records))
}

func RecordWitnessSuppressed(cell string) {
	RegisterMetrics()
	witnessSuppressed.WithLabelValues(cell).Inc()
}

func RecordGhostUpdate(cell, outcome string) {
	RegisterMetrics()
	ghostUpdates.WithLabelValues(cell, outcome).Inc()
}

func RecordAuthorityTransition(cell, from, to string) {
	RegisterMetrics()
	ghostTransitions.WithLabelValues(cell, from, to).Inc()
}

func RecordTick(cell string, duration time.Duration) {
	RegisterMetrics()
	tickDuration.WithLabelValues(cell).Observe(duration.Seconds())
}

func RecordBackupsDue(cell string, n int) {
	RegisterMetrics()
	backupsDue.WithLabelValues(cell).Add(float64(n))
}
