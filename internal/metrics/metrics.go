package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verification batch counters and histograms, partitioned by currency.

var (
	// Batch runner
	BatchRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "batch_runs_total",
		Help:      "Total verification batch runs",
	})

	BatchRunErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "batch_run_errors_total",
		Help:      "Total batch runs aborted by infrastructure failures",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "batch_duration_seconds",
		Help:      "Verification batch processing duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	RecordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "records_processed_total",
		Help:      "Total verification records processed, by outcome",
	}, []string{"currency", "outcome"})

	LookupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "lookup_failures_total",
		Help:      "Total failed explorer lookups, by retry class",
	}, []string{"currency", "class"})

	CreditsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "credits_applied_total",
		Help:      "Total ledger credits applied",
	}, []string{"currency"})

	LedgerWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "ledger_write_failures_total",
		Help:      "Total failed ledger credit attempts after confirmation",
	}, []string{"currency"})

	RetriesExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "verify",
		Name:      "retries_exhausted_total",
		Help:      "Total records that hit the retry ceiling and now need manual review",
	}, []string{"currency"})

	// Explorer clients
	ExplorerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "explorer",
		Name:      "calls_total",
		Help:      "Total explorer API calls, by operation and status class",
	}, []string{"currency", "operation", "status"})

	ExplorerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "depositd",
		Subsystem: "explorer",
		Name:      "call_duration_seconds",
		Help:      "Explorer API call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"currency", "operation"})

	ExplorerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "explorer",
		Name:      "rate_limit_waits_total",
		Help:      "Total explorer calls delayed by the local rate limiter",
	}, []string{"currency"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "depositd",
		Subsystem: "db",
		Name:      "pool_open_connections",
		Help:      "Open connections in the database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "depositd",
		Subsystem: "db",
		Name:      "pool_in_use_connections",
		Help:      "Connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "depositd",
		Subsystem: "db",
		Name:      "pool_idle_connections",
		Help:      "Idle connections in the database pool",
	})
)
