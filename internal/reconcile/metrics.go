package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileCancellations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "cancellations_total",
		Help:      "Total cancellation attempts by outcome.",
	}, []string{"outcome"}) // "refunded", "no_escrow", "timelock", "escalated"

	reconcileInterventions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "manual_interventions_total",
		Help:      "Total cases escalated to manual intervention.",
	})

	sweepStuckFound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "stuck_escrows",
		Help:      "Number of unsettled locks found in the last sweep.",
	})

	sweepAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "adopted_locks_total",
		Help:      "Total chain-confirmed locks whose ledger side was completed by the sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of stuck-escrow sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peermarket",
		Subsystem: "reconcile",
		Name:      "sweep_errors_total",
		Help:      "Total sweep step errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileCancellations,
		reconcileInterventions,
		sweepStuckFound,
		sweepAdopted,
		sweepDuration,
		sweepErrors,
	)
}
