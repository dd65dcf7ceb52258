package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_decisions_total",
		Help: "Total number of security decisions by type, source and reason",
	}, []string{"decision", "source", "reason"})
	signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_signals_total",
		Help: "Total number of security signals consumed by outcome",
	}, []string{"outcome"})
	challengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_challenges_total",
		Help: "Total number of proof-of-work challenges issued and verified by outcome",
	}, []string{"outcome"})
	idempotencyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_idempotency_total",
		Help: "Total number of messages seen by idempotent consumers by outcome",
	}, []string{"consumer", "outcome"})
	storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_store_errors_total",
		Help: "Total number of state store failures by check",
	}, []string{"check"})
	evaluationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_evaluation_duration_seconds",
		Help:    "Latency of security pipeline evaluations",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(decisionsTotal, signalsTotal, challengesTotal, idempotencyTotal, storeErrorsTotal, evaluationSeconds)
}

// IncDecision counts a pipeline decision.
func IncDecision(decision, source, reason string) {
	decisionsTotal.WithLabelValues(decision, source, reason).Inc()
}

// IncSignal counts a consumed signal (escalated, unchanged, duplicate, invalid, failed).
func IncSignal(outcome string) { signalsTotal.WithLabelValues(outcome).Inc() }

// IncChallenge counts challenge issuance and verification outcomes.
func IncChallenge(outcome string) { challengesTotal.WithLabelValues(outcome).Inc() }

// IncIdempotency counts idempotent consumer outcomes (processed, duplicate, no_key, failed).
func IncIdempotency(consumer, outcome string) {
	idempotencyTotal.WithLabelValues(consumer, outcome).Inc()
}

// IncStoreError counts a state store failure observed by a check.
func IncStoreError(check string) { storeErrorsTotal.WithLabelValues(check).Inc() }

// ObserveEvaluation records evaluation latency in seconds.
func ObserveEvaluation(seconds float64) { evaluationSeconds.Observe(seconds) }
