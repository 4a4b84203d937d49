package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics counts gate decisions, issuance, redemptions and
// revocations. A nil *EngineMetrics records nothing.
type EngineMetrics struct {
	GateDecisions    *prometheus.CounterVec
	GateLatency      *prometheus.HistogramVec
	TokensIssued     *prometheus.CounterVec
	Redemptions      *prometheus.CounterVec
	RedeemLatency    prometheus.Histogram
	Revocations      *prometheus.CounterVec
	AuditEvents      *prometheus.CounterVec
	AuditWriteErrors prometheus.Counter
}

// NewEngineMetrics creates and registers engine metrics.
func NewEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Gate decisions by access type, result and reason",
			},
			[]string{"access_type", "result", "reason"},
		),
		GateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "evaluation_duration_seconds",
				Help:      "Gate evaluation duration",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"access_type"},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "issued_total",
				Help:      "Token issuance attempts by result",
			},
			[]string{"result"},
		),
		Redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "redemptions_total",
				Help:      "Redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		RedeemLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "redeem_duration_seconds",
				Help:      "Redemption duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Revocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "revocations_total",
				Help:      "Revocation requests by result",
			},
			[]string{"result"},
		),
		AuditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events written",
			},
			[]string{"event_type", "result"},
		),
		AuditWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "write_errors_total",
				Help:      "Audit events that could not be written",
			},
		),
	}

	GetRegistry().MustRegister(
		m.GateDecisions,
		m.GateLatency,
		m.TokensIssued,
		m.Redemptions,
		m.RedeemLatency,
		m.Revocations,
		m.AuditEvents,
		m.AuditWriteErrors,
	)
	return m
}

// ObserveGate records a gate decision.
func (m *EngineMetrics) ObserveGate(accessType, result, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(accessType, result, reason).Inc()
	m.GateLatency.WithLabelValues(accessType).Observe(d.Seconds())
}

// ObserveIssue records an issuance result, "success" or an error code.
func (m *EngineMetrics) ObserveIssue(result string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(result).Inc()
}

// ObserveRedeem records a redemption outcome.
func (m *EngineMetrics) ObserveRedeem(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
	m.RedeemLatency.Observe(d.Seconds())
}

// ObserveRevoke records a revocation result.
func (m *EngineMetrics) ObserveRevoke(result string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(result).Inc()
}

// ObserveAudit records an audit write.
func (m *EngineMetrics) ObserveAudit(eventType, result string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditWriteErrors.Inc()
		return
	}
	m.AuditEvents.WithLabelValues(eventType, result).Inc()
}
