package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. One instance is shared
// by all components and registered once at startup.
type Metrics struct {
	Selections            *prometheus.CounterVec
	DifficultyAdjustments *prometheus.CounterVec
	Feedback              *prometheus.CounterVec
	QualityOverallScore   prometheus.Histogram
	ActiveSessions        prometheus.Gauge
	SessionsSwept         prometheus.Counter
}

// Selection outcomes
const (
	OutcomeSelected   = "selected"
	OutcomeExhausted  = "exhausted"
	OutcomeResetRetry = "reset_retry"
)

// New creates the collectors and registers them on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_selections_total",
			Help: "Template selection attempts by outcome",
		}, []string{"outcome"}),
		DifficultyAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_difficulty_adjustments_total",
			Help: "Automatic difficulty adjustments by classified pattern",
		}, []string{"pattern"}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_feedback_total",
			Help: "Explicit learner feedback signals",
		}, []string{"signal"}),
		QualityOverallScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_quality_overall_score",
			Help:    "Overall quality scores of evaluated questions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_active_sessions",
			Help: "Sessions currently tracked in memory",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_sessions_swept_total",
			Help: "Sessions evicted by the expiry sweep",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Selections,
			m.DifficultyAdjustments,
			m.Feedback,
			m.QualityOverallScore,
			m.ActiveSessions,
			m.SessionsSwept,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests.
func NewNop() *Metrics {
	return New(nil)
}
