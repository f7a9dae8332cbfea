package daemon

import (
	"net/http"

	"github.com/theirongolddev/burnline/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives on its own registry so several services can coexist in one
// process (tests, embedded use).
type metrics struct {
	registry *prometheus.Registry

	cost          *prometheus.GaugeVec
	sessions      *prometheus.GaugeVec
	lines         *prometheus.GaugeVec
	confidence    *prometheus.GaugeVec
	learnedMax    *prometheus.GaugeVec
	pollErrors    prometheus.Counter
	syncErrors    prometheus.Counter
	syncConflicts prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		cost: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "burnline_cost_usd",
				Help: "Accumulated cost in USD by period",
			},
			[]string{"period"},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "burnline_sessions",
				Help: "Distinct sessions by period",
			},
			[]string{"period"},
		),
		lines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "burnline_lines_total",
				Help: "Lifetime lines changed by direction",
			},
			[]string{"direction"},
		),
		confidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "burnline_learned_confidence",
				Help: "Confidence of the learned context window per model",
			},
			[]string{"model"},
		),
		learnedMax: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "burnline_learned_observed_max_tokens",
				Help: "Largest context observed per model",
			},
			[]string{"model"},
		),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burnline_poll_errors_total",
			Help: "Failed diagnostics polls",
		}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burnline_sync_errors_total",
			Help: "Failed scheduled sync rounds",
		}),
		syncConflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "burnline_sync_conflicts",
			Help: "Sync conflicts resolved so far",
		}),
	}
	m.registry.MustRegister(
		m.cost,
		m.sessions,
		m.lines,
		m.confidence,
		m.learnedMax,
		m.pollErrors,
		m.syncErrors,
		m.syncConflicts,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observe(s Snapshot) {
	m.cost.WithLabelValues("today").Set(s.TodayCostUSD)
	m.cost.WithLabelValues("month").Set(s.MonthCostUSD)
	m.cost.WithLabelValues("lifetime").Set(s.LifetimeCostUSD)
	m.sessions.WithLabelValues("today").Set(float64(s.TodaySessions))
	m.sessions.WithLabelValues("lifetime").Set(float64(s.Sessions))
	m.lines.WithLabelValues("added").Set(float64(s.LinesAdded))
	m.lines.WithLabelValues("removed").Set(float64(s.LinesRemoved))
}

func (m *metrics) observeLearned(windows []model.LearnedContextWindow) {
	m.confidence.Reset()
	m.learnedMax.Reset()
	for _, w := range windows {
		m.confidence.WithLabelValues(w.ModelName).Set(w.ConfidenceScore)
		m.learnedMax.WithLabelValues(w.ModelName).Set(float64(w.ObservedMaxTokens))
	}
}
