// Package metrics exposes Prometheus collectors for the transfer workflow
// and the ledger gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "landchain"

type Metrics struct {
	ledgerSubmissions *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	actions           *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	expired           prometheus.Counter
	reaped            prometheus.Counter
	stalled           prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ledgerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Ledger transactions submitted, by contract method and outcome.",
		}, []string{"method", "outcome"}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_submission_duration_seconds",
			Help:      "Time from gas estimation to confirmation.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"method"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_actions_total",
			Help:      "Transfer workflow actions, by action and result kind.",
		}, []string{"action", "result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Completed settlements, by custody outcome.",
		}, []string{"outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_expired_total",
			Help:      "Transfer records moved to expired by the sweep.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_reaped_total",
			Help:      "Terminal transfer records deleted after retention.",
		}),
		stalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlements_stalled",
			Help:      "Signed transfers past their deadline that never settled.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ledgerSubmissions,
		m.ledgerDuration,
		m.actions,
		m.settlements,
		m.expired,
		m.reaped,
		m.stalled,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Submitted records one ledger submission.
func (m *Metrics) Submitted(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerSubmissions.WithLabelValues(method, outcome).Inc()
	m.ledgerDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) Action(action, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Settled(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Expired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) Reaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) Stalled(n int) {
	if m == nil {
		return
	}
	m.stalled.Set(float64(n))
}
