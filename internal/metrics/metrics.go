// Package metrics holds the Prometheus collectors for the paste service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	PastesCreated   prometheus.Counter
	PastesRead      *prometheus.CounterVec
	PastesDeleted   *prometheus.CounterVec
	IDConflicts     prometheus.Counter
	SweepCycles     prometheus.Counter
	Swept           prometheus.Counter
	SweepErrors     prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	RateLimitHits   *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PastesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "pastebin_pastes_created_total",
			Help: "no. of pastes created",
		}),
		PastesRead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastebin_pastes_read_total",
			Help: "no. of paste reads by result",
		}, []string{"result"}),
		PastesDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastebin_pastes_deleted_total",
			Help: "no. of paste deletions by result",
		}, []string{"result"}),
		IDConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "pastebin_id_conflicts_total",
			Help: "no. of generated ids that were already taken",
		}),
		SweepCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "pastebin_sweep_cycles_total",
			Help: "no. of reclamation sweep cycles",
		}),
		Swept: f.NewCounter(prometheus.CounterOpts{
			Name: "pastebin_swept_total",
			Help: "no. of expired pastes removed by the sweeper",
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pastebin_sweep_errors_total",
			Help: "no. of errors hit during sweeps",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		}, []string{"method"}),
	}
}

// Read result labels.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultError   = "error"
	ResultRemoved = "removed"
	ResultAbsent  = "absent"
)

func (m *Metrics) Created() {
	if m != nil {
		m.PastesCreated.Inc()
	}
}

func (m *Metrics) Read(result string) {
	if m != nil {
		m.PastesRead.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Deleted(result string) {
	if m != nil {
		m.PastesDeleted.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.IDConflicts.Inc()
	}
}

// SweepDone records one finished cycle.
func (m *Metrics) SweepDone(removed, errs int) {
	if m == nil {
		return
	}
	m.SweepCycles.Inc()
	m.Swept.Add(float64(removed))
	m.SweepErrors.Add(float64(errs))
}

func (m *Metrics) Observe(method, route, status string, seconds float64) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	}
}

func (m *Metrics) RateLimited(method string) {
	if m != nil {
		m.RateLimitHits.WithLabelValues(method).Inc()
	}
}
