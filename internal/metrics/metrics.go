// Package metrics holds the prometheus collectors for probing, racing and
// library paging.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Race outcomes
const (
	OutcomeResolved    = "resolved"
	OutcomeExhausted   = "exhausted"
	OutcomeNoCandidate = "no_candidates"
)

// Collectors groups every collector registered by the client
type Collectors struct {
	Registry *prometheus.Registry

	ProbeDuration *prometheus.HistogramVec
	RaceTotal     *prometheus.CounterVec
	PageLoads     *prometheus.CounterVec
	CachedRows    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		Registry: reg,
		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediahub_probe_duration_seconds",
			Help:    "Latency of connection probes by result",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"result"}),
		RaceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahub_connection_races_total",
			Help: "Connection races by outcome",
		}, []string{"outcome"}),
		PageLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahub_page_loads_total",
			Help: "Library page loads by load type and result",
		}, []string{"load_type", "result"}),
		CachedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahub_cached_rows_total",
			Help: "Rows written to the local cache by server",
		}, []string{"server"}),
	}
}

// ObserveProbe records one probe. Safe on a nil receiver.
func (c *Collectors) ObserveProbe(success bool, latency time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.ProbeDuration.WithLabelValues(result).Observe(latency.Seconds())
}

// ObserveRace records one race outcome. Safe on a nil receiver.
func (c *Collectors) ObserveRace(outcome string) {
	if c == nil {
		return
	}
	c.RaceTotal.WithLabelValues(outcome).Inc()
}

// ObservePageLoad records one page load. Safe on a nil receiver.
func (c *Collectors) ObservePageLoad(loadType, result, serverID string, rows int) {
	if c == nil {
		return
	}
	c.PageLoads.WithLabelValues(loadType, result).Inc()
	if rows > 0 {
		c.CachedRows.WithLabelValues(serverID).Add(float64(rows))
	}
}
