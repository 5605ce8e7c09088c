// Package metrics wraps the Prometheus collectors exported by the search
// service. Every method is safe to call on a nil *Collector so components can
// run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pncp_search"

// Collector owns a private registry and the service's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	registryPages    *prometheus.CounterVec
	registryRetries  *prometheus.CounterVec
	pageCeilingHits  prometheus.Counter
	malformedRecords prometheus.Counter
	stageRejections  *prometheus.CounterVec
	quotaOutcomes    *prometheus.CounterVec
	planSources      *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
}

// New creates a Collector with its own Prometheus registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		registryPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_page_requests_total",
			Help:      "Registry page requests by outcome (ok, transient, fatal).",
		}, []string{"outcome"}),
		registryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_page_retries_total",
			Help:      "Registry page retries by jurisdiction.",
		}, []string{"jurisdiction"}),
		pageCeilingHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_page_ceiling_hits_total",
			Help:      "Pagination sequences stopped by the max_pages ceiling.",
		}),
		malformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_malformed_records_total",
			Help:      "Registry records dropped during normalisation.",
		}),
		stageRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_rejections_total",
			Help:      "Bids rejected per filter stage.",
		}, []string{"stage"}),
		quotaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Quota check-and-increment outcomes (allowed, exceeded, degraded).",
		}, []string{"outcome"}),
		planSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_resolutions_total",
			Help:      "Plan resolutions by the layer that produced them.",
		}, []string{"source"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "End-to-end search duration by terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.registryPages,
		c.registryRetries,
		c.pageCeilingHits,
		c.malformedRecords,
		c.stageRejections,
		c.quotaOutcomes,
		c.planSources,
		c.searchDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObservePage(outcome string) {
	if c == nil {
		return
	}
	c.registryPages.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveRetry(jurisdiction string) {
	if c == nil {
		return
	}
	c.registryRetries.WithLabelValues(jurisdiction).Inc()
}

func (c *Collector) ObservePageCeiling() {
	if c == nil {
		return
	}
	c.pageCeilingHits.Inc()
}

func (c *Collector) ObserveMalformed() {
	if c == nil {
		return
	}
	c.malformedRecords.Inc()
}

// ObserveStageRejections adds one search's per-stage rejection counts.
func (c *Collector) ObserveStageRejections(rejected map[string]int) {
	if c == nil {
		return
	}
	for stage, n := range rejected {
		c.stageRejections.WithLabelValues(stage).Add(float64(n))
	}
}

func (c *Collector) ObserveQuota(outcome string) {
	if c == nil {
		return
	}
	c.quotaOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObservePlanSource(source string) {
	if c == nil {
		return
	}
	c.planSources.WithLabelValues(source).Inc()
}

func (c *Collector) ObserveSearch(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.searchDuration.WithLabelValues(state).Observe(d.Seconds())
}
