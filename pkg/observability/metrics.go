package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results recorded by the resolver.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupNotFound = "not_found"
)

// Metrics holds the collectors shared by the engine components.
type Metrics struct {
	registry          *prometheus.Registry
	resolverLookups   *prometheus.CounterVec
	reviewAttempts    *prometheus.CounterVec
	triageOutcomes    *prometheus.CounterVec
	versionsPublished *prometheus.CounterVec
	episodesRecorded  *prometheus.CounterVec
	compileDuration   prometheus.Histogram
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolverLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptforge_resolver_lookups_total",
				Help: "Script lookups by result (hit, miss, not_found)",
			},
			[]string{"result"},
		),
		reviewAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptforge_review_attempts_total",
				Help: "Draft attempts by outcome",
			},
			[]string{"outcome"},
		),
		triageOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptforge_triage_outcomes_total",
				Help: "Fallback episode triage verdicts",
			},
			[]string{"verdict"},
		),
		versionsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptforge_versions_published_total",
				Help: "Script revisions marked ready, by origin (compile, review)",
			},
			[]string{"origin"},
		),
		episodesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptforge_fallback_episodes_total",
				Help: "Recorded fallback episodes by result",
			},
			[]string{"succeeded"},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scriptforge_compile_duration_seconds",
				Help:    "Duration of run compilation",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	m.registry.MustRegister(
		m.resolverLookups,
		m.reviewAttempts,
		m.triageOutcomes,
		m.versionsPublished,
		m.episodesRecorded,
		m.compileDuration,
	)
	return m
}

// Registry returns the registry to serve, e.g. with promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Lookup counts a resolver lookup.
func (m *Metrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues(result).Inc()
}

// Attempt counts a draft attempt.
func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.reviewAttempts.WithLabelValues(outcome).Inc()
}

// Triage counts a triage verdict.
func (m *Metrics) Triage(verdict string) {
	if m == nil {
		return
	}
	m.triageOutcomes.WithLabelValues(verdict).Inc()
}

// Published counts a revision marked ready.
func (m *Metrics) Published(origin string) {
	if m == nil {
		return
	}
	m.versionsPublished.WithLabelValues(origin).Inc()
}

// Episode counts a recorded fallback episode.
func (m *Metrics) Episode(succeeded bool) {
	if m == nil {
		return
	}
	v := "false"
	if succeeded {
		v = "true"
	}
	m.episodesRecorded.WithLabelValues(v).Inc()
}

// ObserveCompile records how long a compilation took.
func (m *Metrics) ObserveCompile(seconds float64) {
	if m == nil {
		return
	}
	m.compileDuration.Observe(seconds)
}
