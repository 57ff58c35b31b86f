// Package metrics collects the Prometheus counters and histograms
// exported across the appliance-automation stack: session logins, cache
// hit ratio, and fan-out/sync outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/orchestrator"
	"github.com/sahilghewari/prosbc-core/internal/session"
)

// Metrics holds every collector registered by the process. Construct one
// with New and wire its session hook methods into session.Options.Metrics;
// fan-out and sync outcomes are recorded by calling ObserveFanout and
// ObserveSync with the orchestrator's results.
type Metrics struct {
	loginAttempts *prometheus.CounterVec
	loginFailures *prometheus.CounterVec
	probeSkipped  *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	fanoutOutcomes  *prometheus.CounterVec
	fanoutDuration  *prometheus.HistogramVec
	syncDuration    *prometheus.HistogramVec
	syncFilesTotal  *prometheus.CounterVec
	removalsApplied prometheus.Counter
}

// New registers every collector against reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry, or a fresh prometheus.NewRegistry() to
// isolate a test's collectors from other tests registering the same
// metric names.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_login_attempts_total",
			Help: "Total number of login attempts per appliance.",
		}, []string{"appliance_id"}),
		loginFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_login_failures_total",
			Help: "Total number of failed login attempts per appliance, by failure kind.",
		}, []string{"appliance_id", "kind"}),
		probeSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_session_probe_skipped_total",
			Help: "Total number of session validity probes skipped because the cached session was validated within the probe interval.",
		}, []string{"appliance_id"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_cache_hits_total",
			Help: "Total number of cache reads that found a value.",
		}, []string{"tier"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_cache_misses_total",
			Help: "Total number of cache reads that found nothing.",
		}, []string{"tier"}),
		fanoutOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_fanout_outcomes_total",
			Help: "Total number of per-appliance fan-out outcomes, by success/failure category.",
		}, []string{"category"}),
		fanoutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prosbc_fanout_duration_seconds",
			Help:    "Duration of a full fan-out operation across all targeted appliances.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prosbc_inventory_sync_duration_seconds",
			Help:    "Duration of a DM inventory sync run for one appliance.",
			Buckets: prometheus.DefBuckets,
		}, []string{"appliance_id"}),
		syncFilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prosbc_inventory_sync_files_total",
			Help: "Total number of DM files processed during inventory sync, by outcome.",
		}, []string{"appliance_id", "outcome"}),
		removalsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "prosbc_pending_removals_applied_total",
			Help: "Total number of scheduled number removals finalized.",
		}),
	}
}

// SessionMetrics adapts these collectors to session.Metrics' function-field
// hooks.
func (m *Metrics) SessionMetrics() *session.Metrics {
	return &session.Metrics{
		LoginAttempts: func(applianceID string) {
			m.loginAttempts.WithLabelValues(applianceID).Inc()
		},
		LoginFailures: func(applianceID string, kind core.Kind) {
			m.loginFailures.WithLabelValues(applianceID, string(kind)).Inc()
		},
		ProbeSkipped: func(applianceID string) {
			m.probeSkipped.WithLabelValues(applianceID).Inc()
		},
	}
}

// CacheHit and CacheMiss record a read against the named cache tier
// ("memory" or "redis").
func (m *Metrics) CacheHit(tier string)  { m.cacheHits.WithLabelValues(tier).Inc() }
func (m *Metrics) CacheMiss(tier string) { m.cacheMisses.WithLabelValues(tier).Inc() }

// ObserveFanout records one completed fan-out operation's wall-clock
// duration and tallies each per-appliance result by its outcome category.
func (m *Metrics) ObserveFanout(operation string, seconds float64, results []orchestrator.FanoutResult) {
	m.fanoutDuration.WithLabelValues(operation).Observe(seconds)
	for _, r := range results {
		category := r.Category
		if r.Success {
			category = "success"
		} else if category == "" {
			category = "unknown"
		}
		m.fanoutOutcomes.WithLabelValues(category).Inc()
	}
}

// ObserveSync records one appliance's inventory sync run.
func (m *Metrics) ObserveSync(applianceID string, seconds float64, results []orchestrator.SyncResult, syncErrors []orchestrator.SyncError) {
	m.syncDuration.WithLabelValues(applianceID).Observe(seconds)
	m.syncFilesTotal.WithLabelValues(applianceID, "success").Add(float64(len(results)))
	m.syncFilesTotal.WithLabelValues(applianceID, "error").Add(float64(len(syncErrors)))
}

// RemovalApplied records one finalized scheduled removal.
func (m *Metrics) RemovalApplied() { m.removalsApplied.Inc() }
