package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/orchestrator"
)

func TestSessionMetricsHooksIncrementCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	sm := m.SessionMetrics()

	sm.LoginAttempts("sbc-1")
	sm.LoginAttempts("sbc-1")
	sm.LoginFailures("sbc-1", core.KindAuthFailed)
	sm.ProbeSkipped("sbc-1")

	if got := testutil.ToFloat64(m.loginAttempts.WithLabelValues("sbc-1")); got != 2 {
		t.Fatalf("loginAttempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.loginFailures.WithLabelValues("sbc-1", "auth_failed")); got != 1 {
		t.Fatalf("loginFailures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.probeSkipped.WithLabelValues("sbc-1")); got != 1 {
		t.Fatalf("probeSkipped = %v, want 1", got)
	}
}

func TestCacheHitMissCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheHit("memory")
	m.CacheHit("memory")
	m.CacheMiss("redis")

	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("memory")); got != 2 {
		t.Fatalf("cacheHits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheMisses.WithLabelValues("redis")); got != 1 {
		t.Fatalf("cacheMisses = %v, want 1", got)
	}
}

func TestObserveFanoutTalliesOutcomeCategories(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveFanout("update_on_all", 0.5, []orchestrator.FanoutResult{
		{ApplianceID: "sbc-1", Success: true},
		{ApplianceID: "sbc-2", Success: false, Category: "authentication"},
		{ApplianceID: "sbc-3", Success: false, Category: ""},
	})

	if got := testutil.ToFloat64(m.fanoutOutcomes.WithLabelValues("success")); got != 1 {
		t.Fatalf("success outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.fanoutOutcomes.WithLabelValues("authentication")); got != 1 {
		t.Fatalf("authentication outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.fanoutOutcomes.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unknown outcomes = %v, want 1", got)
	}
}

func TestObserveSyncCountsSuccessesAndErrors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSync("sbc-1", 1.2,
		[]orchestrator.SyncResult{{Name: "acme.csv", Count: 3}},
		[]orchestrator.SyncError{{Name: "bad.csv", Message: "export failed"}})

	if got := testutil.ToFloat64(m.syncFilesTotal.WithLabelValues("sbc-1", "success")); got != 1 {
		t.Fatalf("sync success total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.syncFilesTotal.WithLabelValues("sbc-1", "error")); got != 1 {
		t.Fatalf("sync error total = %v, want 1", got)
	}
}

func TestRemovalAppliedIncrements(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RemovalApplied()
	m.RemovalApplied()
	if got := testutil.ToFloat64(m.removalsApplied); got != 2 {
		t.Fatalf("removalsApplied = %v, want 2", got)
	}
}
