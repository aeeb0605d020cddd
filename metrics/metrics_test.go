package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPagerCacheCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPager(reg, "test")

	p.CacheHit()
	p.CacheHit()
	p.CacheMiss()

	if got := counterValue(t, p.cacheHits); got != 2 {
		t.Fatalf("cacheHits = %v, want 2", got)
	}
	if got := counterValue(t, p.cacheMisses); got != 1 {
		t.Fatalf("cacheMisses = %v, want 1", got)
	}
}

func TestPagerFreelistSanitized(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPager(reg, "test")

	p.FreelistSanitized(3, 2)

	if got := counterValue(t, p.freelistDup); got != 3 {
		t.Fatalf("freelistDup = %v, want 3", got)
	}
	if got := counterValue(t, p.freelistOutOfRange); got != 2 {
		t.Fatalf("freelistOutOfRange = %v, want 2", got)
	}
}

func TestNilRegistryDoesNotPanic(t *testing.T) {
	p := NewPager(nil, "test")
	p.CacheHit()
	p.SetCacheSize(5)

	r := NewRecovery(nil, "test")
	r.Committed(1)
	r.Skipped("RecordBeforeBegin")

	c := NewCheckpoint(nil, "test")
	c.Attempt()
	c.Failure()
}

func TestRecoverySkippedByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecovery(reg, "test")

	r.Skipped("RecordBeforeBegin")
	r.Skipped("RecordBeforeBegin")
	r.Skipped("CommitLsnMismatch")

	var m dto.Metric
	if err := r.skipped.WithLabelValues("RecordBeforeBegin").Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 2 {
		t.Fatalf("RecordBeforeBegin count = %v, want 2", m.GetCounter().GetValue())
	}
}

func TestCheckpointCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCheckpoint(reg, "test")

	c.Attempt()
	c.Attempt()
	c.Failure()

	if got := counterValue(t, c.attempts); got != 2 {
		t.Fatalf("attempts = %v, want 2", got)
	}
	if got := counterValue(t, c.failures); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}
}
