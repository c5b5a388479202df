package storage

import (
	"math"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteBatchMarksHostActive(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	registry := NewHostRegistry(db)

	now := int64(1700000000)
	success, failed, err := store.WriteBatch("web-01", now, []Sample{
		{Timestamp: now, MetricType: "cpu.total_usage", Value: 42.5},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if success != 1 || failed != 0 {
		t.Fatalf("got success=%d failed=%d, want 1,0", success, failed)
	}

	host, found, err := registry.Get("web-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected host to be registered by write-batch side effect")
	}
	if host.LastSeen < now || host.Status != StatusActive {
		t.Fatalf("host not atomically marked active: %+v", host)
	}
}

func TestLatestForMetricIgnoresHostAndPicksNewestTimestamp(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	if _, _, err := store.WriteBatch("web-01", 1700000000, []Sample{
		{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 10.0},
	}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if _, _, err := store.WriteBatch("web-02", 1700000100, []Sample{
		{Timestamp: 1700000100, MetricType: "cpu.total_usage", Value: 20.0},
	}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	sm, found, err := store.LatestForMetric("cpu.total_usage")
	if err != nil {
		t.Fatalf("LatestForMetric: %v", err)
	}
	if !found || sm.Value != 20.0 || sm.Host != "web-02" {
		t.Fatalf("got %+v, want the newest sample across all hosts", sm)
	}

	if _, found, err := store.LatestForMetric("memory.used_bytes"); err != nil || found {
		t.Fatalf("expected found=false for a metric with no data, got found=%v err=%v", found, err)
	}
}

func TestWriteBatchRejectsNonFiniteValues(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	success, failed, err := store.WriteBatch("web-01", 1700000000, []Sample{
		{Timestamp: 1, MetricType: "cpu.total_usage", Value: math.NaN()},
		{Timestamp: 2, MetricType: "cpu.total_usage", Value: math.Inf(1)},
		{Timestamp: 3, MetricType: "cpu.total_usage", Value: 50.0},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if success != 1 || failed != 2 {
		t.Fatalf("got success=%d failed=%d, want 1,2", success, failed)
	}
}

func TestUpsertReplacesOnDuplicateKey(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	key := Sample{Timestamp: 1700000000, MetricType: "cpu.total_usage", Tags: "", Value: 10.0}
	if _, _, err := store.WriteBatch("web-01", key.Timestamp, []Sample{key}); err != nil {
		t.Fatal(err)
	}
	key.Value = 20.0
	if _, _, err := store.WriteBatch("web-01", key.Timestamp, []Sample{key}); err != nil {
		t.Fatal(err)
	}

	rows, err := store.Range(Query{Host: "web-01", MetricType: "cpu.total_usage"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want exactly 1 (upsert)", len(rows))
	}
	if rows[0].Value != 20.0 {
		t.Fatalf("got value %v, want 20.0 (last writer wins)", rows[0].Value)
	}
}

func TestRangeQueryEmptyWhenStartAfterEnd(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	if _, _, err := store.WriteBatch("web-01", 1700000000, []Sample{
		{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 1},
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := store.Range(Query{Host: "web-01", Start: 200, End: 100})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0 for start>end", len(rows))
	}
}

func TestListHostsRespectsLivenessCutoff(t *testing.T) {
	db := newTestDB(t)
	registry := NewHostRegistry(db)

	if _, err := registry.Register("h1", 1000, "", "", nil); err != nil {
		t.Fatal(err)
	}

	hosts, err := registry.List(1250, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 {
		t.Fatalf("at now=1250 (within 300s) expected 1 active host, got %d", len(hosts))
	}

	hosts, err = registry.List(1301, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 0 {
		t.Fatalf("at now=1301 (past 300s) expected 0 active hosts, got %d", len(hosts))
	}

	hosts, err = registry.List(1301, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 {
		t.Fatalf("include_inactive=true should still return the host, got %d", len(hosts))
	}
}

func TestRegisterHeartbeatMarkInactiveRegisterEndsActive(t *testing.T) {
	db := newTestDB(t)
	registry := NewHostRegistry(db)

	if _, err := registry.Register("h1", 1000, "v1", "linux", nil); err != nil {
		t.Fatal(err)
	}
	if err := registry.Heartbeat("h1", 1100); err != nil {
		t.Fatal(err)
	}
	if err := registry.MarkInactive("h1"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Register("h1", 1200, "v1", "linux", nil); err != nil {
		t.Fatal(err)
	}

	host, found, err := registry.Get("h1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if host.Status != StatusActive {
		t.Fatalf("got status %v, want active", host.Status)
	}
	if host.FirstSeen != 1000 {
		t.Fatalf("first_seen should be preserved across re-register, got %d", host.FirstSeen)
	}
}

func TestBaselineConstantSequence(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	baselines := NewBaselineStore(db, store)

	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{Timestamp: int64(1700000000 + i), MetricType: "cpu.total_usage", Value: 50.0})
	}
	if _, _, err := store.WriteBatch("h1", 1700000020, samples); err != nil {
		t.Fatal(err)
	}

	baseline, err := baselines.Learn("h1", "cpu.total_usage", 1700000020, 24)
	if err != nil {
		t.Fatal(err)
	}
	if baseline.Mean != 50.0 {
		t.Fatalf("mean = %v, want 50.0", baseline.Mean)
	}
	if baseline.StdDev != 0 {
		t.Fatalf("stddev = %v, want 0", baseline.StdDev)
	}
	if anomalous, _ := baseline.IsAnomalous(50.0, 3.0); anomalous {
		t.Fatal("constant value should never be anomalous")
	}
}

func TestBaselineInsufficientData(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	baselines := NewBaselineStore(db, store)

	if _, _, err := store.WriteBatch("h1", 1700000000, []Sample{
		{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 1},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := baselines.Learn("h1", "cpu.total_usage", 1700000000, 24)
	if err != ErrInsufficientData {
		t.Fatalf("got %v, want ErrInsufficientData", err)
	}
}

func TestThresholdInvariant(t *testing.T) {
	b := Baseline{Mean: 30, StdDev: 2}
	lower, upper := b.Threshold(3.0)
	if lower > b.Mean || b.Mean > upper {
		t.Fatalf("threshold does not bracket mean: lower=%v mean=%v upper=%v", lower, b.Mean, upper)
	}
	if math.Abs((upper-lower)-2*3.0*2) > 1e-9 {
		t.Fatalf("upper-lower = %v, want 2*sigma*stddev = %v", upper-lower, 2*3.0*2)
	}
}

func TestRetentionZeroDeletesAllRawKeepsHosts(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	registry := NewHostRegistry(db)

	if _, _, err := store.WriteBatch("h1", 1700000000, []Sample{
		{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 1},
	}); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.Retention(1700000001, 0)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted=%d, want 1", deleted)
	}

	rows, err := store.Range(Query{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected raw samples gone, got %d", len(rows))
	}

	if _, found, err := registry.Get("h1"); err != nil || !found {
		t.Fatalf("host registry entry should survive retention: found=%v err=%v", found, err)
	}
}
