package forecast

import (
	"math"
	"testing"

	"github.com/sk-tech/sysmonitor/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/forecast.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewStore(db)
}

func TestPredictInsufficientData(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.WriteBatch("h1", 1700000000, []storage.Sample{
		{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 1},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := Predict(store, "h1", "cpu.total_usage", 1700000000, 24, 1)
	if err != ErrInsufficientData {
		t.Fatalf("got %v, want ErrInsufficientData", err)
	}
}

func TestPredictLinearTrend(t *testing.T) {
	store := newStore(t)
	base := int64(1700000000)
	var samples []storage.Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, storage.Sample{
			Timestamp:  base + int64(i*60),
			MetricType: "cpu.total_usage",
			Value:      float64(i), // perfectly linear, slope 1 per sample
		})
	}
	if _, _, err := store.WriteBatch("h1", base+20*60, samples); err != nil {
		t.Fatal(err)
	}

	result, err := Predict(store, "h1", "cpu.total_usage", base+20*60, 24, 1)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if result.IntervalSec != 60 {
		t.Fatalf("interval = %d, want 60", result.IntervalSec)
	}
	if len(result.Predictions) == 0 {
		t.Fatal("expected at least one prediction for a 1h horizon at 60s interval")
	}
	// slope should be ~1/60 value-per-second since value increases by 1 every 60s.
	if math.Abs(result.Slope-1.0/60) > 1e-6 {
		t.Fatalf("slope = %v, want ~%v", result.Slope, 1.0/60)
	}
}

func TestLeastSquaresConstantSeries(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	ys := []float64{5, 5, 5, 5}
	slope, intercept := leastSquares(xs, ys)
	if slope != 0 {
		t.Fatalf("slope = %v, want 0 for a constant series", slope)
	}
	if intercept != 5 {
		t.Fatalf("intercept = %v, want 5", intercept)
	}
}
