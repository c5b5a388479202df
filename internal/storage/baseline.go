package storage

import (
	"database/sql"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/sk-tech/sysmonitor/internal/apierr"
)

// freshnessWindowSeconds is the "fresh" cutoff from spec.md §3: a baseline
// is fresh iff now - last_updated <= 24h.
const freshnessWindowSeconds = 24 * 3600

// minBaselineSamples is the minimum sample count Learn requires before it
// will compute a baseline (spec.md §4.3).
const minBaselineSamples = 10

// Baseline is the persisted summary-statistics row for one (host, metric)
// pair (spec.md §3).
type Baseline struct {
	Hostname     string  `json:"hostname"`
	MetricType   string  `json:"metric_type"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stddev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	P95          float64 `json:"p95"`
	P99          float64 `json:"p99"`
	SampleCount  int     `json:"sample_count"`
	LastUpdated  int64   `json:"last_updated"`
}

// Threshold returns (lower, upper) such that upper-lower = 2*sigma*stddev,
// matching spec.md §4.3/§8 invariant 4.
func (b Baseline) Threshold(sigma float64) (lower, upper float64) {
	return b.Mean - sigma*b.StdDev, b.Mean + sigma*b.StdDev
}

// IsAnomalous applies spec.md §4.3's threshold rule: anomalous iff
// |value-mean| > sigma*stddev, except when stddev is numerically zero, in
// which case nothing is ever anomalous and the score is 0.
func (b Baseline) IsAnomalous(value float64, sigma float64) (anomalous bool, score float64) {
	if b.StdDev < 1e-6 {
		return false, 0
	}
	score = absf(value-b.Mean) / b.StdDev
	return score > sigma, score
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// BaselineStore implements C3.
type BaselineStore struct {
	db      *DB
	samples *Store
}

// NewBaselineStore wraps db and the sample store Learn reads from.
func NewBaselineStore(db *DB, samples *Store) *BaselineStore {
	return &BaselineStore{db: db, samples: samples}
}

// ErrInsufficientData is returned by Learn when fewer than
// minBaselineSamples raw samples exist in the requested window.
var ErrInsufficientData = apierr.New(apierr.KindNotFound, "insufficient data to learn baseline")

// Learn reads the last `hours` of raw samples for (hostname, metricType),
// computes summary statistics, and replaces the stored baseline row
// (spec.md §4.3).
func (b *BaselineStore) Learn(hostname, metricType string, now int64, hours int) (Baseline, error) {
	start := now - int64(hours)*3600
	samples, err := b.samples.Range(Query{Host: hostname, MetricType: metricType, Start: start, End: now, Limit: 1_000_000})
	if err != nil {
		return Baseline{}, err
	}
	if len(samples) < minBaselineSamples {
		return Baseline{}, ErrInsufficientData
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	mean := stat.Mean(values, nil)
	sd := stat.StdDev(values, nil)
	baseline := Baseline{
		Hostname:    hostname,
		MetricType:  metricType,
		Mean:        mean,
		StdDev:      sd,
		Min:         values[0],
		Max:         values[len(values)-1],
		P95:         stat.Quantile(0.95, stat.Empirical, values, nil),
		P99:         stat.Quantile(0.99, stat.Empirical, values, nil),
		SampleCount: len(values),
		LastUpdated: now,
	}

	err = b.db.WriteSync(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO baselines (hostname, metric_type, mean, stddev, min_value, max_value, p95, p99, sample_count, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hostname, metric_type) DO UPDATE SET
				mean = excluded.mean, stddev = excluded.stddev,
				min_value = excluded.min_value, max_value = excluded.max_value,
				p95 = excluded.p95, p99 = excluded.p99,
				sample_count = excluded.sample_count, last_updated = excluded.last_updated
		`, baseline.Hostname, baseline.MetricType, baseline.Mean, baseline.StdDev,
			baseline.Min, baseline.Max, baseline.P95, baseline.P99,
			baseline.SampleCount, baseline.LastUpdated)
		return err
	})
	return baseline, err
}

// Get returns the stored baseline if fresh, transparently relearning over
// a 24h window if stale, or (Baseline{}, false, nil) if none can be
// learned (spec.md §4.3).
func (b *BaselineStore) Get(hostname, metricType string, now int64) (Baseline, bool, error) {
	existing, found, err := b.load(hostname, metricType)
	if err != nil {
		return Baseline{}, false, err
	}
	if found && now-existing.LastUpdated <= freshnessWindowSeconds {
		return existing, true, nil
	}

	relearned, err := b.Learn(hostname, metricType, now, 24)
	if err == ErrInsufficientData {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, err
	}
	return relearned, true, nil
}

func (b *BaselineStore) load(hostname, metricType string) (Baseline, bool, error) {
	row := b.db.Reader().QueryRow(`
		SELECT hostname, metric_type, mean, stddev, min_value, max_value, p95, p99, sample_count, last_updated
		FROM baselines WHERE hostname = ? AND metric_type = ?
	`, hostname, metricType)
	var base Baseline
	err := row.Scan(&base.Hostname, &base.MetricType, &base.Mean, &base.StdDev,
		&base.Min, &base.Max, &base.P95, &base.P99, &base.SampleCount, &base.LastUpdated)
	if err == sql.ErrNoRows {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, err
	}
	return base, true, nil
}

// Distinct returns every (host, metric_type) pair with at least one raw
// sample, used by bulk-train to enumerate what can be trained.
func (b *BaselineStore) Distinct() ([][2]string, error) {
	rows, err := b.db.Reader().Query(`SELECT DISTINCT host, metric_type FROM samples_raw`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var host, metric string
		if err := rows.Scan(&host, &metric); err != nil {
			return nil, err
		}
		out = append(out, [2]string{host, metric})
	}
	return out, rows.Err()
}
