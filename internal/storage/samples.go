package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Sample is one timestamped, host/metric-scoped observation (spec.md §3).
type Sample struct {
	Timestamp  int64   `json:"timestamp"`
	MetricType string  `json:"metric_type"`
	Host       string  `json:"host,omitempty"`
	Tags       string  `json:"tags"`
	Value      float64 `json:"value"`
}

// Resolution selects which of the three sample tables a query targets.
type Resolution string

const (
	ResolutionRaw Resolution = "samples_raw"
	Resolution1m  Resolution = "samples_1m"
	Resolution1h  Resolution = "samples_1h"
)

// SelectResolution implements the deterministic tie-break from spec.md
// §4.1: raw for ranges up to a day, 1-minute rollups up to 30 days,
// 1-hour rollups beyond that. Only applies to fleet-wide (non host-scoped)
// queries; host-scoped queries always read samples_raw.
func SelectResolution(start, end int64) Resolution {
	span := time.Duration(end-start) * time.Second
	switch {
	case span <= 24*time.Hour:
		return ResolutionRaw
	case span <= 30*24*time.Hour:
		return Resolution1m
	default:
		return Resolution1h
	}
}

// WriteBatch persists samples for hostname and atomically marks the host
// active with last_seen = now, per spec.md §4.1 bullet 3. Rows that fail
// validation are counted as failed without aborting the rest of the batch.
// Returns (success_count, failed_count).
func (s *Store) WriteBatch(hostname string, now int64, samples []Sample) (int, int, error) {
	success, failed := 0, 0
	err := s.db.WriteSync(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO samples_raw (timestamp, metric_type, host, tags, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(timestamp, metric_type, host, tags) DO UPDATE SET value = excluded.value
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, sm := range samples {
			if !validSample(sm) {
				failed++
				continue
			}
			if _, err := stmt.Exec(sm.Timestamp, sm.MetricType, hostname, sm.Tags, sm.Value); err != nil {
				failed++
				continue
			}
			success++
		}

		return upsertHostTx(tx, hostname, now, nil, nil, nil)
	})
	return success, failed, err
}

func validSample(sm Sample) bool {
	if sm.MetricType == "" {
		return false
	}
	if math.IsNaN(sm.Value) || math.IsInf(sm.Value, 0) {
		return false
	}
	return true
}

// Query describes a range lookup against the sample store.
type Query struct {
	Host       string // empty for a fleet-wide query
	MetricType string // empty for all metric types
	Start      int64  // 0 for unbounded
	End        int64  // 0 for unbounded
	Limit      int    // <=0 defaults to 1000
}

// Range returns matching samples ordered by timestamp DESC, capped at
// Limit, choosing resolution per SelectResolution when Host is empty and
// both Start and End are set; otherwise it reads samples_raw.
func (s *Store) Range(q Query) ([]Sample, error) {
	if q.Limit <= 0 {
		q.Limit = 1000
	}
	if q.Start != 0 && q.End != 0 && q.Start > q.End {
		return []Sample{}, nil
	}

	table := ResolutionRaw
	if q.Host == "" && q.Start != 0 && q.End != 0 {
		table = SelectResolution(q.Start, q.End)
	}

	where := "WHERE 1=1"
	args := []any{}
	if q.Host != "" {
		where += " AND host = ?"
		args = append(args, q.Host)
	}
	if q.MetricType != "" {
		where += " AND metric_type = ?"
		args = append(args, q.MetricType)
	}
	if q.Start != 0 {
		where += " AND timestamp >= ?"
		args = append(args, q.Start)
	}
	if q.End != 0 {
		where += " AND timestamp <= ?"
		args = append(args, q.End)
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT timestamp, metric_type, host, tags, value FROM %s
		%s
		ORDER BY timestamp DESC
		LIMIT ?
	`, table, where)

	rows, err := s.db.Reader().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.Timestamp, &sm.MetricType, &sm.Host, &sm.Tags, &sm.Value); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Latest returns, for each distinct metric_type of hostname (or for each
// distinct (host, metric_type) fleet-wide when hostname is empty), the
// sample row with the maximum timestamp. Implemented as a single grouped
// query so it stays cheap past 100 hosts (spec.md §4.1).
func (s *Store) Latest(hostname string) ([]Sample, error) {
	var rows *sql.Rows
	var err error
	if hostname != "" {
		rows, err = s.db.Reader().Query(`
			SELECT r.timestamp, r.metric_type, r.host, r.tags, r.value
			FROM samples_raw r
			INNER JOIN (
				SELECT metric_type, MAX(timestamp) AS max_ts
				FROM samples_raw
				WHERE host = ?
				GROUP BY metric_type
			) latest ON r.metric_type = latest.metric_type AND r.timestamp = latest.max_ts
			WHERE r.host = ?
		`, hostname, hostname)
	} else {
		rows, err = s.db.Reader().Query(`
			SELECT r.timestamp, r.metric_type, r.host, r.tags, r.value
			FROM samples_raw r
			INNER JOIN (
				SELECT host, metric_type, MAX(timestamp) AS max_ts
				FROM samples_raw
				GROUP BY host, metric_type
			) latest ON r.host = latest.host AND r.metric_type = latest.metric_type AND r.timestamp = latest.max_ts
			ORDER BY r.host, r.metric_type
		`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.Timestamp, &sm.MetricType, &sm.Host, &sm.Tags, &sm.Value); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// LatestForMetric returns the single most recent sample for metricType
// across the whole fleet, matching api/server.py's query_db_latest, which
// queries by metric_type alone and does not filter by host. found is false
// when no sample of that metric type exists yet.
func (s *Store) LatestForMetric(metricType string) (sm Sample, found bool, err error) {
	rows, err := s.Range(Query{MetricType: metricType, Limit: 1})
	if err != nil {
		return Sample{}, false, err
	}
	if len(rows) == 0 {
		return Sample{}, false, nil
	}
	return rows[0], true, nil
}

// FleetSummary computes the aggregate counters behind GET /api/fleet/summary.
type FleetSummary struct {
	TotalHosts       int     `json:"total_hosts"`
	OnlineHosts      int     `json:"online_hosts"`
	OfflineHosts     int     `json:"offline_hosts"`
	AvgCPUUsage      float64 `json:"avg_cpu_usage"`
	TotalMemoryUsed  float64 `json:"total_memory_used"`
	Timestamp        int64   `json:"timestamp"`
}

const (
	metricCPUUsage   = "cpu.total_usage"
	metricMemoryUsed = "memory.used_bytes"
)

// FleetSummary reads the host registry plus the latest-per-host values of
// two well-known metric types, following the original aggregator's
// get_fleet_summary.
func (s *Store) FleetSummary(now int64) (FleetSummary, error) {
	db := s.db.Reader()
	summary := FleetSummary{Timestamp: now}

	if err := db.QueryRow(`SELECT COUNT(*) FROM hosts`).Scan(&summary.TotalHosts); err != nil {
		return summary, err
	}

	cutoff := now - livenessWindowSeconds
	if err := db.QueryRow(`SELECT COUNT(*) FROM hosts WHERE last_seen > ?`, cutoff).Scan(&summary.OnlineHosts); err != nil {
		return summary, err
	}
	summary.OfflineHosts = summary.TotalHosts - summary.OnlineHosts

	row := db.QueryRow(`
		SELECT AVG(value) FROM (
			SELECT m.value FROM samples_raw m
			INNER JOIN hosts h ON m.host = h.hostname
			INNER JOIN (
				SELECT host, MAX(timestamp) AS max_ts FROM samples_raw
				WHERE metric_type = ? GROUP BY host
			) latest ON m.host = latest.host AND m.timestamp = latest.max_ts
			WHERE h.last_seen > ? AND m.metric_type = ?
		)
	`, metricCPUUsage, cutoff, metricCPUUsage)
	var avgCPU sql.NullFloat64
	if err := row.Scan(&avgCPU); err != nil {
		return summary, err
	}
	summary.AvgCPUUsage = avgCPU.Float64

	row = db.QueryRow(`
		SELECT SUM(value) FROM (
			SELECT m.value FROM samples_raw m
			INNER JOIN hosts h ON m.host = h.hostname
			INNER JOIN (
				SELECT host, MAX(timestamp) AS max_ts FROM samples_raw
				WHERE metric_type = ? GROUP BY host
			) latest ON m.host = latest.host AND m.timestamp = latest.max_ts
			WHERE h.last_seen > ? AND m.metric_type = ?
		)
	`, metricMemoryUsed, cutoff, metricMemoryUsed)
	var totalMem sql.NullFloat64
	if err := row.Scan(&totalMem); err != nil {
		return summary, err
	}
	summary.TotalMemoryUsed = totalMem.Float64

	return summary, nil
}

// Retention deletes raw samples older than horizon seconds and returns the
// row count deleted. Scheduled off the ingest path (spec.md §5).
func (s *Store) Retention(now, horizonSeconds int64) (int64, error) {
	var deleted int64
	err := s.db.WriteSync(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM samples_raw WHERE timestamp < ?`, now-horizonSeconds)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// Downsample materializes the target rollup table (samples_1m or
// samples_1h) from the last lookback seconds of samples_raw, averaging
// values per (bucket, metric_type, host, tags). This resolves spec.md's Open Question (b): rollups are
// populated by a scheduled job rather than left empty.
func (s *Store) Downsample(now int64, bucketSeconds int64, target Resolution, lookback int64) error {
	table := string(target)
	return s.db.WriteSync(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT (timestamp / ?) * ?, metric_type, host, tags, AVG(value)
			FROM samples_raw
			WHERE timestamp >= ?
			GROUP BY timestamp / ?, metric_type, host, tags
		`, bucketSeconds, bucketSeconds, now-lookback, bucketSeconds)
		if err != nil {
			return err
		}

		type bucketRow struct {
			bucket     int64
			metricType string
			host       string
			tags       string
			avg        float64
		}
		var buckets []bucketRow
		for rows.Next() {
			var br bucketRow
			if err := rows.Scan(&br.bucket, &br.metricType, &br.host, &br.tags, &br.avg); err != nil {
				rows.Close()
				return err
			}
			buckets = append(buckets, br)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		stmt, err := tx.Prepare(fmt.Sprintf(`
			INSERT INTO %s (timestamp, metric_type, host, tags, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(timestamp, metric_type, host, tags) DO UPDATE SET value = excluded.value
		`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, br := range buckets {
			if _, err := stmt.Exec(br.bucket, br.metricType, br.host, br.tags, br.avg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Store is the sample-store half of the shared database; it holds a *DB so
// it shares the single writer goroutine with HostRegistry and BaselineStore.
type Store struct {
	db *DB
}

// NewStore wraps db for sample operations.
func NewStore(db *DB) *Store { return &Store{db: db} }
