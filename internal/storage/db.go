// Package storage implements the sample store (C1), host registry (C2),
// and baseline store (C3) against one embedded SQLite file, following the
// teacher's db.go: a single-writer goroutine serializes all mutations over
// a channel so the WAL file never sees concurrent writers, while readers
// run directly against the shared *sql.DB.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sk-tech/sysmonitor/internal/logx"
)

// DefaultDBPath is the path used when the CLI is not given one, matching
// spec.md's "~/.sysmon/aggregator.db" default.
const DefaultDBPath = "~/.sysmon/aggregator.db"

// ExpandPath resolves a leading "~" to the user's home directory and
// ensures the parent directory exists, the way the original aggregator's
// storage.py does with os.path.expanduser + os.makedirs.
func ExpandPath(path string) (string, error) {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db directory: %w", err)
		}
	}
	return path, nil
}

// writeJob is one unit of serialized work handed to the writer goroutine.
type writeJob struct {
	fn     func(*sql.Tx) error
	result chan error
}

// DB owns the shared connection plus the single-writer queue. Store,
// HostRegistry, and BaselineStore all hold a *DB so their mutations share
// one writer goroutine and can compose into a single transaction when the
// spec requires atomicity (§4.1 bullet 3: batch write + host liveness).
type DB struct {
	sqlDB   *sql.DB
	writeCh chan writeJob
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open creates/migrates the schema at path and starts the writer goroutine.
func Open(path string) (*DB, error) {
	resolved, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", resolved+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer plus many readers is the concurrency model (§5);
	// cap open connections so sqlite's own locking can't be bypassed.
	sqlDB.SetMaxOpenConns(8)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	db := &DB{
		sqlDB:   sqlDB,
		writeCh: make(chan writeJob, 256),
		done:    make(chan struct{}),
	}
	db.wg.Add(1)
	go db.processWrites()
	return db, nil
}

// Path reports where the sqlite file lives, for startup banners.
func (db *DB) Path() string {
	var file string
	_ = db.sqlDB.QueryRow("PRAGMA database_list").Scan(new(int), new(string), &file)
	return file
}

func (db *DB) processWrites() {
	defer db.wg.Done()
	for {
		select {
		case job := <-db.writeCh:
			db.run(job)
		case <-db.done:
			for {
				select {
				case job := <-db.writeCh:
					db.run(job)
				default:
					return
				}
			}
		}
	}
}

func (db *DB) run(job writeJob) {
	err := db.withTx(job.fn)
	if job.result != nil {
		job.result <- err
	} else if err != nil {
		logx.Error("database write failed: %v", err)
	}
}

func (db *DB) withTx(fn func(*sql.Tx) error) error {
	tx, err := db.sqlDB.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WriteSync queues fn to run inside the single writer's next transaction
// and blocks until it commits (or fails). Used by every mutating API call
// so callers observe atomicity per §5's suspension-point rules.
func (db *DB) WriteSync(fn func(*sql.Tx) error) error {
	result := make(chan error, 1)
	db.writeCh <- writeJob{fn: fn, result: result}
	return <-result
}

// Reader exposes the shared *sql.DB for read-only queries, which may run
// concurrently with the single writer under WAL.
func (db *DB) Reader() *sql.DB { return db.sqlDB }

// Close drains pending writes and closes the underlying connection.
func (db *DB) Close() error {
	close(db.done)
	db.wg.Wait()
	return db.sqlDB.Close()
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	hostname      TEXT PRIMARY KEY,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	platform      TEXT,
	agent_version TEXT,
	tags          TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS samples_raw (
	timestamp   INTEGER NOT NULL,
	metric_type TEXT NOT NULL,
	host        TEXT NOT NULL,
	tags        TEXT NOT NULL DEFAULT '',
	value       REAL NOT NULL,
	PRIMARY KEY (timestamp, metric_type, host, tags)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_samples_raw_host_time ON samples_raw(host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_raw_metric_host_time ON samples_raw(metric_type, host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_raw_time ON samples_raw(timestamp DESC);

CREATE TABLE IF NOT EXISTS samples_1m (
	timestamp   INTEGER NOT NULL,
	metric_type TEXT NOT NULL,
	host        TEXT NOT NULL,
	tags        TEXT NOT NULL DEFAULT '',
	value       REAL NOT NULL,
	PRIMARY KEY (timestamp, metric_type, host, tags)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_samples_1m_host_time ON samples_1m(host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_1m_metric_host_time ON samples_1m(metric_type, host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_1m_time ON samples_1m(timestamp DESC);

CREATE TABLE IF NOT EXISTS samples_1h (
	timestamp   INTEGER NOT NULL,
	metric_type TEXT NOT NULL,
	host        TEXT NOT NULL,
	tags        TEXT NOT NULL DEFAULT '',
	value       REAL NOT NULL,
	PRIMARY KEY (timestamp, metric_type, host, tags)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_samples_1h_host_time ON samples_1h(host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_1h_metric_host_time ON samples_1h(metric_type, host, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_samples_1h_time ON samples_1h(timestamp DESC);

CREATE TABLE IF NOT EXISTS baselines (
	hostname      TEXT NOT NULL,
	metric_type   TEXT NOT NULL,
	mean          REAL NOT NULL,
	stddev        REAL NOT NULL,
	min_value     REAL NOT NULL,
	max_value     REAL NOT NULL,
	p95           REAL NOT NULL,
	p99           REAL NOT NULL,
	sample_count  INTEGER NOT NULL,
	last_updated  INTEGER NOT NULL,
	PRIMARY KEY (hostname, metric_type)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_baselines_updated ON baselines(last_updated);
`
	_, err := db.Exec(schema)
	return err
}
