package storage

import (
	"database/sql"
	"encoding/json"
)

// livenessWindowSeconds is the "active" cutoff from spec.md §3: a host is
// active iff now - last_seen <= 300s.
const livenessWindowSeconds = 300

// HostStatus mirrors spec.md §3's status enum.
type HostStatus string

const (
	StatusActive   HostStatus = "active"
	StatusInactive HostStatus = "inactive"
)

// Host is the registry's view of one remote agent (spec.md §3).
type Host struct {
	Hostname     string            `json:"hostname"`
	FirstSeen    int64             `json:"first_seen"`
	LastSeen     int64             `json:"last_seen"`
	Platform     string            `json:"platform,omitempty"`
	AgentVersion string            `json:"agent_version,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Status       HostStatus        `json:"status"`
}

// HostRegistry implements C2: hostnames, liveness, and metadata.
type HostRegistry struct {
	db *DB
}

// NewHostRegistry wraps db for registry operations.
func NewHostRegistry(db *DB) *HostRegistry { return &HostRegistry{db: db} }

// Register upserts a host: on insert, first_seen=last_seen=now; on update,
// first_seen is preserved, last_seen/version/platform/tags are overwritten,
// and status is forced active (spec.md §4.2).
func (r *HostRegistry) Register(hostname string, now int64, version, platform string, tags map[string]string) (Host, error) {
	if tags == nil {
		tags = map[string]string{}
	}
	var host Host
	err := r.db.WriteSync(func(tx *sql.Tx) error {
		if err := upsertHostTx(tx, hostname, now, &version, &platform, tags); err != nil {
			return err
		}
		var err error
		host, err = scanHostTx(tx, hostname)
		return err
	})
	return host, err
}

// Heartbeat advances last_seen and forces status active; a no-op if the
// host is unknown (spec.md §4.2).
func (r *HostRegistry) Heartbeat(hostname string, now int64) error {
	return r.db.WriteSync(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE hosts SET last_seen = ?, status = ? WHERE hostname = ?`, now, StatusActive, hostname)
		return err
	})
}

// MarkInactive forces a host's status to inactive regardless of liveness.
func (r *HostRegistry) MarkInactive(hostname string) error {
	return r.db.WriteSync(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE hosts SET status = ? WHERE hostname = ?`, StatusInactive, hostname)
		return err
	})
}

// SweepInactive marks every host whose last_seen has fallen outside the
// liveness window, but is still recorded active, as inactive. This gives
// mark_host_inactive a real caller (spec.md Design Notes, Open Question c)
// without changing the computed-liveness semantics list() relies on.
func (r *HostRegistry) SweepInactive(now int64) (int64, error) {
	var affected int64
	err := r.db.WriteSync(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE hosts SET status = ?
			WHERE status = ? AND last_seen <= ?
		`, StatusInactive, StatusActive, now-livenessWindowSeconds)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// List returns hosts ordered by last_seen DESC; when includeInactive is
// false only hosts with last_seen within the liveness window are returned
// (spec.md §4.2, invariant §8.3).
func (r *HostRegistry) List(now int64, includeInactive bool) ([]Host, error) {
	var rows *sql.Rows
	var err error
	if includeInactive {
		rows, err = r.db.Reader().Query(`SELECT hostname, first_seen, last_seen, platform, agent_version, tags, status FROM hosts ORDER BY last_seen DESC`)
	} else {
		rows, err = r.db.Reader().Query(`
			SELECT hostname, first_seen, last_seen, platform, agent_version, tags, status
			FROM hosts WHERE last_seen > ? ORDER BY last_seen DESC
		`, now-livenessWindowSeconds)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Host{}
	for rows.Next() {
		h, err := scanHostRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Get returns a single host by name, or (Host{}, false, nil) if unknown.
func (r *HostRegistry) Get(hostname string) (Host, bool, error) {
	row := r.db.Reader().QueryRow(`
		SELECT hostname, first_seen, last_seen, platform, agent_version, tags, status
		FROM hosts WHERE hostname = ?
	`, hostname)
	h, err := scanHostRow(row)
	if err == sql.ErrNoRows {
		return Host{}, false, nil
	}
	if err != nil {
		return Host{}, false, err
	}
	return h, true, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHostRow(s rowScanner) (Host, error) {
	var h Host
	var tagsJSON string
	var platform, version sql.NullString
	if err := s.Scan(&h.Hostname, &h.FirstSeen, &h.LastSeen, &platform, &version, &tagsJSON, &h.Status); err != nil {
		return Host{}, err
	}
	h.Platform = platform.String
	h.AgentVersion = version.String
	h.Tags = map[string]string{}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &h.Tags)
	}
	return h, nil
}

func scanHostTx(tx *sql.Tx, hostname string) (Host, error) {
	row := tx.QueryRow(`
		SELECT hostname, first_seen, last_seen, platform, agent_version, tags, status
		FROM hosts WHERE hostname = ?
	`, hostname)
	return scanHostRow(row)
}

// upsertHostTx implements the atomic host-side of spec.md §4.1 bullet 3 and
// §4.2's register contract, shared by WriteBatch and Register. version,
// platform, and tags are only overwritten when non-nil/non-empty so a bare
// heartbeat-via-ingest doesn't blank out previously registered metadata.
func upsertHostTx(tx *sql.Tx, hostname string, now int64, version, platform *string, tags map[string]string) error {
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM hosts WHERE hostname = ?)`, hostname).Scan(&exists); err != nil {
		return err
	}

	var tagsJSON string
	if tags != nil {
		b, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		tagsJSON = string(b)
	}

	if !exists {
		var v, p string
		if version != nil {
			v = *version
		}
		if platform != nil {
			p = *platform
		}
		if tagsJSON == "" {
			tagsJSON = "{}"
		}
		_, err := tx.Exec(`
			INSERT INTO hosts (hostname, first_seen, last_seen, platform, agent_version, tags, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, hostname, now, now, p, v, tagsJSON, StatusActive)
		return err
	}

	set := "last_seen = ?, status = ?"
	args := []any{now, StatusActive}
	if version != nil {
		set += ", agent_version = ?"
		args = append(args, *version)
	}
	if platform != nil {
		set += ", platform = ?"
		args = append(args, *platform)
	}
	if tagsJSON != "" {
		set += ", tags = ?"
		args = append(args, tagsJSON)
	}
	args = append(args, hostname)
	_, err := tx.Exec("UPDATE hosts SET "+set+" WHERE hostname = ?", args...)
	return err
}
