// Package store keeps a local SQLite index of patch metadata for the
// gateway. The jail remains the source of truth for patch content; the
// index is what lets status queries survive archiving and restarts.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS patches (
	patch_id    TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	src_ip      TEXT NOT NULL,
	actor_hash  TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	status      TEXT NOT NULL,
	requires_manual_override INTEGER NOT NULL DEFAULT 0,
	archived_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_patches_status ON patches(status);
CREATE INDEX IF NOT EXISTS idx_patches_src_ip ON patches(src_ip, created_at);
`

// Record is one patch's intake metadata.
type Record struct {
	PatchID                string
	CreatedAt              time.Time
	SrcIP                  string
	ActorHash              string
	PayloadHash            string
	Status                 string
	RequiresManualOverride bool
	ArchivedReason         string
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open initializes the database at path, creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records a newly accepted patch.
func (s *Store) Insert(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO patches (patch_id, created_at, src_ip, actor_hash, payload_hash, status, requires_manual_override)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.PatchID,
		r.CreatedAt.UTC().Format(time.RFC3339),
		r.SrcIP,
		r.ActorHash,
		r.PayloadHash,
		r.Status,
		boolToInt(r.RequiresManualOverride),
	)
	return err
}

// Get returns the record for patchID, or sql.ErrNoRows.
func (s *Store) Get(patchID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT patch_id, created_at, src_ip, actor_hash, payload_hash, status, requires_manual_override, archived_reason
		FROM patches WHERE patch_id = ?
	`, patchID)

	var r Record
	var createdAt string
	var override int
	if err := row.Scan(&r.PatchID, &createdAt, &r.SrcIP, &r.ActorHash, &r.PayloadHash, &r.Status, &override, &r.ArchivedReason); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at for %s: %w", patchID, err)
	}
	r.CreatedAt = t
	r.RequiresManualOverride = override != 0
	return &r, nil
}

// SetStatus updates a patch's lifecycle status; reason is kept only for
// archived patches.
func (s *Store) SetStatus(patchID, status, reason string) error {
	res, err := s.db.Exec(`
		UPDATE patches SET status = ?, archived_reason = ? WHERE patch_id = ?
	`, status, reason, patchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByStatus returns records in the given status, newest first.
func (s *Store) ListByStatus(status string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT patch_id, created_at, src_ip, actor_hash, payload_hash, status, requires_manual_override, archived_reason
		FROM patches WHERE status = ? ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var createdAt string
		var override int
		if err := rows.Scan(&r.PatchID, &createdAt, &r.SrcIP, &r.ActorHash, &r.PayloadHash, &r.Status, &override, &r.ArchivedReason); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt created_at for %s: %w", r.PatchID, err)
		}
		r.CreatedAt = t
		r.RequiresManualOverride = override != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecentBySrcIP counts patches accepted from srcIP since the cutoff,
// for rate limiting.
func (s *Store) CountRecentBySrcIP(srcIP string, since time.Time) (int, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM patches WHERE src_ip = ? AND created_at >= ?
	`, srcIP, since.UTC().Format(time.RFC3339))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ExpiredPending returns pending patch ids created before the cutoff.
func (s *Store) ExpiredPending(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT patch_id FROM patches WHERE status = 'pending' AND created_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
