package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS watched_containers (
	container_id TEXT PRIMARY KEY,
	pod_name     TEXT NOT NULL DEFAULT '',
	namespace    TEXT NOT NULL DEFAULT '',
	first_seen   TIMESTAMP NOT NULL
);`

// SQLiteStore persists the watched set on disk (WATCHER_STATE_PATH).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the state database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database %q: %w", path, err)
	}
	// The watcher is single-goroutine; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, rec Record) error {
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watched_containers (container_id, pod_name, namespace, first_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(container_id) DO NOTHING`,
		rec.ContainerID, rec.PodName, rec.Namespace, rec.FirstSeen.UTC())
	if err != nil {
		return fmt.Errorf("recording watched container %s: %w", rec.ContainerID, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM watched_containers WHERE container_id = ?`, containerID)
	if err != nil {
		return fmt.Errorf("removing watched container %s: %w", containerID, err)
	}
	return nil
}

// IDs implements Store.
func (s *SQLiteStore) IDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT container_id FROM watched_containers`)
	if err != nil {
		return nil, fmt.Errorf("listing watched containers: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watched_containers`)
	if err != nil {
		return fmt.Errorf("clearing watched containers: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
