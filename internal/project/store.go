package project

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ProjectIndexRow is one row of the controller's project index: enough
// to list and locate every project on disk without opening each one's
// project.gns3 file.
type ProjectIndexRow struct {
	ID     string
	Name   string
	Path   string
	Status string
}

// Store persists the project index in SQLite, separate from each
// project's own on-disk graph file. Grounded on internal/registry/db.go
// (modernc.org/sqlite, pure-Go, WAL mode, CREATE TABLE IF NOT EXISTS
// migration), reused here one level up for projects instead of VM
// instances.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite-backed project index at
// dbPath.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open project index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.migrateComputes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate computes: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'closed',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// Upsert inserts or replaces a project's index row.
func (s *Store) Upsert(ctx context.Context, row ProjectIndexRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, status, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, row.ID, row.Name, row.Path, row.Status)
	return err
}

// UpdateStatus updates only a project row's status column.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = ?, updated_at = datetime('now') WHERE id = ?
	`, status, id)
	return err
}

// Delete removes a project's index row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

// List returns every row in the project index. Order is by name.
func (s *Store) List(ctx context.Context) ([]ProjectIndexRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, status FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectIndexRow
	for rows.Next() {
		var r ProjectIndexRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a single row by id.
func (s *Store) Get(ctx context.Context, id string) (ProjectIndexRow, bool, error) {
	var r ProjectIndexRow
	err := s.db.QueryRowContext(ctx, `SELECT id, name, path, status FROM projects WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Path, &r.Status)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}
