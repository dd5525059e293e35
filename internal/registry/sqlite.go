package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the registry database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS plugin_registry (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL DEFAULT '',
  version         TEXT NOT NULL DEFAULT '',
  description     TEXT NOT NULL DEFAULT '',
  install_state   TEXT NOT NULL,
  removal_pending INTEGER NOT NULL DEFAULT 0,
  last_error      TEXT,
  updated_at      TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap sqlite: %w", err)
	}
	return nil
}

// loadAll reads every persisted record. Run state is not persisted; each
// record comes back Stopped.
func loadAll(ctx context.Context, db *sql.DB) ([]*Record, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, name, version, description, install_state, removal_pending, last_error, updated_at
FROM plugin_registry;`)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			r          Record
			removal    int
			lastError  sql.NullString
			updatedAtS string
		)
		if err := rows.Scan(&r.ID, &r.Metadata.Name, &r.Metadata.Version, &r.Metadata.Description,
			(*string)(&r.InstallState), &removal, &lastError, &updatedAtS); err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		// Installing is transient; a record persisted mid-install failed.
		if r.InstallState == InstallStateInstalling {
			r.InstallState = InstallStateFailed
			r.LastError = "install interrupted by manager restart"
		}
		r.RunState = RunStateStopped
		r.RemovalPending = removal != 0
		if lastError.Valid && r.LastError == "" {
			r.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry rows: %w", err)
	}
	return out, nil
}

func persist(ctx context.Context, db *sql.DB, r *Record) error {
	removal := 0
	if r.RemovalPending {
		removal = 1
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO plugin_registry(id, name, version, description, install_state, removal_pending, last_error, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  version = excluded.version,
  description = excluded.description,
  install_state = excluded.install_state,
  removal_pending = excluded.removal_pending,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`, r.ID, r.Metadata.Name, r.Metadata.Version, r.Metadata.Description,
		string(r.InstallState), removal, r.LastError,
		r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert registry row: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db *sql.DB, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM plugin_registry WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete registry row: %w", err)
	}
	return nil
}
