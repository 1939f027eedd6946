// Package registrydb is a rebuildable SQLite cache over the instance
// registry's ini-file source of truth, letting list/filter queries avoid
// re-parsing every instance config on each call. It follows the teacher's
// boxer.go database setup (database/sql + modernc.org/sqlite, WAL mode,
// schema applied at open) but replaces the inline schema exec with
// golang-migrate migrations, a teacher dependency that went unused until
// now.
package registrydb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const component = "registrydb"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Row mirrors the subset of an Instance that's worth indexing for fast
// list/filter; the ini file under instances/<name>.ini remains authoritative
// for every other field.
type Row struct {
	Name             string
	BlueprintName    string
	Runtime          string
	LifecycleManager string
	WorkingDir       string
	InstalledVersion string
	ConfigPath       string
	UpdatedAt        time.Time
}

// DB wraps the opened and migrated SQLite index.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the index database at path and applies
// any pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, component, "opening registry index "+path, err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, kgsmerr.Wrap(kgsmerr.IO, component, "enabling WAL mode", err)
	}

	if err := migrateUp(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sql: sqlDB}, nil
}

func migrateUp(sqlDB *sql.DB) error {
	driver, err := sqlite.WithInstance(sqlDB, &sqlite.Config{})
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, component, "creating migration driver", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, component, "opening embedded migrations", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, component, "constructing migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return kgsmerr.Wrap(kgsmerr.IO, component, "applying migrations", err)
	}
	return nil
}

func (d *DB) Close() error { return d.sql.Close() }

// Upsert records or refreshes the index row for name.
func (d *DB) Upsert(ctx context.Context, r Row) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO instances (name, blueprint_name, runtime, lifecycle_manager, working_dir, installed_version, config_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			blueprint_name = excluded.blueprint_name,
			runtime = excluded.runtime,
			lifecycle_manager = excluded.lifecycle_manager,
			working_dir = excluded.working_dir,
			installed_version = excluded.installed_version,
			config_path = excluded.config_path,
			updated_at = excluded.updated_at
	`, r.Name, r.BlueprintName, r.Runtime, r.LifecycleManager, r.WorkingDir, r.InstalledVersion, r.ConfigPath, r.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, component, "upserting index row for "+r.Name, err)
	}
	return nil
}

// Delete removes name from the index.
func (d *DB) Delete(ctx context.Context, name string) error {
	if _, err := d.sql.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, component, "deleting index row for "+name, err)
	}
	return nil
}

// Get returns the indexed row for name, or (Row{}, false, nil) if absent.
func (d *DB) Get(ctx context.Context, name string) (Row, bool, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT name, blueprint_name, runtime, lifecycle_manager, working_dir, installed_version, config_path, updated_at
		FROM instances WHERE name = ?`, name)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, kgsmerr.Wrap(kgsmerr.IO, component, "querying index row for "+name, err)
	}
	return r, true, nil
}

// List enumerates indexed rows, optionally filtered by blueprint name.
func (d *DB) List(ctx context.Context, blueprintFilter string) ([]Row, error) {
	query := `SELECT name, blueprint_name, runtime, lifecycle_manager, working_dir, installed_version, config_path, updated_at FROM instances`
	args := []any{}
	if blueprintFilter != "" {
		query += " WHERE blueprint_name = ?"
		args = append(args, blueprintFilter)
	}
	query += " ORDER BY name"

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kgsmerr.Wrap(kgsmerr.IO, component, "listing index rows", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, kgsmerr.Wrap(kgsmerr.IO, component, "scanning index row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (Row, error)     { return scanInto(row) }
func scanRows(rows *sql.Rows) (Row, error)  { return scanInto(rows) }

func scanInto(s scanner) (Row, error) {
	var r Row
	var updatedAt string
	if err := s.Scan(&r.Name, &r.BlueprintName, &r.Runtime, &r.LifecycleManager, &r.WorkingDir, &r.InstalledVersion, &r.ConfigPath, &updatedAt); err != nil {
		return Row{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Row{}, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	r.UpdatedAt = t
	return r, nil
}
