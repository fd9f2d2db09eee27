package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file. Version is the numeric prefix of
// the file name; AppliedAt is empty until the migration has run.
type Migration struct {
	Version   string
	File      string
	AppliedAt string
}

// Applied reports whether the migration is recorded in schema_migrations
func (m Migration) Applied() bool {
	return m.AppliedAt != ""
}

// Migrate applies every pending migration in version order, each in its own
// transaction. A nil log runs silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	all, err := MigrationStatus(db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range all {
		if m.Applied() {
			if log != nil {
				log.Debugw("Skipping migration (already applied)", "migration", m.File)
			}
			continue
		}
		if log != nil {
			logger.AddDBSymbol(log).Infow("Applying migration", "migration", m.File, "version", m.Version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		applied++
	}

	if log != nil && applied > 0 {
		logger.AddDBSymbol(log).Infow("Migrations complete",
			"total_migrations", len(all),
			"applied", applied)
	}
	return nil
}

// MigrationStatus lists the embedded migrations with their applied time.
// On a fresh database nothing is applied yet.
func MigrationStatus(db *sql.DB) ([]Migration, error) {
	all, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].AppliedAt = applied[all[i].Version]
	}
	return all, nil
}

func embeddedMigrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		out = append(out, Migration{Version: version, File: name})
	}

	// 000_create_schema_migrations.sql sorts first
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// appliedVersions maps version to applied_at. schema_migrations is created by
// migration 000, so its absence means nothing has run.
func appliedVersions(db *sql.DB) (map[string]string, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	applied := make(map[string]string)
	if exists == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version, CAST(applied_at AS TEXT) FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()

	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = at
	}
	return applied, errors.Wrap(rows.Err(), "iterate schema_migrations")
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.File)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.File)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.File)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.File)
	}
	return nil
}
