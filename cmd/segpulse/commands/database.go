package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// dbPathFlag overrides database.path for every command
var dbPathFlag string

// AddDatabaseFlag registers the global --db flag on the root command
func AddDatabaseFlag(root *cobra.Command) {
	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")
}

// loadConfig loads the configuration and applies global flag overrides
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if dbPathFlag == "" {
		return cfg, nil
	}
	// Loaded configs are cached and shared; override on a copy
	out := *cfg
	out.Database.Path = dbPathFlag
	return &out, nil
}

// openDatabase opens and migrates the job database at path.
// If path is empty, the configured database path is used.
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
