package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "migrate.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	log := zaptest.NewLogger(t).Sugar()
	require.NoError(t, Migrate(db, log))

	var first int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&first))

	require.NoError(t, Migrate(db, log))

	var second int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&second))
	assert.Equal(t, first, second, "re-running migrations must not re-apply anything")
	assert.Equal(t, 3, second)
}

func TestSegmentJobsStatusConstraint(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "constraint.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO segment_jobs (id, status, work_items, created_at, updated_at)
		VALUES ('bad', 'exploded', '[]', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "unknown status must be rejected")

	_, err = db.Exec(`INSERT INTO segment_jobs (id, status, work_items, created_at, updated_at)
		VALUES ('ok', 'pending', '["seg-a"]', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	assert.NoError(t, err)
}

func TestMigrationStatus(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "status.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	before, err := MigrationStatus(db)
	require.NoError(t, err)
	require.Len(t, before, 3)
	assert.Equal(t, "000", before[0].Version)
	for _, m := range before {
		assert.False(t, m.Applied(), "%s should be pending on a fresh database", m.File)
	}

	require.NoError(t, Migrate(db, nil))

	after, err := MigrationStatus(db)
	require.NoError(t, err)
	for _, m := range after {
		assert.True(t, m.Applied(), "%s should be applied", m.File)
	}
}
