package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/segpulse/errors"
)

// ErrDatabaseClosed marks work abandoned because the job database was closed
// underneath it, which happens when serve shuts down with attempts in flight.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone: our own
// sentinel, sql.ErrConnDone, or the "sql: database is closed" error that
// database/sql returns without a typed value.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
