package db

import (
	"strings"

	"github.com/teranos/pulsed/errors"
)

// ErrDatabaseClosed is returned when operations run after the database was
// closed, typically while in-flight executions finish during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks for ErrDatabaseClosed or the driver's own
// "database is closed" error, which cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
