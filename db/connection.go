package db

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
)

// SQLiteBusyTimeoutMS is how long sqlite waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// Open opens the database for driver ("sqlite3" or "pgx") and verifies the
// connection. sqlite connections use WAL, foreign keys and immediate
// transactions so read-modify-write transactions serialize.
// If log is nil the open is silent.
func Open(driver, dsn string, log *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, "", err
	}

	if log != nil {
		log = logger.AddDBSymbol(log)
		log.Debugw("Opening database", "driver", driver)
	}

	connStr := dsn
	if dialect == SQLite {
		connStr = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), connStr)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open database")
	}

	if dialect == SQLite {
		// One writer at a time; readers share the WAL
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", errors.Wrapf(err, "failed to connect to %s database", driver)
	}

	if log != nil {
		log.Infow("Database opened", "driver", driver)
	}

	return db, dialect, nil
}

func sqliteDSN(path string) string {
	params := "_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_busy_timeout=" + strconv.Itoa(SQLiteBusyTimeoutMS)
	if path == ":memory:" {
		// Private in-memory database; MaxOpenConns(1) keeps it on one connection
		return "file::memory:?" + params
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params
}
