package db

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
)

// Dialect captures the few places where sqlite and postgres SQL differ.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

// DialectFor maps a database/sql driver name to its Dialect
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return "", errors.Newf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites ? placeholders into $1..$n for postgres.
// Queries in this module never contain a literal '?'.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate is the row-lock suffix for SELECTs inside a read-modify-write
// transaction. sqlite locks the whole database on BEGIN IMMEDIATE instead.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// TimeLayout is fixed-width so stored timestamps order lexicographically
// the same way they order in time, on every dialect.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC with TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid stored timestamp %q", s)
	}
	return t, nil
}
