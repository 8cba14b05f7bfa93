package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	// Name identifies the dialect in logs and configuration.
	Name string

	// DriverName is the database/sql driver the dialect is used with.
	DriverName string

	blobType string
	numbered bool
}

var (
	// Postgres uses lib/pq and numbered placeholders.
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", blobType: "BYTEA", numbered: true}

	// SQLite uses modernc.org/sqlite and question mark placeholders.
	SQLite = Dialect{Name: "sqlite", DriverName: "sqlite", blobType: "BLOB"}
)

// DialectByName returns the dialect with the given name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case Postgres.Name, "postgresql", "pg":
		return Postgres, nil
	case SQLite.Name, "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// Rebind rewrites "?" placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
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

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runlog_events (
			run_id TEXT PRIMARY KEY,
			records ` + d.blobType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runlog_metadata (
			run_id TEXT NOT NULL,
			at_key TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (run_id, at_key)
		)`,
		`CREATE TABLE IF NOT EXISTS runlog_schedules (
			queue TEXT NOT NULL,
			at_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			has_payload INTEGER NOT NULL,
			payload ` + d.blobType + `,
			PRIMARY KEY (queue, at_key, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runlog_schedules_run
			ON runlog_schedules (queue, run_id, at_key)`,
		`CREATE TABLE IF NOT EXISTS runlog_leases (
			run_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			token BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
}
