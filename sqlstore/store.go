// Package sqlstore implements runlog.Backend and runlog.LeaseStore on top of
// database/sql, for Postgres (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/wire"
)

var (
	_ runlog.Backend    = (*Store)(nil)
	_ runlog.LeaseStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCodec sets the codec used for stored events. Defaults to MessagePack.
func WithCodec(codec wire.Codec) Option {
	return func(s *Store) { s.codec = codec }
}

// Store keeps run histories, metadata, schedules and leases in SQL tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
	codec   wire.Codec
	logger  *slog.Logger
	ownsDB  bool
}

// New wraps an open database. The caller owns the db lifecycle; Close does
// not close it. Call Migrate before use.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		codec:   wire.DefaultCodec,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects to Postgres and creates the tables.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return open(ctx, db, Postgres, opts)
}

// OpenSQLite opens (creating if needed) a SQLite database file and creates
// the tables. SQLite allows a single writer, so the pool is limited to one
// connection.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open(SQLite.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	return open(ctx, db, SQLite, opts)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, opts []Option) (*Store, error) {
	s := New(db, dialect, opts...)
	s.ownsDB = true
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migration failed: %w", err)
		}
	}
	s.logger.Debug("migrated runlog tables", "dialect", s.dialect.Name)
	return nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) ReadEvents(ctx context.Context, runID string) (*wire.Records, error) {
	if err := runlog.ValidateRunID(runID); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT records FROM runlog_events WHERE run_id = ?`), runID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: read events: %w", err)
	}
	return s.codec.DecodeRecords(data)
}

func (s *Store) WriteEvents(ctx context.Context, runID string, records *wire.Records) error {
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	data, err := s.codec.EncodeRecords(records)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO runlog_events (run_id, records) VALUES (?, ?)
		ON CONFLICT (run_id) DO UPDATE SET records = excluded.records`,
		runID, data)
	if err != nil {
		return fmt.Errorf("sqlstore: write events: %w", err)
	}
	return nil
}

func (s *Store) ReadAllMetadata(ctx context.Context, runID string) ([]wire.Metadata, error) {
	if err := runlog.ValidateRunID(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT at_key, body FROM runlog_metadata WHERE run_id = ? ORDER BY at_key`), runID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read metadata: %w", err)
	}
	defer rows.Close()

	var result []wire.Metadata
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("sqlstore: scan metadata: %w", err)
		}
		at, err := runlog.ParseTimeKey(key)
		if err != nil {
			return nil, err
		}
		result = append(result, wire.Metadata{At: at, Text: body})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: read metadata: %w", err)
	}
	return result, nil
}

func (s *Store) AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error {
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		INSERT INTO runlog_metadata (run_id, at_key, body) VALUES (?, ?, ?)
		ON CONFLICT (run_id, at_key) DO UPDATE SET body = excluded.body`,
		runID, runlog.TimeKey(at), text)
	if err != nil {
		return fmt.Errorf("sqlstore: append metadata: %w", err)
	}
	return nil
}

func (s *Store) AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error {
	if err := runlog.ValidateQueue(queue); err != nil {
		return err
	}
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	var data []byte
	hasPayload := 0
	if payload != nil {
		encoded, err := s.codec.EncodeEvent(payload)
		if err != nil {
			return err
		}
		data = encoded
		hasPayload = 1
	}
	atKey := runlog.TimeKey(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM runlog_schedules WHERE queue = ? AND run_id = ? AND at_key <= ?`),
		queue, runID, atKey)
	if err != nil {
		return fmt.Errorf("sqlstore: supersede schedules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO runlog_schedules (queue, at_key, run_id, has_payload, payload) VALUES (?, ?, ?, ?, ?)`),
		queue, atKey, runID, hasPayload, data); err != nil {
		return fmt.Errorf("sqlstore: add schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("superseded schedules", "queue", queue, "run_id", runID, "count", n)
	}
	return nil
}

func (s *Store) ReadSchedule(ctx context.Context, queue, runID string, at time.Time) (*wire.Event, error) {
	var hasPayload int
	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT has_payload, payload FROM runlog_schedules WHERE queue = ? AND at_key = ? AND run_id = ?`),
		queue, runlog.TimeKey(at), runID).Scan(&hasPayload, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: read schedule: %w", err)
	}
	if hasPayload == 0 {
		return nil, nil
	}
	return s.codec.DecodeEvent(data)
}

func (s *Store) CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error {
	_, err := s.exec(ctx,
		`DELETE FROM runlog_schedules WHERE queue = ? AND at_key = ? AND run_id = ?`,
		queue, runlog.TimeKey(at), runID)
	if err != nil {
		return fmt.Errorf("sqlstore: close schedule: %w", err)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]wire.Schedule, error) {
	if err := runlog.ValidateQueue(queue); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT at_key, run_id, has_payload FROM runlog_schedules WHERE queue = ?`), queue)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list schedules: %w", err)
	}
	defer rows.Close()

	var result []wire.Schedule
	for rows.Next() {
		var atKey, runID string
		var hasPayload int
		if err := rows.Scan(&atKey, &runID, &hasPayload); err != nil {
			return nil, fmt.Errorf("sqlstore: scan schedule: %w", err)
		}
		at, err := runlog.ParseTimeKey(atKey)
		if err != nil {
			return nil, err
		}
		result = append(result, wire.Schedule{Queue: queue, RunID: runID, At: at, HasPayload: hasPayload != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list schedules: %w", err)
	}
	// Sorted here rather than in SQL so text collation cannot reorder ids.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].At.Equal(result[j].At) {
			return result[i].At.Before(result[j].At)
		}
		return result[i].RunID < result[j].RunID
	})
	return result, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runlog_events`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list runs: %w", err)
	}
	defer rows.Close()

	runIDs := []string{}
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("sqlstore: scan run: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list runs: %w", err)
	}
	sort.Strings(runIDs)
	return runIDs, nil
}
