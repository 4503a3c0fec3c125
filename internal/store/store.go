// Package store implements the single-writer, multi-reader durable
// event log and instance roster described in spec §4.1. It is backed
// by a single SQLite file (mattn/go-sqlite3, as the teacher's
// internal/memory and internal/opstate stores use) holding four
// logical tables: events, instances, notify_endpoints, kv.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable log + roster + kv store. All writes are
// serialized through a dedicated writer goroutine (Design Note §9:
// "a dedicated writer task that owns the connection and serves
// requests from a work channel"); reads use a separate connection
// pool so concurrent readers never block on the writer.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	logger  *slog.Logger

	jobs   chan writeJob
	done   chan struct{}
}

type writeJob struct {
	fn   func(*sql.Tx) error
	resp chan error
}

// Open creates or opens the store at path. WAL mode and a busy
// timeout are set on both connections, mirroring the DSN the
// teacher's internal/memory.NewSQLiteStore uses.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		logger:  logger,
		jobs:    make(chan writeJob),
		done:    make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	go s.runWriter()
	return s, nil
}

// Close stops the writer goroutine and closes both connections.
func (s *Store) Close() error {
	close(s.jobs)
	<-s.done
	if err := s.writeDB.Close(); err != nil {
		return err
	}
	return s.readDB.Close()
}

// withWrite submits fn to the dedicated writer goroutine and blocks
// for the result. fn runs inside a single transaction; the relay
// import path (spec §4.1: "the only write path allowed to take the
// lock across multiple statements") uses this directly to get an
// atomic multi-statement critical section.
func (s *Store) withWrite(_ context.Context, fn func(*sql.Tx) error) error {
	resp := make(chan error, 1)
	s.jobs <- writeJob{fn: fn, resp: resp}
	return <-resp
}

// WithWrite exposes the single-writer critical section to callers that
// must compose several store mutations atomically. Relay import is the
// only caller outside this package (spec §4.1: "the only write path
// allowed to take the lock across multiple statements").
func (s *Store) WithWrite(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withWrite(ctx, fn)
}

func (s *Store) runWriter() {
	defer close(s.done)
	for job := range s.jobs {
		err := func() error {
			tx, err := s.writeDB.Begin()
			if err != nil {
				return fmt.Errorf("%w: begin tx: %v", errStoreFatal, err)
			}
			if err := job.fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("%w: commit: %v", errStoreFatal, err)
			}
			return nil
		}()
		job.resp <- err
	}
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		type      TEXT NOT NULL,
		instance  TEXT NOT NULL,
		data      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance);

	CREATE TABLE IF NOT EXISTS instances (
		name              TEXT PRIMARY KEY,
		status            TEXT NOT NULL DEFAULT 'unknown',
		status_context    TEXT,
		status_detail     TEXT,
		status_time       INTEGER NOT NULL DEFAULT 0,
		last_event_id     INTEGER NOT NULL DEFAULT 0,
		tag               TEXT,
		tool              TEXT,
		background        INTEGER NOT NULL DEFAULT 0,
		session_id        TEXT,
		parent_name       TEXT,
		directory         TEXT,
		transcript_path   TEXT,
		wait_timeout      INTEGER NOT NULL DEFAULT 0,
		subagent_timeout  INTEGER NOT NULL DEFAULT 0,
		hints             TEXT,
		origin_device_id  TEXT NOT NULL DEFAULT '',
		tcp_mode          INTEGER NOT NULL DEFAULT 0,
		running_tasks     TEXT NOT NULL DEFAULT '{}',
		created_at        INTEGER NOT NULL DEFAULT 0,
		last_stop         INTEGER NOT NULL DEFAULT 0,
		broadcast_listen  INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_session
		ON instances(session_id) WHERE session_id IS NOT NULL AND session_id != '' AND origin_device_id = '';
	CREATE INDEX IF NOT EXISTS idx_instances_tag ON instances(tag);
	CREATE INDEX IF NOT EXISTS idx_instances_origin ON instances(origin_device_id);

	CREATE TABLE IF NOT EXISTS notify_endpoints (
		instance TEXT NOT NULL,
		port     INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (instance, port)
	);

	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.writeDB.Exec(schema)
	return err
}

// nowISO returns the current UTC time formatted as the ISO-8601 string
// events store in their timestamp column.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
