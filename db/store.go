// Package db owns all relational access: read-only parameterized queries
// over the enrollment/meeting/participation tables plus the training run
// log. The Store is passed explicitly; connection lifecycle belongs to the
// caller.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a sql.DB for one of the supported drivers.
type Store struct {
	db     *sql.DB
	driver string
}

// ConnectionError means the database itself is unreachable, as opposed to
// reachable-but-empty (DataUnavailableError).
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "database unreachable: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// DataUnavailableError means a query legitimately found nothing: no rows,
// no enrolled users, no schedule match. Recoverable by informing the caller.
type DataUnavailableError struct {
	What string
}

func (e *DataUnavailableError) Error() string { return "no data available: " + e.What }

// Open connects and verifies the connection. driver is "sqlite3" or
// "postgres"; dsn is the file path or connection URL respectively.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, &ConnectionError{Err: err}
	}
	return &Store{db: conn, driver: driver}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// bind rewrites ? placeholders to $n for postgres. Queries are written once
// in ? style.
func (s *Store) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
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

// InitSchema bootstraps the sqlite schema for local deployments and tests.
// Production postgres schemas are managed outside this service.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.driver != "sqlite3" {
		return nil
	}
	schema := `
    CREATE TABLE IF NOT EXISTS courses (
        id INTEGER PRIMARY KEY,
        subject_id INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS classes (
        id INTEGER PRIMARY KEY,
        course_id INTEGER NOT NULL,
        instructor_id INTEGER NOT NULL,
        active TEXT NOT NULL DEFAULT 'Y'
    );
    CREATE TABLE IF NOT EXISTS enrollments (
        user_id INTEGER NOT NULL,
        class_id INTEGER NOT NULL,
        UNIQUE(user_id, class_id)
    );
    CREATE TABLE IF NOT EXISTS meetings (
        id INTEGER PRIMARY KEY,
        class_id INTEGER NOT NULL,
        title TEXT,
        scheduled_day TEXT,
        scheduled_time TEXT
    );
    CREATE TABLE IF NOT EXISTS participations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        meeting_id INTEGER NOT NULL,
        entered_at DATETIME,
        UNIQUE(user_id, meeting_id)
    );
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name TEXT NOT NULL,
        accuracy REAL,
        data_points INTEGER,
        trained_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Exec is a thin escape hatch for fixtures.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.bind(query), args...)
	return err
}
