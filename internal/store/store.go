package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps the SQL database holding the business directory, the call log
// and the delivery audit.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the datastore using the supplied DSN/file path and driver.
// The sqlite driver takes a file path; postgres takes a connection URL.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dsn)
		db, err = sql.Open("sqlite", conn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
		}
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	var stmts []string
	if s.driver == DriverSQLite {
		stmts = append(stmts, `PRAGMA journal_mode=WAL;`)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS owners (
			id `+serial+`,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			status TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_owners_email ON owners(email);`,
		`CREATE TABLE IF NOT EXISTS businesses (
			id `+serial+`,
			owner_id INTEGER NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			email TEXT,
			scope TEXT,
			hours TEXT,
			callout_phone TEXT NOT NULL,
			webpage_url TEXT,
			description TEXT,
			tagline TEXT,
			address TEXT,
			city TEXT,
			state TEXT,
			country TEXT,
			whatsapp_number TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_businesses_callout_phone ON businesses(callout_phone);`,
		`CREATE INDEX IF NOT EXISTS idx_businesses_owner ON businesses(owner_id);`,
		`CREATE TABLE IF NOT EXISTS business_services (
			business_id INTEGER NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			service TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_business_services_business ON business_services(business_id);`,
		`CREATE TABLE IF NOT EXISTS business_activity_areas (
			business_id INTEGER NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			activity_area TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_business_activity_areas_business ON business_activity_areas(business_id);`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_sid TEXT PRIMARY KEY,
			stream_sid TEXT,
			from_number TEXT,
			to_number TEXT,
			forwarded_from TEXT,
			business_id INTEGER,
			status TEXT,
			outcome TEXT,
			duration_seconds INTEGER DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			stream_sid TEXT PRIMARY KEY,
			call_sid TEXT,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id `+serial+`,
			channel TEXT NOT NULL,
			template TEXT NOT NULL,
			recipient TEXT,
			subject TEXT,
			event_id TEXT,
			success BOOLEAN NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
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

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}
