// Package store is Warden's single-writer embedded database: agents,
// schedule, metrics, activity log, pending activations, and the
// profile/site/node lookup tables. It opens one SQLite file via the
// pure-Go modernc.org/sqlite driver, in WAL mode, and applies its schema
// idempotently on every startup (see Migrate).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFile embed.FS

// Config configures a new Store connection.
type Config struct {
	Path string // database file path, or a file: URI for in-memory test DBs
}

// Store wraps the single SQLite connection used for all of Warden's
// durable state.
type Store struct {
	conn *sql.DB
	path string
}

// Open resolves the database path, creates its directory if needed, opens
// the connection with WAL and a conservative busy timeout, and applies
// migrations before returning.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		path = abs
	}

	conn, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer embedded DB; serialize all access
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=cache_size(-32000)"
	return connStr
}

// Migrate applies schema.sql. CREATE TABLE/INDEX IF NOT EXISTS and INSERT OR
// IGNORE make this safe to call on every startup (testable property 8).
func (s *Store) Migrate() error {
	content, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()
		errStr := err.Error()
		if strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists") {
			return nil
		}
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the raw *sql.DB for packages that need ad-hoc queries.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Path returns the absolute database file path.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck pings the connection and runs an integrity check.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var result string
	if err := s.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise.
func withTx(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func timeToStr(t time.Time) string {
	return t.Format(time.RFC3339)
}

func ptrTimeToStr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeToStr(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullableTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
