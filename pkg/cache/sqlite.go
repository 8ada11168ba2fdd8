package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cloudsteward/steward/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite backend configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteBackend persists cache entries in a local SQLite database.
type SQLiteBackend struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteBackend creates a backend. Call Init and Migrate before use, or
// use OpenSQLiteBackend.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteBackend{cfg: cfg}, nil
}

// OpenSQLiteBackend creates, initializes and migrates a backend.
func OpenSQLiteBackend(ctx context.Context, cfg SQLiteConfig) (*SQLiteBackend, error) {
	b, err := NewSQLiteBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteBackend) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteBackend) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get returns the entry for key, or nil if absent.
func (s *SQLiteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT payload, fetched_at, ttl_ns FROM cache_entries WHERE key = ?`

	var (
		payload   []byte
		fetchedAt int64
		ttl       int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload, &fetchedAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var set engine.ResourceSet
	if err := decodeJSON(payload, &set); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	return &Entry{
		Key:       key,
		Value:     &set,
		FetchedAt: time.Unix(0, fetchedAt),
		TTL:       time.Duration(ttl),
	}, nil
}

// Put stores an entry, replacing any previous one.
func (s *SQLiteBackend) Put(ctx context.Context, entry *Entry) error {
	payload, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", entry.Key, err)
	}

	query := `
		INSERT INTO cache_entries (key, payload, fetched_at, ttl_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			ttl_ns = excluded.ttl_ns
	`

	if _, err := s.db.ExecContext(ctx, query, entry.Key, payload, entry.FetchedAt.UnixNano(), int64(entry.TTL)); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Purge removes all entries.
func (s *SQLiteBackend) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to purge cache entries: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that are stale at now and returns how many
// were removed.
func (s *SQLiteBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM cache_entries WHERE fetched_at + ttl_ns <= ?`

	result, err := s.db.ExecContext(ctx, query, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
