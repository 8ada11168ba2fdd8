package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

// migrationsTable is kept apart from the cache's so both may share a file.
const migrationsTable = "run_history_migrations"

// defaultListLimit caps list queries that do not set a limit.
const defaultListLimit = 100

// SQLiteStore stores run history in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store. Call Init and Migrate before use, or use
// OpenSQLiteStore.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
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

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if s.cfg.Path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.cfg.Path)
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{MigrationsTable: migrationsTable})
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

// Record stores a finished execution result and its outcomes in one
// transaction. Recording the same run twice replaces the earlier copy.
func (s *SQLiteStore) Record(ctx context.Context, result *engine.ExecutionResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("result with a run id is required")
	}

	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.RunID, err)
	}

	var firstErr *string
	if len(result.Errors) > 0 {
		msg := result.Errors[0].Message
		firstErr = &msg
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, result.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	query := `
		INSERT INTO runs (id, policy, resource_type, status, dry_run, fetched, matched, errors,
			started_at, completed_at, duration_ns, error, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		result.RunID,
		result.Policy,
		result.ResourceType,
		string(result.Status),
		result.DryRun,
		result.Fetched,
		len(result.Matched),
		len(result.Errors),
		result.StartedAt.UnixNano(),
		result.CompletedAt.UnixNano(),
		int64(result.Duration),
		firstErr,
		doc,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(result.Outcomes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO outcomes (run_id, seq, account, region, resource_id, action, action_index, status, attempts, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare outcome insert: %w", err)
		}
		defer stmt.Close()

		for i, o := range result.Outcomes {
			_, err := stmt.ExecContext(ctx,
				result.RunID, i,
				o.Target.Account, o.Target.Region,
				o.ResourceID, o.Action, o.Index,
				string(o.Status), o.Attempts, o.Message,
			)
			if err != nil {
				return fmt.Errorf("failed to insert outcome: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, policy, resource_type, status, dry_run, fetched, matched, errors,
	started_at, completed_at, duration_ns, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                    Run
		status                 string
		startedAt, completedAt int64
		duration               int64
	)
	err := row.Scan(
		&run.ID,
		&run.Policy,
		&run.ResourceType,
		&status,
		&run.DryRun,
		&run.Fetched,
		&run.Matched,
		&run.Errors,
		&startedAt,
		&completedAt,
		&duration,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.StartedAt = time.Unix(0, startedAt)
	run.CompletedAt = time.Unix(0, completedAt)
	run.Duration = time.Duration(duration)
	return &run, nil
}

// GetRun returns the summary of a run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetResult returns the full stored execution result of a run.
func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*engine.ExecutionResult, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var result engine.ExecutionResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", id, err)
	}
	return &result, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Policy != "" {
		where = append(where, "policy = ?")
		args = append(args, filter.Policy)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListOutcomes lists stored outcomes, newest run first and in recorded order
// within a run.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*Outcome, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.RunID != "" {
		where = append(where, "o.run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ResourceID != "" {
		where = append(where, "o.resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.Status != "" {
		where = append(where, "o.status = ?")
		args = append(args, string(filter.Status))
	}

	query := `
		SELECT o.run_id, o.seq, o.account, o.region, o.resource_id, o.action, o.action_index,
			o.status, o.attempts, o.message
		FROM outcomes o JOIN runs r ON r.id = o.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.started_at DESC, o.run_id, o.seq LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*Outcome{}
	for rows.Next() {
		var (
			o      Outcome
			status string
		)
		err := rows.Scan(
			&o.RunID,
			&o.Seq,
			&o.Target.Account,
			&o.Target.Region,
			&o.ResourceID,
			&o.Action,
			&o.ActionIndex,
			&status,
			&o.Attempts,
			&o.Message,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = engine.OutcomeStatus(status)
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// DeleteRun removes a run and its outcomes.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// DeleteRunsBefore removes runs that started before cutoff and returns how
// many were removed.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
