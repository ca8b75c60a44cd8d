package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// RecordDispatch stores the summary of a finished dispatch.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, record engine.DispatchRecord) error {
	if record.ID == "" {
		return fmt.Errorf("dispatch record has no id")
	}

	query := `
		INSERT INTO dispatches (id, resource_namespace, resource_name, attempt, outcome, error,
			retry_delay_ms, reschedule_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Resource.Namespace,
		record.Resource.Name,
		record.Attempt,
		string(record.Outcome),
		nullString(record.Error),
		record.RetryDelay.Milliseconds(),
		record.Reschedule.Milliseconds(),
		toUnix(record.StartedAt),
		toUnix(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}

	return nil
}

// GetDispatch retrieves a dispatch by ID
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*engine.DispatchRecord, error) {
	query := `
		SELECT id, resource_namespace, resource_name, attempt, outcome, error,
			retry_delay_ms, reschedule_ms, started_at, completed_at
		FROM dispatches
		WHERE id = ?
	`

	record, err := scanDispatch(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}

	return record, nil
}

// ListDispatches returns dispatches matching filter, newest first.
func (s *SQLiteStore) ListDispatches(ctx context.Context, filter DispatchFilter) ([]*engine.DispatchRecord, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if filter.Resource != nil {
		conditions = append(conditions, "resource_namespace = ? AND resource_name = ?")
		args = append(args, filter.Resource.Namespace, filter.Resource.Name)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "completed_at >= ?")
		args = append(args, toUnix(filter.Since))
	}

	query := `
		SELECT id, resource_namespace, resource_name, attempt, outcome, error,
			retry_delay_ms, reschedule_ms, started_at, completed_at
		FROM dispatches
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY completed_at DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	defer rows.Close()

	records := make([]*engine.DispatchRecord, 0)
	for rows.Next() {
		record, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// RecordWorkflowResult stores the outcome of every node of a workflow pass
// run by the given dispatch.
func (s *SQLiteStore) RecordWorkflowResult(ctx context.Context, dispatchID string, resource engine.ResourceID, result *workflow.Result) error {
	if result == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_outcomes (dispatch_id, resource_namespace, resource_name, workflow, phase,
			node, kind, outcome, delete_called, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := toUnix(time.Now())
	for _, node := range result.Nodes() {
		res, _ := result.Node(node.Name())

		var errText interface{}
		if res.Err != nil {
			errText = res.Err.Error()
		}

		if _, err := stmt.ExecContext(ctx,
			dispatchID,
			resource.Namespace,
			resource.Name,
			result.Workflow(),
			string(result.Phase()),
			node.Name(),
			node.Kind(),
			string(res.Outcome),
			res.DeleteCalled,
			errText,
			now,
		); err != nil {
			return fmt.Errorf("failed to record node %s: %w", node.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node outcomes: %w", err)
	}
	return nil
}

// ListNodeOutcomes returns the node outcomes of a dispatch in workflow order.
func (s *SQLiteStore) ListNodeOutcomes(ctx context.Context, dispatchID string) ([]*NodeOutcome, error) {
	query := `
		SELECT id, dispatch_id, resource_namespace, resource_name, workflow, phase,
			node, kind, outcome, delete_called, error, recorded_at
		FROM node_outcomes
		WHERE dispatch_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]*NodeOutcome, 0)
	for rows.Next() {
		var (
			o          NodeOutcome
			phase      string
			outcome    string
			recordedAt int64
		)
		if err := rows.Scan(
			&o.ID,
			&o.DispatchID,
			&o.Resource.Namespace,
			&o.Resource.Name,
			&o.Workflow,
			&phase,
			&o.Node,
			&o.Kind,
			&outcome,
			&o.DeleteCalled,
			&o.Error,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node outcome: %w", err)
		}
		o.Phase = workflow.Phase(phase)
		o.Outcome = workflow.Outcome(outcome)
		o.RecordedAt = fromUnix(recordedAt)
		outcomes = append(outcomes, &o)
	}

	return outcomes, rows.Err()
}

// PruneBefore deletes history completed before cutoff and returns the number
// of dispatches removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := toUnix(cutoff)
	if _, err := tx.ExecContext(ctx, "DELETE FROM node_outcomes WHERE recorded_at < ?", ts); err != nil {
		return 0, fmt.Errorf("failed to prune node outcomes: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM dispatches WHERE completed_at < ?", ts)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dispatches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned dispatches: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDispatch(row rowScanner) (*engine.DispatchRecord, error) {
	var (
		r                     engine.DispatchRecord
		outcome               string
		errText               sql.NullString
		retryMs, rescheduleMs int64
		startedAt, completed  int64
	)
	if err := row.Scan(
		&r.ID,
		&r.Resource.Namespace,
		&r.Resource.Name,
		&r.Attempt,
		&outcome,
		&errText,
		&retryMs,
		&rescheduleMs,
		&startedAt,
		&completed,
	); err != nil {
		return nil, err
	}

	r.Outcome = engine.DispatchOutcome(outcome)
	r.Error = errText.String
	r.RetryDelay = time.Duration(retryMs) * time.Millisecond
	r.Reschedule = time.Duration(rescheduleMs) * time.Millisecond
	r.StartedAt = fromUnix(startedAt)
	r.CompletedAt = fromUnix(completed)
	return &r, nil
}

// Timestamps are stored as unix nanoseconds.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
