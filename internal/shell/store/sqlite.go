package store

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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipctl/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface
// =============================================================================

// executor is the part of sqlx the queries below need.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the history database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection keeps ":memory:" databases alive across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartRun(ctx context.Context, run *RunRecord) error {
	return startRun(ctx, s.db, run)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *RunRecord) error {
	return finishRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListRunsByTarget(ctx context.Context, host, remoteDir string, opts ListOptions) ([]RunRecord, error) {
	return listRunsByTarget(ctx, s.db, host, remoteDir, opts)
}

func (s *SQLiteStore) LastDeployed(ctx context.Context, host, remoteDir string) (*RunRecord, error) {
	return lastDeployed(ctx, s.db, host, remoteDir)
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	Seq            int64   `db:"seq"`
	ID             string  `db:"id"`
	Host           string  `db:"host"`
	User           string  `db:"remote_user"`
	RemoteDir      string  `db:"remote_dir"`
	Version        string  `db:"version"`
	Mode           string  `db:"mode"`
	Components     *string `db:"components"`
	Status         string  `db:"status"`
	Phase          string  `db:"phase"`
	ErrorKind      string  `db:"error_kind"`
	ErrorMessage   string  `db:"error_message"`
	HealthURL      string  `db:"health_url"`
	HealthAttempts int     `db:"health_attempts"`
	StartedAt      string  `db:"started_at"`
	FinishedAt     *string `db:"finished_at"`
}

func startRun(ctx context.Context, exec executor, run *RunRecord) error {
	componentsJSON, err := json.Marshal(run.Components)
	if err != nil {
		return NewStoreError("StartRun", run.ID, "failed to serialize components", ErrInvalidData)
	}

	query := `
		INSERT INTO runs (
			id, host, remote_user, remote_dir, version, mode, components,
			status, phase, started_at
		) VALUES (
			:id, :host, :remote_user, :remote_dir, :version, :mode, :components,
			:status, :phase, :started_at
		)`

	row := map[string]any{
		"id":          run.ID,
		"host":        run.Host,
		"remote_user": run.User,
		"remote_dir":  run.RemoteDir,
		"version":     run.Version,
		"mode":        string(run.Mode),
		"components":  string(componentsJSON),
		"status":      string(run.Status),
		"phase":       run.Phase,
		"started_at":  run.StartedAt.UTC().Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("StartRun", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("StartRun", run.ID, err.Error(), err)
	}

	return nil
}

func finishRun(ctx context.Context, exec executor, run *RunRecord) error {
	query := `
		UPDATE runs SET
			status = :status,
			phase = :phase,
			error_kind = :error_kind,
			error_message = :error_message,
			health_url = :health_url,
			health_attempts = :health_attempts,
			finished_at = :finished_at
		WHERE id = :id`

	var finishedAt *string
	if run.FinishedAt != nil {
		s := run.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &s
	}

	row := map[string]any{
		"id":              run.ID,
		"status":          string(run.Status),
		"phase":           run.Phase,
		"error_kind":      run.ErrorKind,
		"error_message":   run.ErrorMessage,
		"health_url":      run.HealthURL,
		"health_attempts": run.HealthAttempts,
		"finished_at":     finishedAt,
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("FinishRun", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("FinishRun", run.ID, "run not found", ErrNotFound)
	}

	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*RunRecord, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", id, err.Error(), err)
	}

	return rowToRun(&row)
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]RunRecord, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY started_at DESC, seq DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRuns", "", err.Error(), err)
	}
	return rowsToRuns(rows)
}

func listRunsByTarget(ctx context.Context, exec executor, host, remoteDir string, opts ListOptions) ([]RunRecord, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs WHERE host = ? AND remote_dir = ? ORDER BY started_at DESC, seq DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, host, remoteDir, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRunsByTarget", "", err.Error(), err)
	}
	return rowsToRuns(rows)
}

func lastDeployed(ctx context.Context, exec executor, host, remoteDir string) (*RunRecord, error) {
	query := `
		SELECT * FROM runs
		WHERE host = ? AND remote_dir = ? AND status IN (?, ?)
		ORDER BY started_at DESC, seq DESC LIMIT 1`

	var row runRow
	err := exec.GetContext(ctx, &row, query, host, remoteDir, string(RunSucceeded), string(RunUnverified))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LastDeployed", "", "no deployed run for "+host+":"+remoteDir, ErrNotFound)
		}
		return nil, NewStoreError("LastDeployed", "", err.Error(), err)
	}
	return rowToRun(&row)
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowsToRuns(rows []runRow) ([]RunRecord, error) {
	runs := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// rowToRun converts a database row to a RunRecord.
func rowToRun(row *runRow) (*RunRecord, error) {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)

	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		finishedAt = &t
	}

	var components []string
	if row.Components != nil && *row.Components != "" && *row.Components != "null" {
		if err := json.Unmarshal([]byte(*row.Components), &components); err != nil {
			return nil, NewStoreError("rowToRun", row.ID, "failed to parse components", ErrInvalidData)
		}
	}

	return &RunRecord{
		ID:             row.ID,
		Host:           row.Host,
		User:           row.User,
		RemoteDir:      row.RemoteDir,
		Version:        row.Version,
		Mode:           domain.TransportMode(row.Mode),
		Components:     components,
		Status:         RunStatus(row.Status),
		Phase:          row.Phase,
		ErrorKind:      row.ErrorKind,
		ErrorMessage:   row.ErrorMessage,
		HealthURL:      row.HealthURL,
		HealthAttempts: row.HealthAttempts,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
	}, nil
}
