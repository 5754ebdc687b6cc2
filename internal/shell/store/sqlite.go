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

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	digest "github.com/opencontainers/go-digest"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
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

// NewSQLiteStore creates a new SQLite store and runs migrations.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Pipelines write concurrently; one connection serializes them and keeps
	// an in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
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

func (s *SQLiteStore) GetBuildRecord(ctx context.Context, project, service string) (*build.Record, error) {
	return getBuildRecord(ctx, s.db, project, service)
}

func (s *SQLiteStore) SaveBuildRecord(ctx context.Context, project string, record *build.Record) error {
	return saveBuildRecord(ctx, s.db, project, record)
}

func (s *SQLiteStore) DeleteBuildRecord(ctx context.Context, project, service string) error {
	return deleteBuildRecord(ctx, s.db, project, service)
}

func (s *SQLiteStore) ListBuildRecords(ctx context.Context, project string) ([]build.Record, error) {
	return listBuildRecords(ctx, s.db, project)
}

func (s *SQLiteStore) CreateBatchEvent(ctx context.Context, event *BatchEvent) error {
	return createBatchEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListBatchEvents(ctx context.Context, project string, limit int) ([]BatchEvent, error) {
	return listBatchEvents(ctx, s.db, project, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(&txSQLiteStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) GetBuildRecord(ctx context.Context, project, service string) (*build.Record, error) {
	return getBuildRecord(ctx, s.tx, project, service)
}

func (s *txSQLiteStore) SaveBuildRecord(ctx context.Context, project string, record *build.Record) error {
	return saveBuildRecord(ctx, s.tx, project, record)
}

func (s *txSQLiteStore) DeleteBuildRecord(ctx context.Context, project, service string) error {
	return deleteBuildRecord(ctx, s.tx, project, service)
}

func (s *txSQLiteStore) ListBuildRecords(ctx context.Context, project string) ([]build.Record, error) {
	return listBuildRecords(ctx, s.tx, project)
}

func (s *txSQLiteStore) CreateBatchEvent(ctx context.Context, event *BatchEvent) error {
	return createBatchEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListBatchEvents(ctx context.Context, project string, limit int) ([]BatchEvent, error) {
	return listBatchEvents(ctx, s.tx, project, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Build Record Operations
// =============================================================================

type buildRecordRow struct {
	Project     string `db:"project"`
	Service     string `db:"service"`
	Fingerprint string `db:"fingerprint"`
	ImageID     string `db:"image_id"`
	ImageTag    string `db:"image_tag"`
	BuiltAt     string `db:"built_at"`
}

func getBuildRecord(ctx context.Context, exec executor, project, service string) (*build.Record, error) {
	query := `SELECT * FROM build_records WHERE project = ? AND service = ?`

	var row buildRecordRow
	if err := exec.GetContext(ctx, &row, query, project, service); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBuildRecord", "build_record", service, "build record not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBuildRecord", "build_record", service, err.Error(), err)
	}

	return rowToBuildRecord(&row)
}

func saveBuildRecord(ctx context.Context, exec executor, project string, record *build.Record) error {
	if record == nil || record.Service == "" {
		return NewStoreError("SaveBuildRecord", "build_record", "", "record requires a service", ErrInvalidData)
	}
	if err := record.Fingerprint.Validate(); err != nil {
		return NewStoreError("SaveBuildRecord", "build_record", record.Service, "invalid fingerprint", ErrInvalidData)
	}

	query := `
		INSERT INTO build_records (project, service, fingerprint, image_id, image_tag, built_at)
		VALUES (:project, :service, :fingerprint, :image_id, :image_tag, :built_at)
		ON CONFLICT (project, service) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			image_id = excluded.image_id,
			image_tag = excluded.image_tag,
			built_at = excluded.built_at`

	row := buildRecordRow{
		Project:     project,
		Service:     record.Service,
		Fingerprint: record.Fingerprint.String(),
		ImageID:     record.ImageID,
		ImageTag:    record.ImageTag,
		BuiltAt:     record.BuiltAt.UTC().Format(timeLayout),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveBuildRecord", "build_record", record.Service, err.Error(), err)
	}

	return nil
}

func deleteBuildRecord(ctx context.Context, exec executor, project, service string) error {
	query := `DELETE FROM build_records WHERE project = ? AND service = ?`

	result, err := exec.ExecContext(ctx, query, project, service)
	if err != nil {
		return NewStoreError("DeleteBuildRecord", "build_record", service, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteBuildRecord", "build_record", service, "build record not found", ErrNotFound)
	}

	return nil
}

func listBuildRecords(ctx context.Context, exec executor, project string) ([]build.Record, error) {
	query := `SELECT * FROM build_records WHERE project = ? ORDER BY service`

	var rows []buildRecordRow
	if err := exec.SelectContext(ctx, &rows, query, project); err != nil {
		return nil, NewStoreError("ListBuildRecords", "build_record", "", err.Error(), err)
	}

	records := make([]build.Record, 0, len(rows))
	for i := range rows {
		r, err := rowToBuildRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

// =============================================================================
// Batch Event Operations
// =============================================================================

type batchEventRow struct {
	ID         string `db:"id"`
	Project    string `db:"project"`
	Operation  string `db:"operation"`
	Success    bool   `db:"success"`
	Outcomes   string `db:"outcomes"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

func createBatchEvent(ctx context.Context, exec executor, event *BatchEvent) error {
	outcomesJSON, err := json.Marshal(event.Outcomes)
	if err != nil {
		return NewStoreError("CreateBatchEvent", "batch_event", event.ID, "failed to serialize outcomes", ErrInvalidData)
	}

	query := `
		INSERT INTO batch_events (id, project, operation, success, outcomes, started_at, finished_at)
		VALUES (:id, :project, :operation, :success, :outcomes, :started_at, :finished_at)`

	row := batchEventRow{
		ID:         event.ID,
		Project:    event.Project,
		Operation:  string(event.Operation),
		Success:    event.Success,
		Outcomes:   string(outcomesJSON),
		StartedAt:  event.StartedAt.UTC().Format(timeLayout),
		FinishedAt: event.FinishedAt.UTC().Format(timeLayout),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: batch_events.id") {
			return NewStoreError("CreateBatchEvent", "batch_event", event.ID, "batch event already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateBatchEvent", "batch_event", event.ID, err.Error(), err)
	}

	return nil
}

func listBatchEvents(ctx context.Context, exec executor, project string, limit int) ([]BatchEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	query := `SELECT * FROM batch_events WHERE project = ? ORDER BY started_at DESC LIMIT ?`

	var rows []batchEventRow
	if err := exec.SelectContext(ctx, &rows, query, project, limit); err != nil {
		return nil, NewStoreError("ListBatchEvents", "batch_event", "", err.Error(), err)
	}

	events := make([]BatchEvent, 0, len(rows))
	for i := range rows {
		e, err := rowToBatchEvent(&rows[i])
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToBuildRecord(row *buildRecordRow) (*build.Record, error) {
	fingerprint, err := digest.Parse(row.Fingerprint)
	if err != nil {
		return nil, NewStoreError("GetBuildRecord", "build_record", row.Service, "stored fingerprint is invalid", ErrInvalidData)
	}
	builtAt, err := time.Parse(timeLayout, row.BuiltAt)
	if err != nil {
		return nil, NewStoreError("GetBuildRecord", "build_record", row.Service, "stored timestamp is invalid", ErrInvalidData)
	}
	return &build.Record{
		Service:     row.Service,
		Fingerprint: fingerprint,
		ImageID:     row.ImageID,
		ImageTag:    row.ImageTag,
		BuiltAt:     builtAt,
	}, nil
}

func rowToBatchEvent(row *batchEventRow) (*BatchEvent, error) {
	var outcomes []OutcomeEntry
	if err := json.Unmarshal([]byte(row.Outcomes), &outcomes); err != nil {
		return nil, NewStoreError("ListBatchEvents", "batch_event", row.ID, "failed to deserialize outcomes", ErrInvalidData)
	}
	startedAt, err := time.Parse(timeLayout, row.StartedAt)
	if err != nil {
		return nil, NewStoreError("ListBatchEvents", "batch_event", row.ID, "stored timestamp is invalid", ErrInvalidData)
	}
	finishedAt, err := time.Parse(timeLayout, row.FinishedAt)
	if err != nil {
		return nil, NewStoreError("ListBatchEvents", "batch_event", row.ID, "stored timestamp is invalid", ErrInvalidData)
	}
	return &BatchEvent{
		ID:         row.ID,
		Project:    row.Project,
		Operation:  lifecycle.Operation(row.Operation),
		Success:    row.Success,
		Outcomes:   outcomes,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}
