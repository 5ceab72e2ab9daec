// Package db wraps MySQL access for simdash run history.
package db

// File: internal/db/db.go
// Purpose: MySQL store implementation for runs and their step records.

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"simdash/internal/logging"
	"simdash/internal/models"
)

//go:embed schema.sql
var schema string

// stepBatchSize bounds the rows of one multi-row insert.
const stepBatchSize = 500

const stepColumns = "run_id, step, date, avg_purchases_cust1, avg_purchases_cust2, total_daily_purchases, total_customers, total_products, stockout_rate_pct"

// Store wraps a sql.DB and exposes run history queries.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// New opens a MySQL connection and verifies connectivity.
func New(dsn string, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if log == nil {
		log = logging.Default("db")
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health performs a ping to validate database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run row. Re-inserting an existing id only refreshes its status.
func (s *Store) CreateRun(ctx context.Context, run models.Run) error {
	query := `
		INSERT INTO runs (id, status, start_date, max_steps, n_customers1, n_customers2, n_products_per_category, steps_received, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status)
	`
	start := time.Now()
	_, err := s.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.Status,
		run.StartDate,
		run.MaxSteps,
		run.NCustomers1,
		run.NCustomers2,
		run.NProductsPerCategory,
		run.StepsReceived,
		run.CreatedAt.UTC(),
	)
	s.log.DBQueryLog("insert", "runs", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun stores the final state of a run.
func (s *Store) UpdateRun(ctx context.Context, run models.Run) error {
	query := `
		UPDATE runs
		SET status = ?, steps_received = ?, error_kind = ?, error_message = ?, export_key = ?, completed_at = ?
		WHERE id = ?
	`
	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}
	start := time.Now()
	_, err := s.db.ExecContext(
		ctx,
		query,
		run.Status,
		run.StepsReceived,
		run.ErrorKind,
		run.ErrorMessage,
		run.ExportKey,
		completedAt,
		run.ID,
	)
	s.log.DBQueryLog("update", "runs", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// InsertSteps appends step records of a run; rows already stored are skipped.
func (s *Store) InsertSteps(ctx context.Context, runID string, steps []models.StepRecord) error {
	for len(steps) > 0 {
		n := min(len(steps), stepBatchSize)
		query, args := buildInsertSteps(runID, steps[:n])
		start := time.Now()
		_, err := s.db.ExecContext(ctx, query, args...)
		s.log.DBQueryLog("insert", "run_steps", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
		steps = steps[n:]
	}
	return nil
}

func buildInsertSteps(runID string, steps []models.StepRecord) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT IGNORE INTO run_steps (" + stepColumns + ") VALUES ")
	args := make([]any, 0, len(steps)*9)
	for i, st := range steps {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			runID,
			st.Step,
			sql.NullString{String: st.Date, Valid: st.Date != ""},
			st.AvgPurchasesCust1,
			st.AvgPurchasesCust2,
			st.TotalDailyPurchases,
			st.TotalCustomers,
			st.TotalProducts,
			st.StockoutRatePct,
		)
	}
	return b.String(), args
}

const runColumns = "id, status, start_date, max_steps, n_customers1, n_customers2, n_products_per_category, steps_received, error_kind, error_message, export_key, created_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.StartDate,
		&run.MaxSteps,
		&run.NCustomers1,
		&run.NCustomers2,
		&run.NProductsPerCategory,
		&run.StepsReceived,
		&run.ErrorKind,
		&run.ErrorMessage,
		&run.ExportKey,
		&run.CreatedAt,
		&run.CompletedAt,
	)
	return run, err
}

// GetRun returns a run with its steps, or nil when the id is unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = ?"
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select run: %w", err)
	}

	steps, err := s.runSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return &run, nil
}

func (s *Store) runSteps(ctx context.Context, runID string) ([]models.StepRecord, error) {
	query := "SELECT " + stepColumns + " FROM run_steps WHERE run_id = ? ORDER BY step"
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	steps := []models.StepRecord{}
	for rows.Next() {
		var (
			id   string
			date sql.NullString
			st   models.StepRecord
		)
		if err := rows.Scan(
			&id,
			&st.Step,
			&date,
			&st.AvgPurchasesCust1,
			&st.AvgPurchasesCust2,
			&st.TotalDailyPurchases,
			&st.TotalCustomers,
			&st.TotalProducts,
			&st.StockoutRatePct,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Date = date.String
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// ListRuns returns the most recent runs without steps.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY created_at DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
