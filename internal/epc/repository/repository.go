// Package repository persists the EPC run log in Postgres.
package repository

import (
	"context"
	"errors"
	"time"

	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const runDateLayout = "20060102"

const runColumns = `id, run_date, source, status, schema_variant, raw_path, processed_path,
	raw_rows, processed_rows, error_message, started_at, finished_at`

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads and writes epc_runs.
type Repository struct {
	db DB
}

// New creates a new run log repository.
func New(db DB) *Repository {
	return &Repository{db: db}
}

// RecordRun inserts or replaces a run.
func (r *Repository) RecordRun(ctx context.Context, run transport.RunResult) error {
	runDate, err := time.Parse(runDateLayout, run.RunDate)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid run date", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO epc_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			schema_variant = EXCLUDED.schema_variant,
			processed_path = EXCLUDED.processed_path,
			processed_rows = EXCLUDED.processed_rows,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at
	`,
		run.ID, runDate, string(run.Source), string(run.Status), run.SchemaVariant,
		run.RawPath, run.ProcessedPath, run.RawRows, run.ProcessedRows, run.Error,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return apperr.Storage("insert epc run", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]transport.RunResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM epc_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Storage("list epc runs", err)
	}
	defer rows.Close()

	runs := make([]transport.RunResult, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Storage("scan epc run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list epc runs", err)
	}

	return runs, nil
}

// LatestRun returns the most recent run.
func (r *Repository) LatestRun(ctx context.Context) (*transport.RunResult, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM epc_runs
		ORDER BY started_at DESC
		LIMIT 1
	`)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no runs recorded")
	}
	if err != nil {
		return nil, apperr.Storage("load latest epc run", err)
	}
	return &run, nil
}

func scanRun(row pgx.Row) (transport.RunResult, error) {
	var (
		run     transport.RunResult
		runDate time.Time
		source  string
		status  string
	)
	if err := row.Scan(
		&run.ID, &runDate, &source, &status, &run.SchemaVariant, &run.RawPath, &run.ProcessedPath,
		&run.RawRows, &run.ProcessedRows, &run.Error, &run.StartedAt, &run.FinishedAt,
	); err != nil {
		return transport.RunResult{}, err
	}
	run.RunDate = runDate.Format(runDateLayout)
	run.Source = transport.Source(source)
	run.Status = transport.RunStatus(status)
	return run, nil
}

