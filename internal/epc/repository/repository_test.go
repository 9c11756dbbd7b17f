package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		}
	}
	return nil
}

type fakeDB struct {
	row      fakeRow
	execArgs []any
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func TestRecordRunConvertsRunDate(t *testing.T) {
	db := &fakeDB{}
	repo := New(db)
	run := transport.RunResult{
		ID:      uuid.New(),
		RunDate: "20261019",
		Source:  transport.SourceBulk,
		Status:  transport.StatusRawFallback,
	}

	if err := repo.RecordRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.execArgs) != 12 {
		t.Fatalf("expected 12 args, got %d", len(db.execArgs))
	}
	date, ok := db.execArgs[1].(time.Time)
	if !ok || date.Format("2006-01-02") != "2026-10-19" {
		t.Fatalf("unexpected run date arg: %v", db.execArgs[1])
	}
	if db.execArgs[3] != "raw_fallback" {
		t.Fatalf("unexpected status arg: %v", db.execArgs[3])
	}
}

func TestRecordRunRejectsBadDate(t *testing.T) {
	repo := New(&fakeDB{})

	err := repo.RecordRun(context.Background(), transport.RunResult{RunDate: "2026-10-19"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLatestRunNotFound(t *testing.T) {
	repo := New(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := repo.LatestRun(context.Background())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLatestRunScans(t *testing.T) {
	id := uuid.New()
	started := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	repo := New(&fakeDB{row: fakeRow{values: []any{
		id, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), "api", "processed", "api",
		"data/raw/epc_ratings_20261019.csv", "data/processed/epc_ratings_20261019.csv",
		5000, 5000, "", started, started.Add(time.Minute),
	}}})

	run, err := repo.LatestRun(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID != id || run.RunDate != "20261019" || run.Source != transport.SourceAPI || run.Status != transport.StatusProcessed {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.RawRows != 5000 || !run.StartedAt.Equal(started) {
		t.Fatalf("unexpected counts or times: %+v", run)
	}
}
