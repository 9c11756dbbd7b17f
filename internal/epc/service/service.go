// Package service runs the EPC fetch-normalize-score routine.
//
// A run is strictly sequential: resolve the dated paths, acquire the raw dataset
// (search API when a key is configured, bulk archive otherwise), persist it
// untouched, normalize and score a copy, and persist the result. When normalization
// or scoring fails the raw dataset is written to the processed path instead, so a
// processed file always exists after a successful acquisition.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"btr_pipeline/internal/epc/cache"
	"btr_pipeline/internal/epc/dataset"
	"btr_pipeline/internal/epc/publisher"
	"btr_pipeline/internal/epc/schema"
	"btr_pipeline/internal/epc/scoring"
	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"
	"btr_pipeline/platform/logger"
	"btr_pipeline/platform/validator"

	"github.com/google/uuid"
)

const (
	// SearchPageSize is the fixed page size of the single search request.
	SearchPageSize = 5000
	// SearchOffset is the fixed offset of the single search request.
	SearchOffset = 0
	// SampleSeed seeds bulk sampling so reruns draw the same rows.
	SampleSeed = 42
)

// Source acquires raw EPC data.
type Source interface {
	HasAPIKey() bool
	Search(ctx context.Context, size, from int) (*transport.SearchResponse, error)
	DownloadBulk(ctx context.Context, dir string) (string, error)
}

// SearchCache stores search responses between runs.
type SearchCache interface {
	Get(ctx context.Context, key string) (*transport.SearchResponse, bool, error)
	Set(ctx context.Context, key string, resp *transport.SearchResponse) error
}

// RunRecorder keeps the run log.
type RunRecorder interface {
	RecordRun(ctx context.Context, run transport.RunResult) error
}

// Publisher mirrors run outputs elsewhere.
type Publisher interface {
	Publish(ctx context.Context, files []publisher.File) error
}

// Service runs the routine.
type Service struct {
	source    Source
	schemas   *schema.Registry
	validator *validator.Validator
	cache     SearchCache
	runs      RunRecorder
	publisher Publisher
	now       func() time.Time
	log       *logger.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithCache enables the search response cache.
func WithCache(c SearchCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithRunRecorder enables the run log.
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Service) { s.runs = r }
}

// WithPublisher enables mirroring of outputs.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the clock used for date stamps and timings.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a new EPC service.
func New(source Source, schemas *schema.Registry, val *validator.Validator, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		source:    source,
		schemas:   schemas,
		validator: val,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one invocation. A returned error means acquisition (or persisting the
// raw file) failed and nothing usable was written. A processing failure is not an
// error: the result then has StatusRawFallback.
func (s *Service) Run(ctx context.Context, opts transport.RunOptions) (*transport.RunResult, error) {
	if err := s.validator.Struct(opts); err != nil {
		return nil, apperr.Validation("invalid run options").WithDetails(validator.Describe(err))
	}

	started := s.now()
	paths := ResolvePaths(opts.OutputDir, started)
	result := &transport.RunResult{
		ID:            uuid.New(),
		RunDate:       paths.Date,
		RawPath:       paths.Raw,
		ProcessedPath: paths.Processed,
		ManifestPath:  paths.Manifest,
		StartedAt:     started,
	}
	ctx = context.WithValue(ctx, logger.RunIDKey, result.ID.String())
	log := s.log.WithContext(ctx)
	log.Info("Fetching EPC ratings data", "output_dir", opts.OutputDir, "run_date", paths.Date)

	fail := func(stage string, err error) (*transport.RunResult, error) {
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Op == "" {
			appErr.WithOp(stage)
		}
		log.StageFailed(stage, err)
		result.Status = transport.StatusFailed
		result.Error = err.Error()
		result.FinishedAt = s.now()
		s.record(ctx, log, *result)
		return nil, err
	}

	if err := paths.Ensure(); err != nil {
		return fail("prepare_directories", err)
	}

	raw, source, err := s.acquire(ctx, opts, paths, log)
	result.Source = source
	if err != nil {
		return fail("acquire", err)
	}
	result.RawRows = raw.Nrow()

	if err := raw.WriteFile(paths.Raw); err != nil {
		return fail("persist_raw", apperr.Storage("write raw file", err))
	}
	log.Stage("persist_raw", "path", paths.Raw, "rows", raw.Nrow())

	processed, variant, procErr := s.process(raw, log)
	result.SchemaVariant = string(variant)
	out := processed
	result.Status = transport.StatusProcessed
	if procErr != nil {
		log.StageFailed("process", procErr, "fallback", "raw")
		out = raw
		result.Status = transport.StatusRawFallback
		result.Error = procErr.Error()
	}

	if err := out.WriteFile(paths.Processed); err != nil {
		return fail("persist_processed", apperr.Storage("write processed file", err))
	}
	result.ProcessedRows = out.Nrow()
	result.Columns = out.Names()
	if result.Status == transport.StatusRawFallback {
		log.Info("Saved raw data as processed due to processing error", "path", paths.Processed)
	} else {
		log.Stage("persist_processed", "path", paths.Processed, "rows", out.Nrow(), "variant", variant)
	}

	result.FinishedAt = s.now()
	if err := writeManifest(paths.Manifest, result); err != nil {
		log.Warn("failed to write manifest", "path", paths.Manifest, "error", err)
	}

	s.record(ctx, log, *result)
	s.publish(ctx, log, paths)

	return result, nil
}

func (s *Service) acquire(ctx context.Context, opts transport.RunOptions, paths Paths, log *logger.Logger) (*dataset.Dataset, transport.Source, error) {
	if s.source.HasAPIKey() {
		log.Info("Using EPC API with provided key")
		ds, err := s.acquireFromAPI(ctx, paths, log)
		return ds, transport.SourceAPI, err
	}

	log.Info("EPC API key not found. Using bulk download")
	ds, err := s.acquireFromBulk(ctx, opts, paths, log)
	return ds, transport.SourceBulk, err
}

func (s *Service) acquireFromAPI(ctx context.Context, paths Paths, log *logger.Logger) (*dataset.Dataset, error) {
	key := cache.SearchKey(paths.Date, SearchPageSize, SearchOffset)

	var resp *transport.SearchResponse
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn("search cache read failed", "key", key, "error", err)
		}
		if ok {
			log.Info("Using cached EPC search response", "key", key)
			resp = cached
		}
	}

	if resp == nil {
		fetched, err := s.source.Search(ctx, SearchPageSize, SearchOffset)
		if err != nil {
			return nil, err
		}
		resp = fetched
		if s.cache != nil {
			if err := s.cache.Set(ctx, key, resp); err != nil {
				log.Warn("search cache write failed", "key", key, "error", err)
			}
		}
	}

	ds, err := dataset.FromRows(*resp.Rows, resp.ColumnNames)
	if err != nil {
		return nil, apperr.Acquisition("build dataset from search rows", err)
	}
	log.Stage("acquire", "source", transport.SourceAPI, "rows", ds.Nrow())
	return ds, nil
}

func (s *Service) acquireFromBulk(ctx context.Context, opts transport.RunOptions, paths Paths, log *logger.Logger) (*dataset.Dataset, error) {
	archive, err := s.source.DownloadBulk(ctx, paths.RawDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archive)

	if members, err := dataset.CSVMembers(archive); err == nil {
		log.Info("Found CSV files in the archive", "count", len(members))
	}

	ds, member, err := dataset.ReadZipFirstCSV(archive)
	if err != nil {
		return nil, apperr.Acquisition("read bulk archive", err)
	}
	log.Info("Processing archive member", "member", member, "rows", ds.Nrow())

	if opts.SampleSize != nil && ds.Nrow() > *opts.SampleSize {
		log.Info("Limiting to random sample", "sample_size", *opts.SampleSize, "rows", ds.Nrow())
		ds, err = ds.Sample(*opts.SampleSize, SampleSeed)
		if err != nil {
			return nil, apperr.Acquisition("sample bulk rows", err)
		}
	}

	log.Stage("acquire", "source", transport.SourceBulk, "rows", ds.Nrow())
	return ds, nil
}

// process normalizes and scores raw without modifying it. Panics from the
// dataframe layer are reported as processing errors.
func (s *Service) process(raw *dataset.Dataset, log *logger.Logger) (out *dataset.Dataset, variant schema.Variant, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = apperr.Processing("process dataset", fmt.Errorf("panic: %v", r))
		}
	}()

	normalized, variant, err := s.schemas.Normalize(raw)
	if err != nil {
		return nil, variant, apperr.Processing("normalize columns", err)
	}
	log.Debug("Normalized EPC columns", "variant", variant, "columns", normalized.Names())

	scored, added, err := scoring.Score(normalized)
	if err != nil {
		return nil, variant, apperr.Processing("derive scores", err)
	}
	if len(added) > 0 {
		log.Info("Calculated EPC scores", "columns", added)
	}

	return scored, variant, nil
}

func (s *Service) record(ctx context.Context, log *logger.Logger, run transport.RunResult) {
	if s.runs == nil {
		return
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		log.DatabaseError("record run", err)
	}
}

func (s *Service) publish(ctx context.Context, log *logger.Logger, paths Paths) {
	if s.publisher == nil {
		return
	}
	files := []publisher.File{
		{Folder: "raw", Path: paths.Raw, ContentType: "text/csv"},
		{Folder: "processed", Path: paths.Processed, ContentType: "text/csv"},
		{Folder: "processed", Path: paths.Manifest, ContentType: "application/json"},
	}
	if err := s.publisher.Publish(ctx, files); err != nil {
		log.Warn("failed to publish run outputs", "error", err)
		return
	}
	log.Stage("publish", "files", len(files))
}

func writeManifest(path string, run *transport.RunResult) error {
	m := transport.Manifest{
		RunID:         run.ID,
		RunDate:       run.RunDate,
		Source:        run.Source,
		Status:        run.Status,
		SchemaVariant: run.SchemaVariant,
		RawRows:       run.RawRows,
		ProcessedRows: run.ProcessedRows,
		Columns:       run.Columns,
		Error:         run.Error,
		GeneratedAt:   run.FinishedAt,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadManifest loads a manifest written by a run.
func ReadManifest(path string) (*transport.Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("manifest not found")
	}
	if err != nil {
		return nil, apperr.Storage("read manifest", err)
	}
	var m transport.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Storage("decode manifest", err)
	}
	return &m, nil
}

// ProcessedFile returns the processed CSV path for a YYYYMMDD date under outputDir,
// or a not found error when that run left no file.
func ProcessedFile(outputDir, date string) (string, error) {
	path := filepath.Join(outputDir, ProcessedDirName, FileName(date))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFound("processed dataset not found")
		}
		return "", apperr.Storage("stat processed dataset", err)
	}
	return path, nil
}
