package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"btr_pipeline/internal/epc/dataset"
	"btr_pipeline/internal/epc/publisher"
	"btr_pipeline/internal/epc/schema"
	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"
	"btr_pipeline/platform/logger"
	"btr_pipeline/platform/validator"
)

type fakeSource struct {
	apiKey      bool
	search      *transport.SearchResponse
	searchErr   error
	searchCalls int
	archive     []byte
	bulkErr     error
}

func (f *fakeSource) HasAPIKey() bool { return f.apiKey }

func (f *fakeSource) Search(_ context.Context, size, from int) (*transport.SearchResponse, error) {
	f.searchCalls++
	if size != SearchPageSize || from != SearchOffset {
		return nil, errors.New("unexpected paging")
	}
	return f.search, f.searchErr
}

func (f *fakeSource) DownloadBulk(_ context.Context, dir string) (string, error) {
	if f.bulkErr != nil {
		return "", f.bulkErr
	}
	path := filepath.Join(dir, "bulk-test.zip")
	if err := os.WriteFile(path, f.archive, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type memoryCache struct {
	entries map[string]*transport.SearchResponse
}

func (m *memoryCache) Get(_ context.Context, key string) (*transport.SearchResponse, bool, error) {
	resp, ok := m.entries[key]
	return resp, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, resp *transport.SearchResponse) error {
	m.entries[key] = resp
	return nil
}

type recorder struct {
	runs []transport.RunResult
	err  error
}

func (r *recorder) RecordRun(_ context.Context, run transport.RunResult) error {
	r.runs = append(r.runs, run)
	return r.err
}

type capturePublisher struct {
	files []publisher.File
}

func (c *capturePublisher) Publish(_ context.Context, files []publisher.File) error {
	c.files = append(c.files, files...)
	return nil
}

var fixedDay = time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)

func newService(t *testing.T, src Source, opts ...Option) *Service {
	t.Helper()
	return newServiceWithLog(t, src, logger.Discard(), opts...)
}

func newServiceWithLog(t *testing.T, src Source, log *logger.Logger, opts ...Option) *Service {
	t.Helper()
	schemas, err := schema.Default()
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedDay })}, opts...)
	return New(src, schemas, validator.New(), log, opts...)
}

// logLines decodes JSON log output into one map per line.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func rows(items ...map[string]any) *transport.SearchResponse {
	return &transport.SearchResponse{Rows: &items}
}

func bulkArchive(t *testing.T, members ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m[0])
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		if _, err := w.Write([]byte(m[1])); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func readDataset(t *testing.T, path string) *dataset.Dataset {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	ds, err := dataset.ReadCSV(f)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return ds
}

func TestRunAPISingleRow(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		apiKey: true,
		search: rows(map[string]any{"postcode": "SW1A 1AA", "current-energy-rating": "C"}),
	}

	result, err := newService(t, src).Run(context.Background(), transport.RunOptions{OutputDir: out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != transport.SourceAPI || result.Status != transport.StatusProcessed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RawPath != filepath.Join(out, "epc_ratings_20240309.csv") {
		t.Fatalf("unexpected raw path %s", result.RawPath)
	}
	if result.ProcessedPath != filepath.Join(out, "processed", "epc_ratings_20240309.csv") {
		t.Fatalf("unexpected processed path %s", result.ProcessedPath)
	}

	raw := readDataset(t, result.RawPath)
	if !slices.Equal(raw.Names(), []string{"current-energy-rating", "postcode"}) {
		t.Fatalf("raw columns must be untouched, got %v", raw.Names())
	}

	processed := readDataset(t, result.ProcessedPath)
	want := []string{"postcode", "current_energy_rating", "current_rating_score", "improvement_score", "rating_weight", "epc_opportunity_score"}
	if !slices.Equal(processed.Names(), want) {
		t.Fatalf("expected %v, got %v", want, processed.Names())
	}
	got := processed.Records()[1]
	if !slices.Equal(got, []string{"SW1A 1AA", "C", "5", "0", "12.5", "12.5"}) {
		t.Fatalf("unexpected processed row %v", got)
	}
}

func TestRunAPIUsesCache(t *testing.T) {
	c := &memoryCache{entries: map[string]*transport.SearchResponse{}}
	src := &fakeSource{
		apiKey: true,
		search: rows(map[string]any{"postcode": "E1 6AN", "current-energy-rating": "D"}),
	}
	svc := newService(t, src, WithCache(c))

	for range 2 {
		if _, err := svc.Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if src.searchCalls != 1 {
		t.Fatalf("expected one upstream search, got %d", src.searchCalls)
	}
}

func TestRunBulkSamplesDeterministically(t *testing.T) {
	var csv strings.Builder
	csv.WriteString("POSTCODE,CURRENT_ENERGY_RATING\n")
	letters := "ABCDEFG"
	for i := range 50 {
		csv.WriteString("P")
		csv.WriteString(strings.Repeat("x", i%3))
		csv.WriteString(string(rune('0' + i%10)))
		csv.WriteString(",")
		csv.WriteByte(letters[i%7])
		csv.WriteString("\n")
	}
	archive := bulkArchive(t, [2]string{"README.txt", "ignore"}, [2]string{"certificates.csv", csv.String()})
	size := 10

	run := func() [][]string {
		out := t.TempDir()
		src := &fakeSource{archive: archive}
		result, err := newService(t, src).Run(context.Background(), transport.RunOptions{OutputDir: out, SampleSize: &size})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Source != transport.SourceBulk || result.RawRows != size {
			t.Fatalf("unexpected result: %+v", result)
		}
		if _, err := os.Stat(filepath.Join(out, "bulk-test.zip")); !os.IsNotExist(err) {
			t.Fatalf("expected archive to be removed, got %v", err)
		}
		return readDataset(t, result.RawPath).Records()
	}

	first, second := run(), run()
	if len(first) != size+1 {
		t.Fatalf("expected %d rows plus header, got %d", size, len(first)-1)
	}
	for i := range first {
		if !slices.Equal(first[i], second[i]) {
			t.Fatalf("sampling is not deterministic at row %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestRunBulkWithoutSampleKeepsAllRows(t *testing.T) {
	archive := bulkArchive(t, [2]string{"data.csv", "POSTCODE,CURRENT_ENERGY_RATING\nA1,B\nA2,C\n"})
	src := &fakeSource{archive: archive}

	result, err := newService(t, src).Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RawRows != 2 || result.SchemaVariant != string(schema.VariantBulk) {
		t.Fatalf("unexpected result: %+v", result)
	}
	processed := readDataset(t, result.ProcessedPath)
	if !processed.Has("postcode") || !processed.Has("current_rating_score") {
		t.Fatalf("unexpected processed columns %v", processed.Names())
	}
}

func TestRunProcessingFailureFallsBackToRaw(t *testing.T) {
	out := t.TempDir()
	// api variant detected but the efficiency value is not numeric
	src := &fakeSource{
		apiKey: true,
		search: rows(
			map[string]any{"current-energy-rating": "C", "current-energy-efficiency": "fifty", "potential-energy-efficiency": "70"},
		),
	}
	rec := &recorder{}

	result, err := newService(t, src, WithRunRecorder(rec)).Run(context.Background(), transport.RunOptions{OutputDir: out})
	if err != nil {
		t.Fatalf("processing failure must not fail the run: %v", err)
	}
	if result.Status != transport.StatusRawFallback || result.Error == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	raw, err := os.ReadFile(result.RawPath)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	processed, err := os.ReadFile(result.ProcessedPath)
	if err != nil {
		t.Fatalf("read processed: %v", err)
	}
	if !bytes.Equal(raw, processed) {
		t.Fatalf("fallback file differs from raw:\n%s\n---\n%s", raw, processed)
	}

	m, err := ReadManifest(result.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.Status != transport.StatusRawFallback || m.RunID != result.ID {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(rec.runs) != 1 || rec.runs[0].Status != transport.StatusRawFallback {
		t.Fatalf("unexpected recorded runs: %+v", rec.runs)
	}
}

func TestRunAcquisitionFailureWritesNothing(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{apiKey: true, searchErr: apperr.Acquisition("http request", errors.New("boom"))}
	rec := &recorder{}

	result, err := newService(t, src, WithRunRecorder(rec)).Run(context.Background(), transport.RunOptions{OutputDir: out})
	if !apperr.Is(err, apperr.KindAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result, got %+v", result)
	}
	paths := ResolvePaths(out, fixedDay)
	for _, p := range []string{paths.Raw, paths.Processed, paths.Manifest} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be absent", p)
		}
	}
	if len(rec.runs) != 1 || rec.runs[0].Status != transport.StatusFailed {
		t.Fatalf("expected failed run to be recorded, got %+v", rec.runs)
	}
	if !strings.HasPrefix(err.Error(), "acquire: ") || rec.runs[0].Error != err.Error() {
		t.Fatalf("expected error tagged with its stage, got %q (recorded %q)", err, rec.runs[0].Error)
	}
}

func TestRunLogsCarryRunID(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{
		apiKey: true,
		search: rows(map[string]any{"postcode": "SW1A 1AA", "current-energy-rating": "C"}),
	}
	rec := &recorder{err: errors.New("connection refused")}
	svc := newServiceWithLog(t, src, logger.NewWithWriter("production", &buf), WithRunRecorder(rec))

	result, err := svc.Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[string]bool{}
	for _, entry := range logLines(t, &buf) {
		if entry["run_id"] != result.ID.String() {
			t.Fatalf("log line without run_id: %v", entry)
		}
		seen[entry["msg"].(string)] = true
	}
	for _, msg := range []string{"Calculated EPC scores", "database_error"} {
		if !seen[msg] {
			t.Fatalf("expected %q to be logged, got %v", msg, seen)
		}
	}
}

func TestRunEmptyArchiveFails(t *testing.T) {
	src := &fakeSource{archive: bulkArchive(t, [2]string{"notes.txt", "hello"})}

	_, err := newService(t, src).Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir()})
	if !apperr.Is(err, apperr.KindAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if !errors.Is(err, dataset.ErrNoCSV) {
		t.Fatalf("expected no CSV error, got %v", err)
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	zero := 0
	svc := newService(t, &fakeSource{})

	if _, err := svc.Run(context.Background(), transport.RunOptions{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing output dir, got %v", err)
	}
	if _, err := svc.Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir(), SampleSize: &zero}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for zero sample, got %v", err)
	}
}

func TestRunPublishesOutputs(t *testing.T) {
	pub := &capturePublisher{}
	src := &fakeSource{apiKey: true, search: rows(map[string]any{"current-energy-rating": "A"})}

	result, err := newService(t, src, WithPublisher(pub)).Run(context.Background(), transport.RunOptions{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var keys []string
	for _, f := range pub.files {
		keys = append(keys, f.Key())
	}
	want := []string{
		"raw/epc_ratings_20240309.csv",
		"processed/epc_ratings_20240309.csv",
		"processed/epc_ratings_20240309.manifest.json",
	}
	if !slices.Equal(keys, want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}

	data, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m transport.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.Status != transport.StatusProcessed || m.Source != transport.SourceAPI {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestProcessedFileNotFound(t *testing.T) {
	if _, err := ProcessedFile(t.TempDir(), "20240101"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
