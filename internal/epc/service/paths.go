package service

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"btr_pipeline/platform/apperr"
)

const (
	// DateLayout is the YYYYMMDD stamp used in file names.
	DateLayout = "20060102"
	// ProcessedDirName is the subdirectory of the output directory holding processed files.
	ProcessedDirName = "processed"

	filePrefix = "epc_ratings_"
)

// Paths are the dated locations of one run.
type Paths struct {
	Date         string
	RawDir       string
	ProcessedDir string
	Raw          string
	Processed    string
	Manifest     string
}

// FileName returns the dataset file name for a YYYYMMDD date.
func FileName(date string) string {
	return filePrefix + date + ".csv"
}

// ManifestName returns the manifest file name for a YYYYMMDD date.
func ManifestName(date string) string {
	return filePrefix + date + ".manifest.json"
}

// ResolvePaths computes the raw and processed locations for the day of now.
// The processed directory is a child of the output directory.
func ResolvePaths(outputDir string, now time.Time) Paths {
	date := now.Format(DateLayout)
	processedDir := filepath.Join(outputDir, ProcessedDirName)
	return Paths{
		Date:         date,
		RawDir:       outputDir,
		ProcessedDir: processedDir,
		Raw:          filepath.Join(outputDir, FileName(date)),
		Processed:    filepath.Join(processedDir, FileName(date)),
		Manifest:     filepath.Join(processedDir, ManifestName(date)),
	}
}

// Ensure creates both directories if absent.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.RawDir, p.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.Storage("create directory "+dir, err)
		}
	}
	return nil
}

// ManifestFile returns the manifest path for a YYYYMMDD date under outputDir.
func ManifestFile(outputDir, date string) string {
	return filepath.Join(outputDir, ProcessedDirName, ManifestName(strings.TrimSpace(date)))
}
