// Package transport provides DTOs for the EPC domain.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which acquisition path produced the raw dataset.
type Source string

const (
	SourceAPI  Source = "api"
	SourceBulk Source = "bulk"
)

// RunStatus tells downstream consumers what the processed file contains.
type RunStatus string

const (
	// StatusProcessed means the processed file holds canonical and derived columns.
	StatusProcessed RunStatus = "processed"
	// StatusRawFallback means processing failed and the processed file is a copy of the raw file.
	StatusRawFallback RunStatus = "raw_fallback"
	// StatusFailed means acquisition failed and nothing was written.
	StatusFailed RunStatus = "failed"
)

// SearchResponse is the body returned by the domestic search endpoint.
// Rows is a pointer so a body without the key can be told apart from an empty result.
type SearchResponse struct {
	Rows        *[]map[string]any `json:"rows"`
	ColumnNames []string          `json:"column-names,omitempty"`
}

// RunOptions are the invocation arguments of the fetcher.
type RunOptions struct {
	OutputDir  string `json:"outputDir" validate:"required"`
	SampleSize *int   `json:"sampleSize,omitempty" validate:"omitempty,min=1"`
}

// RunResult describes a completed invocation.
type RunResult struct {
	ID            uuid.UUID `json:"id"`
	RunDate       string    `json:"runDate"`
	Source        Source    `json:"source"`
	Status        RunStatus `json:"status"`
	SchemaVariant string    `json:"schemaVariant,omitempty"`
	RawPath       string    `json:"rawPath"`
	ProcessedPath string    `json:"processedPath"`
	ManifestPath  string    `json:"manifestPath"`
	RawRows       int       `json:"rawRows"`
	ProcessedRows int       `json:"processedRows"`
	Columns       []string  `json:"columns"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Manifest is written next to the processed CSV so consumers can detect degraded output.
type Manifest struct {
	RunID         uuid.UUID `json:"runId"`
	RunDate       string    `json:"runDate"`
	Source        Source    `json:"source"`
	Status        RunStatus `json:"status"`
	SchemaVariant string    `json:"schemaVariant,omitempty"`
	RawRows       int       `json:"rawRows"`
	ProcessedRows int       `json:"processedRows"`
	Columns       []string  `json:"columns"`
	Error         string    `json:"error,omitempty"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// ListRunsRequest is the query of the run listing endpoint.
type ListRunsRequest struct {
	Limit *int `form:"limit" validate:"omitempty,min=1,max=100"`
}

// DatasetRequest identifies a dated dataset.
type DatasetRequest struct {
	Date string `uri:"date" validate:"required,datetime=20060102"`
}

// ListRunsResponse wraps a page of runs.
type ListRunsResponse struct {
	Items []RunResult `json:"items"`
}
