// Package epc provides the EPC ratings bounded context.
// This file defines the public interfaces exposed to the commands.
package epc

import (
	"context"

	"btr_pipeline/internal/epc/transport"
)

// Fetcher runs one fetch-normalize-score invocation.
type Fetcher interface {
	// Run acquires the day's EPC dataset and writes the raw and processed files.
	// A processing failure still returns a result, with status raw_fallback.
	Run(ctx context.Context, opts transport.RunOptions) (*transport.RunResult, error)
}
