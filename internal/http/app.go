// Package http provides HTTP server infrastructure including module registration.
package http

import (
	"context"

	"btr_pipeline/platform/config"
	"btr_pipeline/platform/logger"
)

// HealthChecker exposes minimal functionality for readiness checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App holds the fully initialized application dependencies.
// This is populated by main.go (the composition root) and passed to the router.
type App struct {
	Config config.HTTPConfig
	Logger *logger.Logger
	// Health is optional; without it the health endpoint only reports liveness.
	Health  HealthChecker
	Modules []Module
}
