// Package handler exposes the EPC run log and dated datasets over HTTP.
package handler

import (
	"context"
	"net/http"
	"path/filepath"

	"btr_pipeline/internal/epc/service"
	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/apperr"
	"btr_pipeline/platform/httpkit"
	"btr_pipeline/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit    = 20
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgRunLogDisabled   = "run log disabled: DATABASE_URL not configured"
)

// RunReader reads the run log.
type RunReader interface {
	ListRuns(ctx context.Context, limit int) ([]transport.RunResult, error)
	LatestRun(ctx context.Context) (*transport.RunResult, error)
}

// Handler serves the EPC routes.
type Handler struct {
	runs      RunReader
	outputDir string
	val       *validator.Validator
}

// New creates a new EPC handler. runs may be nil when the run log is disabled.
func New(runs RunReader, outputDir string, val *validator.Validator) *Handler {
	return &Handler{runs: runs, outputDir: outputDir, val: val}
}

// RegisterRoutes mounts the EPC routes on rg.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/runs", h.ListRuns)
	rg.GET("/runs/latest", h.LatestRun)
	rg.GET("/datasets/:date/manifest", h.GetManifest)
	rg.GET("/datasets/:date/processed.csv", h.DownloadProcessed)
}

// ListRuns returns the most recent runs, newest first.
func (h *Handler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		httpkit.HandleError(c, apperr.Unavailable(msgRunLogDisabled))
		return
	}

	var req transport.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Describe(err))
		return
	}
	limit := defaultListLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	items, err := h.runs.ListRuns(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	if items == nil {
		items = []transport.RunResult{}
	}

	httpkit.OK(c, transport.ListRunsResponse{Items: items})
}

// LatestRun returns the most recently started run.
func (h *Handler) LatestRun(c *gin.Context) {
	if h.runs == nil {
		httpkit.HandleError(c, apperr.Unavailable(msgRunLogDisabled))
		return
	}

	run, err := h.runs.LatestRun(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, run)
}

// GetManifest returns the manifest written next to a dated processed file.
func (h *Handler) GetManifest(c *gin.Context) {
	date, ok := h.bindDate(c)
	if !ok {
		return
	}

	m, err := service.ReadManifest(service.ManifestFile(h.outputDir, date))
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, m)
}

// DownloadProcessed streams a dated processed CSV.
func (h *Handler) DownloadProcessed(c *gin.Context) {
	date, ok := h.bindDate(c)
	if !ok {
		return
	}

	path, err := service.ProcessedFile(h.outputDir, date)
	if httpkit.HandleError(c, err) {
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.FileAttachment(path, filepath.Base(path))
}

func (h *Handler) bindDate(c *gin.Context) (string, bool) {
	var req transport.DatasetRequest
	if err := c.ShouldBindUri(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return "", false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Describe(err))
		return "", false
	}
	return req.Date, true
}
