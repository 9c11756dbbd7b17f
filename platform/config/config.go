// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultEPCSearchURL is the domestic certificate search endpoint.
	DefaultEPCSearchURL = "https://epc.opendatacommunities.org/api/v1/domestic/search"
	// DefaultEPCBulkURL is the public bulk download of all domestic certificates.
	DefaultEPCBulkURL = "https://epc.opendatacommunities.org/files/all-domestic-certificates.zip"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	IsDatabaseEnabled() bool
}

// EPCConfig provides settings for the EPC acquisition transports.
type EPCConfig interface {
	GetEPCAPIKey() string
	GetEPCSearchURL() string
	GetEPCBulkURL() string
	GetEPCHTTPTimeout() time.Duration
	GetEPCAPIRatePerSecond() float64
	IsEPCAPIEnabled() bool
}

// PipelineConfig provides settings for the fetch-normalize-score routine.
type PipelineConfig interface {
	GetOutputDir() string
	GetCacheTTL() time.Duration
}

// RedisConfig provides settings for the search payload cache.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	IsRedisEnabled() bool
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinioBucketEPCDatasets() string
	IsMinIOEnabled() bool
}

// HTTPConfig provides settings for the operations HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	DatabaseURL            string
	CORSAllowAll           bool
	CORSOrigins            []string
	EPCAPIKey              string
	EPCSearchURL           string
	EPCBulkURL             string
	EPCHTTPTimeout         time.Duration
	EPCAPIRatePerSecond    float64
	OutputDir              string
	CacheTTL               time.Duration
	RedisURL               string
	RedisTLSInsecure       bool
	MinIOEndpoint          string
	MinIOAccessKey         string
	MinIOSecretKey         string
	MinIOUseSSL            bool
	MinioBucketEPCDatasets string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }
func (c *Config) IsDatabaseEnabled() bool { return c.DatabaseURL != "" }

// EPCConfig implementation
func (c *Config) GetEPCAPIKey() string             { return c.EPCAPIKey }
func (c *Config) GetEPCSearchURL() string          { return c.EPCSearchURL }
func (c *Config) GetEPCBulkURL() string            { return c.EPCBulkURL }
func (c *Config) GetEPCHTTPTimeout() time.Duration { return c.EPCHTTPTimeout }
func (c *Config) GetEPCAPIRatePerSecond() float64  { return c.EPCAPIRatePerSecond }
func (c *Config) IsEPCAPIEnabled() bool            { return c.EPCAPIKey != "" }

// PipelineConfig implementation
func (c *Config) GetOutputDir() string        { return c.OutputDir }
func (c *Config) GetCacheTTL() time.Duration { return c.CacheTTL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) IsRedisEnabled() bool      { return c.RedisURL != "" }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetMinioBucketEPCDatasets() string {
	return c.MinioBucketEPCDatasets
}
func (c *Config) IsMinIOEnabled() bool { return c.MinIOEndpoint != "" }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// Load reads configuration from environment variables, after loading a .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment only.
func FromEnv() (*Config, error) {
	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:8501"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		CORSAllowAll:           corsAllowAll,
		CORSOrigins:            corsOrigins,
		EPCAPIKey:              getEnv("EPC_API_KEY", ""),
		EPCSearchURL:           getEnv("EPC_API_URL", DefaultEPCSearchURL),
		EPCBulkURL:             getEnv("EPC_BULK_URL", DefaultEPCBulkURL),
		EPCHTTPTimeout:         mustDuration(getEnv("EPC_HTTP_TIMEOUT", "5m")),
		EPCAPIRatePerSecond:    mustFloat(getEnv("EPC_API_RATE_PER_SEC", "2")),
		OutputDir:              getEnv("EPC_OUTPUT_DIR", "data/raw"),
		CacheTTL:               mustDuration(getEnv("EPC_CACHE_TTL", "12h")),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		MinIOEndpoint:          getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:         getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:         getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:            strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinioBucketEPCDatasets: getEnv("MINIO_BUCKET_EPC_DATASETS", "epc-datasets"),
	}

	if cfg.EPCHTTPTimeout <= 0 {
		return nil, fmt.Errorf("EPC_HTTP_TIMEOUT must be a positive duration")
	}
	if cfg.EPCAPIRatePerSecond <= 0 {
		return nil, fmt.Errorf("EPC_API_RATE_PER_SEC must be positive")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("EPC_OUTPUT_DIR must not be empty")
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("EPC_CACHE_TTL must be a positive duration")
	}
	if cfg.IsMinIOEnabled() && (cfg.MinIOAccessKey == "" || cfg.MinIOSecretKey == "") {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
