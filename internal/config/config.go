package config

import "time"

// StorageBackend enumerates the supported checkpoint store backends.
type StorageBackend string

const (
	StorageBackendMemory   StorageBackend = "memory"
	StorageBackendRedis    StorageBackend = "redis"
	StorageBackendPostgres StorageBackend = "postgres"
)

// Config represents the top-level configuration.
type Config struct {
	// CommunityID names the community whose membership is scanned.
	CommunityID string `yaml:"community_id"`

	Listing ListingConfig `yaml:"listing"`
	Scan    ScanConfig    `yaml:"scan"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
}

// ListingConfig defines how the membership listing API is reached.
type ListingConfig struct {
	// BaseURL is the root of the listing API.
	BaseURL string `yaml:"base_url"`

	// PageSize is the page size requested from the listing. Zero means the
	// source default.
	PageSize int `yaml:"page_size,omitempty"`

	// RateLimit is the maximum number of listing requests per second.
	// Zero (or omitted) means the source default.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Burst is the request burst allowance paired with RateLimit.
	Burst int `yaml:"burst,omitempty"`
}

// ScanConfig tunes the chunked scan engine.
type ScanConfig struct {
	// Timeout is the per-invocation time limit the chunk budget is derived
	// from. Zero means the engine default of 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// BudgetFraction is the fraction of Timeout the paging loop may consume.
	// Zero means the engine default of 0.9.
	BudgetFraction float64 `yaml:"budget_fraction,omitempty"`

	// PageInterval is the pause between page fetches. Zero means the engine
	// default of 250ms.
	PageInterval time.Duration `yaml:"page_interval,omitempty"`

	// QuickScanDeadline bounds how long an interactive invocation waits for
	// the first chunk. Zero means the engine default of 500ms.
	QuickScanDeadline time.Duration `yaml:"quick_scan_deadline,omitempty"`
}

// StorageConfig selects and configures the checkpoint store backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`

	// RedisAddr is the host:port of the Redis backend.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// PostgresDSN is the connection string for the Postgres backend.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// ServerConfig configures the operator HTTP API and the metrics endpoint.
type ServerConfig struct {
	// APIAddr is the listen address of the operator API. Empty means ":8080".
	APIAddr string `yaml:"api_addr,omitempty"`

	// MetricsAddr is the listen address of the Prometheus endpoint. Empty
	// means ":9090".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}
