package config

import (
	"os"
	"path/filepath"
)

// DedupeConfig configures internal/dedupe's per-document TTL table.
type DedupeConfig struct {
	TTLMs     int64
	MaxPerDoc int
}

// RateLimitConfig configures internal/ratelimit's token bucket.
type RateLimitConfig struct {
	WindowMs    int64
	MaxMessages float64
}

// LockConfig configures internal/lock's per-document TTL lock.
type LockConfig struct {
	TTLMs      int64
	MaxRetries int
	BaseDelay  int64
	MaxDelay   int64
}

// Config holds daemon configuration.
type Config struct {
	GRPCAddress          string
	RESTAddress          string
	QUICAddress          string
	MilestoneGRPCAddress string
	MilestoneRESTAddress string
	KeysDirectory        string
	DataDirectory        string

	ChunkSize          int64
	UploadTimeoutMs    int64
	SnapshotIntervalMs int64
	MessageLimit       int

	Dedupe    DedupeConfig
	RateLimit RateLimitConfig
	Lock      LockConfig

	WorkerCount int
	QueueDepth  int
}

// DefaultConfig returns default configuration, matching the defaults
// spec.md §6 names for each option.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	keysDir := filepath.Join(homeDir, ".local", "share", "quillsync", "keys")
	dataDir := filepath.Join(homeDir, ".local", "share", "quillsync", "data")

	return &Config{
		GRPCAddress:          "127.0.0.1:9090",
		RESTAddress:          "127.0.0.1:8080",
		QUICAddress:          ":4433",
		MilestoneGRPCAddress: "127.0.0.1:9091",
		MilestoneRESTAddress: "127.0.0.1:8081",
		KeysDirectory:        keysDir,
		DataDirectory:        dataDir,

		ChunkSize:          262144, // 256 KiB
		UploadTimeoutMs:    24 * 60 * 60 * 1000,
		SnapshotIntervalMs: 300000,
		MessageLimit:       200,

		Dedupe: DedupeConfig{
			TTLMs:     30000,
			MaxPerDoc: 1000,
		},
		RateLimit: RateLimitConfig{
			WindowMs:    1000,
			MaxMessages: 50,
		},
		Lock: LockConfig{
			TTLMs:      5000,
			MaxRetries: 50,
			BaseDelay:  50,
			MaxDelay:   5000,
		},

		WorkerCount: 8,
		QueueDepth:  32,
	}
}

// LoadConfig loads configuration from file (simplified - just returns default)
func LoadConfig(configPath string) (*Config, error) {
	// For simplicity, return default config
	// In production, this would parse YAML file
	return DefaultConfig(), nil
}
