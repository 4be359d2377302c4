// Package config provides configuration management for the CapUp engine.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8686
	DefaultLogLevel = "info"
	DefaultDataDir  = ".capup"

	// Environment variable names
	EnvPort     = "CAPUP_PORT"
	EnvLogLevel = "CAPUP_LOG_LEVEL"
	EnvLogFile  = "CAPUP_LOG_FILE"
	EnvDataDir  = "CAPUP_DATA_DIR"

	// Store environment variable names
	EnvStoreMaxBytes = "CAPUP_STORE_MAX_BYTES"

	// Database filename
	DBFilename = "capup.db"

	// Blob store settings
	DefaultStoreMaxBytes = 50 * 1024 * 1024 * 1024 // 50GB

	// Autosave settings
	DefaultAutosaveInterval = 5 * time.Second
	DefaultAutosaveStride   = 16 // appends between forced flushes

	// Worker pool defaults, per job kind. Transcription is cheap enough to
	// parallelise; export is resource-heavy and runs narrow.
	DefaultWorkersTranscribe = 4
	DefaultWorkersSynthesize = 2
	DefaultWorkersStoryline  = 2
	DefaultWorkersExport     = 1

	// Queue depth bounds, per job kind
	DefaultQueueBound = 32

	// Job wall-clock budgets
	DefaultTimeoutTranscribe = 1800 // seconds, 30 minutes
	DefaultTimeoutSynthesize = 600  // 10 minutes
	DefaultTimeoutStoryline  = 300  // 5 minutes
	DefaultTimeoutExport     = 3600 // 60 minutes

	// Retry policy for transient worker failures
	DefaultMaxRetries     = 3
	DefaultRetryBackoffMs = 500
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	DataDir() string
	DBPath() string
	BlobDir() string
	StoreMaxBytes() int64
	AutosaveInterval() time.Duration
	AutosaveStride() int
	WorkersTranscribe() int
	WorkersSynthesize() int
	WorkersStoryline() int
	WorkersExport() int
	QueueBound() int
	TimeoutTranscribe() time.Duration
	TimeoutSynthesize() time.Duration
	TimeoutStoryline() time.Duration
	TimeoutExport() time.Duration
	MaxRetries() int
	RetryBackoff() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	logFile       string
	dataDir       string
	storeMaxBytes int64
	queueBound    int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		storeMaxBytes: DefaultStoreMaxBytes,
		queueBound:    DefaultQueueBound,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	// Override log level from environment
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	cfg.logFile = os.Getenv(EnvLogFile)

	// Override data directory from environment
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	// Override blob store budget from environment
	if mb := os.Getenv(EnvStoreMaxBytes); mb != "" {
		maxBytes, err := strconv.ParseInt(mb, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvStoreMaxBytes, err)
		}
		if maxBytes <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", EnvStoreMaxBytes)
		}
		cfg.storeMaxBytes = maxBytes
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns the rotating log file path, empty for stdout only
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// BlobDir returns the content-addressed blob directory path
func (c *EnvConfig) BlobDir() string {
	return filepath.Join(c.dataDir, "blobs")
}

// StoreMaxBytes returns the maximum blob store size in bytes
func (c *EnvConfig) StoreMaxBytes() int64 {
	return c.storeMaxBytes
}

func (c *EnvConfig) AutosaveInterval() time.Duration {
	return DefaultAutosaveInterval
}

func (c *EnvConfig) AutosaveStride() int {
	return DefaultAutosaveStride
}

func (c *EnvConfig) WorkersTranscribe() int {
	return DefaultWorkersTranscribe
}

func (c *EnvConfig) WorkersSynthesize() int {
	return DefaultWorkersSynthesize
}

func (c *EnvConfig) WorkersStoryline() int {
	return DefaultWorkersStoryline
}

func (c *EnvConfig) WorkersExport() int {
	return DefaultWorkersExport
}

// QueueBound returns the maximum queued job count per kind
func (c *EnvConfig) QueueBound() int {
	return c.queueBound
}

func (c *EnvConfig) TimeoutTranscribe() time.Duration {
	return time.Duration(DefaultTimeoutTranscribe) * time.Second
}

func (c *EnvConfig) TimeoutSynthesize() time.Duration {
	return time.Duration(DefaultTimeoutSynthesize) * time.Second
}

func (c *EnvConfig) TimeoutStoryline() time.Duration {
	return time.Duration(DefaultTimeoutStoryline) * time.Second
}

func (c *EnvConfig) TimeoutExport() time.Duration {
	return time.Duration(DefaultTimeoutExport) * time.Second
}

func (c *EnvConfig) MaxRetries() int {
	return DefaultMaxRetries
}

func (c *EnvConfig) RetryBackoff() time.Duration {
	return DefaultRetryBackoffMs * time.Millisecond
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
