// Package config provides the event log's configuration: defaults, YAML or
// JSON files, EVENTLOG_* environment overrides and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/eventlog/internal/codec"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/snapshot"
	"github.com/arkilian/eventlog/internal/wal"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "EVENTLOG_"

// Config holds the complete event log configuration.
type Config struct {
	// DataDir is the base directory for segments, indexes and snapshots
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// NodeID is the node component of event IDs; generated when empty
	NodeID string `json:"node_id" yaml:"node_id"`

	// Segment rotation
	Segment SegmentConfig `json:"segment" yaml:"segment"`

	// Writer durability settings
	Writer WriterConfig `json:"writer" yaml:"writer"`

	// Snapshot triggers and retention
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Recovery settings
	Recovery RecoveryConfig `json:"recovery" yaml:"recovery"`

	// Monitor window and health thresholds
	Monitor observability.Config `json:"monitor" yaml:"monitor"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Logging configuration
	Log LogConfig `json:"log" yaml:"log"`

	// MaintenanceInterval is how often the run loop checks segment age
	MaintenanceInterval time.Duration `json:"maintenance_interval" yaml:"maintenance_interval"`
}

// SegmentConfig holds segment rotation limits.
type SegmentConfig struct {
	// MaxSizeBytes rotates the active segment once it reaches this size
	MaxSizeBytes int64 `json:"max_size_bytes" yaml:"max_size_bytes"`

	// MaxAge rotates the active segment once it is this old
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// WriterConfig holds writer durability settings.
type WriterConfig struct {
	// FsyncMode is always or batched
	FsyncMode wal.FsyncMode `json:"fsync_mode" yaml:"fsync_mode"`

	// BatchWindow is the group commit window in batched mode
	BatchWindow time.Duration `json:"batch_window" yaml:"batch_window"`

	// MaxBatchEvents closes a group commit early
	MaxBatchEvents int `json:"max_batch_events" yaml:"max_batch_events"`

	// MaxEventSize is the serialized event limit (at most 1 MiB)
	MaxEventSize int `json:"max_event_size" yaml:"max_event_size"`
}

// SnapshotConfig holds snapshot triggers and retention.
type SnapshotConfig struct {
	// EveryEvents takes a snapshot after this many events (0 disables)
	EveryEvents uint64 `json:"every_events" yaml:"every_events"`

	// Interval takes a snapshot after this much time (0 disables)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// EveryBytes takes a snapshot after this much log growth (0 disables)
	EveryBytes int64 `json:"every_bytes" yaml:"every_bytes"`

	// Incremental enables diff snapshots against the latest full one
	Incremental bool `json:"incremental" yaml:"incremental"`

	// DiffRatio is the largest diff/base size ratio persisted as a diff
	DiffRatio float64 `json:"diff_ratio" yaml:"diff_ratio"`

	// Retention tiers
	Retention snapshot.RetentionPolicy `json:"retention" yaml:"retention"`
}

// RecoveryConfig holds recovery settings.
type RecoveryConfig struct {
	// VerifySealed rescans sealed segments even when their index is fresh
	VerifySealed bool `json:"verify_sealed" yaml:"verify_sealed"`
}

// ArchiveConfig holds the off-host archive configuration.
type ArchiveConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the archive directory (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object key; defaults to the node id
	Prefix string `json:"prefix" yaml:"prefix"`

	// MaxRetries bounds upload retries per file
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Development switches to the human-readable console encoder
	Development bool `json:"development" yaml:"development"`
}

// Archive types.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eventlog",
		Segment: SegmentConfig{
			MaxSizeBytes: 64 * 1024 * 1024,
			MaxAge:       24 * time.Hour,
		},
		Writer: WriterConfig{
			FsyncMode:      wal.FsyncBatched,
			BatchWindow:    2 * time.Millisecond,
			MaxBatchEvents: 512,
			MaxEventSize:   codec.MaxEventSize,
		},
		Snapshot: SnapshotConfig{
			EveryEvents: 10000,
			Interval:    6 * time.Hour,
			EveryBytes:  500 * 1024 * 1024,
			Incremental: true,
			DiffRatio:   0.30,
			Retention:   snapshot.DefaultRetentionPolicy(),
		},
		Monitor: observability.DefaultConfig(),
		Archive: ArchiveConfig{
			Type:       ArchiveNone,
			MaxRetries: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
		MaintenanceInterval: time.Minute,
	}
}

// Resolve fills derived settings.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eventlog"
	}
	if c.NodeID == "" {
		c.NodeID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if c.Archive.Type == ArchiveLocal && c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = c.NodeID
	}
}

// SnapshotDir returns the snapshot directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if strings.ContainsAny(c.NodeID, "_/ ") {
		return fmt.Errorf("node_id must not contain '_', '/' or spaces: %q", c.NodeID)
	}

	switch c.Writer.FsyncMode {
	case wal.FsyncAlways, wal.FsyncBatched:
	default:
		return fmt.Errorf("invalid writer.fsync_mode: %s (must be always or batched)", c.Writer.FsyncMode)
	}
	if c.Writer.MaxEventSize <= 0 || c.Writer.MaxEventSize > codec.MaxEventSize {
		return fmt.Errorf("writer.max_event_size must be between 1 and %d, got %d", codec.MaxEventSize, c.Writer.MaxEventSize)
	}
	if c.Writer.FsyncMode == wal.FsyncBatched && c.Writer.BatchWindow <= 0 {
		return fmt.Errorf("writer.batch_window must be positive in batched mode")
	}

	if c.Segment.MaxSizeBytes < 0 || c.Segment.MaxAge < 0 {
		return fmt.Errorf("segment limits must not be negative")
	}
	if c.Snapshot.DiffRatio <= 0 || c.Snapshot.DiffRatio >= 1 {
		return fmt.Errorf("snapshot.diff_ratio must be between 0 and 1, got %v", c.Snapshot.DiffRatio)
	}

	switch c.Archive.Type {
	case ArchiveNone, "":
	case ArchiveLocal:
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local or s3)", c.Archive.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies EVENTLOG_* environment overrides. Malformed values
// are reported together.
func LoadFromEnv(cfg *Config) error {
	var bad []string
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				bad = append(bad, EnvPrefix+key)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				bad = append(bad, EnvPrefix+key)
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				bad = append(bad, EnvPrefix+key)
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &cfg.DataDir)
	str("NODE_ID", &cfg.NodeID)

	// Segment configuration
	integer("SEGMENT_MAX_SIZE_BYTES", &cfg.Segment.MaxSizeBytes)
	duration("SEGMENT_MAX_AGE", &cfg.Segment.MaxAge)

	// Writer configuration
	if v := os.Getenv(EnvPrefix + "FSYNC_MODE"); v != "" {
		cfg.Writer.FsyncMode = wal.FsyncMode(v)
	}
	duration("BATCH_WINDOW", &cfg.Writer.BatchWindow)
	maxBatch := int64(cfg.Writer.MaxBatchEvents)
	integer("MAX_BATCH_EVENTS", &maxBatch)
	cfg.Writer.MaxBatchEvents = int(maxBatch)
	maxEvent := int64(cfg.Writer.MaxEventSize)
	integer("MAX_EVENT_SIZE", &maxEvent)
	cfg.Writer.MaxEventSize = int(maxEvent)

	// Snapshot configuration
	every := int64(cfg.Snapshot.EveryEvents)
	integer("SNAPSHOT_EVERY_EVENTS", &every)
	if every >= 0 {
		cfg.Snapshot.EveryEvents = uint64(every)
	}
	duration("SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	integer("SNAPSHOT_EVERY_BYTES", &cfg.Snapshot.EveryBytes)
	boolean("SNAPSHOT_INCREMENTAL", &cfg.Snapshot.Incremental)

	// Recovery configuration
	boolean("RECOVERY_VERIFY_SEALED", &cfg.Recovery.VerifySealed)

	// Archive configuration
	str("ARCHIVE_TYPE", &cfg.Archive.Type)
	str("ARCHIVE_PATH", &cfg.Archive.Path)
	str("ARCHIVE_PREFIX", &cfg.Archive.Prefix)
	str("S3_BUCKET", &cfg.Archive.S3.Bucket)
	str("S3_REGION", &cfg.Archive.S3.Region)
	str("S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	boolean("S3_USE_PATH_STYLE", &cfg.Archive.S3.UsePathStyle)

	// Logging configuration
	str("LOG_LEVEL", &cfg.Log.Level)
	boolean("LOG_DEVELOPMENT", &cfg.Log.Development)

	if len(bad) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Load builds the configuration from defaults, an optional file, the
// environment and finally overrides (command-line flags), then resolves
// and validates it.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, wal.IndexDirName),
		c.SnapshotDir(),
	}
	if c.Archive.Type == ArchiveLocal {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
