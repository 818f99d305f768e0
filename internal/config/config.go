// Package config handles configuration loading and validation for zipperd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zipperd/zipperd/pkg/bytesize"
)

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`  // "gcs" or "local"
	DataDir string `yaml:"data_dir"` // Local backend root (default: /var/lib/zipperd/storage)
}

// NotifyConfig holds the notification push endpoint settings.
type NotifyConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"` // HS256 signing secret for bearer tokens (optional)
}

// PipelineConfig tunes the archive-assembly pipeline.
type PipelineConfig struct {
	Workers            int    `yaml:"workers"`              // Fetch/upload pool size (default: 8)
	QueueDepth         int    `yaml:"queue_depth"`          // Fetch-to-archiver queue bound (default: 16)
	MaxInProgress      int    `yaml:"max_in_progress"`      // Concurrent archive builds (default: 4)
	DrainPollInterval  string `yaml:"drain_poll_interval"`  // Duration string, e.g. "5s"
	SiblingPoll        string `yaml:"sibling_poll"`         // Partial-file re-check interval (default: "1s")
	SiblingWaitTimeout string `yaml:"sibling_wait_timeout"` // "0" waits forever
}

// UploadConfig tunes the multipart upload engine.
type UploadConfig struct {
	ChunkSize             bytesize.Size `yaml:"chunk_size"`              // Part size, e.g. "256KB" (default: 256 KiB)
	SingleUploadThreshold bytesize.Size `yaml:"single_upload_threshold"` // e.g. "128MB" (default: 128 MiB)
	StampCustomTime       bool          `yaml:"stamp_custom_time"`
}

// Config is the zipperd server configuration.
type Config struct {
	Listen       string         `yaml:"listen"`
	SourceBucket string         `yaml:"source_bucket"`
	OutputBucket string         `yaml:"output_bucket"`
	ScratchDir   string         `yaml:"scratch_dir"` // Staging area (default: /var/lib/zipperd/scratch)
	LogLevel     string         `yaml:"log_level"`
	Storage      StorageConfig  `yaml:"storage"`
	Notify       NotifyConfig   `yaml:"notify"`
	Pipeline     PipelineConfig `yaml:"pipeline"`
	Upload       UploadConfig   `yaml:"upload"`
}

// Load reads server configuration from a YAML file and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/var/lib/zipperd/scratch"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "gcs"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/zipperd/storage"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 8
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = 16
	}
	if cfg.Pipeline.MaxInProgress == 0 {
		cfg.Pipeline.MaxInProgress = 4
	}
	if cfg.Pipeline.DrainPollInterval == "" {
		cfg.Pipeline.DrainPollInterval = "5s"
	}
	if cfg.Pipeline.SiblingPoll == "" {
		cfg.Pipeline.SiblingPoll = "1s"
	}
	if cfg.Pipeline.SiblingWaitTimeout == "" {
		cfg.Pipeline.SiblingWaitTimeout = "0s"
	}

	// Expand home directory in paths
	for _, p := range []*string{&cfg.ScratchDir, &cfg.Storage.DataDir} {
		if strings.HasPrefix(*p, "~/") {
			homeDir, err := os.UserHomeDir()
			if err == nil {
				*p = filepath.Join(homeDir, (*p)[2:])
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and duration syntax.
func (c *Config) Validate() error {
	if c.SourceBucket == "" {
		return fmt.Errorf("source_bucket is required")
	}
	if c.OutputBucket == "" {
		return fmt.Errorf("output_bucket is required")
	}
	switch c.Storage.Backend {
	case "gcs", "local":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for name, v := range map[string]string{
		"drain_poll_interval":  c.Pipeline.DrainPollInterval,
		"sibling_poll":         c.Pipeline.SiblingPoll,
		"sibling_wait_timeout": c.Pipeline.SiblingWaitTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses one of the validated duration fields.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
