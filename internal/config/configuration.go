// Package config loads the worker's human-readable configuration file (spec
// §6), parsed with the same strict-YAML approach the teacher codebase uses
// for its own session configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Configuration is the root configuration object.
type Configuration struct {
	Buildbarn struct {
		CASAddress       string `yaml:"cas_address"`
		SchedulerAddress string `yaml:"scheduler_address"`
	} `yaml:"buildbarn"`

	Platform struct {
		Properties map[string]string `yaml:"properties"`
	} `yaml:"platform"`

	WorkerID map[string]string `yaml:"worker_id"`

	Filesystem struct {
		CacheRoot               string   `yaml:"cache_root"`
		MaxCacheSizeBytes       ByteSize `yaml:"max_cache_size_bytes"`
		Concurrency             int      `yaml:"concurrency"`
		DownloadBatchSizeBytes  ByteSize `yaml:"download_batch_size_bytes"`
	} `yaml:"filesystem"`

	BuildDirectoryBuilder struct {
		CacheRoot         string   `yaml:"cache_root"`
		MaxCacheSizeBytes ByteSize `yaml:"max_cache_size_bytes"`
		Concurrency       int      `yaml:"concurrency"`
	} `yaml:"build_directory_builder"`

	BuildRoot   string `yaml:"build_root"`
	Concurrency int    `yaml:"concurrency"`
}

// defaultDownloadBatchSizeBytes is the typical 3 MiB threshold between
// batched and streamed blob transport called out in spec §4.2.
const defaultDownloadBatchSizeBytes = 3 * 1024 * 1024

// Load reads and parses the configuration file at path. A missing
// download_batch_size_bytes and non-positive concurrency values fall back to
// defaults; a missing file, unparsable YAML (including a malformed size
// string) or a missing cache root is a hard failure, matching the CLI's
// non-zero exit code contract (spec §6).
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read configuration file: %w", err)
	}

	cfg := &Configuration{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse configuration file: %w", err)
	}

	if cfg.Filesystem.DownloadBatchSizeBytes == 0 {
		cfg.Filesystem.DownloadBatchSizeBytes = defaultDownloadBatchSizeBytes
	}
	if cfg.Filesystem.Concurrency <= 0 {
		cfg.Filesystem.Concurrency = 4
	}
	if cfg.BuildDirectoryBuilder.Concurrency <= 0 {
		cfg.BuildDirectoryBuilder.Concurrency = 4
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Filesystem.CacheRoot == "" {
		return nil, fmt.Errorf("filesystem.cache_root is required")
	}
	if cfg.BuildDirectoryBuilder.CacheRoot == "" {
		return nil, fmt.Errorf("build_directory_builder.cache_root is required")
	}

	return cfg, nil
}
