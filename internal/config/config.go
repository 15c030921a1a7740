// Package config loads an Engine's Options from a YAML file, using the
// on-disk key names spec.md names for each tunable (Load maps each
// lsm_/wal_ key onto its lsm.Options field).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r2faye/tinylsm/internal/lsm"
)

// File is the YAML shape Load reads. Field names mirror the on-disk
// config keys exactly so an operator editing the file can match each
// line straight to a struct field.
type File struct {
	LSMPerMemSizeLimit    int64  `yaml:"lsm_per_mem_size_limit"`
	LSMTolMemSizeLimit    int64  `yaml:"lsm_tol_mem_size_limit"`
	LSMSSTLevelRatio      int    `yaml:"lsm_sst_level_ratio"`
	LSMLevel0Count        int    `yaml:"lsm_level0_count"`
	LSMBlockSize          int    `yaml:"lsm_block_size"`
	LSMBlockCacheCapacity int    `yaml:"lsm_block_cache_capacity"`
	LSMBlockCompression   string `yaml:"lsm_block_compression"`

	WALBufferSize             int   `yaml:"wal_buffer_size"`
	WALFileSizeLimit          int64 `yaml:"wal_file_size_limit"`
	WALCleanIntervalSeconds   int   `yaml:"wal_clean_interval_s"`
	WALCleanFinishedThreshold int   `yaml:"wal_clean_finished_threshold"`
}

// Load reads a YAML config file at path and translates it into
// lsm.Options for dataDir. Any field left zero in the file falls back
// to Engine's own defaults (Options.withDefaults), so a config file
// only needs to set the tunables an operator actually cares about.
func Load(path, dataDir string) (lsm.Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lsm.Options{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return lsm.Options{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	compression, err := parseCompression(f.LSMBlockCompression)
	if err != nil {
		return lsm.Options{}, fmt.Errorf("config: %s: %w", path, err)
	}

	opts := lsm.Options{
		DataDir: dataDir,

		MemFreezeSize:      f.LSMPerMemSizeLimit,
		TolMemSizeLimit:    f.LSMTolMemSizeLimit,
		SSTLevelRatio:      f.LSMSSTLevelRatio,
		Level0Count:        f.LSMLevel0Count,
		BlockSize:          f.LSMBlockSize,
		BlockCacheCapacity: f.LSMBlockCacheCapacity,
		UseSnappy:          compression,

		WALBufferSize:     f.WALBufferSize,
		WALFileSizeLimit:  f.WALFileSizeLimit,
		WALCleanMinSealed: f.WALCleanFinishedThreshold,
	}
	if f.WALCleanIntervalSeconds > 0 {
		opts.WALCleanInterval = time.Duration(f.WALCleanIntervalSeconds) * time.Second
	}
	return opts, nil
}

// parseCompression accepts "snappy", "none", or an empty string
// (meaning: not set, leave compression off).
func parseCompression(s string) (bool, error) {
	switch s {
	case "", "none":
		return false, nil
	case "snappy":
		return true, nil
	default:
		return false, fmt.Errorf("unknown lsm_block_compression value %q", s)
	}
}
