package datasync

import (
	"fmt"
	"time"
)

// Config holds the recognized sync-engine options.
type Config struct {
	WriteBehindBatchSize int
	FlushInterval        time.Duration
	BatchThreshold       int
	MaxRetries           int

	// EnableLocalCache turns on the optional process-local L1 tier in
	// front of the Redis-backed cache, invalidated cross-process via
	// Redis Pub/Sub. It is a pure latency optimization layered on top of
	// the Redis-side coherence contract, not a replacement for it.
	EnableLocalCache    bool
	LocalCacheSizeBytes int

	// CompressionThresholdBytes, when > 0, compresses serialized payloads
	// at or above this size before writing them to the cache.
	CompressionThresholdBytes int
}

// DefaultConfig returns sensible defaults for fields a caller leaves unset.
func DefaultConfig() Config {
	return Config{
		WriteBehindBatchSize:      100,
		FlushInterval:             5 * time.Second,
		BatchThreshold:            500,
		MaxRetries:                3,
		EnableLocalCache:          false,
		LocalCacheSizeBytes:       8 * 1024 * 1024,
		CompressionThresholdBytes: 8 * 1024,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.WriteBehindBatchSize <= 0 {
		return fmt.Errorf("%w: write behind batch size must be positive", ErrInvalidConfig)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush interval must be positive", ErrInvalidConfig)
	}
	if c.BatchThreshold <= 0 {
		return fmt.Errorf("%w: batch threshold must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be positive", ErrInvalidConfig)
	}
	if c.EnableLocalCache && c.LocalCacheSizeBytes <= 0 {
		return fmt.Errorf("%w: local cache size must be positive when enabled", ErrInvalidConfig)
	}
	return nil
}
