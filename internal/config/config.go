package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config holds the configuration for the block manager and the engine
// driving it.
type Config struct {
	NumKVCacheBlocks    int `json:"num_kvcache_blocks"`
	KVCacheBlockSize    int `json:"kvcache_block_size"`
	MaxNumSeqs          int `json:"max_num_seqs"`
	MaxNumBatchedTokens int `json:"max_num_batched_tokens"`
	MaxModelLen         int `json:"max_model_len"`
	EOSTokenID          int `json:"eos_token_id"`

	// KVHeadDim is the width of the per-token payload kept for each cached
	// token. Zero disables the payload store.
	KVHeadDim int `json:"kv_head_dim"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NumKVCacheBlocks:    -1,
		KVCacheBlockSize:    16,
		MaxNumSeqs:          256,
		MaxNumBatchedTokens: 16384,
		MaxModelLen:         4096,
		EOSTokenID:          -1,
	}
}

// LoadConfig builds a configuration from the defaults, the JSON file at path
// (skipped when path is empty), opts and finally the environment.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	applyEnv(cfg)

	// If NumKVCacheBlocks not provided, size the pool for two full-length sequences
	if cfg.NumKVCacheBlocks <= 0 && cfg.KVCacheBlockSize > 0 {
		blocksPerSeq := max((cfg.MaxModelLen+cfg.KVCacheBlockSize-1)/cfg.KVCacheBlockSize, 1)
		cfg.NumKVCacheBlocks = blocksPerSeq * 2
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.NumKVCacheBlocks <= 0 {
		errs = append(errs, fmt.Errorf("num_kvcache_blocks must be > 0, got %d", c.NumKVCacheBlocks))
	}
	if c.KVCacheBlockSize <= 0 {
		errs = append(errs, fmt.Errorf("kvcache_block_size must be > 0, got %d", c.KVCacheBlockSize))
	}
	if c.MaxNumSeqs <= 0 {
		errs = append(errs, fmt.Errorf("max_num_seqs must be > 0, got %d", c.MaxNumSeqs))
	}
	if c.MaxNumBatchedTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_num_batched_tokens must be > 0, got %d", c.MaxNumBatchedTokens))
	}
	if c.MaxModelLen <= 0 {
		errs = append(errs, fmt.Errorf("max_model_len must be > 0, got %d", c.MaxModelLen))
	}
	if c.KVHeadDim < 0 {
		errs = append(errs, fmt.Errorf("kv_head_dim must be >= 0, got %d", c.KVHeadDim))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Option is a function that modifies the config
type Option func(*Config)

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(v int) Option {
	return func(c *Config) { c.NumKVCacheBlocks = v }
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(v int) Option {
	return func(c *Config) { c.KVCacheBlockSize = v }
}

// WithMaxNumSeqs sets the maximum number of running sequences
func WithMaxNumSeqs(v int) Option {
	return func(c *Config) { c.MaxNumSeqs = v }
}

// WithMaxNumBatchedTokens sets the maximum number of prefill tokens per step
func WithMaxNumBatchedTokens(v int) Option {
	return func(c *Config) { c.MaxNumBatchedTokens = v }
}

// WithMaxModelLen sets the maximum sequence length
func WithMaxModelLen(v int) Option {
	return func(c *Config) { c.MaxModelLen = v }
}

// WithEOSTokenID sets the end-of-sequence token
func WithEOSTokenID(v int) Option {
	return func(c *Config) { c.EOSTokenID = v }
}

// WithKVHeadDim sets the payload width per cached token
func WithKVHeadDim(v int) Option {
	return func(c *Config) { c.KVHeadDim = v }
}
