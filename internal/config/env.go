package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/unixsysdev/pagedkv/internal/logutil"
)

var (
	// NumBlocks overrides num_kvcache_blocks. Configured via PAGEDKV_NUM_BLOCKS
	NumBlocks = Uint("PAGEDKV_NUM_BLOCKS", 0)
	// BlockSize overrides kvcache_block_size. Configured via PAGEDKV_BLOCK_SIZE
	BlockSize = Uint("PAGEDKV_BLOCK_SIZE", 0)
	// MaxSeqs overrides max_num_seqs. Configured via PAGEDKV_MAX_SEQS
	MaxSeqs = Uint("PAGEDKV_MAX_SEQS", 0)
	// HeadDim overrides kv_head_dim. Configured via PAGEDKV_HEAD_DIM
	HeadDim = Uint("PAGEDKV_HEAD_DIM", 0)
)

func applyEnv(cfg *Config) {
	if n := NumBlocks(); n > 0 {
		cfg.NumKVCacheBlocks = int(n)
	}
	if n := BlockSize(); n > 0 {
		cfg.KVCacheBlockSize = int(n)
	}
	if n := MaxSeqs(); n > 0 {
		cfg.MaxNumSeqs = int(n)
	}
	if n := HeadDim(); n > 0 {
		cfg.KVHeadDim = int(n)
	}
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("PAGEDKV_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Uint returns a getter for an unsigned environment variable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PAGEDKV_DEBUG":      {"PAGEDKV_DEBUG", levelName(LogLevel()), "Show additional debug information (e.g. PAGEDKV_DEBUG=1)"},
		"PAGEDKV_NUM_BLOCKS": {"PAGEDKV_NUM_BLOCKS", NumBlocks(), "Number of physical KV cache blocks"},
		"PAGEDKV_BLOCK_SIZE": {"PAGEDKV_BLOCK_SIZE", BlockSize(), "Tokens per KV cache block"},
		"PAGEDKV_MAX_SEQS":   {"PAGEDKV_MAX_SEQS", MaxSeqs(), "Maximum number of running sequences"},
		"PAGEDKV_HEAD_DIM":   {"PAGEDKV_HEAD_DIM", HeadDim(), "Payload width per cached token (0 disables the payload store)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

func levelName(l slog.Level) string {
	if l <= logutil.LevelTrace {
		return "TRACE"
	}
	return l.String()
}
