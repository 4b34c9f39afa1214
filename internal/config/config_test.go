package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	want := Default()
	want.NumKVCacheBlocks = 512 // two sequences of 4096/16 blocks
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_kvcache_blocks": 64, "kvcache_block_size": 8, "kv_head_dim": 4}`), 0o644))

	cfg, err := LoadConfig(path, WithMaxNumSeqs(3))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.NumKVCacheBlocks)
	assert.Equal(t, 8, cfg.KVCacheBlockSize)
	assert.Equal(t, 4, cfg.KVHeadDim)
	assert.Equal(t, 3, cfg.MaxNumSeqs)
	assert.Equal(t, 4096, cfg.MaxModelLen)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadConfig("", WithKVCacheBlockSize(0), WithMaxNumSeqs(-1))
	assert.ErrorContains(t, err, "kvcache_block_size must be > 0")
	assert.ErrorContains(t, err, "max_num_seqs must be > 0")
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("PAGEDKV_NUM_BLOCKS", "10")
	t.Setenv("PAGEDKV_BLOCK_SIZE", "'4'")
	t.Setenv("PAGEDKV_MAX_SEQS", "not-a-number")

	cfg, err := LoadConfig("", WithNumKVCacheBlocks(99), WithMaxNumSeqs(7))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.NumKVCacheBlocks)
	assert.Equal(t, 4, cfg.KVCacheBlockSize)
	assert.Equal(t, 7, cfg.MaxNumSeqs)
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("PAGEDKV_DEBUG", k)
			assert.Equal(t, v, LogLevel())
		})
	}
}

func TestValues(t *testing.T) {
	t.Setenv("PAGEDKV_DEBUG", "2")
	t.Setenv("PAGEDKV_BLOCK_SIZE", "32")

	vals := Values()
	assert.Equal(t, "TRACE", vals["PAGEDKV_DEBUG"])
	assert.Equal(t, "32", vals["PAGEDKV_BLOCK_SIZE"])
	assert.Equal(t, "0", vals["PAGEDKV_NUM_BLOCKS"])
}
