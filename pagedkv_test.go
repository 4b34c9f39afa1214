package pagedkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockManager(t *testing.T) {
	m, err := NewBlockManager(4, 2)
	require.NoError(t, err)

	blocks, err := m.AllocateForRequest("req", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, blocks)

	_, err = NewBlockManager(0, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewBlockManagerFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_kvcache_blocks": 3, "kvcache_block_size": 8}`), 0o644))

	m, err := NewBlockManagerFromConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, m.NumBlocks())
	assert.Equal(t, 8, m.BlockSize())
}
