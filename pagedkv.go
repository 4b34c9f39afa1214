// Package pagedkv exposes the paged KV cache block manager to embedding
// inference loops.
package pagedkv

import (
	"github.com/unixsysdev/pagedkv/internal/config"
	"github.com/unixsysdev/pagedkv/internal/kvcache"
)

type (
	BlockManager = kvcache.Manager
	BlockTable   = kvcache.BlockTable
	MemoryReport = kvcache.MemoryReport
	RequestError = kvcache.RequestError
	BlockCopier  = kvcache.BlockCopier
	Option       = kvcache.Option
	Locked       = kvcache.Locked
)

var (
	ErrInvalidArgument  = kvcache.ErrInvalidArgument
	ErrDuplicateRequest = kvcache.ErrDuplicateRequest
	ErrRequestNotFound  = kvcache.ErrRequestNotFound
	ErrOutOfBlocks      = kvcache.ErrOutOfBlocks

	WithLogger      = kvcache.WithLogger
	WithBlockCopier = kvcache.WithBlockCopier
	NewLocked       = kvcache.NewLocked
)

// NewBlockManager creates a manager over numGPUBlocks blocks of blockSize
// tokens.
func NewBlockManager(numGPUBlocks, blockSize int, opts ...Option) (*BlockManager, error) {
	return kvcache.New(numGPUBlocks, blockSize, opts...)
}

// NewBlockManagerFromConfig loads configuration from path (optional) and the
// environment and creates a manager sized by it.
func NewBlockManagerFromConfig(path string, opts ...Option) (*BlockManager, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return kvcache.New(cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize, opts...)
}
