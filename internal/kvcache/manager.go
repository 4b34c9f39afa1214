// Package kvcache tracks paged KV cache blocks for in-flight inference
// requests.
//
// A Manager owns a fixed pool of physical blocks. Each active request has a
// BlockTable mapping its logical token positions onto those blocks. Forking a
// request shares every block with the new request; a shared block is split
// (copy-on-write) the first time either owner writes into it.
//
// A Manager is not safe for concurrent use. Wrap it in a Locked when several
// goroutines need it.
package kvcache

import (
	"context"
	"fmt"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/unixsysdev/pagedkv/internal/logutil"
)

// BlockCopier moves the payload of a block when a shared block is split.
// tokens is the number of valid token slots to copy from src into dst.
type BlockCopier interface {
	CopyBlock(src, dst, tokens int) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for allocation events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBlockCopier sets the payload copier invoked on copy-on-write.
func WithBlockCopier(c BlockCopier) Option {
	return func(m *Manager) { m.copier = c }
}

// Manager allocates physical blocks to requests.
type Manager struct {
	blockSize int
	pool      *blockPool
	requests  *orderedmap.OrderedMap[string, *BlockTable]
	copier    BlockCopier
	logger    *slog.Logger
}

// New creates a manager over numGPUBlocks physical blocks of blockSize
// tokens each.
func New(numGPUBlocks, blockSize int, opts ...Option) (*Manager, error) {
	if numGPUBlocks <= 0 {
		return nil, fmt.Errorf("%w: num_gpu_blocks must be > 0, got %d", ErrInvalidArgument, numGPUBlocks)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block_size must be > 0, got %d", ErrInvalidArgument, blockSize)
	}

	m := &Manager{
		blockSize: blockSize,
		pool:      newBlockPool(numGPUBlocks),
		requests:  orderedmap.New[string, *BlockTable](),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BlockSize returns the number of tokens per block.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// NumBlocks returns the size of the physical pool.
func (m *Manager) NumBlocks() int {
	return m.pool.numBlocks
}

// AllocateForRequest registers requestID with enough blocks for numTokens
// and returns the acquired block ids in allocation order. A request with zero
// tokens is registered with an empty table.
//
// If the pool runs out part way, the blocks already acquired stay allocated
// and the request is not registered.
func (m *Manager) AllocateForRequest(requestID string, numTokens int) ([]int, error) {
	if _, ok := m.requests.Get(requestID); ok {
		return nil, requestError("allocate", requestID, numTokens, ErrDuplicateRequest)
	}
	if numTokens < 0 {
		return nil, requestError("allocate", requestID, numTokens, fmt.Errorf("%w: num_tokens must be >= 0", ErrInvalidArgument))
	}

	table := &BlockTable{totalTokens: numTokens}
	numBlocks := (numTokens + m.blockSize - 1) / m.blockSize
	allocated := make([]int, 0, numBlocks)

	for i := range numBlocks {
		id, err := m.pool.acquire()
		if err != nil {
			m.logger.Warn("kv cache exhausted", "op", "allocate", "request", requestID, "tokens", numTokens, "acquired", len(allocated))
			return nil, requestError("allocate", requestID, numTokens, err)
		}
		allocated = append(allocated, id)
		table.push(id, min(numTokens-i*m.blockSize, m.blockSize))
	}

	m.requests.Set(requestID, table)
	m.logger.Debug("allocated request", "request", requestID, "tokens", numTokens, "blocks", allocated)
	return allocated, nil
}

// ForkRequest registers targetID as a copy of sourceID. Both tables point at
// the same physical blocks; every shared block gains one reference.
func (m *Manager) ForkRequest(sourceID, targetID string) error {
	source, ok := m.requests.Get(sourceID)
	if !ok {
		return requestError("fork", sourceID, 0, ErrRequestNotFound)
	}
	if _, ok := m.requests.Get(targetID); ok {
		return requestError("fork", targetID, 0, fmt.Errorf("%w: target %w", ErrInvalidArgument, ErrDuplicateRequest))
	}

	target := source.clone()
	for _, id := range target.blocks {
		m.pool.retain(id)
	}
	m.requests.Set(targetID, target)

	m.logger.Debug("forked request", "source", sourceID, "target", targetID, "shared", len(target.blocks))
	return nil
}

// AppendToken grows requestID by tokenCount tokens, one at a time, and
// returns the block ids acquired along the way.
//
// The batch is not atomic: if the pool runs out, steps applied before the
// failure stay in effect and the blocks they acquired are not returned.
func (m *Manager) AppendToken(requestID string, tokenCount int) ([]int, error) {
	if tokenCount <= 0 {
		return nil, requestError("append", requestID, tokenCount, fmt.Errorf("%w: token_count must be > 0", ErrInvalidArgument))
	}
	table, ok := m.requests.Get(requestID)
	if !ok {
		return nil, requestError("append", requestID, tokenCount, ErrRequestNotFound)
	}

	var acquired []int
	for range tokenCount {
		id, isNew, err := m.appendOne(requestID, table)
		if err != nil {
			m.logger.Warn("kv cache exhausted", "op", "append", "request", requestID, "tokens", tokenCount, "acquired", len(acquired))
			return acquired, requestError("append", requestID, tokenCount, err)
		}
		if isNew {
			acquired = append(acquired, id)
		}
	}
	return acquired, nil
}

// AppendOne is AppendToken with a single token.
func (m *Manager) AppendOne(requestID string) ([]int, error) {
	return m.AppendToken(requestID, 1)
}

func (m *Manager) appendOne(requestID string, table *BlockTable) (int, bool, error) {
	blockID, filled, ok := table.LastBlock()
	if !ok {
		id, err := m.pool.acquire()
		if err != nil {
			return 0, false, err
		}
		table.push(id, 1)
		table.totalTokens = 1
		return id, true, nil
	}

	last := len(table.blocks) - 1
	if filled < m.blockSize {
		var replacement int
		split := m.pool.count(blockID) > 1
		if split {
			id, err := m.pool.acquire()
			if err != nil {
				return 0, false, err
			}
			if m.copier != nil {
				if err := m.copier.CopyBlock(blockID, id, filled); err != nil {
					m.pool.release(id)
					return 0, false, fmt.Errorf("copy block %d to %d: %w", blockID, id, err)
				}
			}
			table.blocks[last] = id
			m.pool.release(blockID)
			replacement = id
			logutil.Trace(context.Background(), m.logger, "copy-on-write split", "request", requestID, "from", blockID, "to", id, "tokens", filled)
		}
		table.filled[last]++
		table.totalTokens++
		return replacement, split, nil
	}

	id, err := m.pool.acquire()
	if err != nil {
		return 0, false, err
	}
	table.push(id, 1)
	table.totalTokens++
	return id, true, nil
}

// ReleaseRequest drops requestID and one reference from each of its blocks.
// Releasing an unknown request does nothing.
func (m *Manager) ReleaseRequest(requestID string) {
	table, ok := m.requests.Delete(requestID)
	if !ok {
		return
	}
	for _, id := range table.blocks {
		m.pool.release(id)
	}
	m.logger.Debug("released request", "request", requestID, "blocks", len(table.blocks))
}

// RefCount returns the number of tables referencing blockID, or 0 when the
// block is free or unknown.
func (m *Manager) RefCount(blockID int) int {
	return m.pool.count(blockID)
}

// Table returns a snapshot of the block table for requestID.
func (m *Manager) Table(requestID string) (*BlockTable, bool) {
	table, ok := m.requests.Get(requestID)
	if !ok {
		return nil, false
	}
	return table.clone(), true
}

// Requests returns the active request ids in registration order.
func (m *Manager) Requests() []string {
	ids := make([]string, 0, m.requests.Len())
	for pair := m.requests.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// CanAllocate reports whether numTokens fit in the free pool.
func (m *Manager) CanAllocate(numTokens int) bool {
	if numTokens < 0 {
		return false
	}
	return m.pool.available() >= (numTokens+m.blockSize-1)/m.blockSize
}

// CanAppend reports whether AppendToken(requestID, tokenCount) would
// succeed, counting the block a copy-on-write split would take.
func (m *Manager) CanAppend(requestID string, tokenCount int) bool {
	table, ok := m.requests.Get(requestID)
	if !ok || tokenCount <= 0 {
		return false
	}
	return m.pool.available() >= m.blocksNeeded(table, tokenCount)
}

func (m *Manager) blocksNeeded(table *BlockTable, tokenCount int) int {
	blockID, filled, ok := table.LastBlock()
	if !ok {
		return (tokenCount + m.blockSize - 1) / m.blockSize
	}

	needed := 0
	if room := m.blockSize - filled; room > 0 {
		if m.pool.count(blockID) > 1 {
			needed++
		}
		tokenCount -= room
	}
	if tokenCount > 0 {
		needed += (tokenCount + m.blockSize - 1) / m.blockSize
	}
	return needed
}
