package kvcache

import "slices"

// BlockTable maps one request's logical blocks to physical blocks.
//
// Every logical block below the last one is full; only the last block may be
// partially filled. totalTokens is the sum of filled.
type BlockTable struct {
	blocks      []int
	filled      []int
	totalTokens int
}

// Blocks returns the physical block id of each logical block, in order.
func (t *BlockTable) Blocks() []int {
	return slices.Clone(t.blocks)
}

// FilledCounts returns the number of valid tokens in each logical block.
func (t *BlockTable) FilledCounts() []int {
	return slices.Clone(t.filled)
}

// TotalTokens returns the number of logical tokens assigned to the request.
func (t *BlockTable) TotalTokens() int {
	return t.totalTokens
}

// NumBlocks returns the number of logical blocks.
func (t *BlockTable) NumBlocks() int {
	return len(t.blocks)
}

// LastBlock returns the physical id and fill count of the highest logical
// block. ok is false for a table with no blocks.
func (t *BlockTable) LastBlock() (blockID, filled int, ok bool) {
	if len(t.blocks) == 0 {
		return 0, 0, false
	}
	last := len(t.blocks) - 1
	return t.blocks[last], t.filled[last], true
}

func (t *BlockTable) push(blockID, filled int) {
	t.blocks = append(t.blocks, blockID)
	t.filled = append(t.filled, filled)
}

func (t *BlockTable) clone() *BlockTable {
	return &BlockTable{
		blocks:      slices.Clone(t.blocks),
		filled:      slices.Clone(t.filled),
		totalTokens: t.totalTokens,
	}
}
