package kvcache

import "math"

// MemoryReport is a point-in-time view of pool usage.
type MemoryReport struct {
	TotalBlocks          int     `json:"total_blocks"`
	UsedBlocks           int     `json:"used_blocks"`
	FreeBlocks           int     `json:"free_blocks"`
	ActiveRequests       int     `json:"active_requests"`
	CapacityTokens       int     `json:"capacity_tokens"`
	UsedTokens           int     `json:"used_tokens"`
	LastBlockWasteTokens int     `json:"last_block_waste_tokens"`
	TokenUtilization     float64 `json:"token_utilization"`
}

// MemoryReport summarizes block usage. A block shared by several requests
// counts once in UsedBlocks but contributes its tokens to every owner in
// UsedTokens, so TokenUtilization may exceed 1 after a fork.
func (m *Manager) MemoryReport() MemoryReport {
	r := MemoryReport{
		UsedBlocks:     m.pool.used(),
		FreeBlocks:     m.pool.available(),
		ActiveRequests: m.requests.Len(),
	}
	r.TotalBlocks = r.UsedBlocks + r.FreeBlocks
	r.CapacityTokens = r.UsedBlocks * m.blockSize

	for pair := m.requests.Oldest(); pair != nil; pair = pair.Next() {
		r.UsedTokens += pair.Value.totalTokens
		if _, filled, ok := pair.Value.LastBlock(); ok {
			r.LastBlockWasteTokens += m.blockSize - filled
		}
	}

	if r.CapacityTokens > 0 {
		r.TokenUtilization = math.Round(float64(r.UsedTokens)/float64(r.CapacityTokens)*1e4) / 1e4
	}
	return r
}
