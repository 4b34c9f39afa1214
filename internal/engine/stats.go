package engine

import (
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes scheduling activity and last-block fragmentation across
// running sequences.
type Stats struct {
	Running     int `json:"running"`
	Waiting     int `json:"waiting"`
	Preemptions int `json:"preemptions"`
	Forks       int `json:"forks"`

	// Fill ratio of each running sequence's last block.
	MeanLastBlockFill   float64 `json:"mean_last_block_fill"`
	StdDevLastBlockFill float64 `json:"stddev_last_block_fill"`
}

// Stats returns current scheduling and fragmentation statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Running:     e.scheduler.NumRunning(),
		Waiting:     e.scheduler.NumWaiting(),
		Preemptions: e.scheduler.preemptions,
		Forks:       e.scheduler.forks,
	}

	blockSize := float64(e.blocks.BlockSize())
	var fills []float64
	for _, id := range e.blocks.Requests() {
		table, _ := e.blocks.Table(id)
		if _, filled, ok := table.LastBlock(); ok {
			fills = append(fills, float64(filled)/blockSize)
		}
	}

	if len(fills) > 0 {
		s.MeanLastBlockFill = stat.Mean(fills, nil)
	}
	if len(fills) > 1 {
		s.StdDevLastBlockFill = stat.StdDev(fills, nil)
	}
	return s
}
