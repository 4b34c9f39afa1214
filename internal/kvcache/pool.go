package kvcache

import (
	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
)

// blockPool owns the physical block ids and their reference counts.
//
// A block id is either queued in free or present in refCount with a count
// of at least one, never both. Freed ids are queued at the tail and
// acquisition takes the head, so reuse order is FIFO.
type blockPool struct {
	numBlocks int
	free      *linkedlistqueue.Queue[int]
	refCount  map[int]int
}

func newBlockPool(numBlocks int) *blockPool {
	free := linkedlistqueue.New[int]()
	for i := 0; i < numBlocks; i++ {
		free.Enqueue(i)
	}

	return &blockPool{
		numBlocks: numBlocks,
		free:      free,
		refCount:  make(map[int]int),
	}
}

// acquire takes the next free block and gives it a single reference.
func (p *blockPool) acquire() (int, error) {
	id, ok := p.free.Dequeue()
	if !ok {
		return 0, ErrOutOfBlocks
	}
	p.refCount[id] = 1
	return id, nil
}

func (p *blockPool) retain(id int) {
	p.refCount[id]++
}

// release drops one reference. The count is tested before it is
// decremented: a block whose only owner leaves goes back to the free list.
func (p *blockPool) release(id int) {
	count := p.refCount[id]
	if count <= 1 {
		delete(p.refCount, id)
		p.free.Enqueue(id)
		return
	}
	p.refCount[id] = count - 1
}

func (p *blockPool) count(id int) int {
	return p.refCount[id]
}

func (p *blockPool) used() int {
	return len(p.refCount)
}

func (p *blockPool) available() int {
	return p.free.Size()
}

// freeIDs returns the free list from head to tail.
func (p *blockPool) freeIDs() []int {
	return p.free.Values()
}
