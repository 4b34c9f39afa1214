package engine

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"

	"github.com/unixsysdev/pagedkv/internal/config"
	"github.com/unixsysdev/pagedkv/internal/kvcache"
)

var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrNotRunning       = errors.New("sequence is not running")
)

// Scheduler manages sequence scheduling
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	eosTokenID          int
	blockManager        *kvcache.Manager
	waitingQueue        *list.List
	runningQueue        *list.List
	preemptions         int
	forks               int
	logger              *slog.Logger
}

// NewScheduler creates a new scheduler over blockManager
func NewScheduler(cfg *config.Config, blockManager *kvcache.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          cfg.MaxNumSeqs,
		maxNumBatchedTokens: cfg.MaxNumBatchedTokens,
		maxModelLen:         cfg.MaxModelLen,
		eosTokenID:          cfg.EOSTokenID,
		blockManager:        blockManager,
		waitingQueue:        list.New(),
		runningQueue:        list.New(),
		logger:              logger,
	}
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	seq.Status = SequenceStatusWaiting
	s.waitingQueue.PushBack(seq)
}

// Schedule picks the sequences for the next step. Waiting sequences are
// admitted first (prefill); when none can be admitted every running sequence
// gets one more cache slot (decode), preempting those that do not fit.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	scheduled := make([]*Sequence, 0)
	batchedTokens := 0

	for s.waitingQueue.Len() > 0 && s.runningQueue.Len() < s.maxNumSeqs {
		elem := s.waitingQueue.Front()
		seq := elem.Value.(*Sequence)

		if !s.canSchedule(seq, batchedTokens) {
			break
		}
		if _, err := s.blockManager.AllocateForRequest(seq.ID, seq.NumTokens); err != nil {
			return nil, false, fmt.Errorf("admit sequence %s: %w", seq.ID, err)
		}

		s.waitingQueue.Remove(elem)
		seq.Status = SequenceStatusRunning
		s.runningQueue.PushBack(seq)
		scheduled = append(scheduled, seq)
		batchedTokens += seq.NumTokens
	}

	if len(scheduled) > 0 {
		return scheduled, true, nil
	}

	for elem := s.runningQueue.Front(); elem != nil; {
		seq := elem.Value.(*Sequence)
		next := elem.Next()

		if s.blockManager.CanAppend(seq.ID, 1) {
			if _, err := s.blockManager.AppendOne(seq.ID); err != nil {
				return nil, false, fmt.Errorf("decode sequence %s: %w", seq.ID, err)
			}
			scheduled = append(scheduled, seq)
		} else {
			s.preempt(elem)
		}
		elem = next
	}

	return scheduled, false, nil
}

// preempt releases a running sequence's blocks and puts it back at the head
// of the waiting queue to be recomputed.
func (s *Scheduler) preempt(elem *list.Element) {
	seq := s.runningQueue.Remove(elem).(*Sequence)
	s.blockManager.ReleaseRequest(seq.ID)
	seq.Status = SequenceStatusWaiting
	seq.Preemptions++
	s.preemptions++
	s.waitingQueue.PushFront(seq)
	s.logger.Debug("preempted sequence", "seq", seq.ID, "tokens", seq.NumTokens)
}

// PostProcess processes the output tokens
func (s *Scheduler) PostProcess(seqs []*Sequence, tokenIDs []int) []bool {
	finished := make([]bool, len(seqs))

	for i, seq := range seqs {
		seq.AppendToken(tokenIDs[i])

		if (!seq.IgnoreEOS && tokenIDs[i] == s.eosTokenID) ||
			seq.NumCompletionTokens() >= seq.MaxTokens ||
			seq.NumTokens >= s.maxModelLen {
			seq.Status = SequenceStatusFinished
			s.blockManager.ReleaseRequest(seq.ID)
			if elem := find(s.runningQueue, seq.ID); elem != nil {
				s.runningQueue.Remove(elem)
			}
			finished[i] = true
		}
	}

	return finished
}

// Fork branches a running sequence. The child shares every cache block with
// its parent until one of them writes into a shared block.
func (s *Scheduler) Fork(id string) (*Sequence, error) {
	elem := find(s.runningQueue, id)
	if elem == nil {
		if find(s.waitingQueue, id) != nil {
			return nil, fmt.Errorf("fork %s: %w", id, ErrNotRunning)
		}
		return nil, fmt.Errorf("fork %s: %w", id, ErrSequenceNotFound)
	}

	parent := elem.Value.(*Sequence)
	child := parent.fork()
	if err := s.blockManager.ForkRequest(parent.ID, child.ID); err != nil {
		return nil, err
	}
	s.runningQueue.PushBack(child)
	s.forks++
	return child, nil
}

// Abort drops a sequence from either queue and frees its blocks.
func (s *Scheduler) Abort(id string) bool {
	for _, q := range []*list.List{s.runningQueue, s.waitingQueue} {
		if elem := find(q, id); elem != nil {
			seq := q.Remove(elem).(*Sequence)
			seq.Status = SequenceStatusFinished
			s.blockManager.ReleaseRequest(id)
			return true
		}
	}
	return false
}

// IsFinished checks if all sequences are finished
func (s *Scheduler) IsFinished() bool {
	return s.waitingQueue.Len() == 0 && s.runningQueue.Len() == 0
}

// NumWaiting returns the number of queued sequences
func (s *Scheduler) NumWaiting() int {
	return s.waitingQueue.Len()
}

// NumRunning returns the number of sequences holding cache blocks
func (s *Scheduler) NumRunning() int {
	return s.runningQueue.Len()
}

// canSchedule checks if a sequence can be admitted in the current step
func (s *Scheduler) canSchedule(seq *Sequence, batchedTokens int) bool {
	if batchedTokens+seq.NumTokens > s.maxNumBatchedTokens {
		return false
	}
	return s.blockManager.CanAllocate(seq.NumTokens)
}

func find(l *list.List, id string) *list.Element {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*Sequence).ID == id {
			return e
		}
	}
	return nil
}
