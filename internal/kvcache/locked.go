package kvcache

import "sync"

// Locked serializes every call on a Manager behind a single mutex.
//
// Each method is one critical section, so a copy-on-write split and the
// reference counts it touches are never observed half applied.
type Locked struct {
	mu sync.Mutex
	m  *Manager
}

// NewLocked wraps m. The caller must stop using m directly.
func NewLocked(m *Manager) *Locked {
	return &Locked{m: m}
}

func (l *Locked) AllocateForRequest(requestID string, numTokens int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.AllocateForRequest(requestID, numTokens)
}

func (l *Locked) ForkRequest(sourceID, targetID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.ForkRequest(sourceID, targetID)
}

func (l *Locked) AppendToken(requestID string, tokenCount int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.AppendToken(requestID, tokenCount)
}

func (l *Locked) ReleaseRequest(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m.ReleaseRequest(requestID)
}

func (l *Locked) MemoryReport() MemoryReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.MemoryReport()
}

func (l *Locked) RefCount(blockID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.RefCount(blockID)
}

func (l *Locked) Table(requestID string) (*BlockTable, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.Table(requestID)
}

// Do runs fn with exclusive access to the wrapped manager.
func (l *Locked) Do(fn func(m *Manager) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.m)
}
