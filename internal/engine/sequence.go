package engine

import (
	"slices"

	"github.com/google/uuid"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	SequenceStatusWaiting SequenceStatus = iota
	SequenceStatusRunning
	SequenceStatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case SequenceStatusWaiting:
		return "waiting"
	case SequenceStatusRunning:
		return "running"
	case SequenceStatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Params controls when a sequence stops.
type Params struct {
	MaxTokens int
	IgnoreEOS bool
}

// Sequence represents a generation sequence. Its ID doubles as the request
// id in the block manager.
type Sequence struct {
	ID              string
	ParentID        string
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	MaxTokens       int
	IgnoreEOS       bool
	Preemptions     int
}

// NewSequence creates a new sequence
func NewSequence(tokenIDs []int, params Params) *Sequence {
	s := &Sequence{
		ID:              uuid.NewString(),
		Status:          SequenceStatusWaiting,
		TokenIDs:        slices.Clone(tokenIDs),
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
		MaxTokens:       params.MaxTokens,
		IgnoreEOS:       params.IgnoreEOS,
	}
	if len(tokenIDs) > 0 {
		s.LastToken = tokenIDs[len(tokenIDs)-1]
	}
	return s
}

// fork returns a running copy of s with a fresh id.
func (s *Sequence) fork() *Sequence {
	child := *s
	child.ID = uuid.NewString()
	child.ParentID = s.ID
	child.TokenIDs = slices.Clone(s.TokenIDs)
	child.Preemptions = 0
	return &child
}

// IsFinished checks if the sequence is finished
func (s *Sequence) IsFinished() bool {
	return s.Status == SequenceStatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}
