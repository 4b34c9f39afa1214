package kvcache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for non-positive sizes, negative token
	// counts and forks onto an id that is already active.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateRequest is returned when a request id is already active.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrRequestNotFound is returned when appending to or forking from an
	// unknown request id.
	ErrRequestNotFound = errors.New("request not found")

	// ErrOutOfBlocks is returned when the free pool is exhausted.
	ErrOutOfBlocks = errors.New("no free KV cache blocks available")
)

// RequestError describes a failed manager operation on a single request.
type RequestError struct {
	Op        string
	RequestID string
	Tokens    int
	Err       error
}

func (e *RequestError) Error() string {
	if e.Tokens > 0 {
		return fmt.Sprintf("kvcache: %s %q (%d tokens): %v", e.Op, e.RequestID, e.Tokens, e.Err)
	}
	return fmt.Sprintf("kvcache: %s %q: %v", e.Op, e.RequestID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func requestError(op, id string, tokens int, err error) error {
	return &RequestError{Op: op, RequestID: id, Tokens: tokens, Err: err}
}
