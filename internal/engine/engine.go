// Package engine drives the KV cache block manager the way an inference loop
// does: admitting prompts, growing sequences one token per step, forking
// sequences for parallel sampling and freeing them when they finish.
//
// Token production is delegated to a Generator; no model runs here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/unixsysdev/pagedkv/internal/blockstore"
	"github.com/unixsysdev/pagedkv/internal/config"
	"github.com/unixsysdev/pagedkv/internal/kvcache"
)

// ErrCannotSchedule is returned when waiting sequences can never fit in the
// cache.
var ErrCannotSchedule = errors.New("waiting sequences do not fit in the KV cache")

// Generator produces the next token for a sequence.
type Generator interface {
	Next(seq *Sequence) int
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(seq *Sequence) int

func (f GeneratorFunc) Next(seq *Sequence) int {
	return f(seq)
}

// Engine owns a block manager and steps sequences through it.
type Engine struct {
	config    *config.Config
	blocks    *kvcache.Manager
	store     *blockstore.Store
	scheduler *Scheduler
	generator Generator
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewEngine creates an engine. When cfg.KVHeadDim is positive a payload
// store is attached so copy-on-write splits carry the cached vectors over.
func NewEngine(cfg *config.Config, gen Generator, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []kvcache.Option{kvcache.WithLogger(logger)}

	var store *blockstore.Store
	if cfg.KVHeadDim > 0 {
		var err error
		store, err = blockstore.New(cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize, cfg.KVHeadDim)
		if err != nil {
			return nil, fmt.Errorf("failed to create block store: %w", err)
		}
		opts = append(opts, kvcache.WithBlockCopier(store))
	}

	blocks, err := kvcache.New(cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create block manager: %w", err)
	}

	return &Engine{
		config:    cfg,
		blocks:    blocks,
		store:     store,
		scheduler: NewScheduler(cfg, blocks, logger),
		generator: gen,
		logger:    logger,
	}, nil
}

// AddRequest queues a prompt and returns its sequence
func (e *Engine) AddRequest(tokenIDs []int, params Params) (*Sequence, error) {
	if len(tokenIDs) == 0 {
		return nil, errors.New("empty prompt")
	}
	if len(tokenIDs) >= e.config.MaxModelLen {
		return nil, fmt.Errorf("prompt of %d tokens exceeds max_model_len %d", len(tokenIDs), e.config.MaxModelLen)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seq := NewSequence(tokenIDs, params)
	e.scheduler.Add(seq)
	return seq, nil
}

// Fork branches a running sequence
func (e *Engine) Fork(id string) (*Sequence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.Fork(id)
}

// Abort cancels a sequence and frees its blocks
func (e *Engine) Abort(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.Abort(id)
}

// Step performs one scheduling step and generates one token for every
// scheduled sequence.
func (e *Engine) Step() ([]*SequenceOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 && e.scheduler.NumWaiting() > 0 && e.scheduler.NumRunning() == 0 {
		// everything may have just been preempted; with the pool drained
		// the head of the queue either fits now or never will
		seqs, isPrefill, err = e.scheduler.Schedule()
		if err != nil {
			return nil, err
		}
		if len(seqs) == 0 {
			return nil, ErrCannotSchedule
		}
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		from := seq.NumTokens - 1
		if isPrefill {
			from = 0
		}
		if err := e.writeKV(seq, from); err != nil {
			return nil, err
		}
		tokenIDs[i] = e.generator.Next(seq)
	}

	finished := e.scheduler.PostProcess(seqs, tokenIDs)

	outputs := make([]*SequenceOutput, len(seqs))
	for i, seq := range seqs {
		outputs[i] = &SequenceOutput{
			SeqID:    seq.ID,
			TokenIDs: seq.CompletionTokenIDs(),
			Finished: finished[i],
		}
	}
	return outputs, nil
}

// writeKV stores a payload vector for cache positions [from, NumTokens).
// The vector is the token id repeated across the head dimension.
func (e *Engine) writeKV(seq *Sequence, from int) error {
	if e.store == nil {
		return nil
	}
	table, ok := e.blocks.Table(seq.ID)
	if !ok {
		return fmt.Errorf("write kv %s: %w", seq.ID, kvcache.ErrRequestNotFound)
	}

	blockSize := e.blocks.BlockSize()
	blocks := table.Blocks()
	vec := make([]float32, e.config.KVHeadDim)
	for pos := from; pos < seq.NumTokens; pos++ {
		for i := range vec {
			vec[i] = float32(seq.TokenIDs[pos])
		}
		if err := e.store.Write(blocks[pos/blockSize], pos%blockSize, vec); err != nil {
			return fmt.Errorf("write kv %s position %d: %w", seq.ID, pos, err)
		}
	}
	return nil
}

// ReadKV returns the cached payload of a running sequence at position pos.
func (e *Engine) ReadKV(id string, pos int) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store == nil {
		return nil, errors.New("payload store disabled")
	}
	table, ok := e.blocks.Table(id)
	if !ok {
		return nil, fmt.Errorf("read kv %s: %w", id, kvcache.ErrRequestNotFound)
	}
	if pos < 0 || pos >= table.TotalTokens() {
		return nil, fmt.Errorf("read kv %s: position %d out of range", id, pos)
	}
	blockSize := e.blocks.BlockSize()
	return e.store.Read(table.Blocks()[pos/blockSize], pos%blockSize)
}

// IsFinished checks if all requests are finished
func (e *Engine) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.IsFinished()
}

// MemoryReport returns the block manager's report
func (e *Engine) MemoryReport() kvcache.MemoryReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocks.MemoryReport()
}

// Generate runs prompts to completion and returns their outputs in order.
func (e *Engine) Generate(ctx context.Context, prompts [][]int, params []Params) ([]*GenerationOutput, error) {
	if len(prompts) != len(params) {
		return nil, fmt.Errorf("got %d prompts and %d params", len(prompts), len(params))
	}

	ids := make([]string, len(prompts))
	for i, prompt := range prompts {
		seq, err := e.AddRequest(prompt, params[i])
		if err != nil {
			return nil, fmt.Errorf("failed to add request %d: %w", i, err)
		}
		ids[i] = seq.ID
	}

	outputs := make(map[string]*GenerationOutput, len(prompts))
	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stepOutputs, err := e.Step()
		if err != nil {
			return nil, fmt.Errorf("step failed: %w", err)
		}
		for _, output := range stepOutputs {
			if output.Finished {
				outputs[output.SeqID] = &GenerationOutput{TokenIDs: output.TokenIDs}
			}
		}
	}

	result := make([]*GenerationOutput, len(ids))
	for i, id := range ids {
		result[i] = outputs[id]
	}
	return result, nil
}

// SequenceOutput represents output from a sequence step
type SequenceOutput struct {
	SeqID    string
	TokenIDs []int
	Finished bool
}

// GenerationOutput represents final generation output
type GenerationOutput struct {
	TokenIDs []int
}
