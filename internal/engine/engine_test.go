package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/pagedkv/internal/config"
	"github.com/unixsysdev/pagedkv/internal/kvcache"
)

func testConfig(numBlocks, blockSize int) *config.Config {
	cfg := config.Default()
	cfg.NumKVCacheBlocks = numBlocks
	cfg.KVCacheBlockSize = blockSize
	cfg.MaxModelLen = 64
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, gen Generator) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

// countingGenerator emits the sequence length as the next token.
var countingGenerator = GeneratorFunc(func(seq *Sequence) int { return seq.NumTokens })

func TestGenerate(t *testing.T) {
	e := newTestEngine(t, testConfig(16, 4), countingGenerator)

	outputs, err := e.Generate(context.Background(),
		[][]int{{1, 2, 3}, {4, 5}},
		[]Params{{MaxTokens: 5}, {MaxTokens: 3}},
	)
	require.NoError(t, err)

	want := []*GenerationOutput{
		{TokenIDs: []int{3, 4, 5, 6, 7}},
		{TokenIDs: []int{2, 3, 4}},
	}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}

	report := e.MemoryReport()
	assert.Zero(t, report.UsedBlocks)
	assert.Equal(t, 16, report.FreeBlocks)
	assert.Zero(t, report.ActiveRequests)
}

func TestGenerateStopsOnEOS(t *testing.T) {
	cfg := testConfig(8, 4)
	cfg.EOSTokenID = 99
	eos := GeneratorFunc(func(*Sequence) int { return 99 })

	outputs, err := newTestEngine(t, cfg, eos).Generate(context.Background(),
		[][]int{{1}, {2}},
		[]Params{{MaxTokens: 4}, {MaxTokens: 4, IgnoreEOS: true}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{99}, outputs[0].TokenIDs)
	assert.Equal(t, []int{99, 99, 99, 99}, outputs[1].TokenIDs)
}

func TestGenerateStopsAtMaxModelLen(t *testing.T) {
	cfg := testConfig(8, 4)
	cfg.MaxModelLen = 6

	outputs, err := newTestEngine(t, cfg, countingGenerator).Generate(context.Background(),
		[][]int{{1, 2, 3, 4}},
		[]Params{{MaxTokens: 100}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, outputs[0].TokenIDs)
}

func TestGeneratePreempts(t *testing.T) {
	e := newTestEngine(t, testConfig(3, 4), countingGenerator)

	outputs, err := e.Generate(context.Background(),
		[][]int{{1, 2, 3, 4}, {5, 6, 7, 8}},
		[]Params{{MaxTokens: 4}, {MaxTokens: 4}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6, 7}, outputs[0].TokenIDs)
	assert.Equal(t, []int{4, 5, 6, 7}, outputs[1].TokenIDs)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Preemptions)
	assert.Equal(t, 3, e.MemoryReport().FreeBlocks)
}

func TestGenerateCannotSchedule(t *testing.T) {
	e := newTestEngine(t, testConfig(2, 4), countingGenerator)

	_, err := e.Generate(context.Background(),
		[][]int{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		[]Params{{MaxTokens: 1}},
	)
	assert.ErrorIs(t, err, ErrCannotSchedule)
}

func TestGenerateCanceled(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4), countingGenerator)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Generate(ctx, [][]int{{1}}, []Params{{MaxTokens: 2}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAddRequestErrors(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4), countingGenerator)

	_, err := e.AddRequest(nil, Params{MaxTokens: 1})
	assert.Error(t, err)

	_, err = e.AddRequest(make([]int, 64), Params{MaxTokens: 1})
	assert.ErrorContains(t, err, "max_model_len")

	_, err = e.Generate(context.Background(), [][]int{{1}}, nil)
	assert.Error(t, err)
}

func TestForkSharesAndSplitsPayload(t *testing.T) {
	cfg := testConfig(8, 4)
	cfg.KVHeadDim = 2
	gen := GeneratorFunc(func(seq *Sequence) int { return 100 + seq.NumTokens })
	e := newTestEngine(t, cfg, gen)

	parent, err := e.AddRequest([]int{1, 2, 3, 4, 5}, Params{MaxTokens: 10})
	require.NoError(t, err)

	_, err = e.Fork(parent.ID)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = e.Step()
	require.NoError(t, err)

	child, err := e.Fork(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.TokenIDs, child.TokenIDs)

	report := e.MemoryReport()
	assert.Equal(t, 2, report.UsedBlocks)
	assert.Equal(t, 2, report.ActiveRequests)

	outputs, err := e.Step()
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	parentTable, _ := e.blocks.Table(parent.ID)
	childTable, _ := e.blocks.Table(child.ID)
	assert.Equal(t, []int{0, 2}, parentTable.Blocks())
	assert.Equal(t, []int{0, 1}, childTable.Blocks())
	assert.Equal(t, 2, e.blocks.RefCount(0))

	for _, id := range []string{parent.ID, child.ID} {
		for pos, want := range []float32{1, 2, 3, 4, 5, 105} {
			got, err := e.ReadKV(id, pos)
			require.NoError(t, err)
			assert.Equal(t, []float32{want, want}, got, "seq %s position %d", id, pos)
		}
		_, err := e.ReadKV(id, 6)
		assert.Error(t, err)
	}

	stats := e.Stats()
	assert.Equal(t, 1, stats.Forks)
	assert.Equal(t, 2, stats.Running)
	assert.InDelta(t, 0.5, stats.MeanLastBlockFill, 1e-9)
	assert.InDelta(t, 0, stats.StdDevLastBlockFill, 1e-9)
}

func TestForkUnknown(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4), countingGenerator)
	_, err := e.Fork("missing")
	assert.ErrorIs(t, err, ErrSequenceNotFound)
}

func TestReadKVDisabled(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4), countingGenerator)
	seq, err := e.AddRequest([]int{1}, Params{MaxTokens: 2})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)

	_, err = e.ReadKV(seq.ID, 0)
	assert.ErrorContains(t, err, "disabled")
}

func TestAbort(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4), countingGenerator)

	seq, err := e.AddRequest([]int{1, 2, 3}, Params{MaxTokens: 8})
	require.NoError(t, err)
	_, err = e.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, e.MemoryReport().UsedBlocks)

	assert.True(t, e.Abort(seq.ID))
	assert.False(t, e.Abort(seq.ID))
	assert.True(t, seq.IsFinished())
	assert.True(t, e.IsFinished())
	assert.Equal(t, kvcache.MemoryReport{TotalBlocks: 4, FreeBlocks: 4}, e.MemoryReport())
}

func TestNewEngineInvalidConfig(t *testing.T) {
	cfg := testConfig(0, 4)
	_, err := NewEngine(cfg, countingGenerator, nil)
	assert.ErrorContains(t, err, "num_kvcache_blocks")
}
