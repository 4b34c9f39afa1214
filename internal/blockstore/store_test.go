package blockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s, err := New(3, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 2}, s.Shape())

	for _, shape := range [][3]int{{0, 4, 2}, {3, 0, 2}, {3, 4, -1}} {
		_, err := New(shape[0], shape[1], shape[2])
		assert.Error(t, err, "shape %v", shape)
	}
}

func TestWriteRead(t *testing.T) {
	s, err := New(2, 2, 3)
	require.NoError(t, err)

	require.NoError(t, s.Write(1, 1, []float32{1, 2, 3}))
	got, err := s.Read(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)

	got, err = s.Read(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, got)

	assert.Error(t, s.Write(0, 0, []float32{1}))
	assert.ErrorIs(t, s.Write(2, 0, []float32{1, 2, 3}), ErrOutOfRange)
	_, err = s.Read(0, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestCopyBlock(t *testing.T) {
	s, err := New(2, 3, 1)
	require.NoError(t, err)
	for slot := range 3 {
		require.NoError(t, s.Write(0, slot, []float32{float32(slot + 10)}))
	}

	require.NoError(t, s.CopyBlock(0, 1, 2))

	for slot, want := range []float32{10, 11, 0} {
		got, err := s.Read(1, slot)
		require.NoError(t, err)
		assert.Equal(t, []float32{want}, got, "slot %d", slot)
	}

	assert.ErrorIs(t, s.CopyBlock(0, 1, 4), ErrOutOfRange)
	assert.ErrorIs(t, s.CopyBlock(0, 5, 1), ErrOutOfRange)
}
