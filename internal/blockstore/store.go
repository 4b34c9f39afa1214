// Package blockstore holds the per-token payload of KV cache blocks in a
// single host-side tensor slab.
package blockstore

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

var ErrOutOfRange = errors.New("blockstore: index out of range")

// Store is a [blocks, blockSize, width] float32 slab. Row (b, s) holds the
// cached vector of token slot s in physical block b.
type Store struct {
	numBlocks int
	blockSize int
	width     int
	slab      *tensor.Dense
}

// New allocates a zeroed slab.
func New(numBlocks, blockSize, width int) (*Store, error) {
	if numBlocks <= 0 || blockSize <= 0 || width <= 0 {
		return nil, fmt.Errorf("blockstore: invalid shape [%d %d %d]", numBlocks, blockSize, width)
	}

	return &Store{
		numBlocks: numBlocks,
		blockSize: blockSize,
		width:     width,
		slab:      tensor.New(tensor.WithShape(numBlocks, blockSize, width), tensor.Of(tensor.Float32)),
	}, nil
}

// Shape returns the slab shape.
func (s *Store) Shape() []int {
	return s.slab.Shape().Clone()
}

func (s *Store) data() []float32 {
	return s.slab.Data().([]float32)
}

func (s *Store) offset(block, slot int) (int, error) {
	if block < 0 || block >= s.numBlocks || slot < 0 || slot >= s.blockSize {
		return 0, fmt.Errorf("%w: block %d slot %d", ErrOutOfRange, block, slot)
	}
	return (block*s.blockSize + slot) * s.width, nil
}

// Write stores vec in the given token slot.
func (s *Store) Write(block, slot int, vec []float32) error {
	if len(vec) != s.width {
		return fmt.Errorf("blockstore: vector width %d, want %d", len(vec), s.width)
	}
	off, err := s.offset(block, slot)
	if err != nil {
		return err
	}
	copy(s.data()[off:off+s.width], vec)
	return nil
}

// Read returns a copy of the vector in the given token slot.
func (s *Store) Read(block, slot int) ([]float32, error) {
	off, err := s.offset(block, slot)
	if err != nil {
		return nil, err
	}
	out := make([]float32, s.width)
	copy(out, s.data()[off:off+s.width])
	return out, nil
}

// CopyBlock copies the first tokens slots of src into dst.
func (s *Store) CopyBlock(src, dst, tokens int) error {
	if tokens < 0 || tokens > s.blockSize {
		return fmt.Errorf("%w: %d tokens", ErrOutOfRange, tokens)
	}
	from, err := s.offset(src, 0)
	if err != nil {
		return err
	}
	to, err := s.offset(dst, 0)
	if err != nil {
		return err
	}

	n := tokens * s.width
	data := s.data()
	copy(data[to:to+n], data[from:from+n])
	return nil
}
