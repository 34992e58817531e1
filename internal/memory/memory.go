// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory provides a RAM disk backend. Content is lost when the
// process exits.
package memory

import (
	"fmt"
	"sync"
)

// Memory keeps all blocks in one byte slice.
type Memory struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int64
}

// New returns zeroed memory backend of blocks blocks of blockSize bytes.
func New(blocks, blockSize int64) *Memory {
	return &Memory{
		data:      make([]byte, blocks*blockSize),
		blockSize: blockSize,
	}
}

// Returns byte range of the blocks or error when it is out of the backend.
func (m *Memory) span(block, blocks int64, buf []byte) (int64, int64, error) {
	from := block * m.blockSize
	to := from + blocks*m.blockSize

	if block < 0 || blocks < 0 || to > int64(len(m.data)) {
		return 0, 0, fmt.Errorf("blocks [%d, %d) out of range", block, block+blocks)
	}

	if buf != nil && int64(len(buf)) < to-from {
		return 0, 0, fmt.Errorf("buffer of %d bytes too small for %d blocks", len(buf), blocks)
	}

	return from, to, nil
}

func (m *Memory) ReadBlocks(block, blocks int64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from, to, err := m.span(block, blocks, buf)
	if err != nil {
		return err
	}

	copy(buf, m.data[from:to])

	return nil
}

func (m *Memory) WriteBlocks(block, blocks int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to, err := m.span(block, blocks, buf)
	if err != nil {
		return err
	}

	copy(m.data[from:to], buf)

	return nil
}

// TrimBlocks zeroes the blocks.
func (m *Memory) TrimBlocks(block, blocks int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to, err := m.span(block, blocks, nil)
	if err != nil {
		return err
	}

	clear(m.data[from:to])

	return nil
}

func (m *Memory) Size() (int64, error) {
	return int64(len(m.data)), nil
}
