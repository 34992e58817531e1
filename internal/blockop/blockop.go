// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockop turns a backend which can only transfer whole blocks into
// a buse.Operator accepting arbitrary byte ranges. Requests which are not
// block aligned are served by read-modify-write of the blocks they touch.
//
// Flush, trim and disconnect are passed to the backend when it implements
// the corresponding optional interface, otherwise they succeed without doing
// anything.
package blockop

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/nbdshim/internal/buse"
)

// BlockReadWriter is the only capability required from the backend. Both
// methods transfer blocks*blockSize bytes between buf and the backend
// starting at block index block.
type BlockReadWriter interface {
	ReadBlocks(block, blocks int64, buf []byte) error
	WriteBlocks(block, blocks int64, buf []byte) error
}

// Flusher is implemented by backends which buffer writes.
type Flusher interface {
	Flush() error
}

// Trimmer is implemented by backends which can discard blocks.
type Trimmer interface {
	TrimBlocks(block, blocks int64) error
}

// Disconnecter is implemented by backends which want to know that the kernel
// disconnected.
type Disconnecter interface {
	Disconnect() error
}

// Sizer is implemented by backends which know their capacity in bytes.
type Sizer interface {
	Size() (int64, error)
}

// IOError is returned when a backend call fails. Nothing was written to the
// backend by the failed operation if the failed call was a read.
type IOError struct {
	Op     string
	Block  int64
	Blocks int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s blocks [%d, %d): %v", e.Op, e.Block, e.Block+e.Blocks, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// BlockOperator implements buse.Operator on top of a BlockReadWriter.
type BlockOperator struct {
	backend   BlockReadWriter
	geometry  buse.Geometry
	blockSize int64
}

// New returns operator for backend. Geometry is reported to the kernel as is,
// its BlockSize is the unit of all backend calls.
func New(backend BlockReadWriter, geometry buse.Geometry) (*BlockOperator, error) {
	if geometry.BlockSize == 0 {
		return nil, fmt.Errorf("block size must be set")
	}

	if err := geometry.Validate(); err != nil {
		return nil, err
	}

	return &BlockOperator{
		backend:   backend,
		geometry:  geometry,
		blockSize: int64(geometry.BlockSize),
	}, nil
}

func (o *BlockOperator) Read(buf []byte, offset int64) error {
	length := int64(len(buf))
	if length == 0 {
		return nil
	}

	bs := o.blockSize
	if offset%bs == 0 && length%bs == 0 {
		return o.readBlocks(offset/bs, length/bs, buf)
	}

	block, gap, blocks := o.span(offset, length)
	scratch := make([]byte, blocks*bs)

	if err := o.readBlocks(block, blocks, scratch); err != nil {
		return err
	}

	copy(buf, scratch[gap:gap+length])

	return nil
}

// Write stores buf at offset. Blocks only partially covered by the request
// are read first so their untouched bytes are written back unchanged. All
// touched blocks are written by a single backend call.
func (o *BlockOperator) Write(buf []byte, offset int64) error {
	length := int64(len(buf))
	if length == 0 {
		return nil
	}

	bs := o.blockSize
	if offset%bs == 0 && length%bs == 0 {
		return o.writeBlocks(offset/bs, length/bs, buf)
	}

	block, gap, blocks := o.span(offset, length)
	scratch := make([]byte, blocks*bs)

	if gap != 0 {
		if err := o.readBlocks(block, 1, scratch[:bs]); err != nil {
			return err
		}
	}

	if (length-(bs-gap))%bs != 0 {
		last := blocks - 1
		if err := o.readBlocks(block+last, 1, scratch[last*bs:]); err != nil {
			return err
		}
	}

	copy(scratch[gap:], buf)

	return o.writeBlocks(block, blocks, scratch)
}

// Returns first block touched by the byte range, offset of the range inside
// that block and number of touched blocks.
func (o *BlockOperator) span(offset, length int64) (block, gap, blocks int64) {
	bs := o.blockSize
	aligned := offset / bs * bs
	gap = offset - aligned

	return aligned / bs, gap, (length + gap + bs - 1) / bs
}

func (o *BlockOperator) readBlocks(block, blocks int64, buf []byte) error {
	if err := o.backend.ReadBlocks(block, blocks, buf); err != nil {
		return &IOError{Op: "read", Block: block, Blocks: blocks, Err: err}
	}

	return nil
}

func (o *BlockOperator) writeBlocks(block, blocks int64, buf []byte) error {
	if err := o.backend.WriteBlocks(block, blocks, buf); err != nil {
		return &IOError{Op: "write", Block: block, Blocks: blocks, Err: err}
	}

	return nil
}

func (o *BlockOperator) Flush() error {
	if f, ok := o.backend.(Flusher); ok {
		return f.Flush()
	}

	return nil
}

// Trim discards the blocks lying completely inside the byte range. Partially
// covered blocks are kept, trim is only a hint.
func (o *BlockOperator) Trim(from, length int64) error {
	t, ok := o.backend.(Trimmer)
	if !ok {
		return nil
	}

	bs := o.blockSize
	first := (from + bs - 1) / bs
	end := (from + length) / bs
	if end <= first {
		return nil
	}

	if err := t.TrimBlocks(first, end-first); err != nil {
		return &IOError{Op: "trim", Block: first, Blocks: end - first, Err: err}
	}

	return nil
}

func (o *BlockOperator) Disconnect() error {
	if d, ok := o.backend.(Disconnecter); ok {
		return d.Disconnect()
	}

	log.Debug().Msg("Backend has nothing to do on disconnect.")

	return nil
}

func (o *BlockOperator) Geometry() buse.Geometry {
	return o.geometry
}

func (o *BlockOperator) Capabilities() buse.Capabilities {
	_, flush := o.backend.(Flusher)
	_, trim := o.backend.(Trimmer)

	return buse.Capabilities{Flush: flush, Trim: trim}
}
