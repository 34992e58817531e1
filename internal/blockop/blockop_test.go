// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockop

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/nbdshim/internal/buse"
)

type call struct {
	write  bool
	block  int64
	blocks int64
	buf    []byte
}

// fakeBackend keeps blocks in memory and records every call.
type fakeBackend struct {
	data      []byte
	blockSize int64
	calls     []call
	failRead  error
	failWrite error
}

func newFakeBackend(blocks, blockSize int64) *fakeBackend {
	data := make([]byte, blocks*blockSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return &fakeBackend{data: data, blockSize: blockSize}
}

func (f *fakeBackend) ReadBlocks(block, blocks int64, buf []byte) error {
	f.calls = append(f.calls, call{block: block, blocks: blocks, buf: buf})
	if f.failRead != nil {
		return f.failRead
	}

	copy(buf, f.data[block*f.blockSize:(block+blocks)*f.blockSize])

	return nil
}

func (f *fakeBackend) WriteBlocks(block, blocks int64, buf []byte) error {
	written := append([]byte(nil), buf[:blocks*f.blockSize]...)
	f.calls = append(f.calls, call{write: true, block: block, blocks: blocks, buf: written})
	if f.failWrite != nil {
		return f.failWrite
	}

	copy(f.data[block*f.blockSize:], written)

	return nil
}

func (f *fakeBackend) writes() []call {
	var w []call
	for _, c := range f.calls {
		if c.write {
			w = append(w, c)
		}
	}

	return w
}

func newOperator(t *testing.T, backend BlockReadWriter, blocks, blockSize int64) *BlockOperator {
	t.Helper()

	op, err := New(backend, buse.Geometry{
		Size:      uint64(blocks * blockSize),
		BlockSize: uint64(blockSize),
		Blocks:    uint64(blocks),
	})
	require.NoError(t, err)

	return op
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}

	return b
}

func TestWriteThenRead(t *testing.T) {
	testCases := []struct {
		desc      string
		blockSize int64
		offset    int64
		length    int
	}{
		{desc: "aligned single block", blockSize: 16, offset: 0, length: 16},
		{desc: "aligned many blocks", blockSize: 16, offset: 32, length: 64},
		{desc: "misaligned offset inside one block", blockSize: 16, offset: 24, length: 4},
		{desc: "aligned offset, short length", blockSize: 16, offset: 16, length: 3},
		{desc: "misaligned offset ending on boundary", blockSize: 16, offset: 40, length: 24},
		{desc: "crossing one boundary", blockSize: 16, offset: 0x70, length: 17},
		{desc: "crossing two boundaries", blockSize: 16, offset: 0xaf, length: 33},
		{desc: "last byte of a block", blockSize: 16, offset: 0x8f, length: 1},
		{desc: "4k block, small write", blockSize: 4096, offset: 0x1001, length: 16},
		{desc: "4k block, straddling", blockSize: 4096, offset: 0x1ff9, length: 16},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			backend := newFakeBackend(32, tc.blockSize)
			before := append([]byte(nil), backend.data...)
			op := newOperator(t, backend, 32, tc.blockSize)

			data := pattern(tc.length, 0xa0)
			require.NoError(t, op.Write(data, tc.offset))

			got := make([]byte, tc.length)
			require.NoError(t, op.Read(got, tc.offset))
			assert.Equal(t, data, got)

			end := tc.offset + int64(tc.length)
			assert.Equal(t, before[:tc.offset], backend.data[:tc.offset], "bytes before the range changed")
			assert.Equal(t, before[end:], backend.data[end:], "bytes after the range changed")
		})
	}
}

func TestMisalignedWriteIsSingleReadModifyWrite(t *testing.T) {
	const bs = 4096

	backend := newFakeBackend(8, bs)
	before := append([]byte(nil), backend.data...)
	op := newOperator(t, backend, 8, bs)

	data := pattern(16, 0x10)
	require.NoError(t, op.Write(data, 0x1001))

	writes := backend.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, int64(1), writes[0].block)
	assert.Equal(t, int64(1), writes[0].blocks)

	want := append([]byte(nil), before[bs:2*bs]...)
	copy(want[1:], data)
	assert.Equal(t, want, writes[0].buf)
}

func TestStraddlingWriteIsOneTwoBlockWrite(t *testing.T) {
	const bs = 16

	backend := newFakeBackend(0x200, bs)
	before := append([]byte(nil), backend.data...)
	op := newOperator(t, backend, 0x200, bs)

	data := pattern(16, 0x40)
	require.NoError(t, op.Write(data, 0x1001))

	writes := backend.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, int64(0x100), writes[0].block)
	assert.Equal(t, int64(2), writes[0].blocks)

	want := append([]byte(nil), before[0x1000:0x1020]...)
	copy(want[1:], data)
	assert.Equal(t, want, writes[0].buf)

	// Both edge blocks had to be read to keep their untouched bytes.
	require.Len(t, backend.calls, 3)
	assert.Equal(t, call{block: 0x100, blocks: 1}, stripBuf(backend.calls[0]))
	assert.Equal(t, call{block: 0x101, blocks: 1}, stripBuf(backend.calls[1]))
}

func stripBuf(c call) call {
	c.buf = nil
	return c
}

func TestAlignedWriteSkipsReads(t *testing.T) {
	backend := newFakeBackend(8, 16)
	op := newOperator(t, backend, 8, 16)

	require.NoError(t, op.Write(pattern(16, 1), 16))
	require.NoError(t, op.Write(pattern(3, 1), 32))

	// aligned write, then aligned-offset short write which reads only the
	// tail block
	require.Len(t, backend.calls, 3)
	assert.True(t, backend.calls[0].write)
	assert.False(t, backend.calls[1].write)
	assert.Equal(t, int64(2), backend.calls[1].block)
}

func TestAlignedReadUsesCallerBuffer(t *testing.T) {
	backend := newFakeBackend(8, 16)
	op := newOperator(t, backend, 8, 16)

	buf := make([]byte, 48)
	require.NoError(t, op.Read(buf, 32))

	require.Len(t, backend.calls, 1)
	c := backend.calls[0]
	assert.Equal(t, int64(2), c.block)
	assert.Equal(t, int64(3), c.blocks)
	assert.Same(t, &buf[0], &c.buf[0], "fast path must not allocate scratch buffer")
	assert.Equal(t, backend.data[32:80], buf)
}

func TestZeroLength(t *testing.T) {
	backend := newFakeBackend(8, 16)
	op := newOperator(t, backend, 8, 16)

	assert.NoError(t, op.Read(nil, 5))
	assert.NoError(t, op.Write([]byte{}, 7))
	assert.Empty(t, backend.calls)
}

func TestBackendFailures(t *testing.T) {
	boom := errors.New("flash does not answer")

	t.Run("failed edge read aborts write", func(t *testing.T) {
		backend := newFakeBackend(8, 16)
		backend.failRead = boom
		before := append([]byte(nil), backend.data...)
		op := newOperator(t, backend, 8, 16)

		err := op.Write(pattern(4, 9), 3)
		require.ErrorIs(t, err, boom)
		assert.Empty(t, backend.writes())
		assert.Equal(t, before, backend.data)

		var ioErr *IOError
		require.True(t, errors.As(err, &ioErr))
		assert.Equal(t, "read", ioErr.Op)
	})

	t.Run("failed read", func(t *testing.T) {
		backend := newFakeBackend(8, 16)
		backend.failRead = syscall.ENXIO
		op := newOperator(t, backend, 8, 16)

		err := op.Read(make([]byte, 5), 3)
		assert.ErrorIs(t, err, syscall.ENXIO)
	})

	t.Run("failed write", func(t *testing.T) {
		backend := newFakeBackend(8, 16)
		backend.failWrite = boom
		op := newOperator(t, backend, 8, 16)

		assert.ErrorIs(t, op.Write(pattern(16, 0), 16), boom)
	})
}

// trimBackend additionally implements Trimmer, Flusher and Disconnecter.
type trimBackend struct {
	*fakeBackend
	trims       [][2]int64
	flushes     int
	disconnects int
}

func (t *trimBackend) TrimBlocks(block, blocks int64) error {
	t.trims = append(t.trims, [2]int64{block, blocks})
	return nil
}

func (t *trimBackend) Flush() error {
	t.flushes++
	return nil
}

func (t *trimBackend) Disconnect() error {
	t.disconnects++
	return nil
}

func TestOptionalOperations(t *testing.T) {
	t.Run("without backend support", func(t *testing.T) {
		op := newOperator(t, newFakeBackend(8, 16), 8, 16)

		assert.Equal(t, buse.Capabilities{}, op.Capabilities())
		assert.NoError(t, op.Flush())
		assert.NoError(t, op.Trim(0, 64))
		assert.NoError(t, op.Disconnect())
	})

	t.Run("with backend support", func(t *testing.T) {
		backend := &trimBackend{fakeBackend: newFakeBackend(8, 16)}
		op := newOperator(t, backend, 8, 16)

		assert.Equal(t, buse.Capabilities{Flush: true, Trim: true}, op.Capabilities())
		assert.Equal(t, buse.FlagSendFlush|buse.FlagSendTrim, op.Capabilities().Flags())

		require.NoError(t, op.Flush())
		require.NoError(t, op.Disconnect())
		assert.Equal(t, 1, backend.flushes)
		assert.Equal(t, 1, backend.disconnects)

		// Bytes [5, 45) cover only block 1 completely and [17, 27) no
		// block at all.
		require.NoError(t, op.Trim(0, 64))
		require.NoError(t, op.Trim(5, 40))
		require.NoError(t, op.Trim(17, 10))
		assert.Equal(t, [][2]int64{{0, 4}, {1, 1}}, backend.trims)
	})
}

func TestNewRejectsBadGeometry(t *testing.T) {
	_, err := New(newFakeBackend(1, 16), buse.Geometry{})
	assert.Error(t, err)

	_, err = New(newFakeBackend(1, 16), buse.Geometry{Size: 100, BlockSize: 16, Blocks: 4})
	assert.Error(t, err)
}

func TestReadDoesNotLeakScratch(t *testing.T) {
	backend := newFakeBackend(4, 16)
	op := newOperator(t, backend, 4, 16)

	buf := bytes.Repeat([]byte{0xee}, 8)
	require.NoError(t, op.Read(buf[:5], 13))
	assert.Equal(t, backend.data[13:18], buf[:5])
	assert.Equal(t, []byte{0xee, 0xee, 0xee}, buf[5:])
}
