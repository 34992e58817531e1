// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memOperator keeps the whole device in memory. failWith, when set, is
// returned by every data operation.
type memOperator struct {
	mu          sync.Mutex
	data        []byte
	failWith    error
	flushes     int
	trims       [][2]int64
	disconnects int
}

func newMemOperator(size int) *memOperator {
	return &memOperator{data: make([]byte, size)}
}

func (m *memOperator) Read(buf []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	if offset+int64(len(buf)) > int64(len(m.data)) {
		return syscall.ENOSPC
	}

	copy(buf, m.data[offset:])

	return nil
}

func (m *memOperator) Write(buf []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	if offset+int64(len(buf)) > int64(len(m.data)) {
		return syscall.ENOSPC
	}

	copy(m.data[offset:], buf)

	return nil
}

func (m *memOperator) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disconnects++

	return nil
}

func (m *memOperator) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushes++

	return m.failWith
}

func (m *memOperator) Trim(from, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trims = append(m.trims, [2]int64{from, length})

	return nil
}

func (m *memOperator) Geometry() Geometry {
	return Geometry{
		Size:      uint64(len(m.data)),
		BlockSize: 512,
		Blocks:    uint64(len(m.data) / 512),
	}
}

func (m *memOperator) Capabilities() Capabilities {
	return Capabilities{Flush: true, Trim: true}
}

// Kernel side helpers. The error returning variants are safe to use from
// goroutines other than the test one.

func writeRequest(w io.Writer, cmd Command, handle uint64, from uint64, length uint32, payload []byte) error {
	req := request{magic: requestMagic, command: cmd, from: from, length: length}
	binary.BigEndian.PutUint64(req.handle[:], handle)

	buf := make([]byte, requestSize, requestSize+len(payload))
	req.encode(buf)
	buf = append(buf, payload...)

	_, err := w.Write(buf)

	return err
}

func readReply(r io.Reader) (reply, error) {
	var buf [replySize]byte
	var rep reply

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return rep, err
	}

	rep.decode(buf[:])
	if rep.magic != replyMagic {
		return rep, fmt.Errorf("bad reply magic 0x%08x", rep.magic)
	}

	return rep, nil
}

func sendRequest(t *testing.T, w io.Writer, cmd Command, handle uint64, from uint64, length uint32, payload []byte) {
	t.Helper()

	require.NoError(t, writeRequest(w, cmd, handle, from, length, payload))
}

func recvReply(t *testing.T, r io.Reader) (errno uint32, handle uint64) {
	t.Helper()

	rep, err := readReply(r)
	require.NoError(t, err)

	return rep.errno, binary.BigEndian.Uint64(rep.handle[:])
}

// Starts Serve on one end of a pipe and returns the other end together with
// the channel delivering the result of Serve.
func startServer(t *testing.T, op Operator, m *Metrics) (net.Conn, <-chan error) {
	t.Helper()

	kernel, server := net.Pipe()
	t.Cleanup(func() { kernel.Close() })

	done := make(chan error, 1)
	go func() {
		err := Serve(server, op, m)
		server.Close()
		done <- err
	}()

	return kernel, done
}

func TestServeReadWrite(t *testing.T) {
	op := newMemOperator(1 << 16)
	kernel, done := startServer(t, op, nil)

	payload := []byte("hello, nbd! this is block data")
	sendRequest(t, kernel, CmdWrite, 0x1122334455667788, 0x1001, uint32(len(payload)), payload)
	errno, handle := recvReply(t, kernel)
	assert.Zero(t, errno)
	assert.Equal(t, uint64(0x1122334455667788), handle)

	sendRequest(t, kernel, CmdRead, 7, 0x1001, uint32(len(payload)), nil)
	errno, handle = recvReply(t, kernel)
	assert.Zero(t, errno)
	assert.Equal(t, uint64(7), handle)

	got := make([]byte, len(payload))
	_, err := io.ReadFull(kernel, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	sendRequest(t, kernel, CmdDisc, 8, 0, 0, nil)
	require.NoError(t, <-done)
	assert.Equal(t, 1, op.disconnects)
}

func TestServeFlushTrim(t *testing.T) {
	op := newMemOperator(1 << 16)
	kernel, done := startServer(t, op, nil)

	sendRequest(t, kernel, CmdFlush, 1, 0, 0, nil)
	errno, handle := recvReply(t, kernel)
	assert.Zero(t, errno)
	assert.Equal(t, uint64(1), handle)

	sendRequest(t, kernel, CmdTrim, 2, 4096, 8192, nil)
	errno, handle = recvReply(t, kernel)
	assert.Zero(t, errno)
	assert.Equal(t, uint64(2), handle)

	sendRequest(t, kernel, CmdDisc, 3, 0, 0, nil)
	require.NoError(t, <-done)

	assert.Equal(t, 1, op.flushes)
	assert.Equal(t, [][2]int64{{4096, 8192}}, op.trims)
}

func TestServeOperatorErrorsKeepSession(t *testing.T) {
	op := newMemOperator(4096)
	kernel, done := startServer(t, op, nil)

	// Errno is passed through.
	sendRequest(t, kernel, CmdWrite, 1, 4000, 200, make([]byte, 200))
	errno, handle := recvReply(t, kernel)
	assert.Equal(t, uint32(syscall.ENOSPC), errno)
	assert.Equal(t, uint64(1), handle)

	// Anything else is EIO. A failed read carries no payload, the next
	// reply follows the header directly.
	op.failWith = errors.New("flash is gone")
	sendRequest(t, kernel, CmdRead, 2, 0, 16, nil)
	errno, handle = recvReply(t, kernel)
	assert.Equal(t, uint32(syscall.EIO), errno)
	assert.Equal(t, uint64(2), handle)

	op.failWith = nil
	sendRequest(t, kernel, CmdRead, 3, 0, 16, nil)
	errno, handle = recvReply(t, kernel)
	assert.Zero(t, errno)
	assert.Equal(t, uint64(3), handle)
	_, err := io.ReadFull(kernel, make([]byte, 16))
	require.NoError(t, err)

	sendRequest(t, kernel, CmdDisc, 4, 0, 0, nil)
	assert.NoError(t, <-done)
}

func TestServeDisconnectWritesNothing(t *testing.T) {
	op := newMemOperator(4096)
	kernel, done := startServer(t, op, nil)

	sendRequest(t, kernel, CmdDisc, 1, 0, 0, nil)
	require.NoError(t, <-done)

	n, err := kernel.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeBrokenStream(t *testing.T) {
	t.Run("unknown command", func(t *testing.T) {
		kernel, done := startServer(t, newMemOperator(4096), nil)

		sendRequest(t, kernel, Command(42), 1, 0, 0, nil)

		var protoErr *ProtocolError
		require.ErrorAs(t, <-done, &protoErr)

		n, _ := kernel.Read(make([]byte, 1))
		assert.Zero(t, n)
	})

	t.Run("bad magic", func(t *testing.T) {
		kernel, done := startServer(t, newMemOperator(4096), nil)

		header := make([]byte, requestSize)
		binary.BigEndian.PutUint32(header, replyMagic)
		_, err := kernel.Write(header)
		require.NoError(t, err)

		var protoErr *ProtocolError
		require.ErrorAs(t, <-done, &protoErr)
	})

	t.Run("short header", func(t *testing.T) {
		kernel, done := startServer(t, newMemOperator(4096), nil)

		_, err := kernel.Write(make([]byte, 10))
		require.NoError(t, err)
		kernel.Close()

		var transportErr *TransportError
		require.ErrorAs(t, <-done, &transportErr)
		assert.ErrorIs(t, transportErr, io.ErrUnexpectedEOF)
	})

	t.Run("closed between requests", func(t *testing.T) {
		kernel, done := startServer(t, newMemOperator(4096), nil)
		kernel.Close()

		var transportErr *TransportError
		require.ErrorAs(t, <-done, &transportErr)
		assert.ErrorIs(t, transportErr, io.EOF)
	})

	t.Run("short write payload", func(t *testing.T) {
		op := newMemOperator(4096)
		kernel, done := startServer(t, op, nil)

		sendRequest(t, kernel, CmdWrite, 1, 0, 64, make([]byte, 10))
		kernel.Close()

		var transportErr *TransportError
		require.ErrorAs(t, <-done, &transportErr)
		assert.Equal(t, make([]byte, 4096), op.data)
	})
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	op := newMemOperator(4096)
	kernel, done := startServer(t, op, m)

	sendRequest(t, kernel, CmdWrite, 1, 0, 100, make([]byte, 100))
	recvReply(t, kernel)

	sendRequest(t, kernel, CmdRead, 2, 0, 50, nil)
	recvReply(t, kernel)
	_, err := io.ReadFull(kernel, make([]byte, 50))
	require.NoError(t, err)

	sendRequest(t, kernel, CmdRead, 3, 4090, 50, nil)
	errno, _ := recvReply(t, kernel)
	require.NotZero(t, errno)

	sendRequest(t, kernel, CmdDisc, 4, 0, 0, nil)
	require.NoError(t, <-done)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("disc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("read")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesWritten))
}

func TestErrnoOf(t *testing.T) {
	assert.Zero(t, errnoOf(nil))
	assert.Equal(t, uint32(syscall.ENOSPC), errnoOf(syscall.ENOSPC))
	assert.Equal(t, uint32(syscall.EROFS), errnoOf(&TransportError{Op: "x", Err: syscall.EROFS}))
	assert.Equal(t, uint32(syscall.EIO), errnoOf(errors.New("plain")))
}

func TestCodecLayout(t *testing.T) {
	req := request{
		magic:   requestMagic,
		command: CmdWrite,
		handle:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		from:    0x0102030405060708,
		length:  0x0a0b0c0d,
	}

	buf := make([]byte, requestSize)
	req.encode(buf)
	assert.Equal(t, []byte{
		0x25, 0x60, 0x95, 0x13,
		0, 0, 0, 1,
		1, 2, 3, 4, 5, 6, 7, 8,
		1, 2, 3, 4, 5, 6, 7, 8,
		0x0a, 0x0b, 0x0c, 0x0d,
	}, buf)

	var back request
	back.decode(buf)
	assert.Equal(t, req, back)

	rep := reply{magic: replyMagic, errno: 5, handle: req.handle}
	out := make([]byte, replySize)
	rep.encode(out)
	assert.Equal(t, []byte{
		0x67, 0x44, 0x66, 0x98,
		0, 0, 0, 5,
		1, 2, 3, 4, 5, 6, 7, 8,
	}, out)
}
