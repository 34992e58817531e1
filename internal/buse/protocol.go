// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
)

const (
	requestMagic = uint32(0x25609513)
	replyMagic   = uint32(0x67446698)

	// magic(4) type(4) handle(8) from(8) len(4)
	requestSize = 28

	// magic(4) error(4) handle(8)
	replySize = 16
)

// Transmission flags passed to NBD_SET_FLAGS.
const (
	FlagHasFlags  = uint64(1 << 0)
	FlagReadOnly  = uint64(1 << 1)
	FlagSendFlush = uint64(1 << 2)
	FlagSendFUA   = uint64(1 << 3)
	FlagSendTrim  = uint64(1 << 5)
)

// Command is the request type sent by the kernel.
type Command uint32

const (
	CmdRead  = Command(0)
	CmdWrite = Command(1)
	CmdDisc  = Command(2)
	CmdFlush = Command(3)
	CmdTrim  = Command(4)
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdDisc:
		return "disc"
	case CmdFlush:
		return "flush"
	case CmdTrim:
		return "trim"
	}

	return fmt.Sprintf("cmd(%d)", uint32(c))
}

// Request header as it travels on the wire. All integers are big endian.
type request struct {
	magic   uint32
	command Command
	handle  [8]byte
	from    uint64
	length  uint32
}

func (r *request) decode(b []byte) {
	r.magic = binary.BigEndian.Uint32(b[0:4])
	r.command = Command(binary.BigEndian.Uint32(b[4:8]))
	copy(r.handle[:], b[8:16])
	r.from = binary.BigEndian.Uint64(b[16:24])
	r.length = binary.BigEndian.Uint32(b[24:28])
}

func (r *request) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], r.magic)
	binary.BigEndian.PutUint32(b[4:8], uint32(r.command))
	copy(b[8:16], r.handle[:])
	binary.BigEndian.PutUint64(b[16:24], r.from)
	binary.BigEndian.PutUint32(b[24:28], r.length)
}

// Reply header. The handle is copied verbatim from the request.
type reply struct {
	magic  uint32
	errno  uint32
	handle [8]byte
}

func (r *reply) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], r.magic)
	binary.BigEndian.PutUint32(b[4:8], r.errno)
	copy(b[8:16], r.handle[:])
}

func (r *reply) decode(b []byte) {
	r.magic = binary.BigEndian.Uint32(b[0:4])
	r.errno = binary.BigEndian.Uint32(b[4:8])
	copy(r.handle[:], b[8:16])
}

// Converts operator error into the value of the reply error field. Errno
// values are passed through, everything else is EIO.
func errnoOf(err error) uint32 {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return uint32(errno)
	}

	return uint32(syscall.EIO)
}
