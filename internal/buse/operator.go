// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"fmt"
)

// Geometry of the exported device. Zero fields are not configured in the
// kernel and the kernel defaults are kept. It does not change for the whole
// session.
type Geometry struct {
	// Total size in bytes.
	Size uint64

	// Block size in bytes.
	BlockSize uint64

	// Size in blocks. Redundant with Size but both can be configured.
	Blocks uint64
}

// Validate checks that Size, BlockSize and Blocks agree when all of them are
// set.
func (g Geometry) Validate() error {
	if g.Size != 0 && g.BlockSize != 0 && g.Blocks != 0 && g.Size != g.Blocks*g.BlockSize {
		return fmt.Errorf("size %d does not match %d blocks of %d bytes", g.Size, g.Blocks, g.BlockSize)
	}

	return nil
}

// Capabilities tell which of the optional commands the operator really
// implements. Commands it does not implement still succeed as no-ops.
type Capabilities struct {
	Flush bool
	Trim  bool
}

// Flags returns the NBD transmission flags advertising the capabilities to
// the kernel.
func (c Capabilities) Flags() uint64 {
	var flags uint64
	if c.Flush {
		flags |= FlagSendFlush
	}
	if c.Trim {
		flags |= FlagSendTrim
	}

	return flags
}

// Operator is everything the wire server needs from the storage side. Read
// and Write transfer len(buf) bytes at a byte offset which does not need to
// be aligned to anything. Errors returned by an operator are reported to the
// kernel in the reply of the failed request and do not end the session.
type Operator interface {
	Read(buf []byte, offset int64) error
	Write(buf []byte, offset int64) error
	Disconnect() error
	Flush() error
	Trim(from, length int64) error

	Geometry() Geometry
	Capabilities() Capabilities
}
