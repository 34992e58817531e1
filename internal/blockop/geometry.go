// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockop

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/nbdshim/internal/buse"
)

const (
	// Probing starts at this many bytes and doubles.
	probeStart = 4 * 1024 * 1024

	// Probing gives up above this many bytes. Backends which accept reads
	// at any index (e.g. null) would double forever.
	probeLimit = 1 << 50
)

// ErrProbeLimit is returned when the backend still accepts reads at the probe
// limit and its size has to be configured explicitly.
var ErrProbeLimit = errors.New("backend accepts reads beyond the probe limit")

// ProbeBlocks finds number of blocks of a backend which cannot tell its size,
// like a flash reachable only by block reads. The last readable block is
// found by doubling the index until a read fails and bisecting the interval
// between the last success and the first failure.
func ProbeBlocks(backend BlockReadWriter, blockSize int64) (int64, error) {
	buf := make([]byte, blockSize)
	readable := func(block int64) bool {
		return backend.ReadBlocks(block, 1, buf) == nil
	}

	if !readable(0) {
		return 0, fmt.Errorf("first block is not readable")
	}

	// lo is known to be readable, hi is the candidate for the first
	// unreadable block.
	lo, hi := int64(0), int64(probeStart)/blockSize
	if hi < 1 {
		hi = 1
	}
	for readable(hi) {
		lo = hi
		hi *= 2
		if hi*blockSize > probeLimit {
			return 0, ErrProbeLimit
		}
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if readable(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}

	log.Info().Int64("blocks", lo+1).Int64("block_size", blockSize).Msg("Probed backend size.")

	return lo + 1, nil
}

// ResolveGeometry completes the device geometry. Missing size or block count
// is computed from the other one. When both are missing, the backend is asked
// for its size if it is a Sizer, or probed otherwise.
func ResolveGeometry(backend BlockReadWriter, blockSize, size, blocks int64) (buse.Geometry, error) {
	if blockSize <= 0 {
		return buse.Geometry{}, fmt.Errorf("invalid block size %d", blockSize)
	}

	if size != 0 && blocks != 0 && size != blocks*blockSize {
		return buse.Geometry{}, fmt.Errorf("size %d does not match %d blocks of %d bytes", size, blocks, blockSize)
	}

	if size == 0 && blocks == 0 {
		if s, ok := backend.(Sizer); ok {
			var err error
			if size, err = s.Size(); err != nil {
				return buse.Geometry{}, fmt.Errorf("backend size: %w", err)
			}
		} else {
			var err error
			if blocks, err = ProbeBlocks(backend, blockSize); err != nil {
				return buse.Geometry{}, fmt.Errorf("probe backend size: %w", err)
			}
		}
	}

	if blocks == 0 {
		if size%blockSize != 0 {
			log.Warn().Int64("size", size).Msg("Size is not a multiple of block size, the tail is not exported.")
		}
		blocks = size / blockSize
	}

	size = blocks * blockSize
	if size == 0 {
		return buse.Geometry{}, fmt.Errorf("device would be empty")
	}

	g := buse.Geometry{
		Size:      uint64(size),
		BlockSize: uint64(blockSize),
		Blocks:    uint64(blocks),
	}

	return g, g.Validate()
}
