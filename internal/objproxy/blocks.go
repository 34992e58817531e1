// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy

import (
	"errors"

	"golang.org/x/sync/errgroup"
)

// Blocks stores every block of the device as one object keyed by the block
// index. Blocks which were never written do not have an object and read as
// zeros. Multi-block requests are split into parallel per-block requests,
// their concurrency is limited by the proxy workers.
type Blocks struct {
	proxy     *ObjectProxy
	blockSize int64
}

func NewBlocks(proxy *ObjectProxy, blockSize int64) *Blocks {
	return &Blocks{proxy: proxy, blockSize: blockSize}
}

func (b *Blocks) chunk(buf []byte, i int64) []byte {
	return buf[i*b.blockSize : (i+1)*b.blockSize]
}

func (b *Blocks) ReadBlocks(block, blocks int64, buf []byte) error {
	var g errgroup.Group

	for i := int64(0); i < blocks; i++ {
		key, chunk := block+i, b.chunk(buf, i)
		g.Go(func() error {
			err := b.proxy.Download(key, chunk, 0, true)
			if errors.Is(err, ErrNotFound) {
				clear(chunk)
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

func (b *Blocks) WriteBlocks(block, blocks int64, buf []byte) error {
	var g errgroup.Group

	for i := int64(0); i < blocks; i++ {
		key, chunk := block+i, b.chunk(buf, i)
		g.Go(func() error {
			return b.proxy.Upload(key, chunk, true)
		})
	}

	return g.Wait()
}

// TrimBlocks deletes objects of the blocks with low priority, so trimming a
// big range does not starve reads and writes.
func (b *Blocks) TrimBlocks(block, blocks int64) error {
	var g errgroup.Group

	for i := int64(0); i < blocks; i++ {
		key := block + i
		g.Go(func() error {
			err := b.proxy.Delete(key, false)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
