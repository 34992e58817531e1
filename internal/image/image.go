// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package image serves blocks from a disk image file or from an existing
// block device, e.g. a flash dump taken earlier.
package image

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Image is a backend stored in a file.
type Image struct {
	f         *os.File
	path      string
	blockSize int64
}

// Open opens the image at path. If create is set and the file does not
// exist, it is created with size bytes.
func Open(path string, blockSize int64, create bool, size int64) (*Image, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	if create && size > 0 {
		end, err := f.Seek(0, io.SeekEnd)
		if err == nil && end == 0 {
			err = f.Truncate(size)
		}

		if err != nil {
			f.Close()
			return nil, fmt.Errorf("cannot size image %q: %w", path, err)
		}
	}

	return &Image{f: f, path: path, blockSize: blockSize}, nil
}

func (i *Image) String() string {
	return fmt.Sprintf("image %q", i.path)
}

func (i *Image) ReadBlocks(block, blocks int64, buf []byte) error {
	want := blocks * i.blockSize

	n, err := i.f.ReadAt(buf[:want], block*i.blockSize)
	if int64(n) == want {
		return nil
	}

	if err == nil || errors.Is(err, io.EOF) {
		err = fmt.Errorf("got %d bytes, want %d", n, want)
	}

	return fmt.Errorf("cannot read blocks [%d, %d) of %s: %w", block, block+blocks, i, err)
}

func (i *Image) WriteBlocks(block, blocks int64, buf []byte) error {
	want := blocks * i.blockSize

	if _, err := i.f.WriteAt(buf[:want], block*i.blockSize); err != nil {
		return fmt.Errorf("cannot write blocks [%d, %d) of %s: %w", block, block+blocks, i, err)
	}

	return nil
}

func (i *Image) Flush() error {
	return i.f.Sync()
}

// TrimBlocks punches a hole into the image. Filesystems without hole
// punching report EOPNOTSUPP which is returned to the kernel.
func (i *Image) TrimBlocks(block, blocks int64) error {
	return unix.Fallocate(int(i.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		block*i.blockSize, blocks*i.blockSize)
}

// Size works for regular files as well as for block devices where Stat
// reports zero.
func (i *Image) Size() (int64, error) {
	return i.f.Seek(0, io.SeekEnd)
}

func (i *Image) Close() error {
	return i.f.Close()
}
