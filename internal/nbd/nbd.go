// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build libnbd

// Package nbd uses an export of another NBD server as the backend, e.g. a
// flash exposed by a vendor tool. It needs libnbd and cgo, hence it is built
// only with the libnbd tag.
package nbd

import (
	"fmt"

	"libguestfs.org/libnbd"
)

type nbd struct {
	handle    *libnbd.Libnbd
	socket    string
	blockSize int64
}

// Connect opens connection to the NBD server listening on unix socket.
func Connect(socket string, blockSize int64) (*nbd, error) {
	handle, err := libnbd.Create()
	if err != nil {
		return nil, err
	}

	if err := handle.ConnectUnix(socket); err != nil {
		handle.Close()
		return nil, fmt.Errorf("cannot connect to %s: %w", socket, err)
	}

	return &nbd{handle: handle, socket: socket, blockSize: blockSize}, nil
}

func (n *nbd) ReadBlocks(block, blocks int64, buf []byte) error {
	return n.handle.Pread(buf[:blocks*n.blockSize], uint64(block*n.blockSize), nil)
}

func (n *nbd) WriteBlocks(block, blocks int64, buf []byte) error {
	return n.handle.Pwrite(buf[:blocks*n.blockSize], uint64(block*n.blockSize), nil)
}

func (n *nbd) Flush() error {
	return n.handle.Flush(nil)
}

func (n *nbd) TrimBlocks(block, blocks int64) error {
	return n.handle.Trim(uint64(blocks*n.blockSize), uint64(block*n.blockSize), nil)
}

func (n *nbd) Size() (int64, error) {
	size, err := n.handle.GetSize()
	return int64(size), err
}

func (n *nbd) Close() error {
	n.handle.Close()
	return nil
}
