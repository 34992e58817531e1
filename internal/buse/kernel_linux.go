// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"os"

	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/nbd.h, _IO(0xab, n).
const (
	nbdSetSock       = 0xab00
	nbdSetBlksize    = 0xab01
	nbdSetSize       = 0xab02
	nbdDoIt          = 0xab03
	nbdClearSock     = 0xab04
	nbdClearQue      = 0xab05
	nbdSetSizeBlocks = 0xab07
	nbdDisconnect    = 0xab08
	nbdSetTimeout    = 0xab09
	nbdSetFlags      = 0xab0a
)

// Device is the kernel side of the session. Methods map one to one to the
// NBD ioctls. DoIt blocks until the device is disconnected or its socket is
// closed.
type Device interface {
	SetSize(bytes uint64) error
	SetBlockSize(bytes uint64) error
	SetSizeBlocks(blocks uint64) error
	SetTimeout(seconds uint64) error
	ClearSock() error
	SetSock(fd int) error
	SetFlags(flags uint64) error
	DoIt() error
	ClearQueue() error
	Disconnect() error

	// File is the opened device node. It is passed to the driver pump
	// process.
	File() *os.File
	Close() error
}

// KernelDevice is a Device backed by an opened /dev/nbdX node.
type KernelDevice struct {
	f *os.File
}

// OpenDevice opens the NBD device node for reading and writing.
func OpenDevice(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &KernelDevice{f: f}, nil
}

// NewKernelDevice wraps an already opened device node, e.g. one inherited
// from the parent process.
func NewKernelDevice(f *os.File) *KernelDevice {
	return &KernelDevice{f: f}
}

func (d *KernelDevice) ioctl(req uint, arg uint64) error {
	return unix.IoctlSetInt(int(d.f.Fd()), req, int(arg))
}

func (d *KernelDevice) SetSize(bytes uint64) error {
	return d.ioctl(nbdSetSize, bytes)
}

func (d *KernelDevice) SetBlockSize(bytes uint64) error {
	return d.ioctl(nbdSetBlksize, bytes)
}

func (d *KernelDevice) SetSizeBlocks(blocks uint64) error {
	return d.ioctl(nbdSetSizeBlocks, blocks)
}

func (d *KernelDevice) SetTimeout(seconds uint64) error {
	return d.ioctl(nbdSetTimeout, seconds)
}

func (d *KernelDevice) ClearSock() error {
	return d.ioctl(nbdClearSock, 0)
}

func (d *KernelDevice) SetSock(fd int) error {
	return d.ioctl(nbdSetSock, uint64(fd))
}

func (d *KernelDevice) SetFlags(flags uint64) error {
	return d.ioctl(nbdSetFlags, flags)
}

func (d *KernelDevice) DoIt() error {
	return d.ioctl(nbdDoIt, 0)
}

func (d *KernelDevice) ClearQueue() error {
	return d.ioctl(nbdClearQue, 0)
}

func (d *KernelDevice) Disconnect() error {
	return d.ioctl(nbdDisconnect, 0)
}

func (d *KernelDevice) File() *os.File {
	return d.f
}

func (d *KernelDevice) Close() error {
	return d.f.Close()
}
