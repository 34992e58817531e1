// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

// Null implementation of blockop.BlockReadWriter. Usefull for measuring
// performance of the wire server and the kernel module. Otherwise useless.
// Reads return zeros and writes are dropped. It can also serve as a template
// for a new backend since it implements all optional interfaces.
type null struct {
}

func NewNull() *null {
	return &null{}
}

func (n *null) ReadBlocks(block, blocks int64, buf []byte) error {
	clear(buf)
	return nil
}

func (n *null) WriteBlocks(block, blocks int64, buf []byte) error {
	return nil
}

func (n *null) Flush() error {
	return nil
}

func (n *null) TrimBlocks(block, blocks int64) error {
	return nil
}
