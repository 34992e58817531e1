// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build libnbd

package main

import (
	"github.com/asch/nbdshim/internal/blockop"
	"github.com/asch/nbdshim/internal/config"
	"github.com/asch/nbdshim/internal/nbd"
)

func init() {
	backends["nbd"] = func(c *config.Config) (blockop.BlockReadWriter, error) {
		return nbd.Connect(c.NBD.Socket, c.BlockSize)
	}
}
