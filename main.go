// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// nbdshim is a userspace daemon exposing a block-addressable storage, e.g. a
// flash reachable only by a download-mode protocol, as an ordinary kernel
// block device via the NBD kernel driver. It is designed for easy extension
// of the storage backend, anything able to read and write whole blocks can be
// plugged in.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/buse implements the NBD wire protocol and the lifecycle of the
// kernel device. internal/blockop translates byte ranges to whole blocks.
//
// - internal/image, internal/memory, internal/null, internal/objproxy and
// internal/nbd are the backends.
//
// - internal/config contains configuration package which is common for all
// the backends.
package main

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/nbdshim/internal/blockop"
	"github.com/asch/nbdshim/internal/buse"
	"github.com/asch/nbdshim/internal/config"
	"github.com/asch/nbdshim/internal/image"
	"github.com/asch/nbdshim/internal/memory"
	"github.com/asch/nbdshim/internal/null"
	"github.com/asch/nbdshim/internal/objproxy"
	"github.com/asch/nbdshim/internal/objproxy/s3"
)

// Constructors of backends selectable by the backend option. The nbd backend
// registers itself when built with the libnbd tag.
var backends = map[string]func(c *config.Config) (blockop.BlockReadWriter, error){
	"file":   newImage,
	"memory": newMemory,
	"null":   newNull,
	"s3":     newS3,
}

// Parse configuration from file and environment variables, creates a
// backend, wraps it into block operator and attaches it to the nbd device.
// The device is served until it is disconnected or the daemon is signaled by
// SIGINT or SIGTERM to gracefully finish.
func main() {
	// The driver pump is this binary executed again, it must not touch
	// anything else.
	if buse.IsPumpProcess() {
		os.Exit(buse.RunPumpProcess())
	}

	err := config.Configure()
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	metrics := buse.NewMetrics(prometheus.DefaultRegisterer)
	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	os.Exit(run(&config.Cfg, metrics))
}

func run(c *config.Config, metrics *buse.Metrics) int {
	backend, err := getBackend(c)
	if err != nil {
		log.Error().Err(err).Msgf("Cannot create %s backend.", c.Backend)
		return 1
	}

	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	geometry, err := blockop.ResolveGeometry(backend, c.BlockSize, c.Size, c.Blocks)
	if err != nil {
		log.Error().Err(err).Msg("Cannot determine device geometry.")
		return 1
	}

	op, err := blockop.New(backend, geometry)
	if err != nil {
		log.Error().Err(err).Send()
		return 1
	}

	flags := advertisedFlags(op.Capabilities(), c.Advertise.Flush, c.Advertise.Trim)

	session, err := buse.New(op, buse.Options{
		Path:    c.Device,
		Flags:   flags,
		Timeout: time.Duration(c.Timeout) * time.Second,
		Pump:    getPump(c.Pump),
		Metrics: metrics,
	})
	if err != nil {
		log.Error().Err(err).Send()
		return 1
	}

	log.Info().Msgf("Serving %s backend on %s, %d blocks of %d bytes.",
		c.Backend, c.Device, geometry.Blocks, geometry.BlockSize)

	err = session.Run()
	if err != nil {
		log.Error().Err(err).Msgf("Session on %s failed.", c.Device)
	}

	return buse.ExitCode(err)
}

func getBackend(c *config.Config) (blockop.BlockReadWriter, error) {
	newBackend, ok := backends[c.Backend]
	if !ok {
		return nil, fmt.Errorf("backend %q is not compiled in", c.Backend)
	}

	return newBackend(c)
}

func newImage(c *config.Config) (blockop.BlockReadWriter, error) {
	size := c.Size
	if size == 0 {
		size = c.Blocks * c.BlockSize
	}

	return image.Open(c.File.Path, c.BlockSize, c.File.Create, size)
}

func newMemory(c *config.Config) (blockop.BlockReadWriter, error) {
	blocks := c.Blocks
	if blocks == 0 {
		blocks = c.Size / c.BlockSize
	}

	return memory.New(blocks, c.BlockSize), nil
}

func newNull(c *config.Config) (blockop.BlockReadWriter, error) {
	return null.NewNull(), nil
}

func newS3(c *config.Config) (blockop.BlockReadWriter, error) {
	store, err := s3.New(s3.Options{
		Remote:    c.S3.Remote,
		Region:    c.S3.Region,
		Bucket:    c.S3.Bucket,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		Prefix:    c.S3.Prefix,
	})
	if err != nil {
		return nil, err
	}

	proxy := objproxy.New(store, c.S3.Uploaders, c.S3.Downloaders)

	return objproxy.NewBlocks(proxy, c.BlockSize), nil
}

func getPump(mode string) buse.Pump {
	if mode == "thread" {
		return &buse.ThreadPump{}
	}

	return &buse.ProcessPump{}
}

// Flags advertised to the kernel. Auto mode advertises only what the backend
// really implements, on and off override it.
func advertisedFlags(caps buse.Capabilities, flush, trim string) uint64 {
	caps.Flush = advertise(caps.Flush, flush)
	caps.Trim = advertise(caps.Trim, trim)

	return caps.Flags()
}

func advertise(supported bool, mode string) bool {
	switch mode {
	case config.AdvertiseOn:
		return true
	case config.AdvertiseOff:
		return false
	}

	return supported
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and metrics. Useful for perfomance
// debugging.
func runProfiler(port int) {
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
