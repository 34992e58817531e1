// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package buse exposes an Operator as a kernel block device through the
// network block device driver. It implements the transmission phase of the
// NBD protocol over a socketpair whose other end is handed to the kernel.
//
// A session consists of two parts. The driver pump registers the kernel end
// of the socketpair and stays blocked in the kernel for the whole life of the
// device. The server answers requests coming from the kernel on the other
// end, one at a time. The session ends when the kernel sends a disconnect or
// when the socket breaks, and Run returns after both parts are finished.
package buse

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Options to use in New() function due to high number of parameters.
type Options struct {
	// Path of the device node, e.g. /dev/nbd0.
	Path string

	// Transmission flags advertised to the kernel. Usually
	// op.Capabilities().Flags().
	Flags uint64

	// Kernel request timeout. Zero keeps the kernel default.
	Timeout time.Duration

	// Driver pump. ProcessPump is used when nil.
	Pump Pump

	// Opens the device node. OpenDevice is used when nil.
	Open func(path string) (Device, error)

	// Disconnect slot used by the signal handler. DefaultTarget is used
	// when nil.
	Target *Target

	// Optional metrics of the wire server.
	Metrics *Metrics

	// Do not install SIGINT and SIGTERM handlers. StopDevice has to be
	// called by the user instead.
	NoSignals bool
}

// Session is one attached device.
type Session struct {
	op   Operator
	opts Options
}

// New validates op geometry and returns a session ready to Run.
func New(op Operator, opts Options) (*Session, error) {
	if err := op.Geometry().Validate(); err != nil {
		return nil, err
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("device path is empty")
	}

	if opts.Pump == nil {
		opts.Pump = &ProcessPump{}
	}

	if opts.Open == nil {
		opts.Open = OpenDevice
	}

	if opts.Target == nil {
		opts.Target = DefaultTarget
	}

	return &Session{op: op, opts: opts}, nil
}

// Run attaches the device and serves it until it is disconnected. Setup
// failures are returned as SetupError before the driver pump is started.
// Otherwise the result of the server and the result of the pump are joined
// and the first failure is returned.
func (s *Session) Run() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return &SetupError{Op: "socketpair", Err: err}
	}

	local := os.NewFile(uintptr(fds[0]), "nbd-server")
	remote := os.NewFile(uintptr(fds[1]), "nbd-kernel")

	dev, err := s.setup()
	if err != nil {
		local.Close()
		remote.Close()
		return err
	}
	defer dev.Close()

	if err := s.opts.Target.Arm(dev); err != nil {
		local.Close()
		remote.Close()
		return &SetupError{Op: "arm disconnect target", Err: err}
	}
	defer s.opts.Target.Take()

	if !s.opts.NoSignals {
		stop := s.registerSigHandlers()
		defer stop()
	}

	if err := s.opts.Pump.Start(dev, remote, s.opts.Flags); err != nil {
		local.Close()
		return &SetupError{Op: "start driver pump", Err: err}
	}

	conn, err := net.FileConn(local)
	local.Close()
	if err != nil {
		// The pump is already parked in the kernel. Ask it to leave
		// before waiting for it.
		s.StopDevice()
		s.opts.Pump.Wait()
		return &TransportError{Op: "wrap server socket", Err: err}
	}

	log.Info().Msgf("Device %s attached.", s.opts.Path)

	var g errgroup.Group

	g.Go(func() error {
		defer conn.Close()
		return Serve(conn, s.op, s.opts.Metrics)
	})

	g.Go(s.opts.Pump.Wait)

	err = g.Wait()
	log.Info().Err(err).Msgf("Device %s detached.", s.opts.Path)

	return err
}

// Opens the device node and configures it. Geometry is set in the order
// size, block size, blocks, skipping unset values.
func (s *Session) setup() (Device, error) {
	dev, err := s.opts.Open(s.opts.Path)
	if err != nil {
		return nil, &SetupError{Op: "open " + s.opts.Path, Err: err}
	}

	g := s.op.Geometry()

	steps := []struct {
		op    string
		value uint64
		set   func(uint64) error
	}{
		{"set size", g.Size, dev.SetSize},
		{"set block size", g.BlockSize, dev.SetBlockSize},
		{"set size in blocks", g.Blocks, dev.SetSizeBlocks},
		{"set timeout", uint64(s.opts.Timeout / time.Second), dev.SetTimeout},
	}

	for _, step := range steps {
		if step.value == 0 {
			continue
		}

		if err := step.set(step.value); err != nil {
			dev.Close()
			return nil, &SetupError{Op: step.op, Err: err}
		}
	}

	if err := dev.ClearSock(); err != nil {
		dev.Close()
		return nil, &SetupError{Op: "clear sock", Err: err}
	}

	log.Info().
		Uint64("size", g.Size).
		Uint64("block_size", g.BlockSize).
		Uint64("blocks", g.Blocks).
		Msgf("Device %s configured.", s.opts.Path)

	return dev, nil
}

// StopDevice asks the kernel to disconnect the device. Only the first call
// does something, the later ones find the disconnect target empty. Returns
// whether the disconnect was issued.
func (s *Session) StopDevice() bool {
	dev := s.opts.Target.Take()
	if dev == nil {
		log.Debug().Msg("No device to disconnect.")
		return false
	}

	if err := dev.Disconnect(); err != nil {
		log.Warn().Err(err).Msgf("Failed to request disconnect of %s.", s.opts.Path)
	} else {
		log.Info().Msgf("Requested disconnect of %s.", s.opts.Path)
	}

	return true
}

// Register handler for graceful stop when SIGINT or SIGTERM came in. The
// returned function unregisters it.
func (s *Session) registerSigHandlers() func() {
	stopChan := make(chan os.Signal, 2)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range stopChan {
			log.Info().Msgf("Received %v, stopping %s!", sig, s.opts.Path)
			s.StopDevice()
		}
	}()

	return func() {
		signal.Stop(stopChan)
		close(stopChan)
	}
}
