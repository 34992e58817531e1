// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"
)

// Serve answers kernel requests arriving on rw until the kernel sends a
// disconnect (nil is returned) or the session breaks (ProtocolError or
// TransportError). Requests are handled strictly one by one, the next
// request is not read before the reply of the current one is written.
//
// Failures of the operator are reported in the reply and the loop goes on.
func Serve(rw io.ReadWriter, op Operator, m *Metrics) error {
	s := server{rw: rw, op: op, metrics: m}

	return s.serve()
}

type server struct {
	rw      io.ReadWriter
	op      Operator
	metrics *Metrics

	header [requestSize]byte
	reply  [replySize]byte
}

func (s *server) serve() error {
	var req request

	for {
		if err := s.readFull(s.header[:], "read request header"); err != nil {
			return err
		}

		req.decode(s.header[:])
		if req.magic != requestMagic {
			return &ProtocolError{Reason: fmt.Sprintf("bad request magic 0x%08x", req.magic)}
		}

		log.Trace().
			Stringer("cmd", req.command).
			Hex("handle", req.handle[:]).
			Uint64("from", req.from).
			Uint32("len", req.length).
			Msg("request")

		done, err := s.dispatch(&req)
		if err != nil || done {
			return err
		}
	}
}

// Handles one request. Returns true when the session has been finished by
// the kernel.
func (s *server) dispatch(req *request) (bool, error) {
	rep := reply{magic: replyMagic, handle: req.handle}

	switch req.command {
	case CmdRead:
		buf := make([]byte, req.length)
		rep.errno = s.check(req, s.op.Read(buf, int64(req.from)))
		if rep.errno != 0 {
			// The kernel does not read the payload of a failed read.
			buf = nil
		}
		return false, s.send(&rep, buf)

	case CmdWrite:
		buf := make([]byte, req.length)
		if err := s.readFull(buf, "read write payload"); err != nil {
			return false, err
		}
		rep.errno = s.check(req, s.op.Write(buf, int64(req.from)))
		return false, s.send(&rep, nil)

	case CmdDisc:
		s.metrics.observe(req.command, 0, 0)
		if err := s.op.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Operator disconnect failed.")
		}
		log.Info().Msg("Kernel requested disconnect.")
		return true, nil

	case CmdFlush:
		rep.errno = s.check(req, s.op.Flush())
		return false, s.send(&rep, nil)

	case CmdTrim:
		rep.errno = s.check(req, s.op.Trim(int64(req.from), int64(req.length)))
		return false, s.send(&rep, nil)
	}

	return false, &ProtocolError{Reason: fmt.Sprintf("unknown command %d", uint32(req.command))}
}

// Turns the operator outcome into the reply error field.
func (s *server) check(req *request, err error) uint32 {
	errno := errnoOf(err)
	if err != nil {
		log.Warn().Err(err).
			Stringer("cmd", req.command).
			Uint64("from", req.from).
			Uint32("len", req.length).
			Msg("Request failed.")
	}

	s.metrics.observe(req.command, req.length, errno)

	return errno
}

func (s *server) readFull(buf []byte, op string) error {
	if _, err := io.ReadFull(s.rw, buf); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	return nil
}

// Writes reply header followed by the optional payload.
func (s *server) send(rep *reply, payload []byte) error {
	rep.encode(s.reply[:])

	bufs := net.Buffers{s.reply[:]}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}

	if _, err := bufs.WriteTo(s.rw); err != nil {
		return &TransportError{Op: "write reply", Err: err}
	}

	return nil
}
