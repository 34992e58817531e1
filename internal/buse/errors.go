// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"errors"
	"fmt"
)

// SetupError is returned when the device could not be opened or configured.
// No driver pump is running when it is returned.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ProtocolError ends the session when the kernel sends something which is
// not a valid request. Nothing is written back.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

// TransportError ends the session when the socket cannot be read or written.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ChildExitError carries the non-zero exit status of the driver pump.
type ChildExitError struct {
	Code int
	Err  error
}

func (e *ChildExitError) Error() string {
	return fmt.Sprintf("driver pump exited with status %d: %v", e.Code, e.Err)
}

func (e *ChildExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps the result of Session.Run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var childErr *ChildExitError
	if errors.As(err, &childErr) && childErr.Code > 0 {
		return childErr.Code
	}

	return 1
}
