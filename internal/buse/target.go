// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"errors"

	"go.uber.org/atomic"
)

// ErrTargetArmed is returned by Target.Arm when another session is active.
var ErrTargetArmed = errors.New("disconnect target already holds an active device")

// Target holds the device which has to be disconnected when the process is
// asked to stop. It holds at most one device and is shared between the
// signal handler and the session.
type Target struct {
	slot atomic.Pointer[armedDevice]
}

type armedDevice struct {
	dev Device
}

// DefaultTarget is the process-wide slot. Signals are delivered to the whole
// process, hence only one session may be armed at a time.
var DefaultTarget = &Target{}

// Arm records dev. It fails when the slot is not empty.
func (t *Target) Arm(dev Device) error {
	if !t.slot.CompareAndSwap(nil, &armedDevice{dev: dev}) {
		return ErrTargetArmed
	}

	return nil
}

// Take empties the slot and returns what it held. Only one of concurrent
// callers gets the device, the others get nil.
func (t *Target) Take() Device {
	a := t.slot.Swap(nil)
	if a == nil {
		return nil
	}

	return a.dev
}
