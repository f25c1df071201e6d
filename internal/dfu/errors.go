package dfu

import (
	"errors"
	"fmt"
)

// Kind classifies a flash failure the way callers need to react to it.
type Kind int

const (
	// Busy: the device's exclusive claim is already held. No bytes were
	// written; the caller may retry after re-discovery.
	Busy Kind = iota + 1

	// DeviceRejected: the device reported an error status during transfer or
	// manifestation. The device's state is ambiguous; never auto-retry.
	DeviceRejected

	// Timeout: a status poll exceeded its bound. Same ambiguity as a
	// rejection once bytes have moved.
	Timeout

	// NotFound: the device could not be opened at all.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Busy:
		return "busy"
	case DeviceRejected:
		return "device rejected"
	case Timeout:
		return "timeout"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// FlashError carries enough detail (device, block, raw DFU status) for a
// human to judge whether manual recovery is possible.
type FlashError struct {
	Kind   Kind
	Device string
	Block  int
	Status uint8
	State  uint8
	Err    error
}

func (e *FlashError) Error() string {
	msg := fmt.Sprintf("flash %s: %s", e.Device, e.Kind)
	if e.Block > 0 {
		msg += fmt.Sprintf(" at block %d", e.Block)
	}
	if e.Status != statusOK || e.State == stateError {
		msg += fmt.Sprintf(" (dfu status 0x%02x, state %d)", e.Status, e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlashError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain, or 0 if the error is
// not a FlashError.
func KindOf(err error) Kind {
	var fe *FlashError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsBusy reports whether err is an exclusive-claim failure, the only flash
// error that is safe to retry.
func IsBusy(err error) bool {
	return KindOf(err) == Busy
}
