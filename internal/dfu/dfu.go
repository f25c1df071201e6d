// Package dfu speaks the USB Device Firmware Upgrade class protocol: block
// download, status polling, and the final manifest phase. It deliberately
// implements only the subset the update flow depends on.
package dfu

import (
	"fmt"
	"time"
)

// DFU class control requests (DFU 1.1, table 3.2).
const (
	reqDetach    uint8 = 0
	reqDnload    uint8 = 1
	reqUpload    uint8 = 2
	reqGetStatus uint8 = 3
	reqClrStatus uint8 = 4
	reqGetState  uint8 = 5
	reqAbort     uint8 = 6
)

// Request types for class requests addressed to an interface.
const (
	rtypeOut uint8 = 0x21
	rtypeIn  uint8 = 0xa1
)

// Device state machine values (DFU 1.1, appendix A).
const (
	stateAppIdle           uint8 = 0
	stateAppDetach         uint8 = 1
	stateDFUIdle           uint8 = 2
	stateDnloadSync        uint8 = 3
	stateDnBusy            uint8 = 4
	stateDnloadIdle        uint8 = 5
	stateManifestSync      uint8 = 6
	stateManifest          uint8 = 7
	stateManifestWaitReset uint8 = 8
	stateUploadIdle        uint8 = 9
	stateError             uint8 = 10
)

// Status codes reported in bStatus.
const (
	statusOK          uint8 = 0x00
	statusErrTarget   uint8 = 0x01
	statusErrFile     uint8 = 0x02
	statusErrWrite    uint8 = 0x03
	statusErrErase    uint8 = 0x04
	statusErrCheckE   uint8 = 0x05
	statusErrProg     uint8 = 0x06
	statusErrVerify   uint8 = 0x07
	statusErrAddress  uint8 = 0x08
	statusErrNotDone  uint8 = 0x09
	statusErrFirmware uint8 = 0x0a
	statusErrVendor   uint8 = 0x0b
	statusErrUSBR     uint8 = 0x0c
	statusErrPOR      uint8 = 0x0d
	statusErrUnknown  uint8 = 0x0e
	statusErrStalled  uint8 = 0x0f
)

// Status is the decoded 6-byte DFU_GETSTATUS payload.
type Status struct {
	// Status is the bStatus error code; statusOK means no error.
	Status uint8

	// PollTimeout is the minimum wait the device requests before the next
	// GETSTATUS.
	PollTimeout time.Duration

	// State is the device's DFU state after processing the last request.
	State uint8
}

const statusLen = 6

func parseStatus(buf []byte) (Status, error) {
	if len(buf) < statusLen {
		return Status{}, fmt.Errorf("short DFU status payload: %d bytes", len(buf))
	}
	millis := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return Status{
		Status:      buf[0],
		PollTimeout: time.Duration(millis) * time.Millisecond,
		State:       buf[4],
	}, nil
}

func (s Status) ok() bool {
	return s.Status == statusOK && s.State != stateError
}
