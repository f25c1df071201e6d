package dfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/internal/pkg/metrics"
	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// ProgressFunc receives monotonically increasing byte offsets during a
// transfer. It is an observation channel only; it cannot influence the flash.
type ProgressFunc func(written, total int64)

// Driver transfers firmware images to devices over DFU. A device accepts
// exactly one concurrent flash; the driver's claim table enforces that and is
// the only mutual-exclusion resource in the system.
type Driver struct {
	bus  device.Bus
	opts *options.DFUOptions

	mu     sync.Mutex
	claims map[string]struct{}

	logger log.Logger
}

// NewDriver builds a Driver on top of a bus.
func NewDriver(bus device.Bus, opts *options.DFUOptions) *Driver {
	return &Driver{
		bus:    bus,
		opts:   opts,
		claims: make(map[string]struct{}),
		logger: log.WithName("dfu"),
	}
}

// Flash streams size bytes from r to the device in fixed-size blocks, then
// drives the manifest phase to completion. The exclusive claim is released on
// every exit path. Once any block has been accepted, no failure is retried
// here: the device's state is ambiguous and a blind rewrite risks bricking it.
func (d *Driver) Flash(ctx context.Context, dev device.Device, r io.Reader, size int64, progress ProgressFunc) error {
	if !d.claim(dev.BusAddr) {
		return &FlashError{Kind: Busy, Device: dev.String()}
	}
	defer d.release(dev.BusAddr)

	conn, err := d.bus.Open(ctx, dev)
	if err != nil {
		return &FlashError{Kind: NotFound, Device: dev.String(), Err: err}
	}
	defer conn.Close()

	if err := d.prepare(ctx, conn, dev); err != nil {
		return err
	}

	d.logger.Info("starting DFU transfer", "device", dev.String(), "size", size, "blockSize", d.opts.BlockSize)

	var written int64
	blocks := 0
	buf := make([]byte, d.opts.BlockSize)
	for block := 0; ; block++ {
		if err := ctx.Err(); err != nil {
			return &FlashError{Kind: Timeout, Device: dev.String(), Block: block, Err: err}
		}

		n, readErr := io.ReadFull(r, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return &FlashError{Kind: DeviceRejected, Device: dev.String(), Block: block, Err: readErr}
		}

		if _, err := conn.Control(rtypeOut, reqDnload, uint16(block), 0, buf[:n]); err != nil {
			return &FlashError{Kind: DeviceRejected, Device: dev.String(), Block: block, Err: err}
		}

		status, err := d.pollStatus(ctx, conn, isDownloadIdle)
		if err != nil {
			return d.wrap(err, dev, block, status)
		}

		written += int64(n)
		blocks++
		metrics.FlashBytesTotal.Add(float64(n))
		if progress != nil {
			progress(written, size)
		}

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	// Zero-length download signals end of image; the device enters the
	// manifest phase and applies the firmware.
	if _, err := conn.Control(rtypeOut, reqDnload, uint16(blocks), 0, nil); err != nil {
		return &FlashError{Kind: DeviceRejected, Device: dev.String(), Block: blocks, Err: err}
	}

	status, err := d.pollStatus(ctx, conn, isManifestDone)
	if err != nil {
		return d.wrap(err, dev, blocks, status)
	}

	d.logger.Info("DFU transfer complete", "device", dev.String(), "written", written)
	return nil
}

// prepare brings the device to dfuIDLE: clears a latched error state and
// aborts any half-finished transfer a previous process left behind.
func (d *Driver) prepare(ctx context.Context, conn device.Conn, dev device.Device) error {
	status, err := d.getStatus(conn)
	if err != nil {
		return &FlashError{Kind: DeviceRejected, Device: dev.String(), Err: err}
	}

	switch status.State {
	case stateDFUIdle:
		return nil
	case stateError:
		if _, err := conn.Control(rtypeOut, reqClrStatus, 0, 0, nil); err != nil {
			return &FlashError{Kind: DeviceRejected, Device: dev.String(), Err: err}
		}
	default:
		if _, err := conn.Control(rtypeOut, reqAbort, 0, 0, nil); err != nil {
			return &FlashError{Kind: DeviceRejected, Device: dev.String(), Err: err}
		}
	}

	status, err = d.pollStatus(ctx, conn, func(s Status) bool { return s.State == stateDFUIdle })
	if err != nil {
		return d.wrap(err, dev, 0, status)
	}
	return nil
}

// pollStatus issues GETSTATUS until done reports completion, the device
// reports an error, or the bounded status timeout elapses.
func (d *Driver) pollStatus(ctx context.Context, conn device.Conn, done func(Status) bool) (Status, error) {
	deadline := time.Now().Add(d.opts.StatusTimeout)

	for {
		status, err := d.getStatus(conn)
		if err != nil {
			return status, err
		}
		if !status.ok() {
			return status, errDeviceStatus
		}
		if done(status) {
			return status, nil
		}

		if time.Now().After(deadline) {
			return status, errStatusTimeout
		}

		wait := status.PollTimeout
		if wait <= 0 {
			wait = time.Millisecond
		}
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return status, errStatusTimeout
		case <-time.After(wait):
		}
	}
}

func (d *Driver) getStatus(conn device.Conn) (Status, error) {
	buf := make([]byte, statusLen)
	n, err := conn.Control(rtypeIn, reqGetStatus, 0, 0, buf)
	if err != nil {
		return Status{}, err
	}
	return parseStatus(buf[:n])
}

var (
	errStatusTimeout = errors.New("status poll timed out")
	errDeviceStatus  = errors.New("device reported error status")
)

func (d *Driver) wrap(err error, dev device.Device, block int, status Status) error {
	kind := DeviceRejected
	if errors.Is(err, errStatusTimeout) {
		kind = Timeout
	}
	return &FlashError{
		Kind:   kind,
		Device: dev.String(),
		Block:  block,
		Status: status.Status,
		State:  status.State,
		Err:    err,
	}
}

func isDownloadIdle(s Status) bool {
	return s.State == stateDnloadIdle || s.State == stateDFUIdle
}

func isManifestDone(s Status) bool {
	return s.State == stateDFUIdle || s.State == stateManifestWaitReset
}

func (d *Driver) claim(busAddr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.claims[busAddr]; held {
		return false
	}
	d.claims[busAddr] = struct{}{}
	return true
}

func (d *Driver) release(busAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, busAddr)
}
