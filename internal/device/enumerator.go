package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// Vendor control request that asks a device to reboot into its DFU bootloader.
const (
	modeSwitchRequestType uint8 = 0x40 // vendor, device, host-to-device
	modeSwitchRequest     uint8 = 0x0b
)

// Enumerator finds updatable devices on the bus and waits, with bounded
// polls, for them to change identity.
type Enumerator struct {
	bus     Bus
	sigs    []Signature
	dfuSigs []Signature

	pollInterval time.Duration

	// hotplug, when non-nil, shortens waits between polls. Purely an
	// optimization; the ticker alone is sufficient.
	hotplug <-chan struct{}

	logger log.Logger
}

// NewEnumerator builds an Enumerator from configuration.
func NewEnumerator(bus Bus, opts *options.DeviceOptions, dfuOpts *options.DFUOptions) (*Enumerator, error) {
	sigs, err := ParseSignatures(opts.Signatures)
	if err != nil {
		return nil, err
	}
	dfuSigs, err := ParseSignatures(opts.DFUSignatures)
	if err != nil {
		return nil, err
	}

	return &Enumerator{
		bus:          bus,
		sigs:         sigs,
		dfuSigs:      dfuSigs,
		pollInterval: dfuOpts.PollInterval,
		logger:       log.WithName("enumerator"),
	}, nil
}

// WithHotplug attaches a hotplug wakeup channel.
func (e *Enumerator) WithHotplug(ch <-chan struct{}) *Enumerator {
	e.hotplug = ch
	return e
}

// List returns currently attached devices matching the configured
// signatures, in either identity.
func (e *Enumerator) List(ctx context.Context) ([]Device, error) {
	all, err := e.bus.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Device
	for _, d := range all {
		if e.matches(d) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Find returns the first attached updatable device.
func (e *Enumerator) Find(ctx context.Context) (Device, error) {
	devs, err := e.List(ctx)
	if err != nil {
		return Device{}, err
	}
	if len(devs) == 0 {
		return Device{}, ErrNotFound
	}
	return devs[0], nil
}

// EnterDFU asks a normal-mode device to reboot into its DFU bootloader. The
// device drops off the bus on success; callers follow up with AwaitDFU. A
// device already in DFU mode is left alone.
func (e *Enumerator) EnterDFU(ctx context.Context, dev Device) error {
	if dev.Mode == ModeDFU {
		return nil
	}

	conn, err := e.bus.Open(ctx, dev)
	if err != nil {
		return err
	}
	defer conn.Close()

	e.logger.Info("issuing DFU mode switch", "device", dev.String())
	if _, err := conn.Control(modeSwitchRequestType, modeSwitchRequest, 0, 0, nil); err != nil {
		// The device may reset before acking the transfer; that is a
		// successful switch as far as the bus can tell.
		e.logger.Debug("mode switch control transfer ended", "device", dev.String(), err)
	}
	return nil
}

// AwaitDFU polls until a matching device appears in DFU mode or the timeout
// elapses, in which case it returns ErrDFUTimeout.
func (e *Enumerator) AwaitDFU(ctx context.Context, timeout time.Duration) (Device, error) {
	dev, err := e.await(ctx, timeout, ModeDFU)
	if errors.Is(err, context.DeadlineExceeded) {
		return Device{}, ErrDFUTimeout
	}
	return dev, err
}

// AwaitNormal polls until a matching device appears in its runtime identity
// or the timeout elapses. Used to confirm a device came back after a flash.
func (e *Enumerator) AwaitNormal(ctx context.Context, timeout time.Duration) (Device, error) {
	dev, err := e.await(ctx, timeout, ModeNormal)
	if errors.Is(err, context.DeadlineExceeded) {
		return Device{}, fmt.Errorf("device did not re-enumerate within %s: %w", timeout, ErrNotFound)
	}
	return dev, err
}

func (e *Enumerator) await(ctx context.Context, timeout time.Duration, mode Mode) (Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		devs, err := e.List(ctx)
		if err != nil {
			return Device{}, err
		}
		for _, d := range devs {
			if d.Mode == mode {
				return d, nil
			}
		}

		select {
		case <-ctx.Done():
			return Device{}, ctx.Err()
		case <-ticker.C:
		case _, ok := <-e.hotplug:
			if !ok {
				// Watcher gone; fall back to pure polling.
				e.hotplug = nil
			}
		}
	}
}

func (e *Enumerator) matches(d Device) bool {
	sigs := e.sigs
	if d.Mode == ModeDFU {
		sigs = e.dfuSigs
	}
	for _, s := range sigs {
		if s == d.Signature() {
			return true
		}
	}
	return false
}
