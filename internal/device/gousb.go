package device

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"fleetfw.io/fleetfw/pkg/log"
)

// dfuSubClass is the USB DFU subclass under the application-specific class.
const dfuSubClass = 0x01

// USBBus is the libusb-backed Bus implementation.
type USBBus struct {
	ctx    *gousb.Context
	logger log.Logger
}

// NewUSBBus initializes a libusb context. Callers own Close.
func NewUSBBus() *USBBus {
	return &USBBus{
		ctx:    gousb.NewContext(),
		logger: log.WithName("usb"),
	}
}

// Close releases the libusb context.
func (b *USBBus) Close() error {
	return b.ctx.Close()
}

// List walks the bus and reports every attached device. Mode is derived from
// the interface descriptors: a device exposing a DFU interface is in DFU mode.
func (b *USBBus) List(ctx context.Context) ([]Device, error) {
	var devices []Device

	// The opener inspects descriptors only; returning false opens nothing.
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, Device{
			BusAddr:   fmt.Sprintf("%03d:%03d", desc.Bus, desc.Address),
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Version:   desc.Device.String(),
			Mode:      modeOf(desc),
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("bus enumeration failed: %w", err)
	}
	return devices, nil
}

// Open claims the device for control traffic, detaching any kernel driver.
func (b *USBBus) Open(ctx context.Context, dev Device) (Conn, error) {
	d, err := b.ctx.OpenDeviceWithVIDPID(gousb.ID(dev.VendorID), gousb.ID(dev.ProductID))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dev, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dev)
	}
	if err := d.SetAutoDetach(true); err != nil {
		b.logger.Warn("could not enable kernel driver auto-detach", "device", dev.String(), err)
	}
	return d, nil
}

func modeOf(desc *gousb.DeviceDesc) Mode {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassApplication && uint8(alt.SubClass) == dfuSubClass {
					return ModeDFU
				}
			}
		}
	}
	return ModeNormal
}
