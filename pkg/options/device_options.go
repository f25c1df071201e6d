package options

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DeviceOptions)(nil)

// DeviceOptions identifies the hardware this daemon is allowed to touch:
// the host model and the USB signatures of updatable devices.
type DeviceOptions struct {
	// Model is the hardware model identifier. Empty means detect from DMI at
	// startup. Immutable once the daemon is running.
	Model string `json:"model" mapstructure:"model"`

	// Signatures are the vendor:product pairs (hex) of updatable devices in
	// their normal runtime identity.
	Signatures []string `json:"signatures" mapstructure:"signatures"`

	// DFUSignatures are the vendor:product pairs devices expose once switched
	// into DFU mode.
	DFUSignatures []string `json:"dfu-signatures" mapstructure:"dfu-signatures"`
}

// NewDeviceOptions creates a DeviceOptions object with default parameters.
func NewDeviceOptions() *DeviceOptions {
	return &DeviceOptions{
		Signatures:    []string{"3384:0001"},
		DFUSignatures: []string{"3384:0002"},
	}
}

func (o *DeviceOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	for _, s := range append(append([]string{}, o.Signatures...), o.DFUSignatures...) {
		if !strings.Contains(s, ":") {
			errors = append(errors, fmt.Errorf("device signature %q is not of the form vendor:product", s))
		}
	}

	return errors
}

// AddFlags adds flags related to device identity to the specified FlagSet.
func (o *DeviceOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Model, "device.model", o.Model, "Hardware model identifier (empty: detect from DMI).")
	fs.StringSliceVar(&o.Signatures, "device.signatures", o.Signatures, "USB vendor:product signatures of updatable devices.")
	fs.StringSliceVar(&o.DFUSignatures, "device.dfu-signatures", o.DFUSignatures, "USB vendor:product signatures of devices in DFU mode.")
}
