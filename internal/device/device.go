// Package device discovers attached updatable hardware and tracks which mode
// each unit is in. Devices are transient handles: they are re-enumerated on
// every orchestration cycle and never persisted.
package device

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Mode is the identity a device currently exposes on the bus.
type Mode int

const (
	// ModeNormal is the device's runtime identity.
	ModeNormal Mode = iota
	// ModeDFU is the update-mode bootloader identity.
	ModeDFU
)

func (m Mode) String() string {
	if m == ModeDFU {
		return "DFU"
	}
	return "NORMAL"
}

// ErrDFUTimeout reports that a device did not reappear in DFU mode within
// the bounded wait. It is never fatal by itself; callers may re-issue the
// mode switch.
var ErrDFUTimeout = errors.New("timed out waiting for DFU mode")

// ErrNotFound reports that no matching device is attached.
var ErrNotFound = errors.New("device not found")

// Device is a handle to one attached unit.
type Device struct {
	// BusAddr is the bus:address pair, e.g. "001:004". It changes whenever
	// the device re-enumerates.
	BusAddr string

	VendorID  uint16
	ProductID uint16

	// Version is the firmware revision the device reports, when queryable.
	Version string

	Mode Mode
}

// Signature returns the device's vendor:product pair in hex.
func (d Device) Signature() Signature {
	return Signature{VendorID: d.VendorID, ProductID: d.ProductID}
}

func (d Device) String() string {
	return fmt.Sprintf("%s@%s (%s)", d.Signature(), d.BusAddr, d.Mode)
}

// Signature is a vendor:product identity used to match attached devices.
type Signature struct {
	VendorID  uint16
	ProductID uint16
}

func (s Signature) String() string {
	return fmt.Sprintf("%04x:%04x", s.VendorID, s.ProductID)
}

// ParseSignature parses a "vvvv:pppp" hex pair.
func ParseSignature(raw string) (Signature, error) {
	var vid, pid uint16
	if _, err := fmt.Sscanf(strings.ToLower(raw), "%04x:%04x", &vid, &pid); err != nil {
		return Signature{}, fmt.Errorf("invalid device signature %q: %w", raw, err)
	}
	return Signature{VendorID: vid, ProductID: pid}, nil
}

// ParseSignatures parses a list of "vvvv:pppp" pairs.
func ParseSignatures(raw []string) ([]Signature, error) {
	sigs := make([]Signature, 0, len(raw))
	for _, r := range raw {
		s, err := ParseSignature(r)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return sigs, nil
}

// dmiModelPaths are consulted in order when detecting the host model.
var dmiModelPaths = []string{
	"/sys/class/dmi/id/product_version",
	"/sys/class/dmi/id/product_name",
}

// DetectModel reads the hardware model identifier from DMI.
func DetectModel() (string, error) {
	for _, path := range dmiModelPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if model := strings.TrimSpace(string(data)); model != "" {
			return model, nil
		}
	}
	return "", errors.New("could not detect hardware model from DMI")
}
