package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DFUOptions)(nil)

// DFUOptions contains the timing and sizing parameters of the DFU transport.
// Every blocking wait in the flash path is bounded by one of these values.
type DFUOptions struct {
	// BlockSize is the transfer size of a single DFU_DNLOAD block in bytes.
	BlockSize int `json:"block-size" mapstructure:"block-size"`

	// StatusTimeout bounds the poll loop after each block transfer.
	StatusTimeout time.Duration `json:"status-timeout" mapstructure:"status-timeout"`

	// PollInterval is the device re-enumeration poll interval while waiting
	// for a device to switch modes or reappear.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`

	// WaitTimeout bounds a single wait for a device to appear in DFU mode.
	WaitTimeout time.Duration `json:"wait-timeout" mapstructure:"wait-timeout"`

	// ConfirmTimeout bounds the wait for a device to re-enumerate after a flash.
	ConfirmTimeout time.Duration `json:"confirm-timeout" mapstructure:"confirm-timeout"`

	// ModeSwitchRetries is how many times the mode-switch command is re-issued
	// after a DFU wait expires before the session fails.
	ModeSwitchRetries int `json:"mode-switch-retries" mapstructure:"mode-switch-retries"`
}

// NewDFUOptions creates a DFUOptions object with default parameters.
func NewDFUOptions() *DFUOptions {
	return &DFUOptions{
		BlockSize:         4096,
		StatusTimeout:     5 * time.Second,
		PollInterval:      500 * time.Millisecond,
		WaitTimeout:       30 * time.Second,
		ConfirmTimeout:    60 * time.Second,
		ModeSwitchRetries: 1,
	}
}

func (o *DFUOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.BlockSize <= 0 {
		errors = append(errors, fmt.Errorf("dfu.block-size must be > 0, got %d", o.BlockSize))
	}
	if o.PollInterval <= 0 {
		errors = append(errors, fmt.Errorf("dfu.poll-interval must be > 0, got %s", o.PollInterval))
	}
	if o.ModeSwitchRetries < 0 {
		errors = append(errors, fmt.Errorf("dfu.mode-switch-retries must be >= 0, got %d", o.ModeSwitchRetries))
	}

	return errors
}

// AddFlags adds flags related to the DFU transport to the specified FlagSet.
func (o *DFUOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.BlockSize, "dfu.block-size", o.BlockSize, "DFU transfer block size in bytes.")
	fs.DurationVar(&o.StatusTimeout, "dfu.status-timeout", o.StatusTimeout, "Bound on the status poll loop after each block.")
	fs.DurationVar(&o.PollInterval, "dfu.poll-interval", o.PollInterval, "Device re-enumeration poll interval.")
	fs.DurationVar(&o.WaitTimeout, "dfu.wait-timeout", o.WaitTimeout, "Bound on a single wait for DFU mode.")
	fs.DurationVar(&o.ConfirmTimeout, "dfu.confirm-timeout", o.ConfirmTimeout, "Bound on the post-flash re-enumeration wait.")
	fs.IntVar(&o.ModeSwitchRetries, "dfu.mode-switch-retries", o.ModeSwitchRetries, "Times the mode-switch command is re-issued after a DFU wait expires.")
}
