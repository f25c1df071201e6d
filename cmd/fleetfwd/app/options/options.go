package options

import (
	"github.com/spf13/pflag"

	"fleetfw.io/fleetfw/internal/daemon"
	"fleetfw.io/fleetfw/pkg/app"
	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// DaemonOptions aggregates all configuration of the fleetfwd daemon.
type DaemonOptions struct {
	Log    *log.Options           `json:"log" mapstructure:"log"`
	Server *options.ServerOptions `json:"server" mapstructure:"server"`
	Store  *options.StoreOptions  `json:"store" mapstructure:"store"`
	DFU    *options.DFUOptions    `json:"dfu" mapstructure:"dfu"`
	Device *options.DeviceOptions `json:"device" mapstructure:"device"`
	S3     *options.S3Options     `json:"s3" mapstructure:"s3"`
}

var _ app.CliOptions = (*DaemonOptions)(nil)

func NewDaemonOptions() *DaemonOptions {
	return &DaemonOptions{
		Log:    log.NewOptions(),
		Server: options.NewServerOptions(),
		Store:  options.NewStoreOptions(),
		DFU:    options.NewDFUOptions(),
		Device: options.NewDeviceOptions(),
		S3:     options.NewS3Options(),
	}
}

func (o *DaemonOptions) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	o.Server.AddFlags(fs)
	o.Store.AddFlags(fs)
	o.DFU.AddFlags(fs)
	o.Device.AddFlags(fs)
	o.S3.AddFlags(fs)
}

func (o *DaemonOptions) Validate() []error {
	errs := []error{}
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.Server.Validate()...)
	errs = append(errs, o.Store.Validate()...)
	errs = append(errs, o.DFU.Validate()...)
	errs = append(errs, o.Device.Validate()...)
	errs = append(errs, o.S3.Validate()...)
	return errs
}

// Config assembles the daemon configuration from the merged options.
func (o *DaemonOptions) Config() (*daemon.Config, error) {
	return &daemon.Config{
		ServerOptions: o.Server,
		StoreOptions:  o.Store,
		DFUOptions:    o.DFU,
		DeviceOptions: o.Device,
		S3Options:     o.S3,
	}, nil
}
