package daemon

import (
	"fleetfw.io/fleetfw/pkg/options"
)

// Config aggregates everything the daemon needs to run.
type Config struct {
	ServerOptions *options.ServerOptions
	StoreOptions  *options.StoreOptions
	DFUOptions    *options.DFUOptions
	DeviceOptions *options.DeviceOptions
	S3Options     *options.S3Options
}
