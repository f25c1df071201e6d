// Package app implements the fleetfwctl command tree. fleetfwctl is a thin
// client: every operation is a request to the fleetfwd socket, and all
// decisions stay on the daemon side.
package app

import (
	"time"

	"github.com/spf13/cobra"

	"fleetfw.io/fleetfw/pkg/client"
	"fleetfw.io/fleetfw/pkg/options"
)

const commandDesc = `fleetfwctl talks to the fleetfwd daemon over its unix socket to inspect
attached devices, check for firmware updates and drive update sessions.`

var (
	socketPath string
	timeout    time.Duration
)

// NewRootCommand builds the fleetfwctl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetfwctl",
		Short:         "Control the fleetfw update daemon",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := options.NewServerOptions()
	root.PersistentFlags().StringVar(&socketPath, "socket", defaults.SocketPath, "Path of the fleetfwd unix socket.")
	root.PersistentFlags().DurationVar(&timeout, "timeout", defaults.Timeout, "Timeout for a single daemon request.")

	root.AddCommand(
		newDevicesCommand(),
		newCheckCommand(),
		newUpdateCommand(),
		newStatusCommand(),
		newCancelCommand(),
		newVersionCommand(),
	)
	return root
}

func newClient() *client.Client {
	return client.New(socketPath, timeout)
}
