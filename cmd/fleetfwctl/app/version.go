package app

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print fleetfwctl version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("fleetfwctl %s (%s) %s %s/%s\n",
				version, gitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
