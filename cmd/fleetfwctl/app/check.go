package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/pkg/api"
)

// resolveModel falls back to DMI detection when no model was given on the
// command line.
func resolveModel(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	model, err := device.DetectModel()
	if err != nil {
		return "", fmt.Errorf("could not detect hardware model, pass one explicitly: %w", err)
	}
	return model, nil
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [model]",
		Short: "Check whether a firmware update is available",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := resolveModel(args)
			if err != nil {
				return err
			}

			res, err := newClient().Check(cmd.Context(), model)
			if err != nil {
				return err
			}

			switch res.Status {
			case api.CheckUpToDate:
				fmt.Printf("%s: firmware %s is up to date\n", res.Model, res.Current)
			case api.CheckUpdateAvailable:
				fmt.Printf("%s: update available: %s -> %s\n", res.Model, res.Current, res.Available)
			default:
				fmt.Printf("%s: %s\n", res.Model, res.Status)
			}
			return nil
		},
	}
}
