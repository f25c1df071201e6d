package app

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached updatable devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := newClient().Devices(cmd.Context())
			if err != nil {
				return err
			}

			if len(devs) == 0 {
				fmt.Println("No updatable devices attached.")
				return nil
			}

			table := uitable.New()
			table.AddRow("BUS", "SIGNATURE", "MODE", "VERSION")
			for _, d := range devs {
				mode := "NORMAL"
				if d.DFUMode {
					mode = "DFU"
				}
				version := d.Version
				if version == "" {
					version = "-"
				}
				table.AddRow(d.BusAddr, fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID), mode, version)
			}
			fmt.Println(table)
			return nil
		},
	}
}
