package app

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the state of an update session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("SESSION:", st.SessionID)
			table.AddRow("MODEL:", st.Model)
			table.AddRow("PHASE:", st.Phase)
			if st.TargetVersion != "" {
				table.AddRow("TARGET:", st.TargetVersion)
			}
			if st.Device != "" {
				table.AddRow("DEVICE:", st.Device)
			}
			if st.Phase == "Flashing" {
				table.AddRow("PROGRESS:", fmt.Sprintf("%.0f%%", st.Progress*100))
			}
			if st.Error != "" {
				table.AddRow("ERROR:", st.Error)
			}
			fmt.Println(table)
			return nil
		},
	}
}
