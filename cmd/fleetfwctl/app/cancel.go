package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running update session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Cancelled {
				return fmt.Errorf("not cancelled: %s", res.Reason)
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}
