package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetfw.io/fleetfw/pkg/api"
)

const pollInterval = 500 * time.Millisecond

func newUpdateCommand() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "update [model]",
		Short: "Start a firmware update and wait for it to finish",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The daemon falls back to its configured model; only resolve
			// locally when the daemon might have none.
			model := ""
			if len(args) > 0 {
				model = args[0]
			}

			c := newClient()
			id, err := c.StartUpdate(cmd.Context(), model)
			if err != nil {
				return err
			}
			fmt.Printf("started %s\n", id)

			if noWait {
				return nil
			}
			return watch(cmd.Context(), id)
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return immediately instead of waiting for the session to finish.")
	return cmd
}

// watch polls the session until it reaches a terminal phase, printing each
// phase transition once and flash progress as it moves.
func watch(ctx context.Context, id string) error {
	c := newClient()
	lastPhase := ""

	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return err
		}

		if st.Phase != lastPhase {
			lastPhase = st.Phase
			fmt.Printf("%-12s %s\n", st.Phase, sessionDetail(st))
		} else if st.Phase == "Flashing" && st.Progress > 0 {
			fmt.Printf("%-12s %3.0f%%\r", st.Phase, st.Progress*100)
		}

		switch st.Phase {
		case "Done":
			return nil
		case "Failed":
			return fmt.Errorf("update failed: %s", st.Error)
		case "Cancelled":
			return fmt.Errorf("update cancelled")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func sessionDetail(st *api.SessionStatus) string {
	switch st.Phase {
	case "Checking":
		return st.Model
	case "Downloading", "Verifying", "Flashing", "Confirming":
		return "-> " + st.TargetVersion
	case "Failed":
		return st.Error
	}
	return ""
}
