package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"fleetfw.io/fleetfw/cmd/fleetfwd/app/options"
	"fleetfw.io/fleetfw/internal/daemon"
	"fleetfw.io/fleetfw/pkg/app"
	"fleetfw.io/fleetfw/pkg/log"
)

const (
	commandName = "fleetfwd"
	commandDesc = `The fleetfw daemon owns the privileged side of firmware updates: it tracks
the changeset a fleet device should be running, downloads and verifies
firmware payloads, switches devices into DFU mode and flashes them. Clients
talk to it over a unix socket; see fleetfwctl.`
)

func NewApp() *app.App {
	opts := options.NewDaemonOptions()
	return app.NewApp(
		commandName,
		"Launch the fleetfw update daemon",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.DaemonOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		return d.Run(ctx)
	}
}
