// Package daemon assembles the fleetfwd service: changeset store, device
// enumerator, DFU driver and orchestrator behind a unix-socket IPC server.
package daemon

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/internal/dfu"
	"fleetfw.io/fleetfw/internal/orchestrator"
	"fleetfw.io/fleetfw/internal/pkg/metrics"
	"fleetfw.io/fleetfw/internal/store"
	"fleetfw.io/fleetfw/pkg/log"
)

// Daemon owns the component graph and the lifetime of the IPC surface.
type Daemon struct {
	cfg     *Config
	bus     *device.USBBus
	hotplug *device.HotplugWatcher
	server  *Server
	logger  log.Logger
}

// New builds the daemon from configuration. The USB bus is opened here so a
// missing libusb setup fails fast at startup, not at first request.
func New(cfg *Config) (*Daemon, error) {
	st, err := store.New(cfg.StoreOptions, cfg.S3Options)
	if err != nil {
		return nil, err
	}

	bus := device.NewUSBBus()
	en, err := device.NewEnumerator(bus, cfg.DeviceOptions, cfg.DFUOptions)
	if err != nil {
		bus.Close()
		return nil, err
	}

	logger := log.WithName("daemon")

	// Hotplug is an optimization: without it the enumerator falls back to
	// plain polling.
	var hotplug *device.HotplugWatcher
	if hw, err := device.NewHotplugWatcher(); err != nil {
		logger.Warn("hotplug watcher unavailable, falling back to polling", err)
	} else {
		hotplug = hw
		en.WithHotplug(hw.Events())
	}

	model := cfg.DeviceOptions.Model
	if model == "" {
		if model, err = device.DetectModel(); err != nil {
			logger.Warn("could not detect hardware model, requests must name one", err)
		} else {
			logger.Info("detected hardware model", "model", model)
		}
	}

	orch := orchestrator.New(st, en, dfu.NewDriver(bus, cfg.DFUOptions), cfg.DFUOptions)

	return &Daemon{
		cfg:     cfg,
		bus:     bus,
		hotplug: hotplug,
		server:  NewServer(orch, model, cfg.ServerOptions),
		logger:  logger,
	}, nil
}

// Run serves until ctx is cancelled, then shuts the listeners down and
// releases the USB context.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.bus.Close()
	if d.hotplug != nil {
		defer d.hotplug.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.Start(ctx)
	})

	if addr := d.cfg.ServerOptions.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr)
		})
	}

	d.logger.Info("fleetfwd started")
	return g.Wait()
}

// serveMetrics exposes /metrics and /healthz on a TCP address for scrapers
// that cannot reach the unix socket.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	log.Info("metrics server listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
