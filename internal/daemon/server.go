package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/internal/orchestrator"
	"fleetfw.io/fleetfw/internal/pkg/metrics"
	"fleetfw.io/fleetfw/internal/store"
	"fleetfw.io/fleetfw/pkg/api"
	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// Updater is the orchestrator surface the IPC server exposes.
type Updater interface {
	Devices(ctx context.Context) ([]device.Device, error)
	Check(ctx context.Context, model string) (*orchestrator.CheckResult, error)
	Start(ctx context.Context, model string) (string, error)
	Status(id string) (orchestrator.Snapshot, error)
	Cancel(id string) error
}

// Server is the daemon's IPC endpoint: a JSON/HTTP API bound to a unix
// socket. The socket's file mode, not network policy, gates access to the
// privileged update surface.
type Server struct {
	updater Updater
	// model is the daemon's hardware model, used when a request names none.
	model  string
	opts   *options.ServerOptions
	router *mux.Router
	logger log.Logger
}

// NewServer wires the IPC routes.
func NewServer(u Updater, model string, opts *options.ServerOptions) *Server {
	s := &Server{
		updater: u,
		model:   model,
		opts:    opts,
		logger:  log.WithName("server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/check/{model}", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the unix socket and serves until ctx is cancelled. A stale
// socket from a previous run is removed before binding.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.opts.SocketPath, os.FileMode(s.opts.SocketMode)); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.Timeout,
		WriteTimeout: s.opts.Timeout,
	}

	s.logger.Info("IPC server listening", "socket", s.opts.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.updater.Devices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := api.DeviceList{Devices: []api.Device{}}
	for _, d := range devs {
		out.Devices = append(out.Devices, api.Device{
			BusAddr:   d.BusAddr,
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
			Version:   d.Version,
			DFUMode:   d.Mode == device.ModeDFU,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	model := mux.Vars(r)["model"]

	res, err := s.updater.Check(r.Context(), model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := api.CheckResponse{
		Model:     res.Model,
		Status:    api.CheckUpToDate,
		Current:   res.Current,
		Available: res.Available,
	}
	if res.UpdateNeeded {
		out.Status = api.CheckUpdateAvailable
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartUpdateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, api.Error{Message: "malformed request body"})
			return
		}
	}

	model := req.Model
	if model == "" {
		model = s.model
	}
	if model == "" {
		writeJSON(w, http.StatusBadRequest, api.Error{Message: "no model given and none configured"})
		return
	}

	id, err := s.updater.Start(r.Context(), model)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.StartUpdateResponse{SessionID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.updater.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := api.SessionStatus{
		SessionID:     snap.ID,
		Model:         snap.Model,
		Phase:         string(snap.Phase),
		Progress:      snap.Progress,
		TargetVersion: snap.TargetVersion,
		Device:        snap.Device,
	}
	if snap.Err != nil {
		out.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.updater.Cancel(mux.Vars(r)["id"])
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: true})
	case errors.Is(err, orchestrator.ErrCancelRefused):
		// A refused cancel is an answer, not a transport failure.
		writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: false, Reason: err.Error()})
	default:
		s.writeError(w, err)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrUnsupportedModel):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSession), errors.Is(err, device.ErrNotFound):
		status = http.StatusNotFound
	case store.IsRetryable(err):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(err, "request failed")
	}
	writeJSON(w, status, api.Error{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
