package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*ServerOptions)(nil)

// ServerOptions contains configuration for the daemon's IPC endpoint. The
// daemon listens on a unix socket so that socket permissions, not network
// reachability, gate access to the privileged update surface.
type ServerOptions struct {
	// SocketPath is the path of the unix socket the daemon listens on.
	SocketPath string `json:"socket-path" mapstructure:"socket-path"`

	// SocketMode is the file mode applied to the socket after binding.
	SocketMode uint32 `json:"socket-mode" mapstructure:"socket-mode"`

	// Timeout bounds a single request/response exchange. Used by the client side too.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MetricsAddr optionally exposes /metrics and /healthz on a TCP address.
	// Empty disables the TCP listener; metrics remain available on the socket.
	MetricsAddr string `json:"metrics-addr" mapstructure:"metrics-addr"`
}

// NewServerOptions creates a ServerOptions object with default parameters.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		SocketPath: "/run/fleetfw/fleetfwd.sock",
		SocketMode: 0o660,
		Timeout:    30 * time.Second,
	}
}

func (o *ServerOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateAbsPath("server.socket-path", o.SocketPath); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags related to the IPC server to the specified FlagSet.
func (o *ServerOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.SocketPath, "server.socket-path", o.SocketPath, "Path of the unix socket the daemon listens on.")
	fs.Uint32Var(&o.SocketMode, "server.socket-mode", o.SocketMode, "File mode applied to the unix socket.")
	fs.DurationVar(&o.Timeout, "server.timeout", o.Timeout, "Timeout for a single IPC request.")
	fs.StringVar(&o.MetricsAddr, "server.metrics-addr", o.MetricsAddr, "Optional TCP address for /metrics and /healthz (empty disables).")
}
