// Package client speaks the fleetfwd IPC protocol over its unix socket. It is
// the only transport the CLI uses; all formatting stays with the caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"fleetfw.io/fleetfw/pkg/api"
)

// Client is a thin JSON/HTTP client bound to the daemon's unix socket.
type Client struct {
	http *http.Client
}

// New returns a client talking to the daemon socket at socketPath.
func New(socketPath string, timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Devices lists the attached updatable devices.
func (c *Client) Devices(ctx context.Context) ([]api.Device, error) {
	var out api.DeviceList
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// Check asks whether an update is available for model.
func (c *Client) Check(ctx context.Context, model string) (*api.CheckResponse, error) {
	var out api.CheckResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/check/"+model, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartUpdate begins an update session and returns its handle.
func (c *Client) StartUpdate(ctx context.Context, model string) (string, error) {
	var out api.StartUpdateResponse
	in := api.StartUpdateRequest{Model: model}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", &in, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Status reports the phase and progress of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*api.SessionStatus, error) {
	var out api.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of a session. A refused cancel is not an
// error at the transport level; inspect the response.
func (c *Client) Cancel(ctx context.Context, sessionID string) (*api.CancelResponse, error) {
	var out api.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	// The host is ignored by the unix-socket dialer but must parse.
	req, err := http.NewRequestWithContext(ctx, method, "http://fleetfwd"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed (is fleetfwd running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr api.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("daemon: %s", apiErr.Message)
		}
		return fmt.Errorf("daemon: unexpected status %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
