// Package api defines the JSON wire types exchanged between the fleetfwd
// daemon and its clients over the unix-socket IPC surface.
package api

// Device describes one attached updatable unit as reported by the daemon.
type Device struct {
	BusAddr   string `json:"busAddr"`
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
	Version   string `json:"version,omitempty"`
	DFUMode   bool   `json:"dfuMode"`
}

// DeviceList is the response of GET /api/v1/devices.
type DeviceList struct {
	Devices []Device `json:"devices"`
}

// Check status values.
const (
	CheckUpToDate        = "UpToDate"
	CheckUpdateAvailable = "UpdateAvailable"
)

// CheckResponse is the response of GET /api/v1/check/{model}.
type CheckResponse struct {
	Model string `json:"model"`
	// Status is CheckUpToDate or CheckUpdateAvailable.
	Status string `json:"status"`
	// Current is the firmware version the device reports, if queryable.
	Current string `json:"current,omitempty"`
	// Available is the changeset version offered upstream.
	Available string `json:"available,omitempty"`
}

// StartUpdateRequest is the body of POST /api/v1/sessions.
type StartUpdateRequest struct {
	// Model optionally overrides the daemon's configured hardware model.
	Model string `json:"model,omitempty"`
}

// StartUpdateResponse returns the handle of the newly created session.
type StartUpdateResponse struct {
	SessionID string `json:"sessionId"`
}

// SessionStatus is the response of GET /api/v1/sessions/{id}. Progress is a
// fraction in [0,1] and only meaningful while bytes are moving.
type SessionStatus struct {
	SessionID     string  `json:"sessionId"`
	Model         string  `json:"model"`
	Phase         string  `json:"phase"`
	Progress      float64 `json:"progress,omitempty"`
	TargetVersion string  `json:"targetVersion,omitempty"`
	Device        string  `json:"device,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// CancelResponse is the response of POST /api/v1/sessions/{id}/cancel.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// Error is the uniform error body returned for non-2xx responses.
type Error struct {
	Message string `json:"message"`
}
