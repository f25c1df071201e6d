// Package orchestrator drives a firmware changeset from "available" to
// "installed": check, download, verify, wait for DFU mode, flash, confirm.
// The asymmetry between cheap failures (network, storage) and unsafe ones
// (partial device writes) is encoded in the retry policy: downloads are
// retried, digest mismatches get exactly one re-fetch, flash errors are
// terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/internal/dfu"
	"fleetfw.io/fleetfw/internal/store"
	"fleetfw.io/fleetfw/pkg/log"
	"fleetfw.io/fleetfw/pkg/options"
)

// ErrAlreadyInProgress rejects a second update request while a session is
// active. Requests are rejected, not queued: hardware state may have changed
// by the time a queued request would run.
var ErrAlreadyInProgress = errors.New("an update session is already in progress")

// ErrCancelRefused reports that cancellation was requested in a phase where
// it cannot be honored safely.
var ErrCancelRefused = errors.New("cancellation refused in current phase")

// ErrNoSession reports an unknown or already-discarded session handle.
var ErrNoSession = errors.New("no such session")

// ChangesetStore is the slice of the store the orchestrator depends on.
type ChangesetStore interface {
	Supported(model string) bool
	Check(ctx context.Context, model string) (*store.Manifest, error)
	Fetch(ctx context.Context, m *store.Manifest) (*store.Changeset, error)
	Verify(cs *store.Changeset) error
	Invalidate(cs *store.Changeset)
	Open(img store.FirmwareImage) (io.ReadCloser, int64, error)
}

// Enumerator is the slice of device discovery the orchestrator depends on.
type Enumerator interface {
	List(ctx context.Context) ([]device.Device, error)
	Find(ctx context.Context) (device.Device, error)
	EnterDFU(ctx context.Context, dev device.Device) error
	AwaitDFU(ctx context.Context, timeout time.Duration) (device.Device, error)
	AwaitNormal(ctx context.Context, timeout time.Duration) (device.Device, error)
}

// Flasher transfers one image to one device.
type Flasher interface {
	Flash(ctx context.Context, dev device.Device, r io.Reader, size int64, progress dfu.ProgressFunc) error
}

// CheckResult is the outcome of a version check.
type CheckResult struct {
	Model     string
	Current   string
	Available string
	// UpdateNeeded is true when the versions differ in either direction;
	// comparison is exact-string, no semantic versioning.
	UpdateNeeded bool
}

// Orchestrator owns at most one active session and serializes update
// requests. Status queries are answered from the session's phase cell and
// never block on the update itself.
type Orchestrator struct {
	store   ChangesetStore
	devices Enumerator
	flasher Flasher
	opts    *options.DFUOptions

	mu      sync.Mutex
	session *Session

	seq    atomic.Uint64
	logger log.Logger
}

// New builds an Orchestrator.
func New(cs ChangesetStore, en Enumerator, fl Flasher, opts *options.DFUOptions) *Orchestrator {
	return &Orchestrator{
		store:   cs,
		devices: en,
		flasher: fl,
		opts:    opts,
		logger:  log.WithName("orchestrator"),
	}
}

// Check compares the device's reported firmware version with the changeset
// the store offers for model. It has no side effects beyond manifest caching.
func (o *Orchestrator) Check(ctx context.Context, model string) (*CheckResult, error) {
	dev, err := o.devices.Find(ctx)
	if err != nil {
		return nil, err
	}

	m, err := o.store.Check(ctx, model)
	if err != nil {
		return nil, err
	}

	return &CheckResult{
		Model:        model,
		Current:      dev.Version,
		Available:    m.Version,
		UpdateNeeded: dev.Version != m.Version,
	}, nil
}

// Devices lists attached updatable devices.
func (o *Orchestrator) Devices(ctx context.Context) ([]device.Device, error) {
	return o.devices.List(ctx)
}

// Start begins a new update session for model and returns its handle. A
// still-active session causes ErrAlreadyInProgress; a finished one is
// discarded and replaced.
func (o *Orchestrator) Start(ctx context.Context, model string) (string, error) {
	if !o.store.Supported(model) {
		return "", fmt.Errorf("%w: %q", store.ErrUnsupportedModel, model)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil && !o.session.Phase().Terminal() {
		return "", ErrAlreadyInProgress
	}

	s := newSession(fmt.Sprintf("session-%d", o.seq.Add(1)), model)
	if err := s.event(EventStart); err != nil {
		return "", err
	}
	o.session = s

	o.logger.Info("update session started", "session", s.id, "model", model)
	go o.run(s)

	return s.id, nil
}

// Status returns a snapshot of the session. Observing a terminal phase
// delivers the result and discards the session; the next Start is accepted.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil || o.session.id != id {
		return Snapshot{}, ErrNoSession
	}

	snap := o.session.Snapshot()
	if snap.Phase.Terminal() {
		o.session = nil
	}
	return snap, nil
}

// Cancel requests cancellation of the session. It is honored only before any
// byte can have been written to the device; from Flashing onward it returns
// ErrCancelRefused and the session continues.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()

	if s == nil || s.id != id {
		return ErrNoSession
	}
	if !s.requestCancel() {
		return ErrCancelRefused
	}
	o.logger.Info("update session cancelled", "session", s.id, "phase", string(s.Phase()))
	return nil
}

// run executes the session's phase sequence. All fsm events are fired from
// this goroutine; the fsm itself rejects any transition the design does not
// declare.
func (o *Orchestrator) run(s *Session) {
	defer s.cancel()

	// Checking: find the device and the offered changeset.
	dev, err := o.devices.Find(s.ctx)
	if err != nil {
		o.finish(s, EventCheckFailed, fmt.Errorf("device enumeration failed: %w", err))
		return
	}
	s.setDevice(dev.String())

	m, err := o.store.Check(s.ctx, s.model)
	if err != nil {
		o.finish(s, EventCheckFailed, err)
		return
	}
	s.setTarget(m.Version)

	if dev.Version == m.Version {
		o.logger.Info("firmware already current", "session", s.id, "version", m.Version)
		s.event(EventUpToDate)
		return
	}
	if s.wasCancelled() {
		s.event(EventCancel)
		return
	}
	s.event(EventUpdateAvailable)

	// Downloading / Verifying, with exactly one re-fetch on digest mismatch.
	cs, ok := o.download(s, m)
	if !ok {
		return
	}

	// AwaitingDFU: switch the device into its bootloader and wait for it.
	dfuDev, ok := o.awaitDFU(s, dev)
	if !ok {
		return
	}

	// Flashing: terminal on any error, no retry once bytes have moved.
	img, err := selectImage(cs, dev)
	if err != nil {
		o.finish(s, EventFlashFailed, err)
		return
	}
	rc, size, err := o.store.Open(img)
	if err != nil {
		o.finish(s, EventFlashFailed, err)
		return
	}
	flashErr := o.flasher.Flash(s.ctx, dfuDev, rc, size, s.setProgress)
	rc.Close()
	if flashErr != nil {
		o.finish(s, EventFlashFailed, flashErr)
		return
	}
	s.event(EventFlashed)

	// Confirming: the device must come back reporting the new version.
	confirmed, err := o.devices.AwaitNormal(s.ctx, o.opts.ConfirmTimeout)
	if err != nil {
		o.finish(s, EventConfirmFailed, fmt.Errorf("device did not re-enumerate after flash: %w", err))
		return
	}
	if confirmed.Version != m.Version {
		o.finish(s, EventConfirmFailed, fmt.Errorf(
			"confirmation mismatch: device %s reports version %q after flashing %q",
			confirmed, confirmed.Version, m.Version))
		return
	}

	o.logger.Info("update confirmed", "session", s.id, "device", confirmed.String(), "version", confirmed.Version)
	s.event(EventConfirmed)
}

// download drives Downloading/Verifying. A digest mismatch is never retried
// silently: the corrupted artifact is deleted and one fresh fetch is
// attempted; a second consecutive mismatch fails the session.
func (o *Orchestrator) download(s *Session, m *store.Manifest) (*store.Changeset, bool) {
	mismatches := 0
	for {
		cs, err := o.store.Fetch(s.ctx, m)
		if err != nil {
			if s.wasCancelled() {
				s.event(EventCancel)
				return nil, false
			}
			if errors.Is(err, store.ErrDigestMismatch) && mismatches == 0 {
				mismatches++
				o.logger.Warn("download failed verification, fetching once more", "session", s.id, err)
				continue
			}
			o.finish(s, EventFetchFailed, err)
			return nil, false
		}

		if s.wasCancelled() {
			s.event(EventCancel)
			return nil, false
		}
		s.event(EventFetched)

		if err := o.store.Verify(cs); err == nil {
			s.event(EventVerified)
			return cs, true
		} else if errors.Is(err, store.ErrDigestMismatch) && mismatches == 0 {
			mismatches++
			o.logger.Warn("cached payload failed verification, fetching once more", "session", s.id, err)
			o.store.Invalidate(cs)
			s.event(EventDigestMismatch)
			continue
		} else {
			o.finish(s, EventVerifyFailed, err)
			return nil, false
		}
	}
}

// awaitDFU issues the mode switch and waits for the device to reappear in
// DFU mode, re-issuing the switch a configured number of times. A timeout
// here is a bounded, expected condition, not a driver fault.
func (o *Orchestrator) awaitDFU(s *Session, dev device.Device) (device.Device, bool) {
	for attempt := 0; ; attempt++ {
		if err := o.devices.EnterDFU(s.ctx, dev); err != nil {
			if s.wasCancelled() {
				s.event(EventCancel)
				return device.Device{}, false
			}
			o.finish(s, EventDFUTimeout, fmt.Errorf("mode switch failed: %w", err))
			return device.Device{}, false
		}

		dfuDev, err := o.devices.AwaitDFU(s.ctx, o.opts.WaitTimeout)
		if err == nil {
			if s.wasCancelled() {
				s.event(EventCancel)
				return device.Device{}, false
			}
			s.event(EventDFUReady)
			return dfuDev, true
		}

		if s.wasCancelled() {
			s.event(EventCancel)
			return device.Device{}, false
		}
		if errors.Is(err, device.ErrDFUTimeout) && attempt < o.opts.ModeSwitchRetries {
			o.logger.Warn("device did not enter DFU mode, re-issuing mode switch",
				"session", s.id, "attempt", attempt+1)
			continue
		}

		o.finish(s, EventDFUTimeout, err)
		return device.Device{}, false
	}
}

// finish fires a failure event unless the session was cancelled first, in
// which case the cancellation wins.
func (o *Orchestrator) finish(s *Session, event string, err error) {
	if s.wasCancelled() && s.Phase().Cancellable() {
		s.event(EventCancel)
		return
	}
	o.logger.Error(err, "update session failed", "session", s.id, "phase", string(s.Phase()))
	s.event(event, err)
}

// selectImage picks the changeset image targeting the device's runtime
// signature, falling back to a sole image for single-payload changesets.
func selectImage(cs *store.Changeset, dev device.Device) (store.FirmwareImage, error) {
	sig := dev.Signature().String()
	for _, img := range cs.Images {
		if img.Ref.Device == sig {
			return img, nil
		}
	}
	if len(cs.Images) == 1 {
		return cs.Images[0], nil
	}
	return store.FirmwareImage{}, fmt.Errorf("changeset %s has no image for device %s", cs.Manifest.Version, sig)
}
