package orchestrator

import (
	"context"

	"github.com/looplab/fsm"

	"fleetfw.io/fleetfw/internal/pkg/metrics"
	fsmutil "fleetfw.io/fleetfw/internal/pkg/util/fsm"
)

const (
	// EventStart begins a session for a hardware model.
	EventStart = "event_start"
	// EventUpdateAvailable records that the changeset version differs from
	// the device's reported version.
	EventUpdateAvailable = "event_update_available"
	// EventUpToDate ends the session without touching the device.
	EventUpToDate = "event_up_to_date"
	// EventCheckFailed covers enumeration or manifest failures during checking.
	EventCheckFailed = "event_check_failed"
	// EventFetched moves a completed download into verification.
	EventFetched = "event_fetched"
	// EventFetchFailed ends the session after the retry budget is spent.
	EventFetchFailed = "event_fetch_failed"
	// EventVerified confirms the cached payload digests.
	EventVerified = "event_verified"
	// EventDigestMismatch sends a corrupted download back for one re-fetch.
	EventDigestMismatch = "event_digest_mismatch"
	// EventVerifyFailed ends the session on a second consecutive mismatch.
	EventVerifyFailed = "event_verify_failed"
	// EventDFUReady fires when the device is confirmed in DFU mode.
	EventDFUReady = "event_dfu_ready"
	// EventDFUTimeout ends the session when the device never enters DFU mode.
	EventDFUTimeout = "event_dfu_timeout"
	// EventFlashed fires when the flash driver reports success.
	EventFlashed = "event_flashed"
	// EventFlashFailed ends the session on any flash error; never retried.
	EventFlashFailed = "event_flash_failed"
	// EventConfirmed fires when the device re-enumerates with the new version.
	EventConfirmed = "event_confirmed"
	// EventConfirmFailed fires when it does not.
	EventConfirmFailed = "event_confirm_failed"
	// EventCancel aborts a session before any device write.
	EventCancel = "event_cancel"
)

// newPhaseFSM wires the session phase machine. Failure events carry the
// causing error as their first argument.
func newPhaseFSM(s *Session) *fsm.FSM {
	events := fsm.Events{
		{Name: EventStart, Src: []string{string(PhaseIdle)}, Dst: string(PhaseChecking)},

		{Name: EventUpdateAvailable, Src: []string{string(PhaseChecking)}, Dst: string(PhaseDownloading)},
		{Name: EventUpToDate, Src: []string{string(PhaseChecking)}, Dst: string(PhaseDone)},
		{Name: EventCheckFailed, Src: []string{string(PhaseChecking)}, Dst: string(PhaseFailed)},

		{Name: EventFetched, Src: []string{string(PhaseDownloading)}, Dst: string(PhaseVerifying)},
		{Name: EventFetchFailed, Src: []string{string(PhaseDownloading)}, Dst: string(PhaseFailed)},

		{Name: EventVerified, Src: []string{string(PhaseVerifying)}, Dst: string(PhaseAwaitingDFU)},
		{Name: EventDigestMismatch, Src: []string{string(PhaseVerifying)}, Dst: string(PhaseDownloading)},
		{Name: EventVerifyFailed, Src: []string{string(PhaseVerifying)}, Dst: string(PhaseFailed)},

		{Name: EventDFUReady, Src: []string{string(PhaseAwaitingDFU)}, Dst: string(PhaseFlashing)},
		{Name: EventDFUTimeout, Src: []string{string(PhaseAwaitingDFU)}, Dst: string(PhaseFailed)},

		{Name: EventFlashed, Src: []string{string(PhaseFlashing)}, Dst: string(PhaseConfirming)},
		{Name: EventFlashFailed, Src: []string{string(PhaseFlashing)}, Dst: string(PhaseFailed)},

		{Name: EventConfirmed, Src: []string{string(PhaseConfirming)}, Dst: string(PhaseDone)},
		{Name: EventConfirmFailed, Src: []string{string(PhaseConfirming)}, Dst: string(PhaseFailed)},

		{Name: EventCancel, Src: []string{
			string(PhaseChecking),
			string(PhaseDownloading),
			string(PhaseAwaitingDFU),
		}, Dst: string(PhaseCancelled)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			s.setPhase(Phase(e.Dst))
			return nil
		}),
		"enter_" + string(PhaseFailed): fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			if len(e.Args) > 0 {
				if err, ok := e.Args[0].(error); ok {
					s.setError(err)
				}
			}
			metrics.SessionsTotal.WithLabelValues("failed").Inc()
			return nil
		}),
		"enter_" + string(PhaseDone): fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			metrics.SessionsTotal.WithLabelValues("done").Inc()
			return nil
		}),
		"enter_" + string(PhaseCancelled): fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			metrics.SessionsTotal.WithLabelValues("cancelled").Inc()
			return nil
		}),
	}

	return fsm.NewFSM(string(PhaseIdle), events, callbacks)
}
