package orchestrator

// Phase is the orchestration state of an update session. The set is closed:
// every transition between phases is declared in the session's state machine,
// so an illegal jump is structurally impossible.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseChecking    Phase = "Checking"
	PhaseDownloading Phase = "Downloading"
	PhaseVerifying   Phase = "Verifying"
	PhaseAwaitingDFU Phase = "AwaitingDFU"
	PhaseFlashing    Phase = "Flashing"
	PhaseConfirming  Phase = "Confirming"
	PhaseDone        Phase = "Done"
	PhaseFailed      Phase = "Failed"
	PhaseCancelled   Phase = "Cancelled"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is honored in this phase.
// Once flashing has begun no bytes can be un-written, so cancellation is
// refused from PhaseFlashing onward.
func (p Phase) Cancellable() bool {
	switch p {
	case PhaseChecking, PhaseDownloading, PhaseAwaitingDFU:
		return true
	}
	return false
}
