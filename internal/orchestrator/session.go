package orchestrator

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"fleetfw.io/fleetfw/internal/pkg/metrics"
)

// Session is one orchestration attempt. It is owned by the Orchestrator;
// callers only ever see snapshots. The phase cell is readable while a phase
// is in flight, so status queries never wait on the update itself.
type Session struct {
	id    string
	model string

	ctx    context.Context
	cancel context.CancelFunc

	fsm *fsm.FSM

	mu            sync.Mutex
	phase         Phase
	progress      float64
	targetVersion string
	device        string
	err           error
	cancelled     bool
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID            string
	Model         string
	Phase         Phase
	Progress      float64
	TargetVersion string
	Device        string
	Err           error
}

func newSession(id, model string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		model:  model,
		ctx:    ctx,
		cancel: cancel,
		phase:  PhaseIdle,
	}
	s.fsm = newPhaseFSM(s)
	return s
}

// event drives the phase machine. Only the orchestrator's run goroutine (and
// Start, before that goroutine exists) may call it.
func (s *Session) event(name string, args ...any) error {
	return s.fsm.Event(context.Background(), name, args...)
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.id,
		Model:         s.model,
		Phase:         s.phase,
		Progress:      s.progress,
		TargetVersion: s.targetVersion,
		Device:        s.device,
		Err:           s.err,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// requestCancel honors a cancel request only in phases where no device write
// can have happened yet. It reports whether the request was accepted.
func (s *Session) requestCancel() bool {
	s.mu.Lock()
	if !s.phase.Cancellable() {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	s.mu.Unlock()

	// Unblock whatever the run loop is waiting on.
	s.cancel()
	return true
}

func (s *Session) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	metrics.SetPhase(string(p))
}

func (s *Session) setProgress(written, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total > 0 {
		s.progress = float64(written) / float64(total)
	}
}

func (s *Session) setTarget(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetVersion = version
}

func (s *Session) setDevice(dev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = dev
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
