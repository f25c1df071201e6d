package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/internal/dfu"
	"fleetfw.io/fleetfw/internal/store"
	"fleetfw.io/fleetfw/pkg/options"
)

var (
	normalDev = device.Device{BusAddr: "001:004", VendorID: 0x3384, ProductID: 0x0001, Version: "1.2", Mode: device.ModeNormal}
	dfuDev    = device.Device{BusAddr: "001:005", VendorID: 0x3384, ProductID: 0x0002, Mode: device.ModeDFU}
)

func manifest13() *store.Manifest {
	return &store.Manifest{
		Model:   "halcyon2",
		Version: "1.3",
		Images: []store.ImageRef{{
			Device:  "3384:0001",
			Version: "1.3",
			Digest:  strings.Repeat("ab", 32),
			URL:     "https://fw.example.com/halcyon2-1.3.bin",
			Size:    8,
		}},
	}
}

// fakeStore satisfies ChangesetStore with scripted verify outcomes and an
// optional gate that holds Fetch open until released.
type fakeStore struct {
	mu sync.Mutex

	manifest *store.Manifest
	payload  []byte

	verifyErrs []error // consumed one per Verify call; nil entry means success

	fetchStarted chan struct{} // closed on first Fetch when non-nil
	fetchRelease chan struct{} // first Fetch blocks on this when non-nil

	fetchCalls  int
	verifyCalls int
	invalidated int
}

func (f *fakeStore) Supported(model string) bool { return model == f.manifest.Model }

func (f *fakeStore) Check(ctx context.Context, model string) (*store.Manifest, error) {
	return f.manifest, nil
}

func (f *fakeStore) Fetch(ctx context.Context, m *store.Manifest) (*store.Changeset, error) {
	f.mu.Lock()
	f.fetchCalls++
	first := f.fetchCalls == 1
	f.mu.Unlock()

	if first && f.fetchStarted != nil {
		close(f.fetchStarted)
		select {
		case <-f.fetchRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cs := &store.Changeset{Manifest: *m}
	for _, ref := range m.Images {
		cs.Images = append(cs.Images, store.FirmwareImage{Ref: ref, Path: "/nonexistent/" + ref.Digest})
	}
	return cs, nil
}

func (f *fakeStore) Verify(cs *store.Changeset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if len(f.verifyErrs) > 0 {
		err := f.verifyErrs[0]
		f.verifyErrs = f.verifyErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStore) Invalidate(cs *store.Changeset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeStore) Open(img store.FirmwareImage) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(f.payload)), int64(len(f.payload)), nil
}

func (f *fakeStore) calls() (fetch, verify, invalidated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.verifyCalls, f.invalidated
}

// fakeEnum satisfies Enumerator. The confirmed version is what the device
// reports after re-enumerating post-flash.
type fakeEnum struct {
	mu sync.Mutex

	current          device.Device
	confirmedVersion string

	dfuErrs []error // consumed one per AwaitDFU call; nil entry means success

	enterDFUCalls int
}

func (f *fakeEnum) List(ctx context.Context) ([]device.Device, error) {
	return []device.Device{f.current}, nil
}

func (f *fakeEnum) Find(ctx context.Context) (device.Device, error) {
	return f.current, nil
}

func (f *fakeEnum) EnterDFU(ctx context.Context, dev device.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterDFUCalls++
	return nil
}

func (f *fakeEnum) AwaitDFU(ctx context.Context, timeout time.Duration) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dfuErrs) > 0 {
		err := f.dfuErrs[0]
		f.dfuErrs = f.dfuErrs[1:]
		if err != nil {
			return device.Device{}, err
		}
	}
	return dfuDev, nil
}

func (f *fakeEnum) AwaitNormal(ctx context.Context, timeout time.Duration) (device.Device, error) {
	dev := f.current
	dev.Version = f.confirmedVersion
	return dev, nil
}

// fakeFlasher records what it was asked to write and can hold the flash open
// until released.
type fakeFlasher struct {
	mu sync.Mutex

	err     error
	started chan struct{}
	release chan struct{}

	got []byte
}

func (f *fakeFlasher) Flash(ctx context.Context, dev device.Device, r io.Reader, size int64, progress dfu.ProgressFunc) error {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	data, _ := io.ReadAll(r)
	f.mu.Lock()
	f.got = data
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if progress != nil {
		progress(size, size)
	}
	return nil
}

func (f *fakeFlasher) received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func testOrchestrator(fs *fakeStore, fe *fakeEnum, ff *fakeFlasher) *Orchestrator {
	opts := options.NewDFUOptions()
	opts.WaitTimeout = 50 * time.Millisecond
	opts.ConfirmTimeout = 50 * time.Millisecond
	return New(fs, fe, ff, opts)
}

// awaitTerminal polls Status until the session reaches a terminal phase.
// Observing the terminal phase also discards the session.
func awaitTerminal(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if snap.Phase.Terminal() {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal phase", id)
	return Snapshot{}
}

func TestUpdateUpToDateIsNoOp(t *testing.T) {
	fs := &fakeStore{manifest: manifest13()}
	fe := &fakeEnum{current: normalDev}
	fe.current.Version = "1.3" // already current
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseDone {
		t.Fatalf("phase = %s, want Done", snap.Phase)
	}
	if fetch, _, _ := fs.calls(); fetch != 0 {
		t.Fatalf("up-to-date session fetched %d times, want 0", fetch)
	}
	if len(ff.received()) != 0 {
		t.Fatal("up-to-date session flashed the device")
	}
}

func TestUpdateFullSuccess(t *testing.T) {
	payload := []byte("firmware")
	fs := &fakeStore{manifest: manifest13(), payload: payload}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseDone {
		t.Fatalf("phase = %s, want Done (err: %v)", snap.Phase, snap.Err)
	}
	if snap.TargetVersion != "1.3" {
		t.Fatalf("target version = %q, want 1.3", snap.TargetVersion)
	}
	if snap.Progress != 1 {
		t.Fatalf("progress = %v, want 1", snap.Progress)
	}
	if !bytes.Equal(ff.received(), payload) {
		t.Fatalf("flasher received %q, want %q", ff.received(), payload)
	}

	// The terminal observation above discarded the session.
	if _, err := o.Status(id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Status after terminal observation: %v, want ErrNoSession", err)
	}
}

func TestUpdateConfirmationMismatchFails(t *testing.T) {
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware")}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.2"} // flash did not stick
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want Failed", snap.Phase)
	}
	if snap.Err == nil || !strings.Contains(snap.Err.Error(), "confirmation mismatch") {
		t.Fatalf("err = %v, want confirmation mismatch", snap.Err)
	}
}

func TestUpdateFlashFailureThenFreshSession(t *testing.T) {
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware")}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{err: &dfu.FlashError{Kind: dfu.Timeout, Device: dfuDev.String(), Block: 2}}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want Failed", snap.Phase)
	}
	if dfu.KindOf(snap.Err) != dfu.Timeout {
		t.Fatalf("err = %v, want flash timeout", snap.Err)
	}

	// A new request starts over from checking; the failed session holds
	// nothing back.
	ff.err = nil
	id2, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if id2 == id {
		t.Fatalf("second session reused id %s", id)
	}
	if snap := awaitTerminal(t, o, id2); snap.Phase != PhaseDone {
		t.Fatalf("second session phase = %s, want Done (err: %v)", snap.Phase, snap.Err)
	}
}

func TestUpdateDoubleDigestMismatchFails(t *testing.T) {
	mismatch := &store.VerifyError{
		URL:      "https://fw.example.com/halcyon2-1.3.bin",
		Declared: strings.Repeat("ab", 32),
		Computed: strings.Repeat("cd", 32),
	}
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware"), verifyErrs: []error{mismatch, mismatch}}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want Failed", snap.Phase)
	}
	if !errors.Is(snap.Err, store.ErrDigestMismatch) {
		t.Fatalf("err = %v, want digest mismatch", snap.Err)
	}

	fetch, verify, invalidated := fs.calls()
	if fetch != 2 {
		t.Fatalf("fetch calls = %d, want exactly 2 (one re-fetch)", fetch)
	}
	if verify != 2 {
		t.Fatalf("verify calls = %d, want 2", verify)
	}
	if invalidated != 1 {
		t.Fatalf("invalidate calls = %d, want 1", invalidated)
	}
	if len(ff.received()) != 0 {
		t.Fatal("unverified payload reached the flasher")
	}
}

func TestCancelDuringDownloadingIsHonored(t *testing.T) {
	fs := &fakeStore{
		manifest:     manifest13(),
		payload:      []byte("firmware"),
		fetchStarted: make(chan struct{}),
		fetchRelease: make(chan struct{}),
	}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-fs.fetchStarted
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel during download: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseCancelled {
		t.Fatalf("phase = %s, want Cancelled", snap.Phase)
	}
	if _, verify, _ := fs.calls(); verify != 0 {
		t.Fatalf("cancelled session verified %d times, want 0", verify)
	}
	if len(ff.received()) != 0 {
		t.Fatal("cancelled session flashed the device")
	}
}

func TestCancelDuringFlashingIsRefused(t *testing.T) {
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware")}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{started: make(chan struct{}), release: make(chan struct{})}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-ff.started
	if err := o.Cancel(id); !errors.Is(err, ErrCancelRefused) {
		t.Fatalf("Cancel during flash: %v, want ErrCancelRefused", err)
	}
	close(ff.release)

	// The refused cancel leaves the session untouched; it runs to completion.
	if snap := awaitTerminal(t, o, id); snap.Phase != PhaseDone {
		t.Fatalf("phase = %s, want Done (err: %v)", snap.Phase, snap.Err)
	}
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	fs := &fakeStore{
		manifest:     manifest13(),
		payload:      []byte("firmware"),
		fetchStarted: make(chan struct{}),
		fetchRelease: make(chan struct{}),
	}
	fe := &fakeEnum{current: normalDev, confirmedVersion: "1.3"}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-fs.fetchStarted
	if _, err := o.Start(context.Background(), "halcyon2"); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("concurrent Start: %v, want ErrAlreadyInProgress", err)
	}

	close(fs.fetchRelease)
	awaitTerminal(t, o, id)
}

func TestStartRejectsUnsupportedModel(t *testing.T) {
	fs := &fakeStore{manifest: manifest13()}
	o := testOrchestrator(fs, &fakeEnum{current: normalDev}, &fakeFlasher{})

	if _, err := o.Start(context.Background(), "thinkpad"); !errors.Is(err, store.ErrUnsupportedModel) {
		t.Fatalf("Start(unsupported): %v, want ErrUnsupportedModel", err)
	}
}

func TestModeSwitchRetriedOnceOnDFUTimeout(t *testing.T) {
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware")}
	fe := &fakeEnum{
		current:          normalDev,
		confirmedVersion: "1.3",
		dfuErrs:          []error{device.ErrDFUTimeout, nil}, // first wait times out
	}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseDone {
		t.Fatalf("phase = %s, want Done (err: %v)", snap.Phase, snap.Err)
	}
	fe.mu.Lock()
	calls := fe.enterDFUCalls
	fe.mu.Unlock()
	if calls != 2 {
		t.Fatalf("mode switch issued %d times, want 2", calls)
	}
}

func TestModeSwitchRetryBudgetExhausted(t *testing.T) {
	fs := &fakeStore{manifest: manifest13(), payload: []byte("firmware")}
	fe := &fakeEnum{
		current: normalDev,
		dfuErrs: []error{device.ErrDFUTimeout, device.ErrDFUTimeout},
	}
	ff := &fakeFlasher{}
	o := testOrchestrator(fs, fe, ff)

	id, err := o.Start(context.Background(), "halcyon2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := awaitTerminal(t, o, id)
	if snap.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want Failed", snap.Phase)
	}
	if !errors.Is(snap.Err, device.ErrDFUTimeout) {
		t.Fatalf("err = %v, want ErrDFUTimeout", snap.Err)
	}
	if len(ff.received()) != 0 {
		t.Fatal("device was flashed despite never entering DFU mode")
	}
}
