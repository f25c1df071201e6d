package dfu

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"fleetfw.io/fleetfw/internal/device"
	"fleetfw.io/fleetfw/pkg/options"
)

const (
	failNone = iota
	failReject
	failTimeout
)

// fakeDFU emulates a DFU-mode device behind the Conn interface: it records
// downloaded blocks and answers status polls according to the DFU state
// machine, optionally misbehaving at a scripted block.
type fakeDFU struct {
	mu     sync.Mutex
	state  uint8
	status uint8
	blocks [][]byte

	failAt   int // block index to misbehave at; -1 for never
	failMode int
	stuck    bool

	closed bool
}

func newFakeDFU() *fakeDFU {
	return &fakeDFU{state: stateDFUIdle, failAt: -1}
}

func (f *fakeDFU) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch request {
	case reqDnload:
		if len(data) == 0 {
			f.state = stateManifestSync
			return 0, nil
		}
		if len(f.blocks) == f.failAt {
			switch f.failMode {
			case failReject:
				f.status = statusErrWrite
				f.state = stateError
			case failTimeout:
				f.state = stateDnBusy
				f.stuck = true
			}
			f.blocks = append(f.blocks, bytes.Clone(data))
			return len(data), nil
		}
		f.blocks = append(f.blocks, bytes.Clone(data))
		f.state = stateDnloadSync
		return len(data), nil

	case reqGetStatus:
		if !f.stuck {
			switch f.state {
			case stateDnloadSync, stateDnBusy:
				f.state = stateDnloadIdle
			case stateManifestSync, stateManifest:
				f.state = stateDFUIdle
			}
		}
		data[0] = f.status
		data[1], data[2], data[3] = 0, 0, 0 // bwPollTimeout: poll immediately
		data[4] = f.state
		data[5] = 0
		return statusLen, nil

	case reqClrStatus:
		f.status = statusOK
		f.state = stateDFUIdle
		return 0, nil

	case reqAbort:
		f.state = stateDFUIdle
		return 0, nil
	}

	return 0, nil
}

func (f *fakeDFU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// connBus hands out a fixed Conn for any device.
type connBus struct {
	conn device.Conn
}

func (b *connBus) List(ctx context.Context) ([]device.Device, error) { return nil, nil }

func (b *connBus) Open(ctx context.Context, dev device.Device) (device.Conn, error) {
	return b.conn, nil
}

var dfuDev = device.Device{BusAddr: "001:005", VendorID: 0x3384, ProductID: 0x0002, Mode: device.ModeDFU}

func testDriver(conn device.Conn) *Driver {
	return NewDriver(&connBus{conn: conn}, &options.DFUOptions{
		BlockSize:     4,
		StatusTimeout: 50 * time.Millisecond,
		PollInterval:  time.Millisecond,
	})
}

func TestFlashSuccess(t *testing.T) {
	payload := []byte("ten bytes!")
	conn := newFakeDFU()
	d := testDriver(conn)

	var offsets []int64
	err := d.Flash(context.Background(), dfuDev, bytes.NewReader(payload), int64(len(payload)), func(written, total int64) {
		offsets = append(offsets, written)
		if total != int64(len(payload)) {
			t.Errorf("progress total = %d, want %d", total, len(payload))
		}
	})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}

	// The device received the exact image, split into 4-byte blocks.
	var got []byte
	for _, b := range conn.blocks {
		got = append(got, b...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("device received %q, want %q", got, payload)
	}

	// Progress offsets are monotonically increasing and end at the total.
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			t.Fatalf("progress not monotonic: %v", offsets)
		}
	}
	if len(offsets) == 0 || offsets[len(offsets)-1] != int64(len(payload)) {
		t.Fatalf("progress did not reach total: %v", offsets)
	}

	if !conn.closed {
		t.Fatal("device connection was not closed")
	}
}

func TestFlashBlockTimeoutIsTerminal(t *testing.T) {
	payload := make([]byte, 40) // 10 blocks of 4
	conn := newFakeDFU()
	conn.failAt = 2 // block 3 of 10
	conn.failMode = failTimeout
	d := testDriver(conn)

	err := d.Flash(context.Background(), dfuDev, bytes.NewReader(payload), int64(len(payload)), nil)
	fe, ok := err.(*FlashError)
	if !ok || fe.Kind != Timeout {
		t.Fatalf("got %v, want FlashError{Timeout}", err)
	}
	if fe.Block != 2 {
		t.Fatalf("failed block = %d, want 2", fe.Block)
	}
	if len(conn.blocks) != 3 {
		t.Fatalf("device received %d blocks, want 3 (no retry after timeout)", len(conn.blocks))
	}
}

func TestFlashDeviceRejection(t *testing.T) {
	payload := make([]byte, 16)
	conn := newFakeDFU()
	conn.failAt = 1
	conn.failMode = failReject
	d := testDriver(conn)

	err := d.Flash(context.Background(), dfuDev, bytes.NewReader(payload), int64(len(payload)), nil)
	fe, ok := err.(*FlashError)
	if !ok || fe.Kind != DeviceRejected {
		t.Fatalf("got %v, want FlashError{DeviceRejected}", err)
	}
	if fe.Status != statusErrWrite {
		t.Fatalf("raw status = 0x%02x, want errWRITE", fe.Status)
	}
	if len(conn.blocks) != 2 {
		t.Fatalf("device received %d blocks after rejection, want 2", len(conn.blocks))
	}
}

func TestFlashClearsLatchedErrorState(t *testing.T) {
	conn := newFakeDFU()
	conn.state = stateError
	conn.status = statusErrProg
	d := testDriver(conn)

	if err := d.Flash(context.Background(), dfuDev, bytes.NewReader([]byte{1, 2, 3}), 3, nil); err != nil {
		t.Fatalf("Flash after latched error: %v", err)
	}
}

// gatedConn blocks the first control transfer until released, keeping the
// exclusive claim held while a second flash attempt is injected.
type gatedConn struct {
	*fakeDFU
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedConn) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.fakeDFU.Control(rType, request, val, idx, data)
}

func TestFlashExclusiveClaim(t *testing.T) {
	conn := &gatedConn{
		fakeDFU: newFakeDFU(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := testDriver(conn)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Flash(context.Background(), dfuDev, bytes.NewReader([]byte("abcd")), 4, nil)
	}()

	<-conn.started

	// The claim is held by the in-flight flash; a concurrent one must be
	// rejected as busy without touching the device.
	err := d.Flash(context.Background(), dfuDev, bytes.NewReader([]byte("abcd")), 4, nil)
	if !IsBusy(err) {
		t.Fatalf("concurrent flash: got %v, want busy", err)
	}

	close(conn.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first flash: %v", err)
	}

	// The claim is released once the flash finishes.
	if err := d.Flash(context.Background(), dfuDev, bytes.NewReader([]byte("abcd")), 4, nil); err != nil {
		t.Fatalf("flash after release: %v", err)
	}
}
