package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetfw.io/fleetfw/pkg/options"
)

// fakeBus serves scripted enumeration snapshots; the last snapshot repeats.
type fakeBus struct {
	mu        sync.Mutex
	snapshots [][]Device
	listCalls int

	conn    *fakeConn
	openErr error
}

func (b *fakeBus) List(ctx context.Context) ([]Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if len(b.snapshots) == 0 {
		return nil, nil
	}
	snap := b.snapshots[0]
	if len(b.snapshots) > 1 {
		b.snapshots = b.snapshots[1:]
	}
	return snap, nil
}

func (b *fakeBus) Open(ctx context.Context, dev Device) (Conn, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	if b.conn == nil {
		b.conn = &fakeConn{}
	}
	return b.conn, nil
}

type fakeConn struct {
	requests []uint8
	closed   bool
}

func (c *fakeConn) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	c.requests = append(c.requests, request)
	return len(data), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

var (
	normalDev = Device{BusAddr: "001:004", VendorID: 0x3384, ProductID: 0x0001, Version: "1.2", Mode: ModeNormal}
	dfuDev    = Device{BusAddr: "001:005", VendorID: 0x3384, ProductID: 0x0002, Mode: ModeDFU}
	strangers = Device{BusAddr: "001:009", VendorID: 0x1d6b, ProductID: 0x0003, Mode: ModeNormal}
)

func newTestEnumerator(t *testing.T, bus Bus) *Enumerator {
	t.Helper()
	e, err := NewEnumerator(bus, options.NewDeviceOptions(), &options.DFUOptions{PollInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestListFiltersBySignature(t *testing.T) {
	bus := &fakeBus{snapshots: [][]Device{{strangers, normalDev, dfuDev}}}
	e := newTestEnumerator(t, bus)

	devs, err := e.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2 (stranger filtered out): %v", len(devs), devs)
	}
}

func TestAwaitDFUSeesLateArrival(t *testing.T) {
	bus := &fakeBus{snapshots: [][]Device{
		{normalDev}, // still rebooting
		{},          // dropped off the bus
		{dfuDev},    // back in DFU mode
	}}
	e := newTestEnumerator(t, bus)

	dev, err := e.AwaitDFU(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AwaitDFU: %v", err)
	}
	if dev.Mode != ModeDFU {
		t.Fatalf("got %v, want DFU mode device", dev)
	}
	if bus.listCalls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", bus.listCalls)
	}
}

func TestAwaitDFUTimesOut(t *testing.T) {
	bus := &fakeBus{snapshots: [][]Device{{normalDev}}}
	e := newTestEnumerator(t, bus)

	_, err := e.AwaitDFU(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrDFUTimeout) {
		t.Fatalf("got %v, want ErrDFUTimeout", err)
	}
}

func TestAwaitNormalReportsReappearance(t *testing.T) {
	updated := normalDev
	updated.Version = "1.3"
	bus := &fakeBus{snapshots: [][]Device{
		{dfuDev},
		{updated},
	}}
	e := newTestEnumerator(t, bus)

	dev, err := e.AwaitNormal(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Version != "1.3" {
		t.Fatalf("got version %q, want 1.3", dev.Version)
	}
}

func TestEnterDFUSendsModeSwitch(t *testing.T) {
	bus := &fakeBus{snapshots: [][]Device{{normalDev}}}
	e := newTestEnumerator(t, bus)

	if err := e.EnterDFU(context.Background(), normalDev); err != nil {
		t.Fatal(err)
	}
	if len(bus.conn.requests) != 1 || bus.conn.requests[0] != modeSwitchRequest {
		t.Fatalf("got requests %v, want one mode switch", bus.conn.requests)
	}
	if !bus.conn.closed {
		t.Fatal("control connection was not closed")
	}
}

func TestEnterDFUIsNoopInDFUMode(t *testing.T) {
	bus := &fakeBus{}
	e := newTestEnumerator(t, bus)

	if err := e.EnterDFU(context.Background(), dfuDev); err != nil {
		t.Fatal(err)
	}
	if bus.conn != nil {
		t.Fatal("no control traffic expected for a device already in DFU mode")
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		raw     string
		want    Signature
		wantErr bool
	}{
		{"3384:0001", Signature{0x3384, 0x0001}, false},
		{"1D6B:0002", Signature{0x1d6b, 0x0002}, false},
		{"nonsense", Signature{}, true},
		{"", Signature{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSignature(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
