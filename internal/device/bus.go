package device

import "context"

// Bus queries and opens USB devices. The real implementation wraps libusb;
// tests substitute fakes.
type Bus interface {
	// List returns a snapshot of currently attached devices. It blocks only
	// for the duration of the bus query.
	List(ctx context.Context) ([]Device, error)

	// Open claims a device for control traffic. The returned Conn must be
	// closed on every exit path.
	Open(ctx context.Context, dev Device) (Conn, error)
}

// Conn is an open control channel to one device. *gousb.Device satisfies it.
type Conn interface {
	// Control performs a USB control transfer and returns the number of
	// bytes moved.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	Close() error
}
