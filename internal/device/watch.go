package device

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fleetfw.io/fleetfw/pkg/log"
)

const usbDevRoot = "/dev/bus/usb"

// HotplugWatcher turns filesystem events under /dev/bus/usb into wakeup
// signals for waiters polling the bus. It only accelerates polling; the poll
// interval alone still bounds correctness.
type HotplugWatcher struct {
	fsw    *fsnotify.Watcher
	events chan struct{}
	logger log.Logger
}

// NewHotplugWatcher watches the USB device tree. Missing directories are not
// an error; the watcher simply never fires.
func NewHotplugWatcher() (*HotplugWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &HotplugWatcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		logger: log.WithName("hotplug"),
	}

	// One watch per bus directory; device nodes appear directly inside them.
	if entries, err := os.ReadDir(usbDevRoot); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := fsw.Add(filepath.Join(usbDevRoot, e.Name())); err != nil {
					w.logger.Warn("failed to watch usb bus directory", "dir", e.Name(), err)
				}
			}
		}
	}

	go w.loop()
	return w, nil
}

func (w *HotplugWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			// Coalesce; a full channel means a wakeup is already pending.
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("hotplug watch error", err)
		}
	}
}

// Events signals whenever a device node appears or disappears.
func (w *HotplugWatcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher.
func (w *HotplugWatcher) Close() error {
	return w.fsw.Close()
}
