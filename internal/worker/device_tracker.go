package worker

import (
	"errors"
	"sync"
)

// ErrDeviceBusy is returned when a device is out of range or already bound.
var ErrDeviceBusy = errors.New("device already bound to another worker")

// DeviceTracker guarantees that each device is bound to at most one worker.
type DeviceTracker struct {
	mu    sync.Mutex
	bound []bool
	held  int
}

// NewDeviceTracker creates a tracker for devices 0..n-1.
func NewDeviceTracker(n int) *DeviceTracker {
	return &DeviceTracker{bound: make([]bool, max(n, 0))}
}

// Bind claims device for the caller.
func (t *DeviceTracker) Bind(device int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if device < 0 || device >= len(t.bound) || t.bound[device] {
		return ErrDeviceBusy
	}
	t.bound[device] = true
	t.held++
	return nil
}

// Release frees device. Releasing an unbound or unknown device is a no-op.
func (t *DeviceTracker) Release(device int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if device < 0 || device >= len(t.bound) || !t.bound[device] {
		return
	}
	t.bound[device] = false
	t.held--
}

// Held returns how many devices are currently bound.
func (t *DeviceTracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
