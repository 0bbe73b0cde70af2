// Package i2cdev drives the bus engine over a Linux i2c-dev character
// device.
//
// Each transfer runs on its own goroutine because the kernel interface is
// synchronous; the single-outstanding-transfer rule of hal.Bus guarantees
// the completion handlers still fire one at a time. The package provides no
// hal.Pins implementation: reset and boot straps are wired externally on
// typical i2c-dev setups, and the data-ready line needs a GPIO watcher.
package i2cdev

import (
	"fmt"
	"sync"

	"golang.org/x/exp/io/i2c"
	"golang.org/x/exp/io/i2c/driver"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// Bus is a hal.Bus backed by an i2c-dev device node. Peripheral handles are
// opened lazily per address and live until Disarm.
type Bus struct {
	opener driver.Opener

	mu          sync.Mutex
	armed       bool
	onReadDone  func()
	onWriteDone func()
	inflight    bool
	devices     map[uint16]*i2c.Device
}

// New returns a Bus over the device node at path, such as "/dev/i2c-1".
func New(path string) *Bus {
	return NewWithOpener(&i2c.Devfs{Dev: path})
}

// NewWithOpener returns a Bus over any i2c driver implementation. Tests use
// this to substitute an in-memory connection.
func NewWithOpener(opener driver.Opener) *Bus {
	return &Bus{opener: opener}
}

// Arm implements hal.Bus.
func (b *Bus) Arm(onReadDone, onWriteDone func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = true
	b.onReadDone = onReadDone
	b.onWriteDone = onWriteDone
	if b.devices == nil {
		b.devices = make(map[uint16]*i2c.Device)
	}
	return nil
}

// Disarm implements hal.Bus. Open peripheral handles are closed; a transfer
// already handed to the kernel runs to completion but its completion is not
// delivered.
func (b *Bus) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = false
	b.onReadDone = nil
	b.onWriteDone = nil
	for addr, dev := range b.devices {
		if err := dev.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "close device", "addr", addr, "error", err)
		}
		delete(b.devices, addr)
	}
}

// deviceLocked returns the cached handle for addr, opening it on first use.
func (b *Bus) deviceLocked(addr uint16) (*i2c.Device, error) {
	if dev, ok := b.devices[addr]; ok {
		return dev, nil
	}
	dev, err := i2c.Open(b.opener, int(addr))
	if err != nil {
		return nil, fmt.Errorf("open device at %#02x: %w", addr, err)
	}
	b.devices[addr] = dev
	return dev, nil
}

// StartRead implements hal.Bus.
func (b *Bus) StartRead(addr uint16, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return pkg.ErrNotOpen
	}
	if b.inflight {
		return pkg.ErrBusy
	}
	dev, err := b.deviceLocked(addr)
	if err != nil {
		return err
	}
	b.inflight = true
	go b.transfer(func() error { return dev.Read(buf) }, true)
	return nil
}

// StartWrite implements hal.Bus.
func (b *Bus) StartWrite(addr uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return pkg.ErrNotOpen
	}
	if b.inflight {
		return pkg.ErrBusy
	}
	dev, err := b.deviceLocked(addr)
	if err != nil {
		return err
	}
	b.inflight = true
	go b.transfer(func() error { return dev.Write(data) }, false)
	return nil
}

// transfer runs one kernel transaction and delivers its completion. A
// failed transfer delivers no completion; the state machine recovers it on
// the peripheral's next data-ready edge.
func (b *Bus) transfer(op func() error, read bool) {
	err := op()

	b.mu.Lock()
	b.inflight = false
	done := b.onReadDone
	if !read {
		done = b.onWriteDone
	}
	b.mu.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "transfer failed", "read", read, "error", err)
		return
	}
	if done != nil {
		done()
	}
}

// Compile-time interface check
var _ hal.Bus = (*Bus)(nil)
