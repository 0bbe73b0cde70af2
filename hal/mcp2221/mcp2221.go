// Package mcp2221 drives the bus engine and control pins through a
// Microchip MCP2221A USB-to-I2C bridge.
//
// The bridge is a USB HID device speaking 64-byte command reports. A single
// worker goroutine owns the HID handle: it executes queued transfers and
// pin writes in order, and between jobs it polls the data-ready line wired
// to GP2 for falling edges. That one goroutine delivers every pin event and
// transfer completion, satisfying the serialized handler contract of the
// hal package.
//
// Pin budget: the part has four GPIOs. GP0 drives reset, GP1 drives the
// boot strap and GP3 drives the wake line, all active low on the hub side.
// GP2 is the data-ready input. The protocol-select and clock-select straps
// have no GPIO left and must be strapped on the board; their setters are
// no-ops.
package mcp2221

import (
	"fmt"
	"sync"

	"github.com/karalabe/hid"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// USB identity of the MCP2221A.
const (
	VendorID  = 0x04D8
	ProductID = 0x00DD
)

// HID command bytes.
const (
	cmdStatusSetParams = 0x10
	cmdI2CReadGetData  = 0x40
	cmdGPIOSet         = 0x50
	cmdGPIOGet         = 0x51
	cmdI2CWrite        = 0x90
	cmdI2CRead         = 0x91
)

const (
	reportSize = 64
	chunkSize  = 60 // I2C payload bytes per HID report

	// 12 MHz internal clock; divider = clk/speed - 3 per the datasheet.
	busClockHz = 12_000_000
	busSpeedHz = 400_000

	pollMicros    = 1000 // data-ready poll period between jobs
	retryMicros   = 1000 // engine-busy retry backoff
	engineRetries = 50
)

// GPIO assignment on the bridge.
const (
	pinReset     = 0 // GP0, output, hub reset (active low)
	pinBoot      = 1 // GP1, output, boot strap (active low)
	pinDataReady = 2 // GP2, input, hub data-ready (active low)
	pinWake      = 3 // GP3, output, wake line
)

// usbDevice is the slice of the HID handle the bridge uses. *hid.Device
// implements it; tests substitute an in-memory fake.
type usbDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Bridge implements hal.Pins and hal.Bus over one MCP2221A.
type Bridge struct {
	clock hal.Clock
	dev   usbDevice

	jobs chan func()
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	handler     func()
	armed       bool
	onReadDone  func()
	onWriteDone func()
	inflight    bool
	lineLow     bool // last sampled level of the data-ready line
}

// Open enumerates the first MCP2221A on the USB bus and returns a running
// Bridge. clock paces the data-ready polling.
func Open(clock hal.Clock) (*Bridge, error) {
	infos := hid.Enumerate(VendorID, ProductID)
	if len(infos) == 0 {
		return nil, fmt.Errorf("no bridge on the bus: %w", pkg.ErrNoDevice)
	}
	dev, err := infos[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open bridge: %w", err)
	}
	return NewWithDevice(dev, clock), nil
}

// NewWithDevice returns a running Bridge over an already opened HID handle.
func NewWithDevice(dev usbDevice, clock hal.Clock) *Bridge {
	b := &Bridge{
		clock: clock,
		dev:   dev,
		jobs:  make(chan func(), 16),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Close stops the worker and releases the HID handle.
func (b *Bridge) Close() error {
	close(b.done)
	b.wg.Wait()
	return b.dev.Close()
}

// run is the worker loop. Jobs execute in submission order; idle time goes
// to polling the data-ready line.
func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case job := <-b.jobs:
			job()
		default:
			select {
			case <-b.done:
				return
			case job := <-b.jobs:
				job()
			default:
				b.pollDataReady()
				b.clock.Sleep(pollMicros)
			}
		}
	}
}

// submit queues work for the worker goroutine.
func (b *Bridge) submit(job func()) {
	select {
	case b.jobs <- job:
	case <-b.done:
	}
}

// xfer sends one 64-byte command report and returns the response. It runs
// on the worker goroutine only.
func (b *Bridge) xfer(cmd ...byte) ([]byte, error) {
	out := make([]byte, reportSize)
	copy(out, cmd)
	if _, err := b.dev.Write(out); err != nil {
		return nil, fmt.Errorf("bridge write: %w", err)
	}
	in := make([]byte, reportSize)
	if _, err := b.dev.Read(in); err != nil {
		return nil, fmt.Errorf("bridge read: %w", err)
	}
	if in[0] != out[0] {
		return in, fmt.Errorf("response %#02x to command %#02x: %w", in[0], out[0], pkg.ErrProtocol)
	}
	return in, nil
}

// pollDataReady samples GP2 and fires the watcher on a falling edge.
func (b *Bridge) pollDataReady() {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}

	rsp, err := b.xfer(cmdGPIOGet)
	if err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "data-ready poll failed", "error", err)
		return
	}
	low := rsp[2+2*pinDataReady] == 0

	b.mu.Lock()
	edge := low && !b.lineLow
	b.lineLow = low
	b.mu.Unlock()

	if edge {
		handler()
	}
}

// setGPIO drives one output pin. It runs on the worker goroutine only.
func (b *Bridge) setGPIO(pin int, high bool) {
	cmd := make([]byte, 2+4*(pin+1))
	cmd[0] = cmdGPIOSet
	i := 2 + 4*pin
	cmd[i] = 0xFF // alter output value
	if high {
		cmd[i+1] = 1
	}
	cmd[i+2] = 0xFF // alter direction
	cmd[i+3] = 0    // output
	if rsp, err := b.xfer(cmd...); err != nil || rsp[1] != 0 {
		pkg.LogWarn(pkg.ComponentBridge, "gpio set failed", "pin", pin, "error", err)
	}
}

// SetReset implements hal.Pins. The reset line is active low.
func (b *Bridge) SetReset(assert bool) {
	b.submit(func() { b.setGPIO(pinReset, !assert) })
}

// SetBoot implements hal.Pins. The boot strap is active low.
func (b *Bridge) SetBoot(assert bool) {
	b.submit(func() { b.setGPIO(pinBoot, !assert) })
}

// SetWake implements hal.Pins.
func (b *Bridge) SetWake(high bool) {
	b.submit(func() { b.setGPIO(pinWake, high) })
}

// SetPS1 implements hal.Pins. Strapped on the board; no GPIO is left for it.
func (b *Bridge) SetPS1(high bool) {}

// SetClockSelect implements hal.Pins. Strapped on the board.
func (b *Bridge) SetClockSelect(high bool) {}

// Watch implements hal.Pins.
func (b *Bridge) Watch(handler func()) {
	b.mu.Lock()
	b.handler = handler
	b.lineLow = false
	b.mu.Unlock()
}

// Arm implements hal.Bus. It also programs the bridge's bus speed and
// cancels any transfer a previous session left behind.
func (b *Bridge) Arm(onReadDone, onWriteDone func()) error {
	b.mu.Lock()
	b.armed = true
	b.onReadDone = onReadDone
	b.onWriteDone = onWriteDone
	b.mu.Unlock()

	b.submit(func() {
		// [2]=0x10 cancels the current transfer, [3]=0x20 arms the
		// divider in [4].
		rsp, err := b.xfer(cmdStatusSetParams, 0, 0x10, 0x20, busClockHz/busSpeedHz-3)
		if err != nil || rsp[1] != 0 {
			pkg.LogWarn(pkg.ComponentBridge, "engine setup failed", "error", err)
		}
	})
	return nil
}

// Disarm implements hal.Bus.
func (b *Bridge) Disarm() {
	b.mu.Lock()
	b.armed = false
	b.onReadDone = nil
	b.onWriteDone = nil
	b.inflight = false
	b.mu.Unlock()

	b.submit(func() {
		if _, err := b.xfer(cmdStatusSetParams, 0, 0x10); err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "transfer cancel failed", "error", err)
		}
	})
}

// StartRead implements hal.Bus.
func (b *Bridge) StartRead(addr uint16, buf []byte) error {
	if err := b.begin(); err != nil {
		return err
	}
	b.submit(func() { b.doRead(addr, buf) })
	return nil
}

// StartWrite implements hal.Bus.
func (b *Bridge) StartWrite(addr uint16, data []byte) error {
	if err := b.begin(); err != nil {
		return err
	}
	b.submit(func() { b.doWrite(addr, data) })
	return nil
}

// begin reserves the engine for one transfer.
func (b *Bridge) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return pkg.ErrNotOpen
	}
	if b.inflight {
		return pkg.ErrBusy
	}
	b.inflight = true
	return nil
}

// finish releases the engine and delivers the completion for a successful
// transfer. A failed transfer delivers no completion; the state machine
// recovers it on the hub's next data-ready edge.
func (b *Bridge) finish(read, ok bool) {
	b.mu.Lock()
	b.inflight = false
	done := b.onReadDone
	if !read {
		done = b.onWriteDone
	}
	b.mu.Unlock()

	if ok && done != nil {
		done()
	}
}

// doRead runs one read transaction: request the transfer, then drain the
// bridge's buffer in up-to-60-byte chunks. Worker goroutine only.
func (b *Bridge) doRead(addr uint16, buf []byte) {
	n := len(buf)
	rsp, err := b.xfer(cmdI2CRead, byte(n), byte(n>>8), byte(addr<<1)|1)
	if err != nil || rsp[1] != 0 {
		pkg.LogWarn(pkg.ComponentBridge, "read start refused", "addr", addr, "error", err)
		b.cancelEngine()
		b.finish(true, false)
		return
	}

	got := 0
	for attempt := 0; got < n; attempt++ {
		if attempt >= engineRetries {
			pkg.LogWarn(pkg.ComponentBridge, "read stalled", "addr", addr, "got", got, "want", n)
			b.cancelEngine()
			b.finish(true, false)
			return
		}
		rsp, err := b.xfer(cmdI2CReadGetData)
		if err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "read data fetch failed", "error", err)
			b.cancelEngine()
			b.finish(true, false)
			return
		}
		if rsp[1] != 0 || rsp[3] == 127 {
			// Engine still clocking the wire.
			b.clock.Sleep(retryMicros)
			continue
		}
		chunk := int(rsp[3])
		if chunk > n-got {
			chunk = n - got
		}
		copy(buf[got:], rsp[4:4+chunk])
		got += chunk
	}
	b.finish(true, true)
}

// doWrite runs one write transaction in up-to-60-byte chunks. Worker
// goroutine only.
func (b *Bridge) doWrite(addr uint16, data []byte) {
	total := len(data)
	for sent := 0; sent < total; {
		chunk := total - sent
		if chunk > chunkSize {
			chunk = chunkSize
		}
		cmd := make([]byte, 4+chunk)
		cmd[0] = cmdI2CWrite
		cmd[1] = byte(total)
		cmd[2] = byte(total >> 8)
		cmd[3] = byte(addr << 1)
		copy(cmd[4:], data[sent:sent+chunk])

		sentChunk := false
		for attempt := 0; attempt < engineRetries; attempt++ {
			rsp, err := b.xfer(cmd...)
			if err != nil {
				pkg.LogWarn(pkg.ComponentBridge, "write failed", "addr", addr, "error", err)
				b.cancelEngine()
				b.finish(false, false)
				return
			}
			if rsp[1] == 0 {
				sentChunk = true
				break
			}
			// Engine busy with the previous chunk.
			b.clock.Sleep(retryMicros)
		}
		if !sentChunk {
			pkg.LogWarn(pkg.ComponentBridge, "write stalled", "addr", addr, "sent", sent, "want", total)
			b.cancelEngine()
			b.finish(false, false)
			return
		}
		sent += chunk
	}
	b.finish(false, true)
}

// cancelEngine aborts whatever the bus engine is doing so the next transfer
// starts clean. Worker goroutine only.
func (b *Bridge) cancelEngine() {
	if _, err := b.xfer(cmdStatusSetParams, 0, 0x10); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "engine cancel failed", "error", err)
	}
}

// Compile-time interface checks
var (
	_ hal.Pins  = (*Bridge)(nil)
	_ hal.Bus   = (*Bridge)(nil)
	_ usbDevice = (*hid.Device)(nil)
)
