package sim

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// Default bus addresses of the simulated part.
const (
	DefaultAddr           = 0x4A // runtime personality
	DefaultBootloaderAddr = 0x28 // bootloader personality
)

// defaultAdvertisement is the first frame the runtime personality announces
// after boot when the configuration does not override it.
var defaultAdvertisement = []byte{0x00, 0x01, 0x04, 0x00}

// Config tunes the simulated hub. The zero value selects the default
// addresses and advertisement frame.
type Config struct {
	// Addr is the bus address the runtime personality answers on.
	Addr uint16

	// BootloaderAddr is the bus address the bootloader personality
	// answers on.
	BootloaderAddr uint16

	// Advertisement is the frame announced after a runtime boot. Leave
	// nil for a canned default; set to an empty non-nil slice to boot
	// silently.
	Advertisement []byte
}

// Hub is the in-memory sensor hub. It implements hal.Pins and hal.Bus.
type Hub struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond
	jobs []func()
	busy bool // dispatcher is executing a job
	done bool

	// pin and engine state, owned by mu
	resetAsserted bool
	bootAsserted  bool
	wakeHigh      bool
	handler       func()
	armed         bool
	onReadDone    func()
	onWriteDone   func()

	// device model, owned by mu
	booted     bool
	bootloader bool // latched from the boot line at reset release
	frames     [][]byte
	lengthSent bool // length word of frames[0] already served
	inflight   bool
	writes     [][]byte
}

// NewHub starts a hub. Call Close when done with it.
func NewHub(cfg Config) *Hub {
	if cfg.Addr == 0 {
		cfg.Addr = DefaultAddr
	}
	if cfg.BootloaderAddr == 0 {
		cfg.BootloaderAddr = DefaultBootloaderAddr
	}
	if cfg.Advertisement == nil {
		cfg.Advertisement = defaultAdvertisement
	}
	h := &Hub{cfg: cfg, resetAsserted: true}
	h.cond = sync.NewCond(&h.mu)
	go h.dispatch()
	return h
}

// Close stops the dispatcher after draining queued events.
func (h *Hub) Close() {
	h.mu.Lock()
	h.done = true
	h.cond.Broadcast()
	h.mu.Unlock()
	h.Settle()
}

// dispatch delivers all pin events and transfer completions, one at a time.
func (h *Hub) dispatch() {
	h.mu.Lock()
	for {
		for len(h.jobs) == 0 && !h.done {
			h.cond.Wait()
		}
		if len(h.jobs) == 0 {
			h.mu.Unlock()
			return
		}
		job := h.jobs[0]
		h.jobs = h.jobs[1:]
		h.busy = true
		h.mu.Unlock()
		job()
		h.mu.Lock()
		h.busy = false
	}
}

func (h *Hub) enqueue(job func()) {
	h.mu.Lock()
	if !h.done {
		h.jobs = append(h.jobs, job)
		h.cond.Broadcast()
	}
	h.mu.Unlock()
}

// Settle blocks until the dispatcher has delivered every queued event,
// including events those events triggered in turn.
func (h *Hub) Settle() {
	for {
		h.mu.Lock()
		quiet := len(h.jobs) == 0 && !h.busy
		h.mu.Unlock()
		if quiet {
			return
		}
		runtime.Gosched()
	}
}

// Post queues an outbound frame and signals data-ready. The frame is served
// length-then-payload in the runtime personality and as raw bytes in the
// bootloader personality.
func (h *Hub) Post(frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, append([]byte{}, frame...))
	h.mu.Unlock()
	h.signalDataReady()
}

// Writes returns a copy of every write the hub has received since it last
// came out of reset.
func (h *Hub) Writes() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.writes))
	for i, w := range h.writes {
		out[i] = append([]byte{}, w...)
	}
	return out
}

// Bootloader reports which personality the hub latched at its last reset
// release.
func (h *Hub) Bootloader() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bootloader
}

// SetReset implements hal.Pins. Releasing reset boots the hub into the
// personality selected by the boot line; asserting it wipes the device
// model.
func (h *Hub) SetReset(assert bool) {
	h.mu.Lock()
	was := h.resetAsserted
	h.resetAsserted = assert
	if assert && !was {
		h.booted = false
		h.frames = nil
		h.lengthSent = false
		h.inflight = false
		h.writes = nil
	}
	if !assert && was {
		h.booted = true
		h.bootloader = h.bootAsserted
		if !h.bootloader && len(h.cfg.Advertisement) > 0 {
			h.frames = append(h.frames, append([]byte{}, h.cfg.Advertisement...))
		}
	}
	h.mu.Unlock()
	if !assert && was {
		h.signalDataReady()
	}
}

// SetBoot implements hal.Pins.
func (h *Hub) SetBoot(assert bool) {
	h.mu.Lock()
	h.bootAsserted = assert
	h.mu.Unlock()
}

// SetWake implements hal.Pins.
func (h *Hub) SetWake(high bool) {
	h.mu.Lock()
	h.wakeHigh = high
	h.mu.Unlock()
}

// SetPS1 implements hal.Pins. The line is a boot strap only; the simulated
// part always speaks the two-wire protocol.
func (h *Hub) SetPS1(high bool) {}

// SetClockSelect implements hal.Pins.
func (h *Hub) SetClockSelect(high bool) {}

// Watch implements hal.Pins.
func (h *Hub) Watch(handler func()) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Arm implements hal.Bus.
func (h *Hub) Arm(onReadDone, onWriteDone func()) error {
	h.mu.Lock()
	h.armed = true
	h.onReadDone = onReadDone
	h.onWriteDone = onWriteDone
	h.mu.Unlock()
	return nil
}

// Disarm implements hal.Bus.
func (h *Hub) Disarm() {
	h.mu.Lock()
	h.armed = false
	h.onReadDone = nil
	h.onWriteDone = nil
	h.inflight = false
	h.mu.Unlock()
}

// StartRead implements hal.Bus. The transfer completes asynchronously from
// the dispatcher.
func (h *Hub) StartRead(addr uint16, buf []byte) error {
	h.mu.Lock()
	if err := h.acceptLocked(addr); err != nil {
		h.mu.Unlock()
		return err
	}
	h.inflight = true
	h.mu.Unlock()
	h.enqueue(func() { h.serveRead(buf) })
	return nil
}

// StartWrite implements hal.Bus.
func (h *Hub) StartWrite(addr uint16, data []byte) error {
	h.mu.Lock()
	if err := h.acceptLocked(addr); err != nil {
		h.mu.Unlock()
		return err
	}
	h.inflight = true
	h.mu.Unlock()
	d := append([]byte{}, data...)
	h.enqueue(func() { h.serveWrite(d) })
	return nil
}

// acceptLocked decides whether the device answers a transaction at addr.
func (h *Hub) acceptLocked(addr uint16) error {
	if !h.armed {
		return pkg.ErrNotOpen
	}
	if h.inflight {
		return pkg.ErrBusy
	}
	expected := h.cfg.Addr
	if h.bootloader {
		expected = h.cfg.BootloaderAddr
	}
	if !h.booted || addr != expected {
		// Nobody acknowledges the address.
		return pkg.ErrNoDevice
	}
	return nil
}

// serveRead fills buf and fires the read completion. Runtime frames are
// served in two transactions: the length word first, the payload on the
// next read. The data-ready line is raised again whenever more remains.
func (h *Hub) serveRead(buf []byte) {
	h.mu.Lock()
	if len(h.frames) == 0 {
		// Read with nothing queued: the wire returns zeros, which the
		// runtime protocol encodes as an empty frame.
		for i := range buf {
			buf[i] = 0
		}
	} else if h.bootloader {
		copy(buf, h.frames[0])
		h.frames = h.frames[1:]
	} else if !h.lengthSent {
		var word [hal.LengthPrefixSize]byte
		binary.LittleEndian.PutUint16(word[:], uint16(len(h.frames[0])))
		copy(buf, word[:])
		if len(h.frames[0]) == 0 {
			// Empty frame: there is no payload transaction to follow.
			h.frames = h.frames[1:]
		} else {
			h.lengthSent = true
		}
	} else {
		copy(buf, h.frames[0])
		h.frames = h.frames[1:]
		h.lengthSent = false
	}
	h.inflight = false
	done := h.onReadDone
	more := len(h.frames) > 0 || h.lengthSent
	h.mu.Unlock()

	if done != nil {
		done()
	}
	if more {
		h.signalDataReady()
	}
}

// serveWrite records data and fires the write completion.
func (h *Hub) serveWrite(data []byte) {
	h.mu.Lock()
	h.writes = append(h.writes, data)
	h.inflight = false
	done := h.onWriteDone
	h.mu.Unlock()

	if done != nil {
		done()
	}
}

// signalDataReady schedules a data-ready edge. The edge is suppressed if the
// hub has nothing queued or nobody is watching by the time it is delivered.
func (h *Hub) signalDataReady() {
	h.enqueue(func() {
		h.mu.Lock()
		ready := h.booted && (len(h.frames) > 0 || h.lengthSent)
		handler := h.handler
		h.mu.Unlock()
		if ready && handler != nil {
			handler()
		}
	})
}

// Compile-time interface checks
var (
	_ hal.Pins = (*Hub)(nil)
	_ hal.Bus  = (*Hub)(nil)
)
