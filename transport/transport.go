package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// busState is the single authoritative state of the shared bus. Exactly one
// transfer is outstanding whenever the state is a Reading* or Writing*
// state; none is outstanding in stateUninit, stateIdle or stateLengthKnown.
type busState uint8

// Bus states.
const (
	stateUninit         busState = iota // Not open; events are ignored
	stateIdle                           // Open, no transfer outstanding
	stateReadingLength                  // Length word read in flight
	stateLengthKnown                    // Length decoded, payload read not started
	stateReadingPayload                 // Payload read in flight
	stateWriting                        // Runtime-protocol write in flight
	stateReadingFixed                   // Caller-sized bootloader read in flight
	stateWritingFixed                   // Bootloader write in flight
)

// String returns a human-readable state name.
func (s busState) String() string {
	switch s {
	case stateUninit:
		return "uninit"
	case stateIdle:
		return "idle"
	case stateReadingLength:
		return "reading-length"
	case stateLengthKnown:
		return "length-known"
	case stateReadingPayload:
		return "reading-payload"
	case stateWriting:
		return "writing"
	case stateReadingFixed:
		return "reading-fixed"
	case stateWritingFixed:
		return "writing-fixed"
	default:
		return "unknown"
	}
}

// startupPollMicros is the busy-wait quantum used while waiting for the
// first data-ready edge after reset release.
const startupPollMicros = 100

// HAL is the client-facing contract of a transport instance, the boundary
// the protocol layer above drives. No method blocks except Open's bounded
// startup wait.
type HAL interface {
	// Open brings up the hardware, runs the personality's boot sequence
	// and arms event delivery. Opening while any instance sharing the
	// hardware is open fails with pkg.ErrAlreadyOpen.
	Open() error

	// Close tears the instance down. It is idempotent.
	Close()

	// Read copies out the buffered inbound frame, if any. It returns the
	// frame length and the microsecond timestamp of the data-ready edge
	// that announced it, or 0 when nothing is ready. If the buffer is
	// smaller than the frame, the frame is dropped and Read fails with
	// pkg.ErrBufferTooSmall; a frame is never truncated. Read never
	// blocks.
	Read(p []byte) (int, uint32, error)

	// Write queues p for transmission. It returns len(p) on success and
	// 0 with a nil error when the bus is busy; the caller retries later.
	// Write never blocks.
	Write(p []byte) (int, error)

	// TimeMicros returns the free-running, wrapping microsecond counter.
	TimeMicros() uint32
}

// Profile binds the shared state machine to one personality: peripheral
// addressing, read-size policy and boot sequencing.
type Profile struct {
	// Name tags log records from this instance.
	Name string

	// Addr is the peripheral's 7-bit bus address.
	Addr uint16

	// LengthPrefixed selects two-phase length-then-payload reads. When
	// false, each read is a single transfer sized by the client's read
	// call.
	LengthPrefixed bool

	// Bootloader selects the bootloader boot path on reset release.
	Bootloader bool

	// ResetDelayMicros is how long reset is held asserted.
	ResetDelayMicros uint32

	// StartupWaitMicros bounds the wait for the first data-ready edge
	// after reset release (runtime personality).
	StartupWaitMicros uint32

	// BootDelayMicros is the fixed settle delay after reset release
	// (bootloader personality, which raises no startup edge).
	BootDelayMicros uint32
}

// Transport is the bus state machine. It consumes data-ready edges and
// transfer completions, decides what transfer the engine runs next, and
// buffers the most recently completed inbound frame until the client
// consumes it.
//
// All storage is fixed-size with program lifetime; nothing is allocated per
// transfer.
type Transport struct {
	hw      *Hardware
	profile Profile

	// mu stands in for interrupt masking: it serializes the event
	// handlers and the client calls over everything below.
	mu          sync.Mutex
	state       busState
	rxBuf       [hal.MaxTransferIn]byte
	rxLen       int // valid bytes in rxBuf, 0 when empty
	rxTimestamp uint32
	payloadLen  int // valid between length decode and payload completion
	txBuf       [hal.MaxTransferOut]byte
	pending     bool // edge arrived while mid-transfer
	inReset     bool // reset asserted, first edge not yet seen
	discards    uint32
}

// New returns a Transport bound to hw with the given personality profile.
// The instance is created closed; call Open before use.
func New(hw *Hardware, profile Profile) *Transport {
	return &Transport{hw: hw, profile: profile}
}

// Open performs the boot-strap pin sequence for the profile's personality,
// arms event delivery, and waits for the peripheral to become ready. For
// the runtime personality the wait is bounded by the profile's startup
// window; if no data-ready edge arrives in time, Open tears back down and
// fails with pkg.ErrTimeout.
func (t *Transport) Open() error {
	if err := t.hw.claim(t); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "open refused", "personality", t.profile.Name, "error", err)
		return err
	}

	t.mu.Lock()
	t.state = stateUninit
	t.rxLen = 0
	t.payloadLen = 0
	t.pending = false
	t.discards = 0
	t.inReset = true
	t.mu.Unlock()

	pins := t.hw.Pins
	clock := t.hw.Clock

	// Strap the clock source and hold the hub in reset before arming any
	// event delivery.
	pins.SetClockSelect(false)
	pins.SetReset(true)

	pins.Watch(t.onEdge)
	if err := t.hw.Bus.Arm(t.onReadDone, t.onWriteDone); err != nil {
		pins.Watch(nil)
		t.hw.release(t)
		return fmt.Errorf("arm bus: %w", err)
	}

	// Let reset take effect. Some targets have a long RC decay here.
	clock.Sleep(t.profile.ResetDelayMicros)

	t.mu.Lock()
	t.state = stateIdle
	t.mu.Unlock()

	// Wake and PS1 low select the two-wire protocol boot. PS1 may also be
	// strapped by a jumper; driving the wake line low covers the case
	// where it is not.
	pins.SetWake(false)
	pins.SetPS1(false)

	pins.SetBoot(t.profile.Bootloader)
	pins.SetReset(false)

	if t.profile.Bootloader {
		// The bootloader raises no startup edge; give it a fixed settle.
		clock.Sleep(t.profile.BootDelayMicros)
	} else if !t.waitForEdge(t.profile.StartupWaitMicros) {
		pkg.LogWarn(pkg.ComponentTransport, "no data-ready edge within startup window",
			"personality", t.profile.Name, "waitMicros", t.profile.StartupWaitMicros)
		t.shutdown()
		return pkg.ErrTimeout
	}

	pkg.LogInfo(pkg.ComponentTransport, "open", "personality", t.profile.Name, "addr", t.profile.Addr)
	return nil
}

// Close asserts reset, disarms event delivery and marks the instance
// unopened. A transfer already on the wire is abandoned to the peripheral
// going into reset. Close is idempotent.
func (t *Transport) Close() {
	if !t.hw.ownedBy(t) {
		return
	}
	t.shutdown()
	pkg.LogInfo(pkg.ComponentTransport, "closed", "personality", t.profile.Name)
}

// shutdown is the common teardown path for Close and a failed Open.
func (t *Transport) shutdown() {
	t.hw.Pins.SetReset(true)
	t.hw.Pins.SetBoot(false)
	t.hw.Pins.Watch(nil)
	t.hw.Bus.Disarm()

	t.mu.Lock()
	t.state = stateUninit
	t.rxLen = 0
	t.pending = false
	t.mu.Unlock()

	t.hw.release(t)
}

// waitForEdge busy-waits until the first data-ready edge clears the
// reset-in-progress flag, bounded by timeoutMicros. It reports whether the
// edge was seen.
func (t *Transport) waitForEdge(timeoutMicros uint32) bool {
	clock := t.hw.Clock
	start := clock.NowMicros()
	for {
		t.mu.Lock()
		inReset := t.inReset
		t.mu.Unlock()
		if !inReset {
			return true
		}
		if hal.Elapsed(clock.NowMicros(), start) >= timeoutMicros {
			return false
		}
		clock.Sleep(startupPollMicros)
	}
}

// Read implements HAL.
func (t *Transport) Read(p []byte) (int, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateUninit {
		return 0, 0, pkg.ErrNotOpen
	}

	var (
		n  int
		ts uint32
	)
	if t.rxLen > 0 {
		if len(p) < t.rxLen {
			// Never deliver a truncated frame.
			pkg.LogDebug(pkg.ComponentTransport, "frame dropped, client buffer too small",
				"frame", t.rxLen, "buffer", len(p))
			t.rxLen = 0
			return 0, 0, pkg.ErrBufferTooSmall
		}
		n = copy(p, t.rxBuf[:t.rxLen])
		ts = t.rxTimestamp
		t.rxLen = 0
	}

	t.servicePendingLocked(len(p))
	return n, ts, nil
}

// Write implements HAL.
func (t *Transport) Write(p []byte) (int, error) {
	if len(p) == 0 || len(p) > hal.MaxTransferOut {
		return 0, pkg.ErrInvalidParameter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateUninit {
		return 0, pkg.ErrNotOpen
	}
	if t.state != stateIdle {
		// Busy, not an error; the caller retries later.
		return 0, nil
	}

	copy(t.txBuf[:], p)
	if t.profile.LengthPrefixed {
		t.state = stateWriting
	} else {
		t.state = stateWritingFixed
	}
	if err := t.hw.Bus.StartWrite(t.profile.Addr, t.txBuf[:len(p)]); err != nil {
		t.state = stateIdle
		pkg.LogWarn(pkg.ComponentTransport, "write failed to start",
			"condition", pkg.Condition(err), "error", err)
		return 0, fmt.Errorf("start write: %w", err)
	}
	return len(p), nil
}

// TimeMicros implements HAL.
func (t *Transport) TimeMicros() uint32 {
	return t.hw.Clock.NowMicros()
}

// Discards returns how many unread frames have been overwritten by newer
// ones since Open. Diagnostic only.
func (t *Transport) Discards() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discards
}

// onEdge handles the peripheral's data-ready edge.
func (t *Transport) onEdge() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateUninit {
		// No active instance; ignore.
		return
	}

	t.rxTimestamp = t.hw.Clock.NowMicros()
	t.inReset = false

	switch t.state {
	case stateIdle:
		if t.rxLen > 0 {
			// Newer data supersedes the unread frame.
			t.discards++
			t.rxLen = 0
			pkg.LogDebug(pkg.ComponentTransport, "unread frame discarded", "discards", t.discards)
		}
		if t.profile.LengthPrefixed {
			t.startLengthReadLocked()
		} else {
			// Read size comes from the next client read call.
			t.pending = true
		}
	case stateLengthKnown:
		t.startPayloadReadLocked()
	default:
		// Mid-transfer; start the read once the bus frees up.
		t.pending = true
	}
}

// onReadDone handles a read-transfer completion.
func (t *Transport) onReadDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateReadingLength:
		raw := binary.LittleEndian.Uint16(t.rxBuf[:hal.LengthPrefixSize])
		length := int(raw &^ hal.ContinuationBit)
		if length > hal.MaxTransferIn {
			// Read only what fits; the excess is never transferred.
			pkg.LogWarn(pkg.ComponentTransport, "oversized frame clamped",
				"length", length, "capacity", hal.MaxTransferIn)
			length = hal.MaxTransferIn
		}
		if length == 0 {
			// Zero-length frame, nothing to fetch.
			t.state = stateIdle
		} else {
			t.payloadLen = length
			t.state = stateLengthKnown
		}
	case stateReadingPayload, stateReadingFixed:
		// rxBuf is now ready for the client.
		t.rxLen = t.payloadLen
		t.state = stateIdle
		pkg.LogDebug(pkg.ComponentTransport, "frame received",
			"len", t.rxLen, "timestamp", t.rxTimestamp)
	default:
		pkg.LogDebug(pkg.ComponentTransport, "read completion in unexpected state", "state", t.state)
	}

	t.servicePendingLocked(0)
}

// onWriteDone handles a write-transfer completion.
func (t *Transport) onWriteDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateWriting, stateWritingFixed:
		t.state = stateIdle
	default:
		pkg.LogDebug(pkg.ComponentTransport, "write completion in unexpected state", "state", t.state)
	}

	t.servicePendingLocked(0)
}

// servicePendingLocked starts a deferred read if an edge arrived while the
// bus was busy. requestLen is the size of the client's read buffer when
// called from Read, 0 when called from a completion handler; fixed-size
// reads can only start with a client-supplied size. Callers hold t.mu.
func (t *Transport) servicePendingLocked(requestLen int) {
	if !t.pending {
		return
	}
	switch {
	case t.state == stateLengthKnown:
		t.pending = false
		t.startPayloadReadLocked()
	case t.state != stateIdle:
		// Still busy; keep the flag for the next opportunity.
	case t.profile.LengthPrefixed:
		t.pending = false
		t.startLengthReadLocked()
	case requestLen > 0:
		t.pending = false
		if requestLen > hal.MaxTransferIn {
			requestLen = hal.MaxTransferIn
		}
		t.startFixedReadLocked(requestLen)
	}
}

// startLengthReadLocked begins the length-word read. Callers hold t.mu.
func (t *Transport) startLengthReadLocked() {
	t.state = stateReadingLength
	if err := t.hw.Bus.StartRead(t.profile.Addr, t.rxBuf[:hal.LengthPrefixSize]); err != nil {
		t.state = stateIdle
		t.pending = true
		pkg.LogWarn(pkg.ComponentTransport, "length read failed to start",
			"condition", pkg.Condition(err), "error", err)
	}
}

// startPayloadReadLocked begins the payload read sized by the decoded
// length. Callers hold t.mu.
func (t *Transport) startPayloadReadLocked() {
	t.state = stateReadingPayload
	if err := t.hw.Bus.StartRead(t.profile.Addr, t.rxBuf[:t.payloadLen]); err != nil {
		t.state = stateLengthKnown
		t.pending = true
		pkg.LogWarn(pkg.ComponentTransport, "payload read failed to start",
			"condition", pkg.Condition(err), "error", err)
	}
}

// startFixedReadLocked begins a caller-sized read. Callers hold t.mu.
func (t *Transport) startFixedReadLocked(n int) {
	t.payloadLen = n
	t.state = stateReadingFixed
	if err := t.hw.Bus.StartRead(t.profile.Addr, t.rxBuf[:n]); err != nil {
		t.state = stateIdle
		t.pending = true
		pkg.LogWarn(pkg.ComponentTransport, "fixed read failed to start",
			"condition", pkg.Condition(err), "error", err)
	}
}

// Compile-time interface check
var _ HAL = (*Transport)(nil)
