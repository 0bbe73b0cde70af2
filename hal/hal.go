package hal

// Transfer size limits shared by every backend. These bound the frames the
// transport layer buffers in each direction and match the sensor hub's
// advertised maximum cargo sizes.
const (
	// MaxTransferIn is the largest inbound frame the stack accepts.
	MaxTransferIn = 384

	// MaxTransferOut is the largest outbound frame the stack accepts.
	MaxTransferOut = 256
)

// LengthPrefixSize is the size of the length word that precedes every frame
// in the runtime protocol's length-prefixed framing.
const LengthPrefixSize = 2

// ContinuationBit is the framing marker carried in the high bit of the
// length word. It flags a continued transfer and is not part of the length.
const ContinuationBit = 0x8000

// Clock supplies timestamps and delays from a free-running microsecond
// counter. The counter wraps at 2^32; consumers must use [Elapsed] rather
// than comparing raw values.
type Clock interface {
	// NowMicros returns the current counter value.
	NowMicros() uint32

	// Sleep pauses the caller for at least the given number of
	// microseconds. Simulated clocks may return immediately after
	// advancing their counter.
	Sleep(micros uint32)
}

// Elapsed returns the number of microseconds from since to now, accounting
// for counter wrap-around.
func Elapsed(now, since uint32) uint32 {
	return now - since
}

// Pins drives the sensor hub's discrete control lines and owns its
// data-ready interrupt line.
//
// Setters take assert-level semantics: true means the line's function is
// asserted (hub held in reset, bootloader path selected, and so on).
// Backends translate to wire level; most of these lines are active low on
// the actual part.
type Pins interface {
	// SetReset asserts or releases the hub's hardware reset.
	SetReset(assert bool)

	// SetBoot selects the boot path latched on the next reset release:
	// asserted selects the bootloader, deasserted the runtime protocol.
	SetBoot(assert bool)

	// SetWake drives the wake line (PS0/WAKEN on the part) high or low.
	// The line doubles as the PS0 boot strap and must be low across reset
	// release to select the two-wire protocol.
	SetWake(high bool)

	// SetPS1 drives the PS1 power-state select line high or low.
	SetPS1(high bool)

	// SetClockSelect drives the clock-select strap high or low. Low tells
	// the hub to time from its crystal.
	SetClockSelect(high bool)

	// Watch registers handler to be invoked on every falling edge of the
	// data-ready line. A nil handler disarms the notification. The
	// handler is subject to the package's handler contract: serialized
	// with bus completion handlers, and it must not block.
	Watch(handler func())
}

// Bus is the transfer engine: it issues exactly one outstanding read or
// write on the shared bus at a time and reports completion asynchronously.
//
// The buffer passed to StartRead and the data passed to StartWrite remain
// owned by the engine until the corresponding completion handler fires.
// Completion handlers follow the package's handler contract.
type Bus interface {
	// Arm enables the engine and registers its completion handlers.
	Arm(onReadDone, onWriteDone func()) error

	// Disarm disables the engine and drops the registered handlers. A
	// transfer already on the wire cannot be aborted; its completion is
	// simply no longer delivered.
	Disarm()

	// StartRead begins an asynchronous read of len(buf) bytes from the
	// peripheral at the given 7-bit address. onReadDone fires once buf
	// has been filled.
	StartRead(addr uint16, buf []byte) error

	// StartWrite begins an asynchronous write of data to the peripheral
	// at the given 7-bit address. onWriteDone fires once the transfer
	// completes.
	StartWrite(addr uint16, data []byte) error
}
