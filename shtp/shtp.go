// Package shtp opens the sensor hub's runtime personality: the hub boots
// its application firmware and exchanges length-prefixed protocol frames.
//
// Every inbound frame is announced by a data-ready edge and fetched in two
// bus transactions, a two-byte length word followed by the payload. The
// returned transport moves opaque frames; interpreting them is the protocol
// layer's business.
package shtp

import (
	"github.com/huangyizhi11/sh2hal/transport"
)

// Bus addresses of the runtime personality. The alternate address is
// selected by the hub's address strap.
const (
	DeviceAddr    = 0x4A
	DeviceAddrAlt = 0x4B
)

const (
	// resetDelayMicros holds reset asserted long enough for the slowest
	// supported board's reset RC to discharge.
	resetDelayMicros = 10_000

	// startupWaitMicros bounds the wait for the hub's boot advertisement
	// edge. Firmware boot takes well under a second; two is generous.
	startupWaitMicros = 2_000_000
)

// Config selects the hub's bus address. The zero value uses DeviceAddr.
type Config struct {
	Addr uint16
}

// New returns a transport for the runtime personality on hw. The instance
// is created closed.
func New(hw *transport.Hardware, cfg Config) *transport.Transport {
	addr := cfg.Addr
	if addr == 0 {
		addr = DeviceAddr
	}
	return transport.New(hw, transport.Profile{
		Name:              "shtp",
		Addr:              addr,
		LengthPrefixed:    true,
		ResetDelayMicros:  resetDelayMicros,
		StartupWaitMicros: startupWaitMicros,
	})
}
