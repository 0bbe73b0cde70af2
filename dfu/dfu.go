// Package dfu opens the sensor hub's bootloader personality for firmware
// update.
//
// With the boot strap asserted across reset release, the hub stays in its
// bootloader and answers on a different bus address. Bootloader responses
// carry no length prefix: the update protocol knows how long each response
// is and supplies that size with the read call.
package dfu

import (
	"github.com/huangyizhi11/sh2hal/transport"
)

// Bus addresses of the bootloader personality. The alternate address is
// selected by the hub's address strap.
const (
	DeviceAddr    = 0x28
	DeviceAddrAlt = 0x29
)

const (
	resetDelayMicros = 10_000

	// bootDelayMicros is the fixed settle after reset release. The
	// bootloader raises no ready edge, so the delay stands in for one.
	bootDelayMicros = 50_000
)

// Config selects the bootloader's bus address. The zero value uses
// DeviceAddr.
type Config struct {
	Addr uint16
}

// New returns a transport for the bootloader personality on hw. The
// instance is created closed.
func New(hw *transport.Hardware, cfg Config) *transport.Transport {
	addr := cfg.Addr
	if addr == 0 {
		addr = DeviceAddr
	}
	return transport.New(hw, transport.Profile{
		Name:             "dfu",
		Addr:             addr,
		Bootloader:       true,
		ResetDelayMicros: resetDelayMicros,
		BootDelayMicros:  bootDelayMicros,
	})
}
