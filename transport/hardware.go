package transport

import (
	"sync"

	"github.com/huangyizhi11/sh2hal/hal"
	"github.com/huangyizhi11/sh2hal/pkg"
)

// Hardware bundles the platform handles a Transport drives. Both
// personality adapters hold the same Hardware; because they share the bus
// and the control pins, only one Transport may own it at a time.
type Hardware struct {
	Clock hal.Clock
	Pins  hal.Pins
	Bus   hal.Bus

	mu    sync.Mutex
	owner *Transport
}

// NewHardware returns a Hardware bundling the given platform handles.
func NewHardware(clock hal.Clock, pins hal.Pins, bus hal.Bus) *Hardware {
	return &Hardware{Clock: clock, Pins: pins, Bus: bus}
}

// claim records t as the owner. It fails with pkg.ErrAlreadyOpen if any
// Transport, including t itself, already owns the hardware.
func (h *Hardware) claim(t *Transport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner != nil {
		return pkg.ErrAlreadyOpen
	}
	h.owner = t
	return nil
}

// release clears ownership if held by t.
func (h *Hardware) release(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == t {
		h.owner = nil
	}
}

// ownedBy reports whether t currently owns the hardware.
func (h *Hardware) ownedBy(t *Transport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner == t
}
