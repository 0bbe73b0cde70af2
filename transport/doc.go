// Package transport implements the bus state machine at the heart of the
// sh2hal stack.
//
// A [Transport] arbitrates between three event sources that must never
// corrupt one another: the peripheral's data-ready edge, the bus engine's
// asynchronous transfer completions, and non-blocking read/write calls from
// the protocol layer above. A single state variable decides what transfer
// the engine runs next; the most recently completed inbound frame is
// buffered until the client consumes it, and a newer frame supersedes an
// unread older one (counted, not reported).
//
// The original driver guarded this state by masking interrupts around
// mainline critical sections. Here the same exclusion is a per-Transport
// mutex shared by the event handlers and the client calls; handler critical
// sections stay short and never block, so the run-to-completion model is
// preserved.
//
// Two personalities share one state machine through a [Profile]: the
// runtime protocol uses length-prefixed two-phase reads, the bootloader
// uses caller-sized fixed reads. Both are bound to concrete addressing and
// boot sequencing by the shtp and dfu packages. The personalities share the
// bus and pins, so a [Hardware] admits only one open Transport at a time.
package transport
