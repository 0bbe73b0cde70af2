// Package hal defines the hardware abstraction layer for the sh2hal
// transport stack.
//
// The HAL is the boundary between the bus state machine and the platform:
// a free-running microsecond clock, the discrete control lines of the
// sensor hub (reset, boot select, wake, power-state select) together with
// its data-ready interrupt line, and a bus engine that performs exactly one
// asynchronous transfer at a time. Platform integrators implement these
// interfaces to run the stack on their hardware.
//
// # Design Principles
//
// The HAL is designed to be:
//
//   - Minimal: Only expose operations the state machine needs
//   - Generic: No platform-specific assumptions or details
//   - Event-driven: Data-ready edges and transfer completions arrive as
//     handler invocations, never by blocking calls
//
// # Handler Contract
//
// Handlers registered through [Pins.Watch] and [Bus.Arm] stand in for
// interrupt service routines. A backend must invoke them serialized: no
// two handlers ever run concurrently, and a handler runs to completion
// before the next fires. Handlers themselves must not block.
//
// # Implementations
//
// A behavioral in-memory peripheral for tests and examples lives in
// [github.com/huangyizhi11/sh2hal/hal/sim]. Real-hardware backends are
// provided for Linux I²C character devices
// ([github.com/huangyizhi11/sh2hal/hal/i2cdev]) and for the MCP2221A USB
// bridge ([github.com/huangyizhi11/sh2hal/hal/mcp2221]).
package hal
