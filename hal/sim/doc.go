// Package sim provides an in-memory sensor hub for testing the transport
// stack without hardware.
//
// [Hub] implements both [hal.Pins] and [hal.Bus]. It models the hub's
// externally visible behavior: it boots into the runtime or bootloader
// personality depending on the boot line at reset release, raises data-ready
// edges while outbound frames are queued, serves length-prefixed reads in
// two transactions, and records every write it receives.
//
// All pin events and transfer completions are delivered from a single
// dispatcher goroutine, matching the serialized handler contract of the hal
// package. Tests drive the hub with [Hub.Post] and observe it with
// [Hub.Writes]; [Hub.Settle] blocks until all queued events have been
// delivered.
package sim
