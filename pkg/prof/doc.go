// Package prof provides on-demand profiling for the transport stack.
//
// It wraps [runtime/pprof] with a small API and is conditionally compiled
// using the "profile" build tag:
//
//	go build -tags profile
//	go test -tags profile
//
// Without the tag every exported function is a no-op, so profiling hooks
// can stay wired into the tools and examples with zero production cost.
//
// CPU profiling streams samples and needs explicit start/stop:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//
// The other profiles are point-in-time snapshots:
//
//	prof.Write(prof.ProfileHeap, "heap.prof")
//	prof.Write(prof.ProfileGoroutine, "goroutine.prof")
//
// Block and mutex profiling must be enabled before the snapshot carries
// data; see [SetBlockProfileRate] and [SetMutexProfileFraction]. The worker
// goroutines of the bus backends show up well in the block profile when
// their polling dominates.
package prof
