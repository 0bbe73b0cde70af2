// Package pkg provides shared utilities for the sh2hal transport stack.
//
// This package contains common functionality used across the transport
// state machine, the personality adapters, and the hardware backends,
// including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for driver and bus conditions
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentTransport, "bus idle", "discards", 0)
//
// # Errors
//
// Common driver errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrBufferTooSmall) {
//	    // Frame was larger than the caller's buffer and has been dropped.
//	}
package pkg
