package pkg

import "errors"

// Driver errors.
var (
	// ErrAlreadyOpen indicates an open call while an instance sharing the
	// same hardware is already open.
	ErrAlreadyOpen = errors.New("already open")

	// ErrNotOpen indicates an operation on an instance that is not open.
	ErrNotOpen = errors.New("not open")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small for the
	// buffered frame. The frame is dropped, never truncated.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrBusy indicates a transfer is already in flight.
	ErrBusy = errors.New("bus busy")

	// ErrTimeout indicates the peripheral did not signal readiness within
	// the startup window.
	ErrTimeout = errors.New("startup timeout")

	// ErrClosed indicates the backend has been shut down.
	ErrClosed = errors.New("backend closed")

	// ErrNoDevice indicates the bridge or bus device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrProtocol indicates an unexpected response from a bridge device.
	ErrProtocol = errors.New("protocol error")
)

// BusCondition classifies the outcome of a bus transfer for diagnostics.
type BusCondition int

// Bus condition values.
const (
	BusConditionOK       BusCondition = iota // Transfer completed
	BusConditionBusy                         // Transfer refused, bus busy
	BusConditionTimeout                      // Transfer timed out
	BusConditionNoDevice                     // Peripheral absent or NACKed
	BusConditionAborted                      // Backend shut down mid-transfer
)

// String returns a string representation of the bus condition.
func (c BusCondition) String() string {
	switch c {
	case BusConditionOK:
		return "ok"
	case BusConditionBusy:
		return "busy"
	case BusConditionTimeout:
		return "timeout"
	case BusConditionNoDevice:
		return "no device"
	case BusConditionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Condition classifies err as a BusCondition. Errors outside the driver's
// sentinel set classify as aborted.
func Condition(err error) BusCondition {
	switch {
	case err == nil:
		return BusConditionOK
	case errors.Is(err, ErrBusy):
		return BusConditionBusy
	case errors.Is(err, ErrTimeout):
		return BusConditionTimeout
	case errors.Is(err, ErrNoDevice):
		return BusConditionNoDevice
	default:
		return BusConditionAborted
	}
}

// Error returns the corresponding error for the bus condition.
func (c BusCondition) Error() error {
	switch c {
	case BusConditionOK:
		return nil
	case BusConditionBusy:
		return ErrBusy
	case BusConditionTimeout:
		return ErrTimeout
	case BusConditionNoDevice:
		return ErrNoDevice
	case BusConditionAborted:
		return ErrClosed
	default:
		return ErrProtocol
	}
}
