package protocol

import (
	"errors"
	"fmt"
)

// ErrDeviceGone is reported by control channels when the device has left the bus.
// After the manifest block it usually means the device rebooted into the new firmware.
var ErrDeviceGone = errors.New("device disconnected")

// ErrDesync is returned by Step when the device reports a state that cannot
// follow the current one.
var ErrDesync = errors.New("transfer desynchronized")

// DeviceError represents a failure reported by the device through GETSTATUS.
// The device itself rejected or failed to program data, so it is never retried.
type DeviceError struct {
	// Operation is the step that was running when the device reported the error
	Operation string

	// Code is bStatus as reported by the device
	Code StatusCode

	// State is bState as reported by the device
	State State
}

func (e *DeviceError) Error() string {
	op := e.Operation
	if op == "" {
		op = "dfu"
	}
	return fmt.Sprintf("%s failed: %s (status 0x%02X, state %s)", op, e.Code, uint8(e.Code), e.State)
}

// IsDeviceError returns true if the error is or wraps a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// DesyncError describes an unexpected state transition.
type DesyncError struct {
	From     State
	Reported State
	Reason   string
}

func (e *DesyncError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transfer desynchronized: %s (state %s, device reported %s)", e.Reason, e.From, e.Reported)
	}
	return fmt.Sprintf("transfer desynchronized: device reported %s while in %s", e.Reported, e.From)
}

func (e *DesyncError) Unwrap() error { return ErrDesync }
