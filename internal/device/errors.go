package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when enumeration yields no matching device
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTimeout is returned by Pull when no frame arrives within the timeout
	ErrTimeout = errors.New("pull timeout")
	// ErrInvalidState is returned when an operation is not allowed in the current session state
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotOutstanding is returned when returning a frame the session did not hand out
	ErrNotOutstanding = errors.New("frame not outstanding")
	// ErrOffline is the code-less cause drivers use once a device has dropped off
	ErrOffline = errors.New("device offline")
)

// Native codes used by the bundled drivers, following the usual vendor SDK
// layout. Real vendor backends pass their own codes through unchanged.
const (
	CodeHandle       uint32 = 0x80000000
	CodeCallOrder    uint32 = 0x80000003
	CodeParameter    uint32 = 0x80000004
	CodeResource     uint32 = 0x80000006
	CodeNoData       uint32 = 0x80000007
	CodeDisconnected uint32 = 0x80000204
	CodeUnknown      uint32 = 0x800000FF
)

// DeviceError is a failure reported by the driver, carrying its native code
type DeviceError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s failed (code %#x): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("device %s failed (code %#x)", e.Op, e.Code)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewError builds a DeviceError
func NewError(op string, code uint32, err error) *DeviceError {
	return &DeviceError{Op: op, Code: code, Err: err}
}

// wrap attaches op to a driver error, keeping any native code the driver supplied
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		if de.Op == op {
			return de
		}
		return &DeviceError{Op: op, Code: de.Code, Err: err}
	}
	return &DeviceError{Op: op, Code: CodeUnknown, Err: err}
}

// Code extracts the native code from an error chain, or CodeUnknown
func Code(err error) uint32 {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
