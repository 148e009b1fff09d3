package mtp

import (
	"errors"
	"fmt"
)

// ErrTransport classifies every device I/O failure.
var ErrTransport = errors.New("mtp transport error")

// Specific transport failures. Each one matches ErrTransport with errors.Is.
var (
	ErrDeviceNotFound    = &TransportError{Op: "lookup", Err: errors.New("device not found")}
	ErrDeviceNotOpen     = &TransportError{Op: "lookup", Err: errors.New("device not open")}
	ErrDeviceAlreadyOpen = &TransportError{Op: "open", Err: errors.New("device already open")}
	ErrObjectNotFound    = &TransportError{Op: "lookup", Err: errors.New("object not found")}
)

// TransportError describes a failed transport operation.
type TransportError struct {
	Op       string
	DeviceID int
	Handle   uint32
	Err      error
}

func (e *TransportError) Error() string {
	if e.Handle != 0 {
		return fmt.Sprintf("mtp %s device %d handle %d: %v", e.Op, e.DeviceID, e.Handle, e.Err)
	}
	return fmt.Sprintf("mtp %s device %d: %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport, and the sentinel TransportErrors above by
// identity of their inner error.
func (e *TransportError) Is(target error) bool {
	if target == ErrTransport {
		return true
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Err == e.Err
}

// NewError wraps err into a TransportError. A nil err stays nil.
func NewError(op string, deviceID int, handle uint32, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) && te.Op == op && te.DeviceID == deviceID && te.Handle == handle {
		return err
	}
	return &TransportError{Op: op, DeviceID: deviceID, Handle: handle, Err: err}
}

// DeviceError returns a copy of a sentinel bound to a device and handle,
// still matching the sentinel with errors.Is.
func DeviceError(sentinel *TransportError, op string, deviceID int, handle uint32) error {
	return &TransportError{Op: op, DeviceID: deviceID, Handle: handle, Err: sentinel.Err}
}
