package proto

import (
	"context"
)

// DeviceID is the stable identifier of a physical surface, usually its serial number.
type DeviceID string

type Handle struct {
	ID   DeviceID
	Path string
	PID  uint16
}

// Driver is the device I/O boundary. Implementations own the raw transport (HID, serial,
// simulated); the bridge never talks to hardware any other way.
type Driver interface {
	ListAttached() ([]Handle, error)
	Open(h Handle) (Capabilities, error)
	WriteFrame(h Handle, f Frame) error
	// ReadEvent blocks until the device reports input, ctx is done or the handle is closed.
	ReadEvent(ctx context.Context, h Handle) (InputEvent, error)
	Close(h Handle) error
}

type Status uint8

const (
	Disconnected Status = iota
	Connecting
	Ready
	Removed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Removed:
		return "removed"
	}
	return "unknown"
}
