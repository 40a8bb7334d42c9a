package proto

import (
	"fmt"
)

type EventKind uint8

const (
	KeyDown EventKind = iota + 1
	KeyUp
	EncoderTurn
	DeviceAttached
	DeviceRemoved
)

func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "key-down"
	case KeyUp:
		return "key-up"
	case EncoderTurn:
		return "encoder-turn"
	case DeviceAttached:
		return "device-attached"
	case DeviceRemoved:
		return "device-removed"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// InputEvent is a hardware originated event travelling upstream to the host.
type InputEvent struct {
	Kind     EventKind
	DeviceID DeviceID
	Key      int
	// Delta is the signed detent count of an EncoderTurn.
	Delta int
	// Caps is set on DeviceAttached.
	Caps Capabilities
}

func (e InputEvent) String() string {
	switch e.Kind {
	case KeyDown, KeyUp:
		return fmt.Sprintf("%s[%s key=%d]", e.Kind, e.DeviceID, e.Key)
	case EncoderTurn:
		return fmt.Sprintf("%s[%s key=%d delta=%d]", e.Kind, e.DeviceID, e.Key, e.Delta)
	}
	return fmt.Sprintf("%s[%s]", e.Kind, e.DeviceID)
}
