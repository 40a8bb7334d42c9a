package proto

import (
	"fmt"
)

type FrameKind uint8

const (
	FrameKeyImage FrameKind = iota + 1
	FrameLCDImage
	FrameBrightness
	FrameReset
)

func (k FrameKind) String() string {
	switch k {
	case FrameKeyImage:
		return "key-image"
	case FrameLCDImage:
		return "lcd-image"
	case FrameBrightness:
		return "brightness"
	case FrameReset:
		return "reset"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// Frame is a device-native payload ready to be written to hardware. Frames are values;
// Data must not be modified once the frame has been handed on.
type Frame struct {
	Kind     FrameKind
	DeviceID DeviceID
	Key      int
	// X, Width and Height place an LCD image on the strip.
	X      int
	Width  int
	Height int
	Level  int
	Data   []byte
}

// Critical frames must reach the device; image frames are idempotent redraws and may be
// superseded.
func (f Frame) Critical() bool {
	return f.Kind == FrameBrightness || f.Kind == FrameReset
}

func (f Frame) Len() int {
	return len(f.Data)
}

func (f Frame) String() string {
	switch f.Kind {
	case FrameKeyImage:
		return fmt.Sprintf("%s[%s key=%d %dB]", f.Kind, f.DeviceID, f.Key, len(f.Data))
	case FrameLCDImage:
		return fmt.Sprintf("%s[%s x=%d %dx%d %dB]", f.Kind, f.DeviceID, f.X, f.Width, f.Height, len(f.Data))
	case FrameBrightness:
		return fmt.Sprintf("%s[%s level=%d]", f.Kind, f.DeviceID, f.Level)
	}
	return fmt.Sprintf("%s[%s]", f.Kind, f.DeviceID)
}
