package proto

import (
	"image/color"
)

type CommandKind uint8

const (
	CmdPing CommandKind = iota + 1
	CmdPong
	CmdBegin
	CmdAddDevice
	CmdRemoveDevice
	CmdSetBrightness
	CmdDrawKeyBitmap
	CmdSetKeyColor
	CmdClearKeys
	CmdQuit
)

// Verb is the host protocol word of a command kind.
func (k CommandKind) Verb() string {
	switch k {
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	case CmdBegin:
		return "BEGIN"
	case CmdAddDevice:
		return "ADD-DEVICE"
	case CmdRemoveDevice:
		return "REMOVE-DEVICE"
	case CmdSetBrightness:
		return "BRIGHTNESS"
	case CmdDrawKeyBitmap, CmdSetKeyColor:
		return "KEY-STATE"
	case CmdClearKeys:
		return "KEYS-CLEAR"
	case CmdQuit:
		return "QUIT"
	}
	return "UNKNOWN"
}

func (k CommandKind) String() string {
	return k.Verb()
}

// SourceFormat is the encoding of a bitmap received from the host.
type SourceFormat uint8

const (
	SourceAuto SourceFormat = iota
	SourceRGB
	SourceRGBA
	SourceEncoded
)

func (f SourceFormat) String() string {
	switch f {
	case SourceRGB:
		return "rgb"
	case SourceRGBA:
		return "rgba"
	case SourceEncoded:
		return "encoded"
	}
	return "auto"
}

// Command is a decoded host instruction. It is built once by the codec and consumed once by
// the session registry.
type Command struct {
	Kind     CommandKind
	DeviceID DeviceID
	Key      int
	Image    []byte
	Format   SourceFormat
	Color    color.RGBA
	Level    int
	// OK and Message carry the host's verdict on ADD-DEVICE / REMOVE-DEVICE.
	OK      bool
	Message string
	// HostVersion and APIVersion are set by BEGIN.
	HostVersion string
	APIVersion  string
}

// Addressed reports whether the command targets a single device.
func (c Command) Addressed() bool {
	switch c.Kind {
	case CmdAddDevice, CmdRemoveDevice, CmdSetBrightness, CmdDrawKeyBitmap, CmdSetKeyColor, CmdClearKeys:
		return true
	}
	return false
}
