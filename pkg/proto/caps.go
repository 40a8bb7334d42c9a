package proto

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrUnknownModel = errors.New("unknown model")

// Model is the closed set of surfaces the bridge knows how to drive.
type Model uint8

const (
	ModelUnknown Model = iota
	ModelOriginal
	ModelOriginalV2
	ModelMini
	ModelMiniMk2
	ModelXL
	ModelMk2
	ModelPlus
	ModelPedal
	ModelInch35
	ModelVirtual
)

var modelNames = map[Model]string{
	ModelOriginal:   "original",
	ModelOriginalV2: "original-v2",
	ModelMini:       "mini",
	ModelMiniMk2:    "mini-mk2",
	ModelXL:         "xl",
	ModelMk2:        "mk2",
	ModelPlus:       "plus",
	ModelPedal:      "pedal",
	ModelInch35:     "inch35",
	ModelVirtual:    "virtual",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", uint8(m))
}

// ParseModel resolves a model from its config name.
func ParseModel(name string) (Model, error) {
	for m, n := range modelNames {
		if n == name {
			return m, nil
		}
	}
	return ModelUnknown, errors.Wrapf(ErrUnknownModel, "%q", name)
}

// ImageFormat is the native key image encoding of a device.
type ImageFormat uint8

const (
	FormatNone ImageFormat = iota
	FormatBMP
	FormatJPEG
	FormatRGB565
)

func (f ImageFormat) String() string {
	switch f {
	case FormatBMP:
		return "bmp"
	case FormatJPEG:
		return "jpeg"
	case FormatRGB565:
		return "rgb565"
	}
	return "none"
}

// Capabilities describes the addressable surface of a device. The transcode pipeline is
// driven by this data only, never by the model itself.
type Capabilities struct {
	Model       Model       `cbor:"1,keyasint"`
	ProductName string      `cbor:"2,keyasint"`
	PID         uint16      `cbor:"3,keyasint"`
	Columns     int         `cbor:"4,keyasint"`
	Rows        int         `cbor:"5,keyasint"`
	KeySize     int         `cbor:"6,keyasint"`
	Format      ImageFormat `cbor:"7,keyasint"`
	ColorDepth  int         `cbor:"8,keyasint"`
	FlipH       bool        `cbor:"9,keyasint"`
	FlipV       bool        `cbor:"10,keyasint"`
	Rotation    int         `cbor:"11,keyasint"`
	LCDWidth    int         `cbor:"12,keyasint"`
	LCDHeight   int         `cbor:"13,keyasint"`
	Encoders    int         `cbor:"14,keyasint"`
	// BrightnessMin and BrightnessMax bound the level accepted by the hardware.
	BrightnessMin int `cbor:"15,keyasint"`
	BrightnessMax int `cbor:"16,keyasint"`
	// MaxImageBytes caps a single encoded key image.
	MaxImageBytes int `cbor:"17,keyasint"`
}

func (c Capabilities) KeyCount() int {
	return c.Columns * c.Rows
}

func (c Capabilities) Visual() bool {
	return c.KeySize > 0 && c.Format != FormatNone
}

func (c Capabilities) HasLCD() bool {
	return c.LCDWidth > 0 && c.LCDHeight > 0
}

// LCDKeys is the number of virtual keys mapped onto the LCD strip, one per column.
func (c Capabilities) LCDKeys() int {
	if !c.HasLCD() {
		return 0
	}
	return c.Columns
}

// TotalKeys is the key range the host may address: hardware keys, LCD segments, encoders.
func (c Capabilities) TotalKeys() int {
	return c.KeyCount() + c.LCDKeys() + c.Encoders
}

// ExpectedKeyBytes is the exact byte length of a raw key image, or 0 for variable-length formats.
func (c Capabilities) ExpectedKeyBytes() int {
	switch c.Format {
	case FormatRGB565:
		return c.KeySize * c.KeySize * 2
	case FormatBMP:
		return bmpHeaderLen + bmpRowLen(c.KeySize)*c.KeySize
	}
	return 0
}

const bmpHeaderLen = 54

func bmpRowLen(width int) int {
	return (width*3 + 3) &^ 3
}

const elgatoVID = 0x0fd9

var capsTable = map[Model]Capabilities{
	ModelOriginal: {
		ProductName: "Stream Deck", PID: 0x0060,
		Columns: 5, Rows: 3, KeySize: 72, Format: FormatBMP, ColorDepth: 24,
		FlipH: true, FlipV: true, MaxImageBytes: 8191 * 2,
	},
	ModelOriginalV2: {
		ProductName: "Stream Deck V2", PID: 0x006d,
		Columns: 5, Rows: 3, KeySize: 72, Format: FormatJPEG, ColorDepth: 24,
		FlipH: true, FlipV: true, MaxImageBytes: 1008 * 16,
	},
	ModelMini: {
		ProductName: "Stream Deck Mini", PID: 0x0063,
		Columns: 3, Rows: 2, KeySize: 80, Format: FormatBMP, ColorDepth: 24,
		FlipV: true, Rotation: 90, MaxImageBytes: 1008 * 20,
	},
	ModelMiniMk2: {
		ProductName: "Stream Deck Mini Mk2", PID: 0x0090,
		Columns: 3, Rows: 2, KeySize: 80, Format: FormatBMP, ColorDepth: 24,
		FlipV: true, Rotation: 90, MaxImageBytes: 1008 * 20,
	},
	ModelXL: {
		ProductName: "Stream Deck XL", PID: 0x006c,
		Columns: 8, Rows: 4, KeySize: 96, Format: FormatJPEG, ColorDepth: 24,
		FlipH: true, FlipV: true, MaxImageBytes: 1016 * 16,
	},
	ModelMk2: {
		ProductName: "Stream Deck Mk2", PID: 0x0080,
		Columns: 5, Rows: 3, KeySize: 72, Format: FormatJPEG, ColorDepth: 24,
		FlipH: true, FlipV: true, MaxImageBytes: 1016 * 16,
	},
	ModelPlus: {
		ProductName: "Stream Deck +", PID: 0x0084,
		Columns: 4, Rows: 2, KeySize: 120, Format: FormatJPEG, ColorDepth: 24,
		LCDWidth: 800, LCDHeight: 100, Encoders: 4, MaxImageBytes: 1016 * 64,
	},
	ModelPedal: {
		ProductName: "Stream Deck Pedal", PID: 0x0086,
		Columns: 3, Rows: 1,
	},
	ModelInch35: {
		ProductName: "USB 3.5\" Panel", Format: FormatRGB565,
		Columns: 4, Rows: 6, KeySize: 80, ColorDepth: 16,
		MaxImageBytes: 80 * 80 * 2,
	},
	ModelVirtual: {
		ProductName: "Virtual Deck", Format: FormatJPEG,
		Columns: 5, Rows: 3, KeySize: 72, ColorDepth: 24,
		MaxImageBytes: 64 * 1024,
	},
}

// CapabilitiesFor returns the descriptor of a known model.
func CapabilitiesFor(m Model) (Capabilities, bool) {
	c, ok := capsTable[m]
	if !ok {
		return Capabilities{}, false
	}
	c.Model = m
	c.BrightnessMax = 100
	return c, true
}

// ModelFromPID maps an Elgato USB product id to its model.
func ModelFromPID(vid, pid uint16) Model {
	if vid != elgatoVID {
		return ModelUnknown
	}
	for m, c := range capsTable {
		if c.PID != 0 && c.PID == pid {
			return m
		}
	}
	return ModelUnknown
}
