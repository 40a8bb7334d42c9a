package bitmap

import (
	"image"
	"image/color"
)

// NewRGB565 allocates a zeroed (black) framebuffer of the given size.
func NewRGB565(r image.Rectangle) *RGB565 {
	r = r.Sub(r.Min)
	return &RGB565{
		Pix:    make([]byte, 2*r.Dx()*r.Dy()),
		Stride: 2 * r.Dx(),
		Rect:   r,
	}
}

// FromBytes wraps an existing little-endian RGB565 buffer of w*h pixels.
func FromBytes(pix []byte, w, h int) (*RGB565, bool) {
	if w <= 0 || h <= 0 || len(pix) != 2*w*h {
		return nil, false
	}
	return &RGB565{Pix: pix, Stride: 2 * w, Rect: image.Rect(0, 0, w, h)}, true
}

// RGB565 is a 16 bit framebuffer anchored at 0,0, two bytes per pixel, low byte first.
// It implements draw.Image.
type RGB565 struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func (d *RGB565) Bounds() image.Rectangle {
	return d.Rect
}

func (d *RGB565) ColorModel() color.Model {
	return RGB565Model
}

func (d *RGB565) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(d.Rect)) {
		return Color(0)
	}
	i := y*d.Stride + 2*x
	return Color(d.Pix[i+1])<<8 | Color(d.Pix[i])
}

// Set ignores fully transparent colours so that drawing over the buffer keeps what is there.
func (d *RGB565) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}.In(d.Rect)) {
		return
	}
	r, g, b, a := c.RGBA()
	if a == 0 {
		return
	}
	v := pack(r, g, b)
	i := y*d.Stride + 2*x
	d.Pix[i+1] = byte(v >> 8)
	d.Pix[i] = byte(v)
}

// RGB565Model converts any colour to its nearest 5-6-5 representation.
var RGB565Model = color.ModelFunc(func(c color.Color) color.Color {
	if v, ok := c.(Color); ok {
		return v
	}
	r, g, b, _ := c.RGBA()
	return pack(r, g, b)
})

// pack keeps the top 5/6/5 bits of each 16 bit channel:
//
//	bit 76543210  76543210
//	    RRRRRGGG  GGGBBBBB
//	   high byte  low byte
func pack(r, g, b uint32) Color {
	return Color((r & 0xF800) |
		((g & 0xFC00) >> 5) |
		((b & 0xF800) >> 11))
}

// Color is a packed 5-6-5 pixel. It is always opaque.
type Color uint16

// RGBA widens each channel back to 16 bits by repeating its bit pattern, so that 0 and the
// channel maximum map to 0 and 0xFFFF.
func (c Color) RGBA() (r, g, b, a uint32) {
	rBits := uint32(c & 0xF800)
	gBits := uint32(c & 0x7E0)
	bBits := uint32(c & 0x1F)
	r = rBits | rBits>>5 | rBits>>10 | rBits>>15
	g = gBits<<5 | gBits>>1 | gBits>>7
	b = bBits<<11 | bBits<<6 | bBits<<1 | bBits>>4
	a = 0xFFFF
	return
}
