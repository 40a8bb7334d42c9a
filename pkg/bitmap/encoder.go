package bitmap

import (
	"image"
)

// Encode converts src into a little-endian RGB565 byte stream, rows top to bottom.
func Encode(src image.Image) []byte {
	b := src.Bounds()
	dst := NewRGB565(b)

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	return dst.Pix
}
