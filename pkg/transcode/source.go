package transcode

import (
	"bytes"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"deckbridge/pkg/proto"
)

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	jpegMagic = []byte{0xFF, 0xD8}
	bmpMagic  = []byte{'B', 'M'}
)

// DetectFormat guesses the encoding of a host bitmap: a known container signature, or a raw
// square RGB / RGBA buffer.
func DetectFormat(data []byte) proto.SourceFormat {
	switch {
	case bytes.HasPrefix(data, pngMagic), bytes.HasPrefix(data, jpegMagic), bytes.HasPrefix(data, bmpMagic):
		return proto.SourceEncoded
	case squareSide(len(data), 3) > 0:
		return proto.SourceRGB
	case squareSide(len(data), 4) > 0:
		return proto.SourceRGBA
	}
	return proto.SourceAuto
}

// squareSide returns the side of a square image of n bytes at bpp bytes per pixel, or 0.
func squareSide(n, bpp int) int {
	if n == 0 || n%bpp != 0 {
		return 0
	}
	px := n / bpp
	side := int(math.Sqrt(float64(px)))
	for _, s := range []int{side - 1, side, side + 1} {
		if s > 0 && s*s == px {
			return s
		}
	}
	return 0
}

// decode turns a host bitmap into an image. Encoded images declaring more than maxPixels
// pixels are rejected before any pixel is decoded.
func decode(data []byte, format proto.SourceFormat, maxPixels int) (image.Image, error) {
	if format == proto.SourceAuto {
		format = DetectFormat(data)
		if format == proto.SourceEncoded {
			// raw pixels can start with a container signature by accident
			img, err := decode(data, proto.SourceEncoded, maxPixels)
			if err != nil && !errors.Is(err, ErrPayloadTooLarge) && squareSide(len(data), 3) > 0 {
				return decode(data, proto.SourceRGB, maxPixels)
			}
			return img, err
		}
	}

	switch format {
	case proto.SourceRGB:
		side := squareSide(len(data), 3)
		if side == 0 {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "rgb bitmap of %d bytes is not square", len(data))
		}
		img := image.NewNRGBA(image.Rect(0, 0, side, side))
		for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
			img.Pix[j] = data[i]
			img.Pix[j+1] = data[i+1]
			img.Pix[j+2] = data[i+2]
			img.Pix[j+3] = 0xFF
		}
		return img, nil

	case proto.SourceRGBA:
		side := squareSide(len(data), 4)
		if side == 0 {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "rgba bitmap of %d bytes is not square", len(data))
		}
		img := image.NewNRGBA(image.Rect(0, 0, side, side))
		copy(img.Pix, data)
		return img, nil

	case proto.SourceEncoded:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "decode: %s", err)
		}
		if cfg.Width*cfg.Height > maxPixels {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "image of %dx%d, limit %d pixels", cfg.Width, cfg.Height, maxPixels)
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "decode: %s", err)
		}
		return img, nil
	}

	return nil, errors.Wrapf(ErrUnsupportedFormat, "unrecognised bitmap of %d bytes", len(data))
}
