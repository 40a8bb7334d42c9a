package virtual

import (
	"bytes"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"deckbridge/pkg/bitmap"
	"deckbridge/pkg/proto"
)

// Viewable returns a viewable file for a frame. Encoded formats are written as is,
// raw RGB565 is converted to PNG.
func Viewable(caps proto.Capabilities, f proto.Frame) ([]byte, string, error) {
	if f.Kind == proto.FrameLCDImage {
		return f.Data, ".jpg", nil
	}

	switch caps.Format {
	case proto.FormatJPEG:
		return f.Data, ".jpg", nil
	case proto.FormatBMP:
		return f.Data, ".bmp", nil
	case proto.FormatRGB565:
		img, ok := bitmap.FromBytes(f.Data, caps.KeySize, caps.KeySize)
		if !ok {
			return nil, "", errors.Errorf("rgb565 frame of %d bytes does not fit %dpx", len(f.Data), caps.KeySize)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", errors.Wrap(err, "encode png")
		}
		return buf.Bytes(), ".png", nil
	}
	return nil, "", errors.Errorf("no snapshot for format %s", caps.Format)
}
