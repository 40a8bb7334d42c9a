package transcode

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"deckbridge/pkg/bitmap"
	"deckbridge/pkg/proto"
)

const (
	defaultQuality   = 90
	defaultMaxSource = 1 << 20
	defaultMaxPixels = 1 << 20
)

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		quality:   defaultQuality,
		filter:    imaging.Lanczos,
		maxSource: defaultMaxSource,
		maxPixels: defaultMaxPixels,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Pipeline turns host bitmaps into device-native frames. It holds configuration only and is
// safe for concurrent use. Identical inputs always produce byte-identical frames.
type Pipeline struct {
	quality   int
	filter    imaging.ResampleFilter
	maxSource int
	maxPixels int
}

// RenderKey decodes a host bitmap and encodes it for the key at index key. Keys past the
// hardware grid of a device with an LCD strip address a strip segment.
func (p *Pipeline) RenderKey(data []byte, format proto.SourceFormat, caps proto.Capabilities, key int) (proto.Frame, error) {
	if len(data) > p.maxSource {
		return proto.Frame{}, errors.Wrapf(ErrPayloadTooLarge, "bitmap of %d bytes, limit %d", len(data), p.maxSource)
	}
	if err := checkKey(caps, key); err != nil {
		return proto.Frame{}, err
	}

	img, err := decode(data, format, p.maxPixels)
	if err != nil {
		return proto.Frame{}, err
	}

	return p.render(img, caps, key)
}

// RenderColor fills a key with a solid colour.
func (p *Pipeline) RenderColor(c color.Color, caps proto.Capabilities, key int) (proto.Frame, error) {
	if err := checkKey(caps, key); err != nil {
		return proto.Frame{}, err
	}
	return p.render(imaging.New(caps.KeySize, caps.KeySize, c), caps, key)
}

func (p *Pipeline) RenderBlank(caps proto.Capabilities, key int) (proto.Frame, error) {
	return p.RenderColor(color.Black, caps, key)
}

// RenderBrightness clamps level into the range the device supports. Out of range requests
// are not an error.
func (p *Pipeline) RenderBrightness(level int, caps proto.Capabilities) proto.Frame {
	hi := caps.BrightnessMax
	if hi <= 0 {
		hi = 100
	}
	floor := lo.Clamp(caps.BrightnessMin, 0, hi)
	return proto.Frame{
		Kind:  proto.FrameBrightness,
		Level: lo.Clamp(level, floor, hi),
	}
}

func (p *Pipeline) RenderReset(caps proto.Capabilities) proto.Frame {
	return proto.Frame{Kind: proto.FrameReset}
}

func checkKey(caps proto.Capabilities, key int) error {
	if !caps.Visual() {
		return errors.Wrapf(ErrUnsupportedFormat, "%s has no display", caps.Model)
	}
	if key < 0 || key >= caps.KeyCount()+caps.LCDKeys() {
		return errors.Wrapf(ErrKeyOutOfRange, "key %d on %s", key, caps.Model)
	}
	return nil
}

func (p *Pipeline) render(img image.Image, caps proto.Capabilities, key int) (proto.Frame, error) {
	if key >= caps.KeyCount() {
		return p.renderSegment(img, caps, key)
	}

	size := caps.KeySize
	dst := p.fit(img, size, size)
	dst = orient(dst, caps)

	data, err := p.encode(dst, caps.Format)
	if err != nil {
		return proto.Frame{}, err
	}

	if want := caps.ExpectedKeyBytes(); want > 0 && len(data) != want {
		return proto.Frame{}, errors.Wrapf(ErrUnsupportedFormat, "%s encoder produced %d bytes, device expects %d", caps.Format, len(data), want)
	}
	if caps.MaxImageBytes > 0 && len(data) > caps.MaxImageBytes {
		return proto.Frame{}, errors.Wrapf(ErrPayloadTooLarge, "key image of %d bytes, limit %d", len(data), caps.MaxImageBytes)
	}

	return proto.Frame{
		Kind: proto.FrameKeyImage,
		Key:  key,
		Data: data,
	}, nil
}

// renderSegment draws a square image centred in the strip segment under its key column.
func (p *Pipeline) renderSegment(img image.Image, caps proto.Capabilities, key int) (proto.Frame, error) {
	segment := key - caps.KeyCount()
	segWidth := caps.LCDWidth / caps.LCDKeys()
	side := lo.Min([]int{caps.LCDHeight, segWidth})

	dst := p.fit(img, side, side)
	data, err := p.encode(dst, proto.FormatJPEG)
	if err != nil {
		return proto.Frame{}, err
	}
	if caps.MaxImageBytes > 0 && len(data) > caps.MaxImageBytes {
		return proto.Frame{}, errors.Wrapf(ErrPayloadTooLarge, "lcd image of %d bytes, limit %d", len(data), caps.MaxImageBytes)
	}

	return proto.Frame{
		Kind:   proto.FrameLCDImage,
		Key:    key,
		X:      segment*segWidth + (segWidth-side)/2,
		Width:  side,
		Height: side,
		Data:   data,
	}, nil
}

// fit scales img to w x h and flattens it onto black so every encoder sees an opaque image.
func (p *Pipeline) fit(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		img = imaging.Resize(img, w, h, p.filter)
	}
	bg := imaging.New(w, h, color.Black)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func orient(img *image.NRGBA, caps proto.Capabilities) *image.NRGBA {
	switch caps.Rotation {
	case 90:
		img = imaging.Rotate90(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate270(img)
	}
	if caps.FlipH {
		img = imaging.FlipH(img)
	}
	if caps.FlipV {
		img = imaging.FlipV(img)
	}
	return img
}

func (p *Pipeline) encode(img *image.NRGBA, format proto.ImageFormat) ([]byte, error) {
	switch format {
	case proto.FormatRGB565:
		return bitmap.Encode(img), nil
	case proto.FormatJPEG:
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
			return nil, errors.Wrap(err, "jpeg encode")
		}
		return buf.Bytes(), nil
	case proto.FormatBMP:
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.BMP); err != nil {
			return nil, errors.Wrap(err, "bmp encode")
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedFormat, "device format %s", format)
}
