package transcode

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckbridge/pkg/bitmap"
	"deckbridge/pkg/proto"
)

func caps(t *testing.T, m proto.Model) proto.Capabilities {
	t.Helper()
	c, ok := proto.CapabilitiesFor(m)
	require.True(t, ok)
	return c
}

func solidRGB(side int, c color.RGBA) []byte {
	buf := make([]byte, 0, side*side*3)
	for i := 0; i < side*side; i++ {
		buf = append(buf, c.R, c.G, c.B)
	}
	return buf
}

func TestRenderKeyJPEGDeterministic(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelMk2)
	src := solidRGB(72, color.RGBA{R: 200, G: 10, B: 10, A: 0xFF})

	a, err := p.RenderKey(src, proto.SourceAuto, c, 3)
	require.NoError(t, err)
	b, err := p.RenderKey(src, proto.SourceAuto, c, 3)
	require.NoError(t, err)

	assert.Equal(t, proto.FrameKeyImage, a.Kind)
	assert.Equal(t, 3, a.Key)
	assert.Equal(t, a.Data, b.Data)
	assert.True(t, bytes.HasPrefix(a.Data, jpegMagic))
}

func TestRenderKeyBMPExactLength(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelOriginal)

	f, err := p.RenderKey(solidRGB(72, color.RGBA{G: 0xFF, A: 0xFF}), proto.SourceRGB, c, 0)
	require.NoError(t, err)
	assert.Len(t, f.Data, c.ExpectedKeyBytes())
	assert.True(t, bytes.HasPrefix(f.Data, bmpMagic))
}

func TestRenderKeyRGB565(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelInch35)

	f, err := p.RenderKey(solidRGB(80, color.RGBA{R: 0xFF, A: 0xFF}), proto.SourceRGB, c, 23)
	require.NoError(t, err)
	require.Len(t, f.Data, 80*80*2)

	fb, ok := bitmap.FromBytes(f.Data, 80, 80)
	require.True(t, ok)
	assert.Equal(t, bitmap.Color(0xF800), fb.At(40, 40))
}

func TestRenderKeyResizesPNG(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelInch35)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(16, 16, color.White)))

	f, err := p.RenderKey(buf.Bytes(), proto.SourceAuto, c, 0)
	require.NoError(t, err)
	fb, ok := bitmap.FromBytes(f.Data, 80, 80)
	require.True(t, ok)
	assert.Equal(t, bitmap.Color(0xFFFF), fb.At(79, 79))
}

func TestRenderKeyFlattensAlpha(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelInch35)

	// fully transparent white must come out black
	src := make([]byte, 80*80*4)
	for i := 0; i < len(src); i += 4 {
		src[i], src[i+1], src[i+2] = 0xFF, 0xFF, 0xFF
	}

	f, err := p.RenderKey(src, proto.SourceRGBA, c, 0)
	require.NoError(t, err)
	fb, ok := bitmap.FromBytes(f.Data, 80, 80)
	require.True(t, ok)
	assert.Equal(t, bitmap.Color(0), fb.At(10, 10))
}

func TestRenderKeyOrientation(t *testing.T) {
	p := New(WithFilter(imaging.NearestNeighbor))
	c := caps(t, proto.ModelInch35)
	c.FlipH = true

	// left half red, right half blue
	img := image.NewNRGBA(image.Rect(0, 0, 80, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			if x < 40 {
				img.Set(x, y, color.NRGBA{R: 0xFF, A: 0xFF})
			} else {
				img.Set(x, y, color.NRGBA{B: 0xFF, A: 0xFF})
			}
		}
	}

	f, err := p.RenderKey(img.Pix, proto.SourceRGBA, c, 0)
	require.NoError(t, err)
	fb, _ := bitmap.FromBytes(f.Data, 80, 80)
	assert.Equal(t, bitmap.Color(0x001F), fb.At(0, 0))
	assert.Equal(t, bitmap.Color(0xF800), fb.At(79, 0))
}

func TestRenderKeyErrors(t *testing.T) {
	p := New(WithMaxSourceBytes(1024))
	c := caps(t, proto.ModelInch35)

	_, err := p.RenderKey(make([]byte, 2048), proto.SourceAuto, c, 0)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = p.RenderKey([]byte{1, 2, 3, 4, 5}, proto.SourceAuto, c, 0)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = p.RenderKey(solidRGB(8, color.RGBA{A: 0xFF}), proto.SourceRGB, c, 24)
	assert.True(t, errors.Is(err, ErrKeyOutOfRange))

	_, err = p.RenderKey(solidRGB(8, color.RGBA{A: 0xFF}), proto.SourceRGB, caps(t, proto.ModelPedal), 0)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

// hugePNG is a tiny PNG whose header claims side x side pixels.
func hugePNG(t *testing.T, side uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	data := buf.Bytes()
	// signature, then IHDR: length, type, width, height, ..., crc over type and data
	binary.BigEndian.PutUint32(data[16:], side)
	binary.BigEndian.PutUint32(data[20:], side)
	binary.BigEndian.PutUint32(data[29:], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestRenderKeyRejectsHugeDimensions(t *testing.T) {
	c := caps(t, proto.ModelMk2)

	_, err := New().RenderKey(hugePNG(t, 12000), proto.SourceAuto, c, 0)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge), "%v", err)

	p := New(WithMaxSourcePixels(100))
	_, err = p.RenderKey(encodePNG(t, 20), proto.SourceEncoded, c, 0)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge), "%v", err)

	_, err = p.RenderKey(encodePNG(t, 10), proto.SourceEncoded, c, 0)
	assert.NoError(t, err)
}

func encodePNG(t *testing.T, side int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(side, side, color.White)))
	return buf.Bytes()
}

func TestRenderLCDSegment(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelPlus)

	f, err := p.RenderKey(solidRGB(32, color.RGBA{B: 0xFF, A: 0xFF}), proto.SourceRGB, c, 8+2)
	require.NoError(t, err)
	assert.Equal(t, proto.FrameLCDImage, f.Kind)
	assert.Equal(t, 100, f.Width)
	assert.Equal(t, 100, f.Height)
	assert.Equal(t, 2*200+50, f.X)
	assert.True(t, bytes.HasPrefix(f.Data, jpegMagic))

	// encoders are not drawable
	_, err = p.RenderKey(solidRGB(32, color.RGBA{A: 0xFF}), proto.SourceRGB, c, 12)
	assert.True(t, errors.Is(err, ErrKeyOutOfRange))
}

func TestRenderColorAndBlank(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelInch35)

	f, err := p.RenderColor(color.RGBA{G: 0xFF, A: 0xFF}, c, 5)
	require.NoError(t, err)
	fb, _ := bitmap.FromBytes(f.Data, 80, 80)
	assert.Equal(t, bitmap.Color(0x07E0), fb.At(0, 0))

	f, err = p.RenderBlank(c, 5)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 80*80*2), f.Data)
}

func TestRenderBrightnessClamps(t *testing.T) {
	p := New()
	c := caps(t, proto.ModelMk2)

	assert.Equal(t, 100, p.RenderBrightness(150, c).Level)
	assert.Equal(t, 0, p.RenderBrightness(-3, c).Level)
	assert.Equal(t, 42, p.RenderBrightness(42, c).Level)

	c.BrightnessMax = 0
	assert.Equal(t, 100, p.RenderBrightness(255, c).Level)

	c.BrightnessMin = 10
	assert.Equal(t, 10, p.RenderBrightness(1, c).Level)
	assert.Equal(t, proto.FrameReset, p.RenderReset(c).Kind)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, proto.SourceRGB, DetectFormat(make([]byte, 72*72*3)))
	assert.Equal(t, proto.SourceRGBA, DetectFormat(make([]byte, 2*2*4)))
	assert.Equal(t, proto.SourceEncoded, DetectFormat([]byte{0x89, 'P', 'N', 'G', 0, 0}))
	assert.Equal(t, proto.SourceAuto, DetectFormat([]byte{1, 2}))
}

func TestFilterByName(t *testing.T) {
	_, ok := FilterByName("lanczos")
	assert.True(t, ok)
	_, ok = FilterByName("bogus")
	assert.False(t, ok)
}
