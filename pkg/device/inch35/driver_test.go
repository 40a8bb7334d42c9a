package inch35

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deckbridge/pkg/proto"
)

type fakePort struct {
	bytes.Buffer
	closed bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func testDriver(t *testing.T, port *fakePort) *Driver {
	return newDriver(zaptest.NewLogger(t), Config{Ports: []string{"USB35INCH", "missing"}},
		func() ([]string, error) { return []string{"/dev/cu.usbmodemUSB35INCHIPSV21", "/dev/ttyS0"}, nil },
		func(string) (io.ReadWriteCloser, error) { return port, nil },
	)
}

func TestDriverListsConfiguredPanels(t *testing.T) {
	d := testDriver(t, &fakePort{})
	handles, err := d.ListAttached()
	require.NoError(t, err)
	assert.Equal(t, []proto.Handle{{ID: "inch35-USB35INCH", Path: "USB35INCH"}}, handles)
}

func TestDriverOpenSendsSetup(t *testing.T) {
	port := &fakePort{}
	d := testDriver(t, port)

	caps, err := d.Open(proto.Handle{ID: "inch35-USB35INCH", Path: "USB35INCH"})
	require.NoError(t, err)
	assert.Equal(t, proto.ModelInch35, caps.Model)
	assert.Equal(t, Width, caps.Columns*caps.KeySize)
	assert.Equal(t, Height, caps.Rows*caps.KeySize)

	out := port.Bytes()
	require.Len(t, out, 6+16+16)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, Startup}, out[:6])
	assert.Equal(t, byte(SetMirror), out[6+5])
	assert.Equal(t, byte(SetRotate), out[22+5])
	// portrait, 320x480
	assert.Equal(t, []byte{100, 0x01, 0x40, 0x01, 0xE0}, out[22+6:22+11])
}

func TestDriverDrawsKeyTile(t *testing.T) {
	port := &fakePort{}
	d := testDriver(t, port)
	h := proto.Handle{ID: "inch35-USB35INCH", Path: "USB35INCH"}
	_, err := d.Open(h)
	require.NoError(t, err)
	port.Reset()

	tile := bytes.Repeat([]byte{0x1F, 0x00}, 80*80)
	require.NoError(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameKeyImage, Key: 5, Data: tile}))

	out := port.Bytes()
	require.Len(t, out, 6+len(tile))
	// key 5 is column 1, row 1: 80,80 to 159,159
	assert.Equal(t, []byte{0x14, 0x05, 0x02, 0x7c, 0x9f, DrawBitmap}, out[:6])
	assert.Equal(t, tile, out[6:])

	port.Reset()
	require.NoError(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameBrightness, Level: 40}))
	assert.Equal(t, []byte{0x0a, 0, 0, 0, 0, SetLight}, port.Bytes())

	port.Reset()
	require.NoError(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameReset}))
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0xfd, 0xdf, DrawBitmap}, port.Bytes()[:6])
	assert.Len(t, port.Bytes(), 6+Width*Height*2)

	assert.Error(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameKeyImage, Key: 24, Data: tile}))
	assert.Error(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameKeyImage, Key: 0, Data: tile[:10]}))
	assert.Error(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameLCDImage}))
}

func TestDriverCloseEndsReadEvent(t *testing.T) {
	port := &fakePort{}
	d := testDriver(t, port)
	h := proto.Handle{ID: "inch35-USB35INCH", Path: "USB35INCH"}
	_, err := d.Open(h)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := d.ReadEvent(context.Background(), h)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Close(h))
	assert.ErrorIs(t, <-result, ErrClosed)
	assert.True(t, port.closed)
	assert.ErrorIs(t, d.WriteFrame(h, proto.Frame{Kind: proto.FrameReset}), ErrClosed)
}
