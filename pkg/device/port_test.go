package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

// brokenDriver fails every write and never reports input.
type brokenDriver struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (d *brokenDriver) ListAttached() ([]proto.Handle, error) { return nil, nil }

func (d *brokenDriver) Open(proto.Handle) (proto.Capabilities, error) {
	return proto.Capabilities{}, nil
}

func (d *brokenDriver) WriteFrame(proto.Handle, proto.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	return errors.New("usb stall")
}

func (d *brokenDriver) ReadEvent(ctx context.Context, _ proto.Handle) (proto.InputEvent, error) {
	<-ctx.Done()
	return proto.InputEvent{}, ctx.Err()
}

func (d *brokenDriver) Close(proto.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type nopHost struct{}

func (nopHost) Attach(context.Context, session.Info, session.Sink) (session.Attachment, error) {
	return session.Attachment{}, nil
}
func (nopHost) Remove(context.Context, proto.DeviceID) error  { return nil }
func (nopHost) Input(context.Context, proto.InputEvent) error { return nil }
func (nopHost) Deliver(context.Context, []proto.Frame) error  { return nil }

func TestPortGivesUpAfterRepeatedWriteFailures(t *testing.T) {
	drv := &brokenDriver{}
	port := NewPort(zaptest.NewLogger(t), drv, proto.Handle{ID: "B1"}, proto.Capabilities{}, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- port.Run(ctx, nopHost{}) }()

	for i := 0; i < maxWriteFailures; i++ {
		require.NoError(t, port.Send(ctx, proto.Frame{Kind: proto.FrameKeyImage, Key: i}))
	}

	err := <-result
	assert.ErrorIs(t, err, errWriteFailed)
	assert.True(t, drv.closed)
	assert.Equal(t, maxWriteFailures, drv.writes)

	assert.ErrorIs(t, port.Send(ctx, proto.Frame{Kind: proto.FrameReset}), ErrPortClosed)
}

func TestPortStopsWithContext(t *testing.T) {
	drv := &brokenDriver{}
	port := NewPort(zaptest.NewLogger(t), drv, proto.Handle{ID: "B1"}, proto.Capabilities{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- port.Run(ctx, nopHost{}) }()

	cancel()
	assert.NoError(t, <-result)
	assert.True(t, drv.closed)
}
