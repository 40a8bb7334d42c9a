package device

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
	"deckbridge/pkg/transcode"
)

const waitFor = 2 * time.Second

func startBridge(t *testing.T, deck *virtual.Deck) *session.Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := session.New(logger, transcode.New(), session.WithDefaultBrightness(60))
	w := NewWatcher(logger, deck, reg, WatcherConfig{Origin: "virtual", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	regDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(regDone)
		_ = reg.Run(ctx)
	}()
	go func() {
		defer close(watchDone)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-watchDone
		<-regDone
	})
	return reg
}

func status(t *testing.T, reg *session.Registry, id proto.DeviceID) proto.Status {
	snap, ok, err := reg.Snapshot(context.Background(), id)
	require.NoError(t, err)
	if !ok {
		return proto.Disconnected
	}
	return snap.Status
}

func TestWatcherAttachDrawAndUnplug(t *testing.T) {
	deck, err := virtual.New(zaptest.NewLogger(t), afero.NewMemMapFs(), virtual.Config{})
	require.NoError(t, err)
	require.NoError(t, deck.Plug("V1", proto.ModelMk2))

	reg := startBridge(t, deck)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		level, writes := deck.Brightness("V1")
		return level == 60 && writes == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, proto.Ready, status(t, reg, "V1"))

	img := bytes.Repeat([]byte{0, 0, 255}, 72*72)
	frames, err := reg.Apply(ctx, proto.Command{Kind: proto.CmdDrawKeyBitmap, DeviceID: "V1", Key: 4, Image: img, Format: proto.SourceRGB})
	require.NoError(t, err)
	require.NoError(t, reg.Deliver(ctx, frames))

	require.Eventually(t, func() bool {
		f, ok := deck.Key("V1", 4)
		return ok && f.Kind == proto.FrameKeyImage && len(f.Data) > 0
	}, waitFor, 5*time.Millisecond)

	deck.Unplug("V1")
	require.Eventually(t, func() bool {
		return status(t, reg, "V1") == proto.Removed
	}, waitFor, 5*time.Millisecond)
}

func TestWatcherForwardsInput(t *testing.T) {
	deck, err := virtual.New(zaptest.NewLogger(t), afero.NewMemMapFs(), virtual.Config{})
	require.NoError(t, err)
	require.NoError(t, deck.Plug("V1", proto.ModelPlus))

	reg := startBridge(t, deck)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return status(t, reg, "V1") == proto.Ready
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, reg.HostConnected(ctx))
	frames, err := reg.Apply(ctx, proto.Command{Kind: proto.CmdBegin})
	require.NoError(t, err)
	require.NoError(t, reg.Deliver(ctx, frames))

	require.NoError(t, deck.Press("V1", 2))
	require.NoError(t, deck.Turn("V1", 1, 3))

	var got []proto.InputEvent
	timeout := time.After(waitFor)
	for len(got) < 3 {
		select {
		case ev := <-reg.Notices():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("only %d events arrived", len(got))
		}
	}
	assert.Equal(t, proto.InputEvent{Kind: proto.KeyDown, DeviceID: "V1", Key: 2}, got[0])
	assert.Equal(t, proto.InputEvent{Kind: proto.KeyUp, DeviceID: "V1", Key: 2}, got[1])
	assert.Equal(t, proto.InputEvent{Kind: proto.EncoderTurn, DeviceID: "V1", Key: 1, Delta: 3}, got[2])
}

func TestWatcherReplugGetsFreshSession(t *testing.T) {
	deck, err := virtual.New(zaptest.NewLogger(t), afero.NewMemMapFs(), virtual.Config{})
	require.NoError(t, err)
	require.NoError(t, deck.Plug("V1", proto.ModelMini))

	reg := startBridge(t, deck)
	require.Eventually(t, func() bool {
		return status(t, reg, "V1") == proto.Ready
	}, waitFor, 5*time.Millisecond)

	deck.Unplug("V1")
	require.Eventually(t, func() bool {
		return status(t, reg, "V1") == proto.Removed
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, deck.Plug("V1", proto.ModelMini))
	require.Eventually(t, func() bool {
		return status(t, reg, "V1") == proto.Ready
	}, waitFor, 5*time.Millisecond)

	snap, ok, err := reg.Snapshot(context.Background(), "V1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, snap.Index)
	assert.Empty(t, snap.Keys)
}
