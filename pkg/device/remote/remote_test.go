package remote

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/link"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
	"deckbridge/pkg/transcode"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	t    *testing.T
	ctx  context.Context
	reg  *session.Registry
	deck *virtual.Deck
	gw   *Link
	leaf *Leaf
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	deck, err := virtual.New(logger, afero.NewMemMapFs(), virtual.Config{})
	require.NoError(t, err)

	reg := session.New(logger, transcode.New(), session.WithDefaultBrightness(70))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ep := link.Endpoint{Scheme: "tcp", Addr: "leaf.test:7000"}
	return &fixture{
		t:    t,
		ctx:  ctx,
		reg:  reg,
		deck: deck,
		gw:   NewLink(logger, ep, GatewayConfig{PingInterval: 50 * time.Millisecond}, reg),
		leaf: NewLeaf(logger, LeafConfig{Compress: true, PollInterval: 10 * time.Millisecond}, deck),
	}
}

// connect joins leaf and gateway over a pipe; the returned func breaks the link and waits
// for both ends to finish.
func (f *fixture) connect() func() {
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(f.ctx)
	leafDone := make(chan struct{})
	gwDone := make(chan struct{})
	go func() {
		defer close(leafDone)
		_ = f.leaf.Serve(ctx, a)
	}()
	go func() {
		defer close(gwDone)
		_ = f.gw.Serve(ctx, b)
	}()

	stop := func() {
		cancel()
		<-leafDone
		<-gwDone
	}
	f.t.Cleanup(stop)
	return stop
}

func (f *fixture) status(id proto.DeviceID) proto.Status {
	snap, ok, err := f.reg.Snapshot(context.Background(), id)
	require.NoError(f.t, err)
	if !ok {
		return proto.Disconnected
	}
	return snap.Status
}

func (f *fixture) eventually(cond func() bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, cond, waitFor, tick, msg)
}

func TestLinkHandshakeAndDraw(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deck.Plug("L1", proto.ModelMk2))
	f.connect()

	f.eventually(func() bool { return f.gw.State() == Streaming }, "link never streamed")
	assert.Equal(t, proto.Ready, f.status("L1"))

	snap, ok, err := f.reg.Snapshot(f.ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tcp://leaf.test:7000", snap.Origin)

	f.eventually(func() bool {
		level, _ := f.deck.Brightness("L1")
		return level == 70
	}, "brightness never reached the leaf")

	img := bytes.Repeat([]byte{200, 10, 10}, 72*72)
	frames, err := f.reg.Apply(f.ctx, proto.Command{Kind: proto.CmdDrawKeyBitmap, DeviceID: "L1", Key: 3, Image: img, Format: proto.SourceRGB})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, f.reg.Deliver(f.ctx, frames))

	f.eventually(func() bool {
		got, ok := f.deck.Key("L1", 3)
		return ok && bytes.Equal(got.Data, frames[0].Data)
	}, "key image never reached the leaf")
}

func TestLinkForwardsInputAndRemoval(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deck.Plug("L1", proto.ModelPlus))
	f.connect()
	f.eventually(func() bool { return f.gw.State() == Streaming }, "link never streamed")

	require.NoError(t, f.reg.HostConnected(f.ctx))
	_, err := f.reg.Apply(f.ctx, proto.Command{Kind: proto.CmdBegin})
	require.NoError(t, err)

	require.NoError(t, f.deck.Press("L1", 6))
	require.NoError(t, f.deck.Turn("L1", 2, -1))

	var got []proto.InputEvent
	timeout := time.After(waitFor)
	for len(got) < 3 {
		select {
		case ev := <-f.reg.Notices():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("only %d events arrived", len(got))
		}
	}
	assert.Equal(t, proto.InputEvent{Kind: proto.KeyDown, DeviceID: "L1", Key: 6}, got[0])
	assert.Equal(t, proto.InputEvent{Kind: proto.KeyUp, DeviceID: "L1", Key: 6}, got[1])
	assert.Equal(t, proto.InputEvent{Kind: proto.EncoderTurn, DeviceID: "L1", Key: 2, Delta: -1}, got[2])

	f.deck.Unplug("L1")
	f.eventually(func() bool { return f.status("L1") == proto.Removed }, "removal never reached the registry")
}

func TestLinkLossLeavesSessionsStaleAndResyncs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deck.Plug("L1", proto.ModelMk2))
	require.NoError(t, f.deck.Plug("L2", proto.ModelMini))
	stop := f.connect()
	f.eventually(func() bool { return f.gw.State() == Streaming }, "link never streamed")

	img := bytes.Repeat([]byte{10, 200, 10}, 72*72)
	frames, err := f.reg.Apply(f.ctx, proto.Command{Kind: proto.CmdDrawKeyBitmap, DeviceID: "L1", Key: 1, Image: img, Format: proto.SourceRGB})
	require.NoError(t, err)
	require.NoError(t, f.reg.Deliver(f.ctx, frames))
	f.eventually(func() bool {
		_, ok := f.deck.Key("L1", 1)
		return ok
	}, "key image never reached the leaf")

	before, _, err := f.reg.Snapshot(f.ctx, "L1")
	require.NoError(t, err)
	_, writesBefore := f.deck.Brightness("L1")

	stop()
	assert.Equal(t, Disconnected, f.gw.State())
	assert.Equal(t, proto.Disconnected, f.status("L1"))
	assert.Equal(t, proto.Disconnected, f.status("L2"))

	// L2 goes away while the link is down
	f.deck.Unplug("L2")
	f.connect()
	f.eventually(func() bool { return f.gw.State() == Streaming }, "link never streamed again")

	after, ok, err := f.reg.Snapshot(f.ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.Ready, after.Status)
	assert.Equal(t, before.Index, after.Index)
	assert.Equal(t, proto.Removed, f.status("L2"))

	// brightness plus one frame per key
	f.eventually(func() bool {
		_, writes := f.deck.Brightness("L1")
		return writes >= writesBefore+1+15
	}, "resync never reached the leaf")
	got, ok := f.deck.Key("L1", 1)
	require.True(t, ok)
	assert.Equal(t, frames[0].Data, got.Data)
}

func TestGatewayRejectsBadLeafAddress(t *testing.T) {
	_, err := NewGateway(zaptest.NewLogger(t), GatewayConfig{Leaves: []string{"udp://x:1"}}, nil)
	assert.Error(t, err)

	g, err := NewGateway(zaptest.NewLogger(t), GatewayConfig{Leaves: []string{"10.0.0.2:7000", "serial://ttyUSB0"}}, nil)
	require.NoError(t, err)
	require.Len(t, g.Links(), 2)
	assert.Equal(t, Disconnected, g.Links()[0].State())
}
