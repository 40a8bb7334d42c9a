package companion

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
	"deckbridge/pkg/transcode"
)

type frameSink struct {
	mu     sync.Mutex
	frames []proto.Frame
}

func (s *frameSink) Send(_ context.Context, f proto.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) last() proto.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type host struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *host) send(line string) {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.conn.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

func (h *host) expect() string {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := h.r.ReadString('\n')
	require.NoError(h.t, err)
	return strings.TrimSuffix(line, "\n")
}

func TestClientServe(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.New(logger, transcode.New())
	go func() { _ = registry.Run(ctx) }()

	caps, ok := proto.CapabilitiesFor(proto.ModelMk2)
	require.True(t, ok)
	sink := &frameSink{}
	_, err := registry.Attach(ctx, session.Info{ID: "CL01", Caps: caps}, sink)
	require.NoError(t, err)

	client := NewClient(logger, Config{PingInterval: time.Hour, AckSuccess: true}, registry)

	bridgeSide, hostSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- client.Serve(ctx, bridgeSide) }()

	h := &host{t: t, conn: hostSide, r: bufio.NewReader(hostSide)}

	h.send("BEGIN CompanionVersion=3.4.0 ApiVersion=1.7.0")
	assert.Equal(t, `ADD-DEVICE DEVICEID=CL01 PRODUCT_NAME="Stream Deck Mk2" KEYS_TOTAL=15 KEYS_PER_ROW=5 BITMAPS=72 COLORS=true TEXT=false`, h.expect())

	h.send(`ADD-DEVICE OK DEVICEID="CL01"`)
	h.send("BRIGHTNESS DEVICEID=CL01 VALUE=150")
	assert.Equal(t, "BRIGHTNESS OK DEVICEID=CL01", h.expect())
	assert.Equal(t, 100, sink.last().Level)

	snap, found, err := registry.Snapshot(ctx, "CL01")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, snap.Registered)

	h.send("this is not a command")
	assert.True(t, strings.HasPrefix(h.expect(), `ERROR MESSAGE="malformed line: unknown command`))
	h.send("BRIGHTNESS DEVICEID=nope VALUE=1")
	assert.True(t, strings.HasPrefix(h.expect(), "BRIGHTNESS ERROR DEVICEID=nope MESSAGE="))

	h.send("PING 99")
	assert.Equal(t, "PONG 99", h.expect())

	require.NoError(t, registry.Input(ctx, proto.InputEvent{Kind: proto.KeyDown, DeviceID: "CL01", Key: 2}))
	assert.Equal(t, "KEY-PRESS DEVICEID=CL01 KEY=2 PRESSED=true", h.expect())

	h.send("QUIT")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after QUIT")
	}

	snap, _, err = registry.Snapshot(ctx, "CL01")
	require.NoError(t, err)
	assert.False(t, snap.Registered)
	assert.Equal(t, proto.Ready, snap.Status)
}

func TestClientRunReconnects(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.New(logger, transcode.New())
	go func() { _ = registry.Run(ctx) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client := NewClient(logger, Config{Addr: ln.Addr().String(), PingInterval: 20 * time.Millisecond}, registry)
	go func() { _ = client.Run(ctx) }()

	for i := 0; i < 2; i++ {
		conn, err := ln.Accept()
		require.NoError(t, err)

		r := bufio.NewReader(conn)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "PING\n", line)

		_, err = conn.Write([]byte("QUIT\n"))
		require.NoError(t, err)
		_ = conn.Close()
	}
}

func TestClientAnswersUndecodableLines(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.New(logger, transcode.New())
	go func() { _ = registry.Run(ctx) }()

	client := NewClient(logger, Config{PingInterval: time.Hour, MaxLine: 32}, registry)
	bridgeSide, hostSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- client.Serve(ctx, bridgeSide) }()

	h := &host{t: t, conn: hostSide, r: bufio.NewReader(hostSide)}

	h.send("KEY-STATE DEVICEID=CL01 KEY=1 BITMAP=" + strings.Repeat("A", 64))
	assert.True(t, strings.HasPrefix(h.expect(), `ERROR MESSAGE="line too long`))

	h.send("FROB DEVICEID=CL01")
	assert.True(t, strings.HasPrefix(h.expect(), `ERROR MESSAGE="malformed line`))

	h.send("PING 7")
	assert.Equal(t, "PONG 7", h.expect())

	h.send("QUIT")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after QUIT")
	}
}
