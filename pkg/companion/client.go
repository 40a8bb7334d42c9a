package companion

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"deckbridge/pkg/link"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

const (
	DefaultAddr         = "127.0.0.1:16622"
	DefaultPingInterval = 2 * time.Second

	outboundDepth = 64
)

var errQuit = errors.New("host sent QUIT")

type Config struct {
	Addr         string
	MaxLine      int
	PingInterval time.Duration
	DialTimeout  time.Duration
	// AckSuccess also answers successful commands; errors are always answered.
	AckSuccess bool
	Backoff    link.BackoffConfig
}

// Registry is the part of the session registry a host connection drives.
type Registry interface {
	HostConnected(ctx context.Context) error
	HostDisconnected(ctx context.Context) error
	Apply(ctx context.Context, cmd proto.Command) ([]proto.Frame, error)
	Deliver(ctx context.Context, frames []proto.Frame) error
	Sessions(ctx context.Context) ([]session.Snapshot, error)
	Notices() <-chan proto.InputEvent
}

func NewClient(logger *zap.Logger, cfg Config, registry Registry) *Client {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
	}
}

// Client keeps one satellite connection to the host alive, one connection at a time.
type Client struct {
	logger   *zap.Logger
	cfg      Config
	registry Registry
}

// Run dials the host until ctx is done, backing off between attempts.
func (c *Client) Run(ctx context.Context) error {
	backoff := link.NewBackoff(c.cfg.Backoff)
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("host dial failed", zap.String("addr", c.cfg.Addr), zap.Int("attempt", backoff.Attempts()+1), zap.Error(err))
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}

		backoff.Reset()
		err = c.Serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info("host connection closed, reconnecting", zap.String("addr", c.cfg.Addr), zap.Error(err))
		if !backoff.Wait(ctx) {
			return nil
		}
	}
}

// Serve runs the protocol over an established connection until it fails, the host quits
// or ctx is done. The connection is closed on return.
func (c *Client) Serve(ctx context.Context, conn net.Conn) error {
	logger := c.logger.With(zap.String("conn", xid.New().String()), zap.Stringer("remote", conn.RemoteAddr()))
	logger.Info("host connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.registry.HostConnected(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	defer func() {
		// ctx may already be cancelled here
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		defer dcancel()
		if err := c.registry.HostDisconnected(dctx); err != nil {
			logger.Warn("cannot orphan sessions", zap.Error(err))
		}
	}()

	out := make(chan string, outboundDepth)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, cancel, conn, out, logger)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = conn.Close()
	}()
	defer wg.Wait()
	defer cancel()

	h := &hostConn{client: c, logger: logger, out: out}
	reader := NewLineReader(conn, c.cfg.MaxLine)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				logger.Warn("host line rejected", zap.Error(err))
				if err := h.send(ctx, EncodeError(err)); err != nil {
					return nil
				}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read from host")
		}
		if line == "" {
			continue
		}

		if err := h.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				logger.Info("host quit")
				return nil
			}
			return err
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, cancel context.CancelFunc, conn net.Conn, out <-chan string, logger *zap.Logger) {
	defer cancel()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	write := func(s string) bool {
		if _, err := io.WriteString(conn, s); err != nil {
			if ctx.Err() == nil {
				logger.Warn("write to host failed", zap.Error(err))
			}
			return false
		}
		return true
	}

	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			line = EncodePing()
		case line = <-out:
		case ev := <-c.registry.Notices():
			line = EncodeEvent(ev)
			logger.Debug("event to host", zap.Stringer("event", ev))
		}
		if line != "" && !write(line) {
			return
		}
	}
}

type hostConn struct {
	client *Client
	logger *zap.Logger
	out    chan<- string
}

func (h *hostConn) send(ctx context.Context, line string) error {
	select {
	case h.out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hostConn) handle(ctx context.Context, line string) error {
	cmd, err := Decode(line)
	if err != nil {
		h.logger.Warn("host line rejected", zap.Error(err))
		return h.send(ctx, EncodeError(err))
	}

	registry := h.client.registry
	switch cmd.Kind {
	case proto.CmdPing:
		return h.send(ctx, EncodeAck(Ack{Kind: proto.CmdPing, Message: cmd.Message}))
	case proto.CmdPong:
		return nil
	case proto.CmdQuit:
		return errQuit
	case proto.CmdBegin:
		return h.begin(ctx, cmd)
	}

	logger := h.logger.With(zap.Stringer("cmd", cmd.Kind), zap.String("device", string(cmd.DeviceID)))
	frames, err := registry.Apply(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("command failed", zap.Int("key", cmd.Key), zap.Error(err))
		if !answered(cmd.Kind) {
			return nil
		}
		return h.send(ctx, EncodeAck(Ack{Kind: cmd.Kind, DeviceID: cmd.DeviceID, Err: err}))
	}

	if err := registry.Deliver(ctx, frames); err != nil {
		return err
	}
	logger.Debug("command applied", zap.Int("frames", len(frames)))

	if h.client.cfg.AckSuccess && answered(cmd.Kind) {
		return h.send(ctx, EncodeAck(Ack{Kind: cmd.Kind, DeviceID: cmd.DeviceID}))
	}
	return nil
}

// begin completes the host handshake: every live device is announced and redrawn.
func (h *hostConn) begin(ctx context.Context, cmd proto.Command) error {
	registry := h.client.registry

	frames, err := registry.Apply(ctx, cmd)
	if err != nil {
		return err
	}
	sessions, err := registry.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status != proto.Ready {
			continue
		}
		if err := h.send(ctx, EncodeEvent(proto.InputEvent{Kind: proto.DeviceAttached, DeviceID: s.ID, Caps: s.Caps})); err != nil {
			return err
		}
	}
	h.logger.Info("host handshake complete",
		zap.String("host_version", cmd.HostVersion),
		zap.Int("devices", len(sessions)),
		zap.Int("frames", len(frames)))

	return registry.Deliver(ctx, frames)
}

// answered reports whether the bridge replies to a command. ADD-DEVICE and REMOVE-DEVICE
// from the host are themselves replies.
func answered(kind proto.CommandKind) bool {
	switch kind {
	case proto.CmdAddDevice, proto.CmdRemoveDevice:
		return false
	}
	return true
}
