package remote

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"deckbridge/pkg/link"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

var errLinkTimeout = errors.New("leaf stopped answering pings")

// Gateway keeps one Link per configured leaf.
type Gateway struct {
	logger *zap.Logger
	links  []*Link
}

func NewGateway(logger *zap.Logger, cfg GatewayConfig, registry Registry) (*Gateway, error) {
	g := &Gateway{logger: logger}
	for _, raw := range cfg.Leaves {
		ep, err := link.ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		g.links = append(g.links, NewLink(logger, ep, cfg, registry))
	}
	return g, nil
}

func (g *Gateway) Links() []*Link {
	return g.links
}

// Run drives every link until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range g.links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			_ = l.Run(ctx)
		}(l)
	}
	wg.Wait()
	return nil
}

// Link is the gateway end of one leaf connection. It survives reconnects: devices seen on
// earlier connections are marked stale on loss and resynced when the leaf announces them again.
type Link struct {
	logger   *zap.Logger
	ep       link.Endpoint
	cfg      GatewayConfig
	registry Registry
	queue    *link.Queue

	state atomic.Uint32
	// ctx of the running connection, for queue drop callbacks
	dropCtx atomic.Pointer[context.Context]

	mu    sync.Mutex
	slots map[uint8]remoteDevice
	known map[proto.DeviceID]bool
}

type remoteDevice struct {
	id   proto.DeviceID
	caps proto.Capabilities
	lz4  bool
}

func NewLink(logger *zap.Logger, ep link.Endpoint, cfg GatewayConfig, registry Registry) *Link {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = link.DefaultMaxPacket
	}

	l := &Link{
		logger:   logger.With(zap.Stringer("leaf", ep)),
		ep:       ep,
		cfg:      cfg,
		registry: registry,
		slots:    make(map[uint8]remoteDevice),
		known:    make(map[proto.DeviceID]bool),
	}
	l.queue = link.NewQueue(cfg.QueueDepth, l.dropped)
	return l
}

func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

func (l *Link) setState(s LinkState) {
	if LinkState(l.state.Swap(uint32(s))) != s {
		l.logger.Debug("link state", zap.Stringer("state", s))
	}
}

// Run connects to the leaf until ctx is done, backing off between attempts.
func (l *Link) Run(ctx context.Context) error {
	backoff := link.NewBackoff(l.cfg.Backoff)
	for {
		l.setState(Disconnected)
		conn, err := link.Open(ctx, l.ep, l.cfg.DialTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("leaf connect failed", zap.Int("attempt", backoff.Attempts()+1), zap.Error(err))
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}

		backoff.Reset()
		err = l.Serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Info("leaf link lost, reconnecting", zap.Error(err))
		if !backoff.Wait(ctx) {
			return nil
		}
	}
}

// Serve runs the link protocol over an established connection. The connection is closed
// on return and every device of the leaf is left stale.
func (l *Link) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	logger := l.logger.With(zap.String("conn", xid.New().String()))
	logger.Info("leaf connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.dropCtx.Store(&ctx)

	l.setState(Handshaking)
	l.mu.Lock()
	l.slots = make(map[uint8]remoteDevice)
	previous := lo.Keys(l.known)
	l.mu.Unlock()
	for _, id := range previous {
		if err := l.registry.MarkConnecting(ctx, id); err != nil {
			logger.Warn("mark connecting failed", zap.Error(err))
		}
	}

	c := &gatewayConn{Link: l, logger: logger, conn: conn, announced: make(map[proto.DeviceID]bool)}
	c.seen.Store(time.Now().UnixNano())

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	errs := make(chan error, 2)
	go func() { errs <- c.writeLoop(ctx) }()
	go func() { errs <- c.keepalive(ctx) }()

	err := c.readLoop(ctx)
	cancel()
	<-errs
	<-errs

	l.drain(logger)
	return err
}

// drain clears what could not be sent and leaves every device of the link stale.
func (l *Link) drain(logger *zap.Logger) {
	l.setState(Draining)

	if n := l.queue.Clear(); n > 0 {
		logger.Debug("pending frames discarded", zap.Int("frames", n))
	}

	l.mu.Lock()
	ids := lo.Keys(l.known)
	l.slots = make(map[uint8]remoteDevice)
	l.mu.Unlock()

	// the serve ctx is gone by now
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range ids {
		if err := l.registry.MarkStale(ctx, id); err != nil {
			logger.Warn("mark stale failed", zap.String("device", string(id)), zap.Error(err))
		}
	}
	l.setState(Disconnected)
}

// dropped is the queue's overflow callback: the key's cache entry no longer matches the
// device, so the next identical draw must not be suppressed.
func (l *Link) dropped(f proto.Frame) {
	ctx := context.Background()
	if p := l.dropCtx.Load(); p != nil {
		ctx = *p
	}
	l.logger.Debug("frame dropped on full queue", zap.Stringer("frame", f))
	if err := l.registry.Forget(ctx, f.DeviceID, f.Key); err != nil {
		l.logger.Warn("forget failed", zap.Error(err))
	}
}

func (l *Link) slotOf(id proto.DeviceID) (uint8, remoteDevice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for slot, d := range l.slots {
		if d.id == id {
			return slot, d, true
		}
	}
	return 0, remoteDevice{}, false
}

func (l *Link) device(slot uint8) (remoteDevice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.slots[slot]
	return d, ok
}

// sink queues frames for the leaf; it never blocks.
func (l *Link) sink() session.Sink {
	return session.SinkFunc(func(_ context.Context, f proto.Frame) error {
		l.queue.Push(f)
		return nil
	})
}

type gatewayConn struct {
	*Link
	logger *zap.Logger
	conn   io.ReadWriteCloser

	writeMu sync.Mutex
	seen    atomic.Int64

	announced map[proto.DeviceID]bool
}

func (c *gatewayConn) write(p link.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := link.WritePacket(c.conn, p); err != nil {
		return &link.TransportError{Op: "write", Addr: c.ep.String(), Err: err}
	}
	return nil
}

func (c *gatewayConn) writeLoop(ctx context.Context) error {
	for {
		f, err := c.queue.Pop(ctx)
		if err != nil {
			return nil
		}

		slot, dev, ok := c.slotOf(f.DeviceID)
		if !ok {
			c.dropped(f)
			continue
		}
		p, err := link.EncodeFrame(f, slot, dev.lz4)
		if err != nil {
			c.logger.Warn("frame not encodable", zap.Stringer("frame", f), zap.Error(err))
			continue
		}
		if err := c.write(p); err != nil {
			_ = c.conn.Close()
			return err
		}
		c.logger.Debug("frame sent", zap.Stringer("frame", f), zap.Stringer("packet", p))
	}
}

func (c *gatewayConn) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(time.Unix(0, c.seen.Load())) > pingTolerance*c.cfg.PingInterval {
				c.logger.Warn("leaf timed out")
				_ = c.conn.Close()
				return errLinkTimeout
			}
			if err := c.write(link.Packet{Kind: link.KindPing}); err != nil {
				_ = c.conn.Close()
				return err
			}
		}
	}
}

func (c *gatewayConn) readLoop(ctx context.Context) error {
	r := link.NewReader(c.conn, c.cfg.MaxPacket)
	defer func() {
		stats := r.Receiver().Stats()
		c.logger.Info("leaf reader stopped",
			zap.Uint64("delivered", stats.Delivered),
			zap.Uint64("dropped", stats.Dropped),
			zap.Uint64("resync_bytes", stats.ResyncBytes))
	}()

	for {
		p, err := r.ReadPacket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return &link.TransportError{Op: "read", Addr: c.ep.String(), Err: err}
		}
		c.seen.Store(time.Now().UnixNano())

		if err := c.handle(ctx, p); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("leaf packet rejected", zap.Stringer("packet", p), zap.Error(err))
		}
	}
}

func (c *gatewayConn) handle(ctx context.Context, p link.Packet) error {
	switch p.Kind {
	case link.KindPing:
		return c.write(link.Packet{Kind: link.KindPong, Slot: p.Slot})
	case link.KindPong:
		return nil
	case link.KindHello:
		return c.hello(ctx, p)
	case link.KindHelloDone:
		return c.helloDone(ctx)
	case link.KindKey, link.KindEncoder:
		dev, ok := c.device(p.Slot)
		if !ok {
			return errors.Errorf("event for empty slot %d", p.Slot)
		}
		ev, err := link.DecodeEvent(p)
		if err != nil {
			return err
		}
		ev.DeviceID = dev.id
		return c.registry.Input(ctx, ev)
	case link.KindRemoved:
		return c.removed(ctx, p.Slot)
	}
	return errors.Errorf("unexpected %s from leaf", p.Kind)
}

func (c *gatewayConn) hello(ctx context.Context, p link.Packet) error {
	h, err := link.DecodeHello(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.slots[p.Slot] = remoteDevice{id: h.Serial, caps: h.Caps, lz4: h.LZ4}
	c.known[h.Serial] = true
	c.mu.Unlock()
	c.announced[h.Serial] = true

	att, err := c.registry.Attach(ctx, session.Info{ID: h.Serial, Caps: h.Caps, Origin: c.ep.String()}, c.sink())
	if err != nil {
		return err
	}
	c.logger.Info("leaf device attached",
		zap.String("device", string(h.Serial)),
		zap.Stringer("model", h.Caps.Model),
		zap.Uint8("slot", p.Slot),
		zap.Bool("lz4", h.LZ4),
		zap.Bool("reused", att.Reused))
	return c.registry.Deliver(ctx, att.Resync)
}

// helloDone ends the handshake. Devices from an earlier connection that the leaf no longer
// announces were unplugged while the link was down.
func (c *gatewayConn) helloDone(ctx context.Context) error {
	c.mu.Lock()
	var gone []proto.DeviceID
	for id := range c.known {
		if !c.announced[id] {
			gone = append(gone, id)
			delete(c.known, id)
		}
	}
	c.mu.Unlock()

	for _, id := range gone {
		if err := c.registry.Remove(ctx, id); err != nil {
			return err
		}
	}
	c.setState(Streaming)
	c.logger.Info("leaf streaming", zap.Int("devices", len(c.announced)), zap.Int("vanished", len(gone)))
	return nil
}

func (c *gatewayConn) removed(ctx context.Context, slot uint8) error {
	c.mu.Lock()
	dev, ok := c.slots[slot]
	if ok {
		delete(c.slots, slot)
		delete(c.known, dev.id)
	}
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("removal of empty slot %d", slot)
	}
	delete(c.announced, dev.id)
	return c.registry.Remove(ctx, dev.id)
}
