package remote

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"deckbridge/pkg/device"
	"deckbridge/pkg/link"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

// Leaf serves local devices to one gateway at a time. It never parses host commands or
// transcodes; frames arrive device-native.
type Leaf struct {
	logger  *zap.Logger
	cfg     LeafConfig
	drivers []proto.Driver
}

func NewLeaf(logger *zap.Logger, cfg LeafConfig, drivers ...proto.Driver) *Leaf {
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = link.DefaultMaxPacket
	}
	return &Leaf{logger: logger, cfg: cfg, drivers: drivers}
}

// Run accepts gateway connections on the configured endpoint until ctx is done.
func (l *Leaf) Run(ctx context.Context) error {
	ep, err := link.ParseEndpoint(l.cfg.Listen)
	if err != nil {
		return err
	}
	acceptor, err := link.Listen(ep)
	if err != nil {
		return err
	}
	defer acceptor.Close()

	backoff := link.NewBackoff(link.BackoffConfig{})
	l.logger.Info("leaf listening", zap.Stringer("endpoint", ep))
	for {
		conn, err := acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("accept failed", zap.Error(err))
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()

		if err := l.Serve(ctx, conn); err != nil {
			l.logger.Info("gateway link ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Serve announces the local devices over conn and relays frames and events until the
// gateway goes away. Devices are opened for the lifetime of the connection.
func (l *Leaf) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	logger := l.logger.With(zap.String("conn", xid.New().String()))
	logger.Info("gateway connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	up := &uplink{
		logger:   logger,
		conn:     conn,
		compress: l.cfg.Compress,
		slots:    make(map[uint8]*leafDevice),
	}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	watchers := make([]*device.Watcher, 0, len(l.drivers))
	for _, driver := range l.drivers {
		w := device.NewWatcher(logger, driver, up, device.WatcherConfig{
			Origin:       "leaf",
			PollInterval: l.cfg.PollInterval,
			PortDepth:    l.cfg.PortDepth,
		})
		watchers = append(watchers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	for _, w := range watchers {
		select {
		case <-w.Scanned():
		case <-ctx.Done():
			return nil
		}
	}
	if err := up.write(link.Packet{Kind: link.KindHelloDone}); err != nil {
		return err
	}

	err := up.readLoop(ctx, l.cfg.MaxPacket)
	cancel()
	return err
}

type leafDevice struct {
	id   proto.DeviceID
	caps proto.Capabilities
	sink session.Sink
}

// uplink is the device.Host of a leaf: attachments become Hello packets, input becomes
// event packets.
type uplink struct {
	logger   *zap.Logger
	conn     io.ReadWriteCloser
	compress bool

	writeMu sync.Mutex

	mu    sync.Mutex
	slots map[uint8]*leafDevice
}

func (u *uplink) write(p link.Packet) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := link.WritePacket(u.conn, p); err != nil {
		return &link.TransportError{Op: "write", Addr: "gateway", Err: err}
	}
	return nil
}

func (u *uplink) Attach(_ context.Context, info session.Info, sink session.Sink) (session.Attachment, error) {
	u.mu.Lock()
	slot, ok := u.freeSlot()
	if ok {
		u.slots[slot] = &leafDevice{id: info.ID, caps: info.Caps, sink: sink}
	}
	u.mu.Unlock()
	if !ok {
		return session.Attachment{}, errors.New("no free device slot")
	}

	p, err := link.EncodeHello(link.Hello{Serial: info.ID, Caps: info.Caps, LZ4: u.compress}, slot)
	if err == nil {
		err = u.write(p)
	}
	if err != nil {
		u.release(slot)
		return session.Attachment{}, err
	}
	u.logger.Info("device announced", zap.String("device", string(info.ID)), zap.Uint8("slot", slot))
	return session.Attachment{Index: int(slot)}, nil
}

func (u *uplink) freeSlot() (uint8, bool) {
	for i := 0; i <= 0xFF; i++ {
		if _, used := u.slots[uint8(i)]; !used {
			return uint8(i), true
		}
	}
	return 0, false
}

func (u *uplink) release(slot uint8) {
	u.mu.Lock()
	delete(u.slots, slot)
	u.mu.Unlock()
}

func (u *uplink) slotOf(id proto.DeviceID) (uint8, *leafDevice, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for slot, d := range u.slots {
		if d.id == id {
			return slot, d, true
		}
	}
	return 0, nil, false
}

func (u *uplink) Remove(_ context.Context, id proto.DeviceID) error {
	slot, _, ok := u.slotOf(id)
	if !ok {
		return nil
	}
	u.release(slot)
	return u.write(link.Packet{Kind: link.KindRemoved, Slot: slot})
}

func (u *uplink) Input(_ context.Context, ev proto.InputEvent) error {
	slot, _, ok := u.slotOf(ev.DeviceID)
	if !ok {
		return errors.Errorf("input from unannounced device %s", ev.DeviceID)
	}
	p, err := link.EncodeEvent(ev, slot)
	if err != nil {
		return err
	}
	return u.write(p)
}

// Deliver hands frames straight to the device ports.
func (u *uplink) Deliver(ctx context.Context, frames []proto.Frame) error {
	for _, f := range frames {
		_, d, ok := u.slotOf(f.DeviceID)
		if !ok {
			continue
		}
		if err := d.sink.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (u *uplink) readLoop(ctx context.Context, maxPacket int) error {
	r := link.NewReader(u.conn, maxPacket)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return &link.TransportError{Op: "read", Addr: "gateway", Err: err}
		}

		switch p.Kind {
		case link.KindPing:
			err = u.write(link.Packet{Kind: link.KindPong, Slot: p.Slot})
		case link.KindPong:
		default:
			err = u.frame(ctx, p)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var terr *link.TransportError
			if errors.As(err, &terr) {
				return err
			}
			u.logger.Warn("gateway packet rejected", zap.Stringer("packet", p), zap.Error(err))
		}
	}
}

func (u *uplink) frame(ctx context.Context, p link.Packet) error {
	u.mu.Lock()
	d, ok := u.slots[p.Slot]
	u.mu.Unlock()
	if !ok {
		return errors.Errorf("%s for empty slot %d", p.Kind, p.Slot)
	}

	f, err := link.DecodeFrame(p, d.caps.MaxImageBytes)
	if err != nil {
		return err
	}
	f.DeviceID = d.id
	return d.sink.Send(ctx, f)
}
