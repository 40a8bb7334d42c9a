package device

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
)

const DefaultPollInterval = time.Second

type WatcherConfig struct {
	// Origin tags sessions created by this watcher, e.g. "local" or "virtual".
	Origin       string
	PollInterval time.Duration
	PortDepth    int
}

// Watcher polls a driver for attached devices, opens new ones and runs a Port for each. It
// stands in for OS hot-plug notifications.
type Watcher struct {
	logger *zap.Logger
	driver proto.Driver
	host   Host
	cfg    WatcherConfig

	ports   map[proto.DeviceID]*running
	exited  chan exit
	scanned chan struct{}
}

type running struct {
	port   *Port
	cancel context.CancelFunc
	done   chan struct{}
}

type exit struct {
	id  proto.DeviceID
	err error
}

func NewWatcher(logger *zap.Logger, driver proto.Driver, host Host, cfg WatcherConfig) *Watcher {
	if cfg.Origin == "" {
		cfg.Origin = "local"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Watcher{
		logger:  logger.With(zap.String("origin", cfg.Origin)),
		driver:  driver,
		host:    host,
		cfg:     cfg,
		ports:   make(map[proto.DeviceID]*running),
		exited:  make(chan exit),
		scanned: make(chan struct{}),
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	defer w.stopAll()

	w.scan(ctx)
	close(w.scanned)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx)
		case ex := <-w.exited:
			w.reap(ctx, ex)
		}
	}
}

// Scanned is closed once the devices present at startup have been opened and attached.
func (w *Watcher) Scanned() <-chan struct{} {
	return w.scanned
}

func (w *Watcher) scan(ctx context.Context) {
	handles, err := w.driver.ListAttached()
	if err != nil {
		w.logger.Warn("list devices failed", zap.Error(err))
		return
	}

	present := lo.Associate(handles, func(h proto.Handle) (proto.DeviceID, bool) { return h.ID, true })
	for id, r := range w.ports {
		if !present[id] {
			w.logger.Info("device unplugged", zap.String("device", string(id)))
			r.cancel()
		}
	}

	for _, h := range handles {
		if _, ok := w.ports[h.ID]; ok {
			continue
		}
		w.open(ctx, h)
	}
}

func (w *Watcher) open(ctx context.Context, h proto.Handle) {
	logger := w.logger.With(zap.String("device", string(h.ID)), zap.String("path", h.Path))

	caps, err := w.driver.Open(h)
	if err != nil {
		logger.Warn("open failed", zap.Error(err))
		return
	}

	port := NewPort(w.logger, w.driver, h, caps, w.cfg.PortDepth)
	att, err := w.host.Attach(ctx, session.Info{ID: h.ID, Caps: caps, Origin: w.cfg.Origin}, port)
	if err != nil {
		logger.Warn("attach failed", zap.Error(err))
		_ = w.driver.Close(h)
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	r := &running{port: port, cancel: cancel, done: make(chan struct{})}
	w.ports[h.ID] = r

	go func() {
		defer close(r.done)
		err := port.Run(pctx, w.host)
		select {
		case w.exited <- exit{id: h.ID, err: err}:
		case <-ctx.Done():
		}
	}()

	logger.Info("device opened", zap.Stringer("model", caps.Model), zap.Int("index", att.Index), zap.Bool("reused", att.Reused))
	if err := w.host.Deliver(ctx, att.Resync); err != nil {
		logger.Warn("resync failed", zap.Error(err))
	}
}

func (w *Watcher) reap(ctx context.Context, ex exit) {
	r, ok := w.ports[ex.id]
	if !ok {
		return
	}
	<-r.done
	delete(w.ports, ex.id)

	logger := w.logger.With(zap.String("device", string(ex.id)))
	if ex.err != nil {
		logger.Warn("device port failed", zap.Error(ex.err))
	}
	if err := w.host.Remove(ctx, ex.id); err != nil {
		logger.Warn("remove failed", zap.Error(err))
	}
}

func (w *Watcher) stopAll() {
	for _, r := range w.ports {
		r.cancel()
	}
	for id, r := range w.ports {
		<-r.done
		delete(w.ports, id)
	}
}
