package role

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"deckbridge/internal/config"
	"deckbridge/pkg/companion"
	"deckbridge/pkg/device"
	"deckbridge/pkg/device/inch35"
	"deckbridge/pkg/device/remote"
	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/session"
	"deckbridge/pkg/transcode"
)

// Options assembles the application for cfg.Role. Nothing here holds logic; every piece
// is built by its own package and started through the lifecycle.
func Options(cfg *config.Config, fs afero.Fs, logger *zap.Logger) (fx.Option, error) {
	common := fx.Options(
		fx.Supply(cfg, logger),
		fx.Provide(func() afero.Fs { return fs }),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)

	switch cfg.Role {
	case config.RoleStandalone:
		return fx.Options(
			common,
			fx.Provide(newPipeline, newRegistry, newDrivers),
			fx.Invoke(runRegistry, runHost, runWatchers),
		), nil
	case config.RoleGateway:
		return fx.Options(
			common,
			fx.Provide(newPipeline, newRegistry, newGateway),
			fx.Invoke(runRegistry, runHost, runGateway),
		), nil
	case config.RoleLeaf:
		return fx.Options(
			common,
			fx.Provide(newDrivers, newLeaf),
			fx.Invoke(runLeaf),
		), nil
	}
	return nil, errors.Errorf("unknown role %q", cfg.Role)
}

func newPipeline(cfg *config.Config) (*transcode.Pipeline, error) {
	filter, ok := transcode.FilterByName(cfg.Transcode.Filter)
	if !ok {
		return nil, errors.Errorf("unknown filter %q", cfg.Transcode.Filter)
	}
	return transcode.New(
		transcode.WithJPEGQuality(cfg.Transcode.JPEGQuality),
		transcode.WithFilter(filter),
		transcode.WithMaxSourceBytes(int(cfg.Transcode.MaxSource)),
		transcode.WithMaxSourcePixels(cfg.Transcode.MaxPixels),
	), nil
}

func newRegistry(cfg *config.Config, logger *zap.Logger, pipeline *transcode.Pipeline) *session.Registry {
	return session.New(logger.Named("registry"), pipeline,
		session.WithDefaultBrightness(cfg.Registry.Brightness),
		session.WithNoticeBuffer(cfg.Registry.NoticeBuffer),
	)
}

// Drivers are the local device drivers enabled by the config, keyed by origin name.
type Drivers map[string]proto.Driver

func newDrivers(cfg *config.Config, logger *zap.Logger, fs afero.Fs) (Drivers, error) {
	drivers := Drivers{}
	if len(cfg.Devices.Virtual.Devices) > 0 {
		deck, err := virtual.New(logger.Named("virtual"), fs, cfg.Devices.Virtual)
		if err != nil {
			return nil, err
		}
		drivers["virtual"] = deck
	}
	if len(cfg.Devices.Inch35.Ports) > 0 {
		drivers["inch35"] = inch35.New(logger.Named("inch35"), cfg.Devices.Inch35)
	}
	if len(drivers) == 0 {
		logger.Warn("no local devices configured")
	}
	return drivers, nil
}

func newGateway(cfg *config.Config, logger *zap.Logger, registry *session.Registry) (*remote.Gateway, error) {
	gc := cfg.Gateway
	gc.MaxPacket = int(cfg.Link.MaxPacket)
	return remote.NewGateway(logger.Named("gateway"), gc, registry)
}

func newLeaf(cfg *config.Config, logger *zap.Logger, drivers Drivers) *remote.Leaf {
	lc := cfg.Leaf
	lc.MaxPacket = int(cfg.Link.MaxPacket)
	if lc.PollInterval <= 0 {
		lc.PollInterval = cfg.Devices.PollInterval
	}
	if lc.PortDepth <= 0 {
		lc.PortDepth = cfg.Devices.PortDepth
	}
	list := make([]proto.Driver, 0, len(drivers))
	for _, d := range drivers {
		list = append(list, d)
	}
	return remote.NewLeaf(logger.Named("leaf"), lc, list...)
}

func runRegistry(lc fx.Lifecycle, sd fx.Shutdowner, logger *zap.Logger, registry *session.Registry) {
	runTask(lc, sd, logger, "registry", registry.Run)
}

func runHost(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, logger *zap.Logger, registry *session.Registry) {
	client := companion.NewClient(logger.Named("host"), companion.Config{
		Addr:         cfg.Host.Addr,
		MaxLine:      int(cfg.Host.MaxLine),
		PingInterval: cfg.Host.PingInterval,
		AckSuccess:   cfg.Host.AckSuccess,
		Backoff:      cfg.Host.Backoff,
	}, registry)
	runTask(lc, sd, logger, "host", client.Run)
}

func runWatchers(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, logger *zap.Logger, drivers Drivers, registry *session.Registry) {
	for origin, driver := range drivers {
		w := device.NewWatcher(logger.Named("devices"), driver, registry, device.WatcherConfig{
			Origin:       origin,
			PollInterval: cfg.Devices.PollInterval,
			PortDepth:    cfg.Devices.PortDepth,
		})
		runTask(lc, sd, logger, "watch-"+origin, w.Run)
	}
}

func runGateway(lc fx.Lifecycle, sd fx.Shutdowner, logger *zap.Logger, gateway *remote.Gateway) {
	runTask(lc, sd, logger, "gateway", gateway.Run)
}

func runLeaf(lc fx.Lifecycle, sd fx.Shutdowner, logger *zap.Logger, leaf *remote.Leaf) {
	runTask(lc, sd, logger, "leaf", leaf.Run)
}
