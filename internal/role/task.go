package role

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// runTask ties a long-lived loop to the application lifecycle. A task failing on its own
// shuts the whole application down.
func runTask(lc fx.Lifecycle, shutdowner fx.Shutdowner, logger *zap.Logger, name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	logger = logger.With(zap.String("task", name))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("task failed", zap.Error(err))
					_ = shutdowner.Shutdown()
					return
				}
				logger.Debug("task stopped")
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
