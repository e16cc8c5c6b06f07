package serverlist

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
)

// Runner keeps the directory fresh: a full sync every RefreshInterval (and
// right away when the cached list is stale for the configured language)
// and a loads refresh every LoadsInterval.
type Runner struct {
	sync  *catalog.Synchronizer
	cfg   config.Config
	clock clock.Clock
	log   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(s *catalog.Synchronizer, cfg config.Config, c clock.Clock, log *zap.Logger) *Runner {
	return &Runner{sync: s, cfg: cfg, clock: c, log: log.Named("runner")}
}

// RunnerModule starts a Runner with the app.
func RunnerModule() fx.Option {
	return fx.Module("serverlist/runner",
		fx.Provide(NewRunner),
		fx.Invoke(func(lc fx.Lifecycle, r *Runner) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					r.Start()
					return nil
				},
				OnStop: func(context.Context) error {
					r.Stop()
					return nil
				},
			})
		}),
	)
}

func (r *Runner) request() catalog.SyncRequest {
	return catalog.SyncRequest{
		Netzone:  r.cfg.Netzone,
		Lang:     r.cfg.Language,
		FreeOnly: r.cfg.FreeOnly,
	}
}

// SyncNow runs one full sync pass.
func (r *Runner) SyncNow(ctx context.Context) catalog.Outcome {
	return r.sync.Synchronize(ctx, r.request())
}

// Start launches the refresh loops. Stop cancels them.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.sync.Directory().NeedsUpdate(r.cfg.Language) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.SyncNow(ctx)
		}()
	}

	r.loop(ctx, r.cfg.RefreshInterval.Std(), func(ctx context.Context) {
		r.SyncNow(ctx)
	})
	r.loop(ctx, r.cfg.LoadsInterval.Std(), func(ctx context.Context) {
		if err := r.sync.RefreshLoads(ctx, r.cfg.Netzone, r.cfg.FreeOnly); err != nil {
			r.log.Warn("loads refresh failed", zap.Error(err))
		}
	})
}

func (r *Runner) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := r.clock.Ticker(every)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
