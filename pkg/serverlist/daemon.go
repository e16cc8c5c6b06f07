package serverlist

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/api"
	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/probe"
)

// ProbeModule runs a Prober over the directory every ProbeInterval.
func ProbeModule() fx.Option {
	return fx.Module("serverlist/probe",
		fx.Provide(NewProber),
		fx.Invoke(func(lc fx.Lifecycle, p *probe.Prober, cfg config.Config) {
			var (
				cancel context.CancelFunc
				done   chan struct{}
			)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					done = make(chan struct{})
					go func() {
						defer close(done)
						p.Run(ctx, cfg.ProbeInterval.Std())
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					cancel()
					select {
					case <-done:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				},
			})
		}),
	)
}

func NewProber(dir *directory.Directory, c clock.Clock, log *zap.Logger) *probe.Prober {
	return probe.New(dir, probe.WithClock(c), probe.WithLogger(log))
}

// APIParams are the dependencies of the HTTP API. The prober is optional.
type APIParams struct {
	fx.In

	Config   config.Config
	Sync     *catalog.Synchronizer
	Prober   *probe.Prober `optional:"true"`
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewAPIServer(p APIParams) *api.Server {
	if p.Config.APISecret == "" {
		p.Logger.Warn("api_secret not set; sync, loads and cache endpoints are disabled")
	}
	return api.NewServer(api.Params{
		Addr:     p.Config.ListenAddr,
		Secret:   p.Config.APISecret,
		Sync:     p.Sync,
		Prober:   p.Prober,
		Gatherer: p.Gatherer,
		Defaults: api.Defaults{
			Netzone:  p.Config.Netzone,
			Lang:     p.Config.Language,
			FreeOnly: p.Config.FreeOnly,
		},
		Logger: p.Logger,
	})
}

// APIModule serves the HTTP API for the lifetime of the app.
func APIModule() fx.Option {
	return fx.Module("serverlist/api",
		fx.Provide(NewAPIServer),
		fx.Invoke(func(lc fx.Lifecycle, s *api.Server) {
			lc.Append(fx.Hook{
				OnStart: s.Start,
				OnStop:  s.Stop,
			})
		}),
	)
}
