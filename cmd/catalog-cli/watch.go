package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

func cmdWatch(a *app, _ []string) error {
	// ctx will be cancelled when the user hits Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := a.log.Named("watch")
	log.Info("starting; press Ctrl+C to exit",
		zap.Duration("refresh", a.cfg.RefreshInterval.Std()),
		zap.Duration("loads", a.cfg.LoadsInterval.Std()))

	if a.dir.NeedsUpdate(a.cfg.Language) {
		a.sync.Synchronize(ctx, a.request(false))
	}
	dump(log, a)

	clk := clock.New()
	full := clk.Ticker(a.cfg.RefreshInterval.Std())
	defer full.Stop()
	loads := clk.Ticker(a.cfg.LoadsInterval.Std())
	defer loads.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil

		case <-full.C:
			out := a.sync.Synchronize(ctx, a.request(false))
			log.Info("full refresh", zap.String("outcome", out.Name()))
			dump(log, a)

		case <-loads.C:
			if err := a.sync.RefreshLoads(ctx, a.cfg.Netzone, a.cfg.FreeOnly); err != nil {
				log.Warn("loads refresh failed", zap.Error(err))
				continue
			}
			dump(log, a)
		}
	}
}

func dump(log *zap.Logger, a *app) {
	log.Info("catalog state",
		zap.Int("servers", a.dir.Len()),
		zap.Int("countries", len(a.dir.Countries())),
		zap.Int("gateways", len(a.dir.Gateways())),
		zap.String("statusId", a.dir.StatusID()))
	if best, ok := a.dir.Fastest(servers.TierInternal); ok {
		log.Info("fastest server",
			zap.String("id", best.ID),
			zap.String("name", best.Name),
			zap.Float32("load", best.Load),
			zap.Float64("score", best.Score))
	}
}
