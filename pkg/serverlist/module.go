// Package serverlist wires the catalog pipeline together with fx.
//
// Callers supply a config.Config; the module provides the logger, the
// blob store chosen by StoreBackend, the store, the directory, the HTTP
// transport, the status processor, metrics and the synchronizer. The
// directory is loaded on start and the store is flushed and closed on
// stop.
package serverlist

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/binstatus"
	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/logging"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
	"github.com/MakerMaker19/meerkat-catalog/pkg/store"
	"github.com/MakerMaker19/meerkat-catalog/pkg/truncation"
)

// Module provides the catalog pipeline. It needs a config.Config and a
// *zap.Logger.
func Module() fx.Option {
	return fx.Module("serverlist",
		fx.Provide(
			clock.New,
			NewRegistry,
			NewBlobStore,
			NewStore,
			NewDirectory,
			NewTransport,
			NewProcessor,
			NewMetrics,
			NewSynchronizer,
		),
	)
}

// New builds an app around Module with a logger from NewLogger and fx
// logging routed through zap.
func New(cfg config.Config, opts ...fx.Option) *fx.App {
	return NewWithLogger(cfg, nil, opts...)
}

// NewWithLogger is New with a caller supplied logger. A nil log falls back
// to NewLogger.
func NewWithLogger(cfg config.Config, log *zap.Logger, opts ...fx.Option) *fx.App {
	logOpt := fx.Provide(NewLogger)
	if log != nil {
		logOpt = fx.Supply(log)
	}
	all := []fx.Option{
		fx.Supply(cfg),
		logOpt,
		Module(),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
	}
	return fx.New(append(all, opts...)...)
}

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Debug || logging.DebugFromEnv())
}

// RegistryResult exposes one registry as both registerer and gatherer.
type RegistryResult struct {
	fx.Out

	Registry   *prometheus.Registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewRegistry() RegistryResult {
	reg := prometheus.NewRegistry()
	return RegistryResult{Registry: reg, Registerer: reg, Gatherer: reg}
}

func NewBlobStore(cfg config.Config, log *zap.Logger) (store.BlobStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryBlobStore(), nil
	case config.BackendBadger:
		dir, err := cfg.ResolvedCacheDir()
		if err != nil {
			return nil, err
		}
		return store.NewBadgerBlobStore(dir, log)
	case config.BackendFile, "":
		dir, err := cfg.ResolvedCacheDir()
		if err != nil {
			return nil, err
		}
		return store.NewFileBlobStore(dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func NewStore(lc fx.Lifecycle, blobs store.BlobStore, log *zap.Logger) *store.Store {
	s := store.New(blobs, log)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := s.Flush(ctx); err != nil {
				log.Warn("flushing store on stop failed", zap.Error(err))
			}
			return s.Close()
		},
	})
	return s
}

func NewDirectory(lc fx.Lifecycle, s *store.Store, c clock.Clock, log *zap.Logger) *directory.Directory {
	dir := directory.New(s, directory.WithLogger(log), directory.WithClock(c))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// a broken cache leaves an empty directory; the next sync refills it
			_ = dir.Load(ctx)
			return nil
		},
	})
	return dir
}

func NewTransport(cfg config.Config, log *zap.Logger) catalog.Transport {
	return catalog.NewHTTPTransport(cfg.CatalogURL, &http.Client{Timeout: cfg.HTTPTimeout.Std()}, log)
}

// ProcessorParams lets callers plug in a status decoder and an error
// reporter with fx.Supply or fx.Provide.
type ProcessorParams struct {
	fx.In

	Oracle   binstatus.Oracle        `optional:"true"`
	Reporter binstatus.ErrorReporter `optional:"true"`
	Logger   *zap.Logger
}

func NewProcessor(p ProcessorParams) *binstatus.Processor {
	oracle := p.Oracle
	if oracle == nil {
		oracle = binstatus.UnavailableOracle{}
	}
	reporter := p.Reporter
	if reporter == nil {
		reporter = binstatus.LogReporter{Log: p.Logger.Named("binstatus")}
	}
	return binstatus.NewProcessor(oracle, reporter, p.Logger)
}

func NewMetrics(reg prometheus.Registerer) *catalog.Metrics {
	return catalog.NewMetrics(reg)
}

// SynchronizerParams are the injected collaborators of the synchronizer.
// MustHaves and User default to config-derived static values.
type SynchronizerParams struct {
	fx.In

	Config    config.Config
	Transport catalog.Transport
	Processor *binstatus.Processor
	Directory *directory.Directory
	Metrics   *catalog.Metrics
	Clock     clock.Clock
	Logger    *zap.Logger
	MustHaves truncation.MustHaveProvider `optional:"true"`
	User      catalog.UserContextProvider `optional:"true"`
}

func NewSynchronizer(p SynchronizerParams) *catalog.Synchronizer {
	mustHaves := p.MustHaves
	if mustHaves == nil {
		mustHaves = truncation.StaticProvider{IDs: p.Config.MustHaveIDs}
	}
	user := p.User
	if user == nil {
		user = staticUser(p.Config)
	}
	return catalog.NewSynchronizer(catalog.SynchronizerParams{
		Transport: p.Transport,
		Processor: p.Processor,
		Directory: p.Directory,
		Flags:     catalog.StaticFlags{BinaryStatus: p.Config.BinaryStatus, Truncation: p.Config.Truncation},
		MustHaves: mustHaves,
		User:      user,
		Protocols: p.Config.Protocols,
		Clock:     p.Clock,
		Logger:    p.Logger,
		Metrics:   p.Metrics,
	})
}

func staticUser(cfg config.Config) catalog.StaticUser {
	u := catalog.StaticUser{Country: servers.NormalizeCountry(cfg.UserCountry)}
	if cfg.UserLat != nil && cfg.UserLong != nil {
		u.Location = &servers.Location{Lat: *cfg.UserLat, Long: *cfg.UserLong}
	}
	return u
}
