package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MakerMaker19/meerkat-catalog/pkg/binstatus"
	"github.com/MakerMaker19/meerkat-catalog/pkg/debug"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/truncation"
)

// DefaultProtocols are the VPN protocols the list is requested for.
var DefaultProtocols = []string{"OpenVPNUDP", "OpenVPNTCP", "WireGuardUDP", "WireGuardTCP", "WireGuardTLS"}

// SyncRequest is one synchronization pass. A zero Since uses the
// directory's stored Last-Modified.
type SyncRequest struct {
	Netzone  string
	Lang     string
	FreeOnly bool
	Since    time.Time
}

// SynchronizerParams are the collaborators of a Synchronizer. Only
// Transport and Directory are required.
type SynchronizerParams struct {
	Transport Transport
	Processor *binstatus.Processor
	Directory *directory.Directory
	Flags     FeatureFlags
	MustHaves truncation.MustHaveProvider
	User      UserContextProvider
	Protocols []string
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Synchronizer runs sync passes: fetch, reconcile, merge into the
// directory. Identical concurrent passes share one fetch.
type Synchronizer struct {
	fetcher   *Fetcher
	dir       *directory.Directory
	flags     FeatureFlags
	mustHaves truncation.MustHaveProvider
	user      UserContextProvider
	protocols []string
	clock     clock.Clock
	log       *zap.Logger
	metrics   *Metrics

	group singleflight.Group
}

func NewSynchronizer(p SynchronizerParams) *Synchronizer {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Processor == nil {
		p.Processor = binstatus.NewProcessor(binstatus.UnavailableOracle{}, nil, p.Logger)
	}
	if p.Flags == nil {
		p.Flags = StaticFlags{}
	}
	if p.MustHaves == nil {
		p.MustHaves = truncation.StaticProvider{}
	}
	if p.User == nil {
		p.User = StaticUser{}
	}
	if len(p.Protocols) == 0 {
		p.Protocols = DefaultProtocols
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	log := p.Logger.Named("catalog")
	return &Synchronizer{
		fetcher:   NewFetcher(p.Transport, p.Processor, log),
		dir:       p.Directory,
		flags:     p.Flags,
		mustHaves: p.MustHaves,
		user:      p.User,
		protocols: p.Protocols,
		clock:     p.Clock,
		log:       log,
		metrics:   p.Metrics,
	}
}

// Synchronize runs one pass and returns its outcome. Only NewServers
// changes the directory. A pass overtaken by a newer one is not applied.
//
// The shared pass does not inherit the cancellation of whichever caller
// started it. A caller whose ctx ends before the pass returns gets an
// APIError with the context error while the pass goes on for the others.
func (s *Synchronizer) Synchronize(ctx context.Context, req SyncRequest) Outcome {
	key := fmt.Sprintf("%s|%s|%t|%d", req.Netzone, req.Lang, req.FreeOnly, req.Since.UnixNano())
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.synchronize(context.WithoutCancel(ctx), req), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Outcome)
	case <-ctx.Done():
		return APIError{Err: ctx.Err()}
	}
}

func (s *Synchronizer) synchronize(ctx context.Context, req SyncRequest) Outcome {
	log := s.log.With(zap.String("pass", uuid.NewString()))
	start := s.clock.Now()
	gen := s.dir.NextGeneration()

	if err := s.dir.EnsureLoaded(ctx); err != nil {
		out := APIError{Err: err}
		s.finish(log, out, start)
		return out
	}

	binary := s.flags.BinaryStatusEnabled(ctx)
	freeOnly := req.FreeOnly
	if binary && freeOnly {
		debug.Assert(false, "free-only refresh requested in binary status mode")
		log.Error("free-only refresh is not supported with binary status, doing a full refresh")
		freeOnly = false
	}

	trunc := s.flags.TruncationEnabled(ctx)
	requested := truncation.IDSet{}
	if trunc {
		requested = s.mustHaves.MustHaveIDs(ctx)
	}

	since := req.Since
	if since.IsZero() {
		since = s.dir.LastModified()
	}

	out := s.fetcher.Fetch(ctx, FetchRequest{
		Netzone:           req.Netzone,
		Lang:              req.Lang,
		Protocols:         s.protocols,
		FreeOnly:          freeOnly,
		BinaryStatus:      binary,
		TruncationEnabled: trunc,
		MustHaveIDs:       requested,
		Since:             since,
		User:              s.user.UserContext(ctx),
	})

	switch o := out.(type) {
	case NewServers:
		s.apply(ctx, log, gen, req.Lang, freeOnly, trunc, requested, o)
	case NotModified:
		log.Debug("server list not modified", zap.Time("since", since))
	case EmptyBody:
		log.Warn("server list response was empty")
	case BinaryStatusError:
		log.Error("applying binary status failed, keeping current list", zap.Error(o.Err))
	case APIError:
		log.Warn("server list fetch failed",
			zap.Int("code", o.Code),
			zap.String("message", o.Message),
			zap.Error(o.Err))
	}

	s.finish(log, out, start)
	return out
}

func (s *Synchronizer) apply(ctx context.Context, log *zap.Logger, gen uint64, lang string, freeOnly, trunc bool, requested truncation.IDSet, o NewServers) {
	allKnown := requested
	if trunc {
		truncation.CheckMustHaves(log, o.Servers, requested)
		// must-haves may have changed while the call was in flight
		allKnown = s.mustHaves.MustHaveIDs(ctx)
	}

	var retained int
	err := s.dir.Apply(ctx, gen, func(t *directory.Txn) error {
		res := truncation.Reconcile(truncation.Input{
			Old:          t.Servers(),
			New:          o.Servers,
			WasTruncated: o.Truncated(),
			FreeOnly:     freeOnly,
			Requested:    requested,
			AllKnown:     allKnown,
		})
		retained = res.RetainIDs.Len()

		statusID := o.StatusID
		if freeOnly {
			statusID = t.StatusID()
		}
		t.ReplaceAll(res.Servers, statusID, lang)
		t.SetLastModified(o.LastModified)
		return nil
	})

	switch {
	case errors.Is(err, directory.ErrStalePass):
		log.Info("newer pass already applied, dropping this one")
	case err != nil:
		log.Warn("merging server list failed", zap.Error(err))
	default:
		log.Info("server list updated",
			zap.Int("received", len(o.Servers)),
			zap.Int("total", s.dir.Len()),
			zap.Bool("truncated", o.Truncated()),
			zap.Bool("freeOnly", freeOnly),
			zap.Int("retainIds", retained),
			zap.String("statusId", o.StatusID))
	}
}

func (s *Synchronizer) finish(log *zap.Logger, out Outcome, start time.Time) {
	took := s.clock.Since(start)
	s.metrics.observe(out, took, s.dir.Len())
	log.Debug("sync pass finished", zap.String("outcome", out.Name()), zap.Duration("took", took))
}

// RefreshLoads updates load, score and online state without fetching the
// full list. With binary status and a known status id the blob is fetched
// again and decoded against the current list; otherwise the loads endpoint
// is used.
func (s *Synchronizer) RefreshLoads(ctx context.Context, netzone string, freeOnly bool) error {
	if err := s.dir.EnsureLoaded(ctx); err != nil {
		return err
	}

	if statusID := s.dir.StatusID(); s.flags.BinaryStatusEnabled(ctx) && statusID != "" {
		blob, err := s.fetcher.transport.FetchStatusBlob(ctx, statusID)
		if err != nil {
			return fmt.Errorf("fetch status %s: %w", statusID, err)
		}
		refreshed, err := s.fetcher.processor.Compute(ctx, s.dir.All(), blob, s.user.UserContext(ctx))
		if err != nil {
			return err
		}
		err = s.dir.ReplaceStatus(ctx, statusID, refreshed)
		if errors.Is(err, directory.ErrStalePass) {
			s.log.Debug("list replaced during status refresh, dropping it", zap.String("statusId", statusID))
			return nil
		}
		return err
	}

	loads, err := s.fetcher.transport.FetchLoads(ctx, netzone, freeOnly)
	if err != nil {
		return fmt.Errorf("fetch loads: %w", err)
	}
	s.log.Debug("loads refreshed", zap.Int("servers", len(loads)))
	return s.dir.UpdateLoads(ctx, loads)
}

// FreeOnlyAllowed reports whether a free-tier partial refresh can be
// issued; it cannot in binary status mode.
func (s *Synchronizer) FreeOnlyAllowed(ctx context.Context) bool {
	return !s.flags.BinaryStatusEnabled(ctx)
}

// Directory returns the directory the synchronizer writes to.
func (s *Synchronizer) Directory() *directory.Directory { return s.dir }
