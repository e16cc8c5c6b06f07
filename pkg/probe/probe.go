// Package probe dials the connecting domains of the directory and feeds
// their reachability back into it.
package probe

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// Health is the last probe result of one connecting domain.
type Health struct {
	LatencyMs   int
	Healthy     bool
	LastChecked time.Time
	LastError   string
}

// Dialer opens the probe connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober probes connecting domains and records their health.
type Prober struct {
	dir     *directory.Directory
	dialer  Dialer
	clock   clock.Clock
	log     *zap.Logger
	timeout time.Duration
	port    string
	workers int

	mu       sync.RWMutex
	byDomain map[string]Health
}

type Option func(*Prober)

func WithDialer(d Dialer) Option         { return func(p *Prober) { p.dialer = d } }
func WithClock(c clock.Clock) Option     { return func(p *Prober) { p.clock = c } }
func WithLogger(l *zap.Logger) Option    { return func(p *Prober) { p.log = l } }
func WithTimeout(d time.Duration) Option { return func(p *Prober) { p.timeout = d } }

// WithPort sets the port dialed on every domain. Default 443.
func WithPort(port string) Option { return func(p *Prober) { p.port = port } }

// WithWorkers bounds the number of concurrent dials. Default 8.
func WithWorkers(n int) Option { return func(p *Prober) { p.workers = n } }

func New(dir *directory.Directory, opts ...Option) *Prober {
	p := &Prober{
		dir:      dir,
		dialer:   &net.Dialer{},
		clock:    clock.New(),
		log:      zap.NewNop(),
		timeout:  3 * time.Second,
		port:     "443",
		workers:  8,
		byDomain: map[string]Health{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	p.log = p.log.Named("probe")
	return p
}

// Health returns the last result for a connecting domain.
func (p *Prober) Health(domainID string) (Health, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.byDomain[domainID]
	return h, ok
}

func (p *Prober) setHealth(domainID string, h Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byDomain[domainID] = h
}

type target struct {
	domain servers.ConnectingDomain
	server string
}

// ProbeOnce dials every addressable connecting domain of every
// online-flagged server once and pushes changed reachability into the directory. It returns the
// number of domains whose flag changed.
func (p *Prober) ProbeOnce(ctx context.Context) (int, error) {
	var targets []target
	for _, s := range p.dir.All() {
		if !s.RawIsOnline {
			continue
		}
		for _, d := range s.ConnectingDomains {
			if d.EntryIP == "" && d.EntryDomain == "" {
				continue
			}
			targets = append(targets, target{domain: d, server: s.ID})
		}
	}

	var (
		mu      sync.Mutex
		changed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h := p.probe(gctx, t.domain)
			p.setHealth(t.domain.ID, h)
			if h.Healthy == t.domain.Online {
				return nil
			}
			if _, flipped := p.dir.UpdateConnectingDomainStatus(gctx, t.domain.ID, h.Healthy); flipped {
				mu.Lock()
				changed++
				mu.Unlock()
				p.log.Info("connecting domain reachability changed",
					zap.String("server", t.server),
					zap.String("domain", t.domain.ID),
					zap.Bool("online", h.Healthy),
					zap.String("error", h.LastError))
			}
			return nil
		})
	}
	err := g.Wait()
	p.log.Debug("probe round finished", zap.Int("domains", len(targets)), zap.Int("changed", changed))
	return changed, err
}

func (p *Prober) probe(ctx context.Context, d servers.ConnectingDomain) Health {
	host := d.EntryIP
	if host == "" {
		host = d.EntryDomain
	}
	if host == "" {
		return Health{LastChecked: p.clock.Now(), LastError: "no address"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, p.port))
	h := Health{
		LatencyMs:   int(p.clock.Since(start).Milliseconds()),
		LastChecked: p.clock.Now(),
	}
	if err != nil {
		h.LastError = err.Error()
		return h
	}
	h.Healthy = true
	_ = conn.Close()
	return h
}

// Run probes every interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.ProbeOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("probe round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RankByLatency returns a copy of list ordered by the best probed domain
// of each server: servers with a healthy domain first, then lower latency.
// Servers without probe data keep their relative order after probed ones.
func (p *Prober) RankByLatency(list []servers.Server) []servers.Server {
	type ranked struct {
		s       servers.Server
		idx     int
		known   bool
		healthy bool
		latency int
	}

	p.mu.RLock()
	wrapped := make([]ranked, len(list))
	for i, s := range list {
		r := ranked{s: s, idx: i}
		for _, d := range s.ConnectingDomains {
			h, ok := p.byDomain[d.ID]
			if !ok {
				continue
			}
			better := !r.known ||
				(h.Healthy && !r.healthy) ||
				(h.Healthy == r.healthy && h.LatencyMs < r.latency)
			if better {
				r.known, r.healthy, r.latency = true, h.Healthy, h.LatencyMs
			}
		}
		wrapped[i] = r
	}
	p.mu.RUnlock()

	sort.SliceStable(wrapped, func(i, j int) bool {
		a, b := wrapped[i], wrapped[j]
		if a.known != b.known {
			return a.known
		}
		if !a.known {
			return a.idx < b.idx
		}
		if a.healthy != b.healthy {
			return a.healthy
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.idx < b.idx
	})

	out := make([]servers.Server, len(wrapped))
	for i, w := range wrapped {
		out[i] = w.s
	}
	return out
}
