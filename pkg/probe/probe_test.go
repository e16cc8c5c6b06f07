package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

type fakeDialer struct {
	mu    sync.Mutex
	up    map[string]bool
	dials []string
}

func (f *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, address)
	if !f.up[address] {
		return nil, errors.New("connection refused")
	}
	a, b := net.Pipe()
	_ = b.Close()
	return a, nil
}

func (f *fakeDialer) set(address string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[address] = up
}

func server(id string, raw bool, domains ...servers.ConnectingDomain) servers.Server {
	return servers.Server{ID: id, Name: "CH#1", EntryCountry: "CH", ExitCountry: "CH", RawIsOnline: raw, IsVisible: true, ConnectingDomains: domains}
}

func loaded(t *testing.T, list ...servers.Server) *directory.Directory {
	t.Helper()
	dir := directory.New(nil)
	require.NoError(t, dir.Load(context.Background()))
	require.NoError(t, dir.ReplaceAll(context.Background(), list, "", "en"))
	return dir
}

func TestProbeOnceUpdatesDirectory(t *testing.T) {
	dir := loaded(t,
		server("a", true,
			servers.ConnectingDomain{ID: "a1", EntryIP: "10.0.0.1", Online: true},
			servers.ConnectingDomain{ID: "a2", EntryIP: "10.0.0.2", Online: false}),
		server("b", true, servers.ConnectingDomain{ID: "b1", EntryDomain: "b.example.net", Online: true}),
		server("off", false, servers.ConnectingDomain{ID: "off1", EntryIP: "10.0.0.9", Online: true}),
	)
	dialer := &fakeDialer{up: map[string]bool{
		"10.0.0.1:443":      true,
		"10.0.0.2:443":      true,
		"b.example.net:443": false,
	}}

	core, logs := observer.New(zap.InfoLevel)
	p := New(dir, WithDialer(dialer), WithClock(clock.NewMock()), WithLogger(zap.New(core)))

	changed, err := p.ProbeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	assert.Equal(t, 2, logs.FilterMessage("connecting domain reachability changed").Len())
	assert.NotContains(t, dialer.dials, "10.0.0.9:443", "offline servers are not probed")

	a, _ := dir.ServerByID("a")
	assert.True(t, a.ConnectingDomains[1].Online)
	b, _ := dir.ServerByID("b")
	assert.False(t, b.Online())

	h, ok := p.Health("b1")
	require.True(t, ok)
	assert.False(t, h.Healthy)
	assert.Equal(t, "connection refused", h.LastError)

	// second round with nothing new changes nothing
	changed, err = p.ProbeOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
}

type hookDialer struct {
	*fakeDialer
	before func()
}

func (h *hookDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	h.before()
	return h.fakeDialer.DialContext(ctx, network, address)
}

func TestReachabilityCountsOnlyRealFlips(t *testing.T) {
	dir := loaded(t, server("a", true, servers.ConnectingDomain{ID: "a1", EntryIP: "10.0.0.1", Online: false}))
	dialer := &hookDialer{
		fakeDialer: &fakeDialer{up: map[string]bool{"10.0.0.1:443": true}},
		// another writer brings the domain online during the dial
		before: func() { dir.UpdateConnectingDomainStatus(context.Background(), "a1", true) },
	}

	core, logs := observer.New(zap.InfoLevel)
	p := New(dir, WithDialer(dialer), WithClock(clock.NewMock()), WithLogger(zap.New(core)))

	changed, err := p.ProbeOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Zero(t, logs.FilterMessage("connecting domain reachability changed").Len())

	a, _ := dir.ServerByID("a")
	assert.True(t, a.ConnectingDomains[0].Online)
}

func TestProbeNoAddress(t *testing.T) {
	dir := loaded(t, server("a", true, servers.ConnectingDomain{ID: "a1", Online: true}))
	dialer := &fakeDialer{up: map[string]bool{}}
	p := New(dir, WithDialer(dialer), WithPort("1194"))

	_, err := p.ProbeOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dialer.dials)
	_, probed := p.Health("a1")
	assert.False(t, probed)
	a, _ := dir.ServerByID("a")
	assert.True(t, a.Online(), "domains without an address keep their flag")
}

func TestProbeCancelled(t *testing.T) {
	dir := loaded(t, server("a", true, servers.ConnectingDomain{ID: "a1", EntryIP: "10.0.0.1", Online: true}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(dir, WithDialer(&fakeDialer{up: map[string]bool{}})).ProbeOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	a, _ := dir.ServerByID("a")
	assert.True(t, a.Online(), "nothing applied after cancel")
}

func TestRunTicks(t *testing.T) {
	dir := loaded(t, server("a", true, servers.ConnectingDomain{ID: "a1", EntryIP: "10.0.0.1", Online: true}))
	dialer := &fakeDialer{up: map[string]bool{"10.0.0.1:443": true}}
	mock := clock.NewMock()
	p := New(dir, WithDialer(dialer), WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := p.Health("a1")
		return ok
	}, time.Second, 5*time.Millisecond)

	dialer.set("10.0.0.1:443", false)
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		a, _ := dir.ServerByID("a")
		return !a.Online()
	}, time.Second, 10*time.Millisecond)

	cancel()
	mock.Add(time.Minute)
	<-done
}

func TestRankByLatency(t *testing.T) {
	p := New(directory.New(nil))
	p.setHealth("a1", Health{Healthy: true, LatencyMs: 80})
	p.setHealth("b1", Health{Healthy: false, LatencyMs: 1})
	p.setHealth("c1", Health{Healthy: true, LatencyMs: 200})
	p.setHealth("c2", Health{Healthy: true, LatencyMs: 20})

	list := []servers.Server{
		server("unknown1", true, servers.ConnectingDomain{ID: "u1"}),
		server("a", true, servers.ConnectingDomain{ID: "a1"}),
		server("b", true, servers.ConnectingDomain{ID: "b1"}),
		server("unknown2", true),
		server("c", true, servers.ConnectingDomain{ID: "c1"}, servers.ConnectingDomain{ID: "c2"}),
	}

	ranked := p.RankByLatency(list)
	assert.Equal(t, []string{"c", "a", "b", "unknown1", "unknown2"}, servers.IDs(ranked))
	assert.Equal(t, "unknown1", list[0].ID, "input untouched")
}
