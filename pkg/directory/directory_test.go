package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
	"github.com/MakerMaker19/meerkat-catalog/pkg/store"
	"github.com/MakerMaker19/meerkat-catalog/pkg/truncation"
)

func online(id, country string, tier servers.Tier, domains ...bool) servers.Server {
	s := servers.Server{
		ID:           id,
		Name:         country + "#" + id,
		EntryCountry: country,
		ExitCountry:  country,
		Tier:         tier,
		RawIsOnline:  true,
		IsVisible:    true,
	}
	if len(domains) == 0 {
		domains = []bool{true}
	}
	for i, on := range domains {
		s.ConnectingDomains = append(s.ConnectingDomains, servers.ConnectingDomain{
			ID: fmt.Sprintf("%s-d%d", id, i), Online: on,
		})
	}
	return s
}

type fixture struct {
	blobs *store.MemoryBlobStore
	store *store.Store
	dir   *Directory
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{blobs: store.NewMemoryBlobStore(), clock: clock.NewMock()}
	f.store = store.New(f.blobs, zap.NewNop())
	t.Cleanup(func() { _ = f.store.Close() })
	f.dir = New(f.store, WithClock(f.clock), WithLogger(zap.NewNop()))
	return f
}

func loadedFixture(t *testing.T, list ...servers.Server) *fixture {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, f.dir.Load(context.Background()))
	if len(list) > 0 {
		require.NoError(t, f.dir.ReplaceAll(context.Background(), list, "status-1", "en"))
	}
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Flush(context.Background()))
}

func TestGroupPrecedence(t *testing.T) {
	sc := online("sc", "CH", servers.TierPlus)
	sc.ExitCountry = "se"
	sc.Features = servers.FeatureSecureCore | servers.FeatureRestricted
	sc.GatewayName = "Acme"

	gw := online("gw", "de", servers.TierPlus)
	gw.Features = servers.FeatureRestricted
	gw.GatewayName = "AcmeCorp"

	derived := online("gw2", "de", servers.TierPlus)
	derived.Name = "beta#2"
	derived.Features = servers.FeatureRestricted

	noName := online("nn", "de", servers.TierPlus)
	noName.Name = "plain"
	noName.Features = servers.FeatureRestricted

	plain := online("pl", "fr", servers.TierFree)

	g := Group([]servers.Server{sc, gw, derived, noName, plain})

	require.Len(t, g.SecureCoreExits, 1)
	assert.Equal(t, "SE", g.SecureCoreExits[0].Code)
	assert.Equal(t, []string{"sc"}, servers.IDs(g.SecureCoreExits[0].Servers))

	require.Len(t, g.Gateways, 2)
	assert.Equal(t, "AcmeCorp", g.Gateways[0].Name, "gateway names keep their case")
	assert.Equal(t, "beta", g.Gateways[1].Name)

	require.Len(t, g.Countries, 2)
	assert.Equal(t, "DE", g.Countries[0].Code)
	assert.Equal(t, []string{"nn"}, servers.IDs(g.Countries[0].Servers))
	assert.Equal(t, "FR", g.Countries[1].Code)
}

func generated(n int) []servers.Server {
	countries := []string{"CH", "se", "US", "de"}
	var out []servers.Server
	for i := 0; i < n; i++ {
		s := online(fmt.Sprintf("s%03d", i), countries[i%len(countries)], servers.Tier(i%4))
		s.Name = fmt.Sprintf("%s#%d", s.EntryCountry, (i*37)%150)
		switch i % 7 {
		case 0:
			s.Features = servers.FeatureSecureCore
			s.ExitCountry = countries[(i+1)%len(countries)]
		case 3:
			s.Features = servers.FeatureRestricted
			s.GatewayName = []string{"Acme", "acme", ""}[i%3]
		}
		out = append(out, s)
	}
	return out
}

func allGrouped(g Groups) []string {
	var ids []string
	for _, c := range g.Countries {
		ids = append(ids, servers.IDs(c.Servers)...)
	}
	for _, c := range g.SecureCoreExits {
		ids = append(ids, servers.IDs(c.Servers)...)
	}
	for _, gw := range g.Gateways {
		ids = append(ids, servers.IDs(gw.Servers)...)
	}
	return ids
}

func TestGroupIsPartition(t *testing.T) {
	list := generated(200)
	got := allGrouped(Group(list))

	want := servers.IDs(list)
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got, "every server in exactly one bucket")
}

func TestGroupCountryOrder(t *testing.T) {
	for _, c := range Group(generated(200)).Countries {
		for i := 1; i < len(c.Servers); i++ {
			assert.False(t, servers.CountryOrderLess(&c.Servers[i], &c.Servers[i-1]),
				"%s: %s before %s", c.Code, c.Servers[i-1].Name, c.Servers[i].Name)
		}
	}
}

func TestEnsureLoadedGate(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.dir.EnsureLoaded(ctx), context.DeadlineExceeded)
	assert.False(t, f.dir.Loaded())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.dir.EnsureLoaded(context.Background())
		}()
	}

	require.NoError(t, f.dir.Load(context.Background()))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// later waits return immediately, repeated loads are no-ops
	assert.NoError(t, f.dir.EnsureLoaded(context.Background()))
	assert.NoError(t, f.dir.Load(context.Background()))
	assert.True(t, f.dir.Loaded())
}

func TestLoadFailureStillReleasesGate(t *testing.T) {
	blobs := store.NewMemoryBlobStore()
	require.NoError(t, blobs.Write([]byte("garbage")))
	st := store.New(blobs, nil)
	defer st.Close()

	d := New(st)
	assert.Error(t, d.Load(context.Background()))
	assert.NoError(t, d.EnsureLoaded(context.Background()))
	assert.Equal(t, 0, d.Len())
}

func TestMutationBeforeLoad(t *testing.T) {
	f := newFixture(t)
	err := f.dir.ReplaceAll(context.Background(), []servers.Server{online("a", "CH", 2)}, "", "en")
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, f.dir.Apply(context.Background(), f.dir.NextGeneration(), func(*Txn) error { return nil }), ErrNotLoaded)
}

func TestReplaceAllPersistsAndReloads(t *testing.T) {
	f := loadedFixture(t)
	f.clock.Add(time.Hour)
	list := []servers.Server{online("a", "CH", 2), online("b", "SE", 0)}
	require.NoError(t, f.dir.ReplaceAll(context.Background(), list, "status-9", "fr"))
	f.flush(t)

	assert.Equal(t, 2, f.dir.Len())
	assert.Equal(t, "status-9", f.dir.StatusID())
	assert.Equal(t, "fr", f.dir.Language())
	assert.Equal(t, f.clock.Now(), f.dir.LastUpdate())
	assert.False(t, f.dir.NeedsUpdate("fr"))
	assert.True(t, f.dir.NeedsUpdate("de"))

	// a fresh directory over the same blob sees the same state
	st := store.New(f.blobs, nil)
	defer st.Close()
	other := New(st)
	require.NoError(t, other.Load(context.Background()))
	assert.Equal(t, "status-9", other.StatusID())
	assert.ElementsMatch(t, servers.IDs(list), servers.IDs(other.All()))
}

func TestReadersReturnCopies(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2))

	all := f.dir.All()
	all[0].Name = "changed"
	all[0].ConnectingDomains[0].Online = false

	s, ok := f.dir.ServerByID("a")
	require.True(t, ok)
	assert.Equal(t, "CH#a", s.Name)
	assert.True(t, s.Online())

	c, ok := f.dir.Country("ch")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, servers.IDs(c.Servers))
	_, ok = f.dir.Country("XX")
	assert.False(t, ok)

	owner, ok := f.dir.ServerByDomainID("a-d0")
	require.True(t, ok)
	assert.Equal(t, "a", owner.ID)
}

func TestFreeOnlyPatch(t *testing.T) {
	freeA := online("freeA", "CH", servers.TierFree)
	freeA.Load = 5
	plusB := online("plusB", "CH", servers.TierPlus)
	f := loadedFixture(t, freeA, plusB)

	updated := freeA
	updated.Load = 10
	require.NoError(t, f.dir.PatchTier(context.Background(), []servers.Server{updated}, servers.TierFree, nil))

	assert.ElementsMatch(t, []string{"freeA", "plusB"}, servers.IDs(f.dir.All()))
	s, _ := f.dir.ServerByID("freeA")
	assert.Equal(t, float32(10), s.Load)
}

func TestPatchTierRetains(t *testing.T) {
	f := loadedFixture(t,
		online("f1", "CH", servers.TierFree),
		online("f2", "CH", servers.TierFree),
		online("p1", "CH", servers.TierPlus))

	require.NoError(t, f.dir.PatchTier(context.Background(), nil, servers.TierFree, truncation.NewIDSet("f2")))
	assert.ElementsMatch(t, []string{"f2", "p1"}, servers.IDs(f.dir.All()))
}

func TestUpdateLoadsDomainPolicy(t *testing.T) {
	multi := online("multi", "CH", 2, false, false)
	multi.RawIsOnline = false
	single := online("single", "CH", 2, false)
	single.RawIsOnline = false
	goingDown := online("down", "CH", 2, true, true)
	untouched := online("other", "SE", 2)
	untouched.Load = 3

	f := loadedFixture(t, multi, single, goingDown, untouched)
	f.flush(t)
	writes := f.blobs.Writes()

	require.NoError(t, f.dir.UpdateLoads(context.Background(), []servers.LoadUpdate{
		{ID: "multi", Load: 40, Score: 2, IsOnline: true},
		{ID: "single", Load: 50, Score: 3, IsOnline: true},
		{ID: "down", Load: 60, Score: 4, IsOnline: false},
		{ID: "unknown", Load: 1, IsOnline: true},
	}))
	f.flush(t)

	m, _ := f.dir.ServerByID("multi")
	assert.Equal(t, float32(40), m.Load)
	assert.True(t, m.RawIsOnline)
	assert.False(t, m.ConnectingDomains[0].Online)
	assert.False(t, m.ConnectingDomains[1].Online)
	assert.False(t, m.Online(), "multi-domain server waits for a full refresh")

	s, _ := f.dir.ServerByID("single")
	assert.True(t, s.ConnectingDomains[0].Online)
	assert.True(t, s.Online())

	d, _ := f.dir.ServerByID("down")
	assert.False(t, d.Online())
	assert.Equal(t, 4.0, d.Score)

	o, _ := f.dir.ServerByID("other")
	assert.Equal(t, float32(3), o.Load)

	assert.Greater(t, f.blobs.Writes(), writes)
}

func TestUpdateConnectingDomainStatus(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2, false, false), online("b", "SE", 2))
	ctx := context.Background()

	a, _ := f.dir.ServerByID("a")
	require.False(t, a.Online())

	found, changed := f.dir.UpdateConnectingDomainStatus(ctx, "a-d1", true)
	assert.True(t, found)
	assert.True(t, changed)
	a, _ = f.dir.ServerByID("a")
	assert.True(t, a.Online())
	assert.False(t, a.ConnectingDomains[0].Online)

	c, _ := f.dir.Country("CH")
	assert.True(t, c.Servers[0].ConnectingDomains[1].Online, "buckets see the new flag")

	found, changed = f.dir.UpdateConnectingDomainStatus(ctx, "a-d1", true)
	assert.True(t, found)
	assert.False(t, changed, "flag already set")

	found, changed = f.dir.UpdateConnectingDomainStatus(ctx, "nope", true)
	assert.False(t, found)
	assert.False(t, changed)
}

func TestIncrementalMatchesFullRebuild(t *testing.T) {
	list := generated(60)
	f := loadedFixture(t, list...)
	ctx := context.Background()

	var loads []servers.LoadUpdate
	for i := 0; i < len(list); i += 3 {
		loads = append(loads, servers.LoadUpdate{ID: list[i].ID, Load: float32(i), Score: float64(60 - i), IsOnline: i%2 == 0})
	}
	require.NoError(t, f.dir.UpdateLoads(ctx, loads))
	f.dir.UpdateConnectingDomainStatus(ctx, list[5].ConnectingDomains[0].ID, false)
	extra := online("zz", "NL", servers.TierBasic)
	require.NoError(t, f.dir.UpdateOrAddServer(ctx, extra))
	require.NoError(t, f.dir.PatchTier(ctx, []servers.Server{online("s000", "CH", servers.TierFree)}, servers.TierFree, nil))

	assert.Equal(t, Group(f.dir.All()), f.dir.Groups())
}

func TestUpdateOrAddServer(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2))
	ctx := context.Background()

	changed := online("a", "DE", 2)
	require.NoError(t, f.dir.UpdateOrAddServer(ctx, changed))
	require.NoError(t, f.dir.UpdateOrAddServer(ctx, online("b", "SE", 2)))

	assert.Equal(t, []string{"a", "b"}, servers.IDs(f.dir.All()))
	_, ok := f.dir.Country("CH")
	assert.False(t, ok)
	_, ok = f.dir.Country("DE")
	assert.True(t, ok)
}

func TestReplaceStatusKeepsOtherFields(t *testing.T) {
	a := online("a", "CH", 2)
	f := loadedFixture(t, a, online("b", "SE", 2))

	refreshed := a
	refreshed.Load = 77
	refreshed.Score = 0.5
	refreshed.IsVisible = false
	refreshed.RawIsOnline = false
	refreshed.Name = "ignored"
	require.NoError(t, f.dir.ReplaceStatus(context.Background(), "status-1", []servers.Server{refreshed}))

	got, _ := f.dir.ServerByID("a")
	assert.Equal(t, float32(77), got.Load)
	assert.False(t, got.IsVisible)
	assert.False(t, got.Online())
	assert.Equal(t, "CH#a", got.Name)
	assert.Equal(t, "status-1", f.dir.StatusID())
}

func TestReplaceStatusDropsOtherStatusID(t *testing.T) {
	a := online("a", "CH", 2)
	a.Load = 11
	f := loadedFixture(t, a)
	ctx := context.Background()

	// a full refresh lands while the old blob is being decoded
	fresh := online("a", "CH", 2)
	fresh.Load = 77
	require.NoError(t, f.dir.ReplaceAll(ctx, []servers.Server{fresh}, "status-2", "en"))
	f.flush(t)
	writes := f.blobs.Writes()

	stale := a
	stale.Load = 11
	err := f.dir.ReplaceStatus(ctx, "status-1", []servers.Server{stale})
	assert.ErrorIs(t, err, ErrStalePass)

	got, _ := f.dir.ServerByID("a")
	assert.Equal(t, float32(77), got.Load)
	assert.Equal(t, "status-2", f.dir.StatusID())
	f.flush(t)
	assert.Equal(t, writes, f.blobs.Writes())
}

func TestDuplicateIDsKeepFirstRecord(t *testing.T) {
	first := online("A", "CH", 2)
	second := online("A", "SE", 2)
	second.Name = "SE#2"
	f := loadedFixture(t, first, second, online("B", "DE", 2))

	assert.Equal(t, 2, f.dir.Len())
	assert.Equal(t, []string{"A", "B"}, servers.IDs(f.dir.All()))
	a, ok := f.dir.ServerByID("A")
	require.True(t, ok)
	assert.Equal(t, "CH#A", a.Name)

	_, ok = f.dir.Country("SE")
	assert.False(t, ok, "dropped copy is not grouped")
	assert.Len(t, f.dir.Countries(), 2)

	// an added server is not duplicated either
	require.NoError(t, f.dir.UpdateOrAddServer(context.Background(), online("B", "NL", 2)))
	assert.Equal(t, 2, f.dir.Len())
}

func TestDuplicateIDsDroppedOnLoad(t *testing.T) {
	blobs := store.NewMemoryBlobStore()
	st := store.New(blobs, zap.NewNop())
	st.Save(store.Snapshot{
		Servers:  []servers.Server{online("A", "CH", 2), online("A", "SE", 2)},
		StatusID: "s",
		Language: "en",
	})
	require.NoError(t, st.Flush(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	d := New(st, WithLogger(zap.NewNop()))
	require.NoError(t, d.Load(context.Background()))
	assert.Equal(t, 1, d.Len())
	a, _ := d.ServerByID("A")
	assert.Equal(t, "CH", a.ExitCountry)
}

func TestApplyDropsStalePass(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2))
	ctx := context.Background()

	older := f.dir.NextGeneration()
	newer := f.dir.NextGeneration()

	require.NoError(t, f.dir.Apply(ctx, newer, func(tx *Txn) error {
		tx.ReplaceAll([]servers.Server{online("new", "CH", 2)}, "s2", "en")
		return nil
	}))

	ran := false
	err := f.dir.Apply(ctx, older, func(tx *Txn) error {
		ran = true
		tx.ReplaceAll([]servers.Server{online("old", "CH", 2)}, "s1", "en")
		return nil
	})
	assert.ErrorIs(t, err, ErrStalePass)
	assert.False(t, ran)
	assert.Equal(t, []string{"new"}, servers.IDs(f.dir.All()))
}

func TestApplyWithoutChangeDoesNotPersist(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2))
	f.flush(t)
	writes := f.blobs.Writes()

	require.NoError(t, f.dir.Apply(context.Background(), f.dir.NextGeneration(), func(tx *Txn) error {
		assert.Len(t, tx.Servers(), 1)
		return nil
	}))
	f.flush(t)
	assert.Equal(t, writes, f.blobs.Writes())
}

func TestClearCache(t *testing.T) {
	f := loadedFixture(t, online("a", "CH", 2))
	f.flush(t)

	require.NoError(t, f.dir.ClearCache(context.Background()))
	assert.Equal(t, 0, f.dir.Len())
	assert.Empty(t, f.dir.Countries())
	assert.Equal(t, "", f.dir.StatusID())

	_, ok, err := f.store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBestServer(t *testing.T) {
	plusOnline := online("plusOnline", "CH", servers.TierPlus)
	plusOnline.Score = 1
	freeOffline := online("freeOffline", "CH", servers.TierFree, false)
	freeOffline.Score = 2
	freeOnline := online("freeOnline", "CH", servers.TierFree)
	freeOnline.Score = 3

	list := []servers.Server{freeOnline, freeOffline, plusOnline}

	best, ok := BestServer(list, servers.TierPlus)
	require.True(t, ok)
	assert.Equal(t, "plusOnline", best.ID)

	best, _ = BestServer(list, servers.TierFree)
	assert.Equal(t, "freeOnline", best.ID)

	best, _ = BestServer([]servers.Server{freeOffline, plusOnline}, servers.TierFree)
	assert.Equal(t, "freeOffline", best.ID, "accessible beats online")

	best, _ = BestServer([]servers.Server{plusOnline}, servers.TierFree)
	assert.Equal(t, "plusOnline", best.ID, "falls back to the best overall")

	_, ok = BestServer(nil, servers.TierPlus)
	assert.False(t, ok)
}

func TestFastestSkipsGatewaysAndSecureCore(t *testing.T) {
	gw := online("gw", "CH", 0)
	gw.Features = servers.FeatureRestricted
	gw.GatewayName = "acme"
	sc := online("sc", "CH", 0)
	sc.Features = servers.FeatureSecureCore
	regular := online("reg", "CH", 0)
	regular.Score = 9

	f := loadedFixture(t, gw, sc, regular)
	best, ok := f.dir.Fastest(servers.TierPlus)
	require.True(t, ok)
	assert.Equal(t, "reg", best.ID)
}
