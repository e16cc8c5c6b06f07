package truncation

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

func srv(id string, tier servers.Tier, load float32) servers.Server {
	return servers.Server{ID: id, Name: id + "#1", Tier: tier, Load: load, RawIsOnline: true}
}

func sortedIDs(list []servers.Server) []string {
	ids := servers.IDs(list)
	sort.Strings(ids)
	return ids
}

func TestIDSet(t *testing.T) {
	a := NewIDSet("x", "y", "z", "")
	b := NewIDSet("y")

	assert.Equal(t, 3, a.Len())
	assert.True(t, a.Has("x"))
	assert.False(t, a.Has(""))
	assert.Equal(t, []string{"x", "z"}, a.Minus(b).Sorted())
	assert.Equal(t, []string{"x", "y", "z"}, b.Union(a).Sorted())

	var empty IDSet
	assert.Empty(t, empty.Minus(a))
	assert.False(t, empty.Has("x"))
}

func TestProviders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, []string{"a", "b"}, StaticProvider{IDs: []string{"b", "a"}}.MustHaveIDs(ctx).Sorted())

	f := ProviderFunc(func(context.Context) IDSet { return NewIDSet("q") })
	assert.True(t, f.MustHaveIDs(ctx).Has("q"))
}

func TestReconcileFullRefreshNotTruncated(t *testing.T) {
	old := []servers.Server{srv("A", 2, 1), srv("B", 2, 1)}
	fresh := []servers.Server{srv("C", 2, 1)}

	res := Reconcile(Input{Old: old, New: fresh})
	assert.Equal(t, []string{"C"}, servers.IDs(res.Servers))
	assert.Empty(t, res.RetainIDs)
}

func TestReconcileTruncatedRetainsTrackedMustHaves(t *testing.T) {
	old := []servers.Server{srv("A", 2, 1), srv("B", 2, 1), srv("C", 2, 1), srv("D", 2, 1)}
	fresh := []servers.Server{srv("A", 2, 5), srv("B", 2, 5)}

	res := Reconcile(Input{
		Old:          old,
		New:          fresh,
		WasTruncated: true,
		Requested:    NewIDSet("A", "B"),
		AllKnown:     NewIDSet("A", "B", "C"),
	})

	assert.Equal(t, []string{"A", "B", "C"}, sortedIDs(res.Servers))
	assert.Equal(t, []string{"C"}, res.RetainIDs.Sorted())
	for _, s := range res.Servers {
		if s.ID == "A" {
			assert.Equal(t, float32(5), s.Load, "new record wins over old")
		}
	}
}

func TestReconcileTruncatedDoesNotDuplicate(t *testing.T) {
	old := []servers.Server{srv("A", 2, 1), srv("C", 2, 1)}
	fresh := []servers.Server{srv("A", 2, 2), srv("C", 2, 2)}

	res := Reconcile(Input{
		Old:          old,
		New:          fresh,
		WasTruncated: true,
		Requested:    NewIDSet("A"),
		AllKnown:     NewIDSet("A", "C"),
	})
	require.Len(t, res.Servers, 2)
	for _, s := range res.Servers {
		assert.Equal(t, float32(2), s.Load)
	}
}

func TestReconcileFreeOnlyOverlay(t *testing.T) {
	old := []servers.Server{srv("freeA", servers.TierFree, 5), srv("plusB", servers.TierPlus, 7)}
	fresh := []servers.Server{srv("freeA", servers.TierFree, 10)}

	res := Reconcile(Input{Old: old, New: fresh, FreeOnly: true})

	require.Equal(t, []string{"freeA", "plusB"}, sortedIDs(res.Servers))
	byID := map[string]servers.Server{}
	for _, s := range res.Servers {
		byID[s.ID] = s
	}
	assert.Equal(t, float32(10), byID["freeA"].Load)
	assert.Equal(t, float32(7), byID["plusB"].Load)
}

func TestReconcileFreeOnlyTruncated(t *testing.T) {
	old := []servers.Server{
		srv("freeA", servers.TierFree, 1),
		srv("freeB", servers.TierFree, 1),
		srv("freeC", servers.TierFree, 1),
		srv("plusD", servers.TierPlus, 1),
	}
	fresh := []servers.Server{srv("freeA", servers.TierFree, 3)}

	res := Reconcile(Input{
		Old:          old,
		New:          fresh,
		WasTruncated: true,
		FreeOnly:     true,
		Requested:    NewIDSet("freeA"),
		AllKnown:     NewIDSet("freeA", "freeB"),
	})

	assert.Equal(t, []string{"freeA", "freeB", "plusD"}, sortedIDs(res.Servers))
}

func TestUpdateTier(t *testing.T) {
	current := []servers.Server{
		srv("f1", servers.TierFree, 1),
		srv("f2", servers.TierFree, 1),
		srv("b1", servers.TierBasic, 1),
	}
	update := []servers.Server{srv("f1", servers.TierFree, 9), srv("f3", servers.TierFree, 9)}

	got := UpdateTier(current, update, servers.TierFree, NewIDSet("f2"))
	assert.Equal(t, []string{"f1", "f3", "f2", "b1"}, servers.IDs(got))

	got = UpdateTier(current, update, servers.TierFree, nil)
	assert.Equal(t, []string{"b1", "f1", "f3"}, sortedIDs(got), "f2 dropped without retain")

	got[0].Load = 42
	assert.Equal(t, float32(9), update[0].Load, "inputs are not aliased")
}

func TestCheckMustHaves(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	list := []servers.Server{srv("A", 2, 0)}
	assert.Nil(t, CheckMustHaves(log, list, NewIDSet("A")))
	assert.Nil(t, CheckMustHaves(log, list, nil))
	assert.Equal(t, 0, logs.Len())
}
