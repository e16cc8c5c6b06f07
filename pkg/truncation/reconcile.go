package truncation

import (
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/debug"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// Input is everything Reconcile needs to merge one catalog response into
// the previous list.
type Input struct {
	Old          []servers.Server
	New          []servers.Server
	WasTruncated bool
	FreeOnly     bool  // partial refresh of the free tier only
	Requested    IDSet // must-haves sent with this call
	AllKnown     IDSet // every must-have currently tracked by the client
}

// Result is the merged list plus the ids that were retained from Old
// because this call could not vouch for them.
type Result struct {
	Servers   []servers.Server
	RetainIDs IDSet
}

// Reconcile merges a catalog response into the previous list.
//
// Without truncation a full refresh simply takes New and a free-only refresh
// overlays New onto Old for the free tier. With truncation, must-haves that
// were tracked but not requested by this call are kept from Old.
func Reconcile(in Input) Result {
	retain := IDSet{}
	if in.WasTruncated {
		retain = in.AllKnown.Minus(in.Requested)
	}

	var base []servers.Server
	if in.FreeOnly {
		base = UpdateTier(in.Old, in.New, servers.TierFree, retain)
	} else {
		base = servers.CloneAll(in.New)
	}

	if in.WasTruncated && retain.Len() > 0 {
		present := make(IDSet, len(base))
		for i := range base {
			present[base[i].ID] = struct{}{}
		}
		for i := range in.Old {
			id := in.Old[i].ID
			if retain.Has(id) && !present.Has(id) {
				base = append(base, in.Old[i].Clone())
				present[id] = struct{}{}
			}
		}
	}

	return Result{Servers: base, RetainIDs: retain}
}

// UpdateTier overlays update onto current for one tier: the result holds
// every record of update, plus the records of current that update does not
// carry and that either belong to another tier or are listed in retain.
func UpdateTier(current, update []servers.Server, tier servers.Tier, retain IDSet) []servers.Server {
	inUpdate := make(IDSet, len(update))
	for i := range update {
		inUpdate[update[i].ID] = struct{}{}
	}

	out := make([]servers.Server, 0, len(current)+len(update))
	out = append(out, servers.CloneAll(update)...)
	for i := range current {
		s := &current[i]
		if inUpdate.Has(s.ID) {
			continue
		}
		if s.Tier != tier || retain.Has(s.ID) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// CheckMustHaves verifies that every requested id made it into the new
// list. Violations are logged; debug builds panic.
func CheckMustHaves(log *zap.Logger, list []servers.Server, requested IDSet) []string {
	if requested.Len() == 0 {
		return nil
	}
	present := make(IDSet, len(list))
	for i := range list {
		present[list[i].ID] = struct{}{}
	}
	missing := requested.Minus(present).Sorted()
	if len(missing) == 0 {
		return nil
	}
	if log != nil {
		log.Warn("truncated response is missing must-have servers",
			zap.Strings("missing", missing),
			zap.Int("requested", requested.Len()))
	}
	debug.Assert(false, "truncated response is missing must-have servers: %v", missing)
	return missing
}
