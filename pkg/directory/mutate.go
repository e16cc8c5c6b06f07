package directory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
	"github.com/MakerMaker19/meerkat-catalog/pkg/store"
	"github.com/MakerMaker19/meerkat-catalog/pkg/truncation"
)

// Txn is a pending change to the directory. It is only valid inside the
// function passed to Apply.
type Txn struct {
	base *state

	list         []servers.Server
	statusID     string
	language     string
	lastUpdate   time.Time
	lastModified time.Time
	changed      bool
	now          time.Time
}

// Servers returns the list as it is before the pass. Callers must not
// modify it.
func (t *Txn) Servers() []servers.Server { return t.base.list }

func (t *Txn) StatusID() string { return t.base.statusID }

// ReplaceAll swaps in a complete new list.
func (t *Txn) ReplaceAll(records []servers.Server, statusID, lang string) {
	t.list = servers.CloneAll(records)
	t.statusID = statusID
	t.language = lang
	t.lastUpdate = t.now
	t.changed = true
}

// PatchTier overlays tierRecords onto the current list for one tier.
func (t *Txn) PatchTier(tierRecords []servers.Server, tier servers.Tier, retain truncation.IDSet) {
	t.list = truncation.UpdateTier(t.list, tierRecords, tier, retain)
	t.lastUpdate = t.now
	t.changed = true
}

// SetLastModified records the Last-Modified of the response the list
// came from.
func (t *Txn) SetLastModified(ts time.Time) {
	if ts.IsZero() || ts.Equal(t.lastModified) {
		return
	}
	t.lastModified = ts
	t.changed = true
}

// commit runs fn against a working copy and publishes the result when fn
// reports a change. The caller holds d.mu.
func (d *Directory) commit(fn func(t *Txn) error) error {
	base := d.snapshot()
	t := &Txn{
		base:         base,
		list:         base.list,
		statusID:     base.statusID,
		language:     base.language,
		lastUpdate:   base.lastUpdate,
		lastModified: base.lastModified,
		now:          d.clock.Now(),
	}
	if err := fn(t); err != nil {
		return err
	}
	if !t.changed {
		return nil
	}

	next := d.build(t.list, t.statusID, t.language, t.lastUpdate, t.lastModified)
	d.cur.Store(next)
	d.save(next)
	return nil
}

func (d *Directory) update(ctx context.Context, fn func(t *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.Loaded() {
		return ErrNotLoaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commit(fn)
}

func (d *Directory) save(st *state) {
	if d.persist == nil {
		return
	}
	d.persist.Save(store.Snapshot{
		Servers:      st.list,
		StatusID:     st.statusID,
		Language:     st.language,
		LastUpdate:   st.lastUpdate,
		LastModified: st.lastModified,
	})
}

// NextGeneration hands out the token a sync pass passes to Apply.
func (d *Directory) NextGeneration() uint64 {
	return d.gen.Add(1)
}

// Apply runs fn for the pass holding generation gen. When a pass with a
// newer generation was already applied, fn is not run and ErrStalePass is
// returned.
func (d *Directory) Apply(ctx context.Context, gen uint64, fn func(t *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.Loaded() {
		return ErrNotLoaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen < d.applied {
		d.log.Info("dropping stale sync pass",
			zap.Uint64("generation", gen),
			zap.Uint64("applied", d.applied))
		return ErrStalePass
	}
	if err := d.commit(fn); err != nil {
		return err
	}
	d.applied = gen
	return nil
}

// ReplaceAll replaces the whole list after a full refresh.
func (d *Directory) ReplaceAll(ctx context.Context, records []servers.Server, statusID, lang string) error {
	return d.update(ctx, func(t *Txn) error {
		t.ReplaceAll(records, statusID, lang)
		return nil
	})
}

// PatchTier replaces the servers of one tier with tierRecords. Servers of
// that tier missing from tierRecords are dropped unless their id is in
// retain.
func (d *Directory) PatchTier(ctx context.Context, tierRecords []servers.Server, tier servers.Tier, retain truncation.IDSet) error {
	return d.update(ctx, func(t *Txn) error {
		t.PatchTier(tierRecords, tier, retain)
		return nil
	})
}

// UpdateLoads applies a loads-only refresh.
//
// When a server with several connecting domains comes back online we
// cannot tell which domains are reachable, so the domain flags are left
// alone until the next full refresh. Going offline, or a server with a
// single domain, is applied directly.
func (d *Directory) UpdateLoads(ctx context.Context, updates []servers.LoadUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	byID := make(map[string]servers.LoadUpdate, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}

	return d.update(ctx, func(t *Txn) error {
		next := make([]servers.Server, len(t.list))
		hit := 0
		for i := range t.list {
			u, ok := byID[t.list[i].ID]
			if !ok {
				next[i] = t.list[i]
				continue
			}
			s := t.list[i].Clone()
			s.Load = u.Load
			s.Score = u.Score
			if s.Online() != u.IsOnline && (!u.IsOnline || len(s.ConnectingDomains) == 1) {
				s.SetOnline(u.IsOnline)
			} else {
				s.RawIsOnline = u.IsOnline
			}
			next[i] = s
			hit++
		}
		if hit == 0 {
			return nil
		}
		t.list = next
		t.changed = true
		return nil
	})
}

// UpdateConnectingDomainStatus sets the online flag of one connecting
// domain. found reports whether the domain exists, changed whether its flag
// was different.
func (d *Directory) UpdateConnectingDomainStatus(ctx context.Context, domainID string, online bool) (found, changed bool) {
	err := d.update(ctx, func(t *Txn) error {
		for i := range t.list {
			for j, cd := range t.list[i].ConnectingDomains {
				if cd.ID != domainID {
					continue
				}
				found = true
				if cd.Online == online {
					return nil
				}
				next := make([]servers.Server, len(t.list))
				copy(next, t.list)
				s := t.list[i].Clone()
				s.ConnectingDomains[j].Online = online
				next[i] = s
				t.list = next
				t.changed = true
				changed = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		d.log.Debug("domain status update skipped", zap.String("domain", domainID), zap.Error(err))
		return false, false
	}
	return found, changed
}

// UpdateOrAddServer replaces the server with the same id, or appends it.
func (d *Directory) UpdateOrAddServer(ctx context.Context, server servers.Server) error {
	return d.update(ctx, func(t *Txn) error {
		next := make([]servers.Server, len(t.list), len(t.list)+1)
		copy(next, t.list)
		if i, ok := t.base.byID[server.ID]; ok {
			next[i] = server.Clone()
		} else {
			next = append(next, server.Clone())
		}
		t.list = next
		t.changed = true
		return nil
	})
}

// ReplaceStatus takes visibility, online flag, load and score from
// refreshed, matched by id. Other servers and fields are unchanged.
// refreshed must have been computed from the status blob statusID; when
// the directory has moved on to another status id ErrStalePass is returned
// and nothing is changed.
func (d *Directory) ReplaceStatus(ctx context.Context, statusID string, refreshed []servers.Server) error {
	byID := make(map[string]*servers.Server, len(refreshed))
	for i := range refreshed {
		byID[refreshed[i].ID] = &refreshed[i]
	}
	return d.update(ctx, func(t *Txn) error {
		if t.StatusID() != statusID {
			d.log.Info("dropping status refresh for a replaced list",
				zap.String("statusId", statusID),
				zap.String("current", t.StatusID()))
			return ErrStalePass
		}
		next := make([]servers.Server, len(t.list))
		hit := 0
		for i := range t.list {
			r, ok := byID[t.list[i].ID]
			if !ok {
				next[i] = t.list[i]
				continue
			}
			s := t.list[i].Clone()
			s.IsVisible = r.IsVisible
			s.RawIsOnline = r.RawIsOnline
			s.Load = r.Load
			s.Score = r.Score
			next[i] = s
			hit++
		}
		if hit == 0 {
			return nil
		}
		t.list = next
		t.changed = true
		return nil
	})
}

// ClearCache empties the directory and deletes the stored copy.
func (d *Directory) ClearCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cur.Store(newState(nil, "", "", time.Time{}, time.Time{}))
	if d.persist == nil {
		return nil
	}
	return d.persist.Clear()
}
