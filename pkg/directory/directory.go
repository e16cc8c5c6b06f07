// Package directory holds the authoritative in-memory server list and the
// buckets derived from it.
//
// Reads are lock-free: every mutation builds a new immutable state and
// publishes it atomically. Mutations are serialized by one mutex.
package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
	"github.com/MakerMaker19/meerkat-catalog/pkg/store"
)

var (
	// ErrStalePass is returned when the data of a pass was overtaken by a
	// newer list.
	ErrStalePass = errors.New("directory: stale sync pass")
	// ErrNotLoaded is returned by mutations issued before Load finished.
	ErrNotLoaded = errors.New("directory: not loaded")
)

// Persister is the part of store.Store the directory needs.
type Persister interface {
	Load() (store.Snapshot, bool, error)
	Save(snap store.Snapshot)
	Clear() error
}

type state struct {
	list         []servers.Server
	byID         map[string]int
	groups       Groups
	countryIdx   map[string]int
	exitIdx      map[string]int
	gatewayIdx   map[string]int
	statusID     string
	language     string
	lastUpdate   time.Time
	lastModified time.Time
}

func newState(list []servers.Server, statusID, lang string, lastUpdate, lastModified time.Time) *state {
	st := &state{
		list:         list,
		byID:         make(map[string]int, len(list)),
		groups:       Group(list),
		statusID:     statusID,
		language:     lang,
		lastUpdate:   lastUpdate,
		lastModified: lastModified,
	}
	for i := range list {
		if _, dup := st.byID[list[i].ID]; !dup {
			st.byID[list[i].ID] = i
		}
	}
	st.countryIdx = make(map[string]int, len(st.groups.Countries))
	for i, c := range st.groups.Countries {
		st.countryIdx[c.Code] = i
	}
	st.exitIdx = make(map[string]int, len(st.groups.SecureCoreExits))
	for i, c := range st.groups.SecureCoreExits {
		st.exitIdx[c.Code] = i
	}
	st.gatewayIdx = make(map[string]int, len(st.groups.Gateways))
	for i, g := range st.groups.Gateways {
		st.gatewayIdx[g.Name] = i
	}
	return st
}

// uniqueByID keeps the first record of every id and returns the ids it
// dropped. list is returned as is when it has no duplicates.
func uniqueByID(list []servers.Server) ([]servers.Server, []string) {
	seen := make(map[string]struct{}, len(list))
	var (
		out  []servers.Server
		dups []string
	)
	for i := range list {
		id := list[i].ID
		if _, ok := seen[id]; ok {
			if out == nil {
				out = append(make([]servers.Server, 0, len(list)-1), list[:i]...)
			}
			dups = append(dups, id)
			continue
		}
		seen[id] = struct{}{}
		if out != nil {
			out = append(out, list[i])
		}
	}
	if out == nil {
		return list, nil
	}
	return out, dups
}

// build is newState with duplicate ids removed.
func (d *Directory) build(list []servers.Server, statusID, lang string, lastUpdate, lastModified time.Time) *state {
	list, dups := uniqueByID(list)
	if len(dups) > 0 {
		d.log.Warn("dropping servers with duplicate ids", zap.Strings("ids", dups))
	}
	return newState(list, statusID, lang, lastUpdate, lastModified)
}

// Directory is the server list shared by the sync pipeline and readers.
type Directory struct {
	persist Persister
	clock   clock.Clock
	log     *zap.Logger

	cur atomic.Pointer[state]

	mu      sync.Mutex // serializes mutations
	applied uint64     // generation of the last applied pass
	gen     atomic.Uint64

	loadOnce sync.Once
	loaded   chan struct{}
	loadErr  error
}

// Option configures a Directory.
type Option func(*Directory)

func WithLogger(log *zap.Logger) Option {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Directory) {
		if c != nil {
			d.clock = c
		}
	}
}

// New returns an empty directory backed by p. Call Load before use.
func New(p Persister, opts ...Option) *Directory {
	d := &Directory{
		persist: p,
		clock:   clock.New(),
		log:     zap.NewNop(),
		loaded:  make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("directory")
	d.cur.Store(newState(nil, "", "", time.Time{}, time.Time{}))
	return d
}

// Load fills the directory from the persister. Only the first call does
// any work; every call returns the first call's error. The loaded gate is
// released even when loading fails, leaving the directory empty.
func (d *Directory) Load(ctx context.Context) error {
	d.loadOnce.Do(func() {
		defer close(d.loaded)

		if err := ctx.Err(); err != nil {
			d.loadErr = err
			return
		}
		if d.persist == nil {
			return
		}

		snap, ok, err := d.persist.Load()
		if err != nil {
			d.loadErr = err
			d.log.Warn("loading stored server list failed, starting empty", zap.Error(err))
			return
		}
		if !ok {
			d.log.Info("no stored server list")
			return
		}

		d.mu.Lock()
		d.cur.Store(d.build(snap.Servers, snap.StatusID, snap.Language, snap.LastUpdate, snap.LastModified))
		d.mu.Unlock()
		d.log.Info("server list loaded",
			zap.Int("servers", len(snap.Servers)),
			zap.String("statusId", snap.StatusID),
			zap.String("language", snap.Language))
	})
	return d.loadErr
}

// EnsureLoaded blocks until Load has finished or ctx is done.
func (d *Directory) EnsureLoaded(ctx context.Context) error {
	select {
	case <-d.loaded:
		return nil
	default:
	}
	select {
	case <-d.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether Load has finished.
func (d *Directory) Loaded() bool {
	select {
	case <-d.loaded:
		return true
	default:
		return false
	}
}

func (d *Directory) snapshot() *state { return d.cur.Load() }

// All returns a copy of the flat list.
func (d *Directory) All() []servers.Server {
	return servers.CloneAll(d.snapshot().list)
}

// AllByScore returns all servers, best score first.
func (d *Directory) AllByScore() []servers.Server {
	return servers.SortByScore(d.All())
}

func (d *Directory) ServerByID(id string) (servers.Server, bool) {
	st := d.snapshot()
	i, ok := st.byID[id]
	if !ok {
		return servers.Server{}, false
	}
	return st.list[i].Clone(), true
}

// ServerByDomainID returns the server owning a connecting domain.
func (d *Directory) ServerByDomainID(domainID string) (servers.Server, bool) {
	st := d.snapshot()
	for i := range st.list {
		for _, cd := range st.list[i].ConnectingDomains {
			if cd.ID == domainID {
				return st.list[i].Clone(), true
			}
		}
	}
	return servers.Server{}, false
}

func (d *Directory) Countries() []Country {
	return cloneCountries(d.snapshot().groups.Countries)
}

func (d *Directory) Country(code string) (Country, bool) {
	st := d.snapshot()
	i, ok := st.countryIdx[servers.NormalizeCountry(code)]
	if !ok {
		return Country{}, false
	}
	return cloneCountry(st.groups.Countries[i]), true
}

func (d *Directory) SecureCoreExitCountries() []Country {
	return cloneCountries(d.snapshot().groups.SecureCoreExits)
}

func (d *Directory) SecureCoreExit(code string) (Country, bool) {
	st := d.snapshot()
	i, ok := st.exitIdx[servers.NormalizeCountry(code)]
	if !ok {
		return Country{}, false
	}
	return cloneCountry(st.groups.SecureCoreExits[i]), true
}

func (d *Directory) Gateways() []GatewayGroup {
	st := d.snapshot()
	out := make([]GatewayGroup, len(st.groups.Gateways))
	for i, g := range st.groups.Gateways {
		out[i] = GatewayGroup{Name: g.Name, Servers: servers.CloneAll(g.Servers)}
	}
	return out
}

func (d *Directory) Gateway(name string) (GatewayGroup, bool) {
	st := d.snapshot()
	i, ok := st.gatewayIdx[name]
	if !ok {
		return GatewayGroup{}, false
	}
	g := st.groups.Gateways[i]
	return GatewayGroup{Name: g.Name, Servers: servers.CloneAll(g.Servers)}, true
}

// Groups returns copies of all buckets.
func (d *Directory) Groups() Groups {
	return Groups{
		Countries:       d.Countries(),
		SecureCoreExits: d.SecureCoreExitCountries(),
		Gateways:        d.Gateways(),
	}
}

func (d *Directory) StatusID() string        { return d.snapshot().statusID }
func (d *Directory) Language() string        { return d.snapshot().language }
func (d *Directory) LastUpdate() time.Time   { return d.snapshot().lastUpdate }
func (d *Directory) LastModified() time.Time { return d.snapshot().lastModified }
func (d *Directory) Len() int                { return len(d.snapshot().list) }

// NeedsUpdate reports whether the list is empty or was fetched for another
// language.
func (d *Directory) NeedsUpdate(lang string) bool {
	st := d.snapshot()
	return len(st.list) == 0 || st.language != lang
}

func cloneCountry(c Country) Country {
	return Country{Code: c.Code, Servers: servers.CloneAll(c.Servers)}
}

func cloneCountries(list []Country) []Country {
	out := make([]Country, len(list))
	for i, c := range list {
		out[i] = cloneCountry(c)
	}
	return out
}
