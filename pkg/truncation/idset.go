package truncation

import (
	"context"
	"sort"
)

// IDSet is a set of server ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids. Empty ids are skipped.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Len() int { return len(s) }

// Minus returns the ids of s that are not in other.
func (s IDSet) Minus(other IDSet) IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Union returns a new set with the ids of both sets.
func (s IDSet) Union(other IDSet) IDSet {
	out := make(IDSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the ids in ascending order, e.g. for query strings.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MustHaveProvider computes the ids a catalog call must include even when
// the response is truncated (current connection, pinned and recent servers).
type MustHaveProvider interface {
	MustHaveIDs(ctx context.Context) IDSet
}

// StaticProvider always returns the same ids.
type StaticProvider struct {
	IDs []string
}

func (p StaticProvider) MustHaveIDs(context.Context) IDSet {
	return NewIDSet(p.IDs...)
}

// ProviderFunc adapts a function to MustHaveProvider.
type ProviderFunc func(ctx context.Context) IDSet

func (f ProviderFunc) MustHaveIDs(ctx context.Context) IDSet { return f(ctx) }
