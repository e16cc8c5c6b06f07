// Package store persists the server directory as a single compressed blob.
package store

import (
	"time"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// SnapshotVersion is written into every saved blob.
const SnapshotVersion = 2

// Snapshot is everything the directory needs to come back after a restart.
type Snapshot struct {
	Version      int              `json:"version"`
	Servers      []servers.Server `json:"servers"`
	StatusID     string           `json:"statusId,omitempty"`
	Language     string           `json:"language,omitempty"`
	LastUpdate   time.Time        `json:"lastUpdate"`
	LastModified time.Time        `json:"lastModified"`

	// Version 1 blobs stored the list grouped by country. They are only
	// read, never written.
	LegacyCountries       []LegacyCountry `json:"vpnCountries,omitempty"`
	LegacySecureCoreExits []LegacyCountry `json:"secureCoreExitCountries,omitempty"`
}

// LegacyCountry is one country bucket of a version 1 blob.
type LegacyCountry struct {
	Code    string           `json:"flag"`
	Servers []servers.Server `json:"serverList"`
}

// migrate rebuilds the flat list from legacy buckets when a blob has
// nothing else. Servers listed in several buckets are kept once.
func (s *Snapshot) migrate() bool {
	if len(s.Servers) > 0 {
		return false
	}
	if len(s.LegacyCountries) == 0 && len(s.LegacySecureCoreExits) == 0 {
		return false
	}

	seen := map[string]struct{}{}
	var flat []servers.Server
	for _, group := range [][]LegacyCountry{s.LegacyCountries, s.LegacySecureCoreExits} {
		for _, c := range group {
			for _, srv := range c.Servers {
				if _, dup := seen[srv.ID]; dup {
					continue
				}
				seen[srv.ID] = struct{}{}
				flat = append(flat, srv)
			}
		}
	}
	s.Servers = flat
	s.LegacyCountries = nil
	s.LegacySecureCoreExits = nil
	return true
}
