// pkg/servers/types.go
package servers

import (
	"regexp"
	"strconv"
	"strings"
)

// Tier is the access level a user needs to connect to a server.
type Tier = int

const (
	TierFree     Tier = 0
	TierBasic    Tier = 1
	TierPlus     Tier = 2
	TierInternal Tier = 3
)

// Location is a lat/long pair as published by the catalog.
type Location struct {
	Lat  float64 `json:"Lat"`
	Long float64 `json:"Long"`
}

// StatusReference is the opaque key of a server inside the binary status blob.
type StatusReference struct {
	Index   uint32  `json:"Index"`
	Penalty float64 `json:"Penalty"`
	Cost    float64 `json:"Cost"`
}

// ConnectingDomain is one physical entry point of a logical server.
type ConnectingDomain struct {
	ID              string `json:"id"`
	EntryDomain     string `json:"entryDomain"`
	EntryIP         string `json:"entryIp,omitempty"`
	ExitIP          string `json:"exitIp,omitempty"`
	Label           string `json:"label,omitempty"`
	PublicKeyX25519 string `json:"publicKeyX25519,omitempty"`
	Online          bool   `json:"online"`
}

// Server describes one logical server (a named endpoint group) of the catalog.
type Server struct {
	ID           string            `json:"id"`           // stable within one catalog snapshot
	EntryCountry string            `json:"entryCountry"` // "CH", "SE", ...
	ExitCountry  string            `json:"exitCountry"`
	Name         string            `json:"name"` // e.g. "CH#12", "ACME#3"
	City         string            `json:"city,omitempty"`
	State        string            `json:"state,omitempty"`
	HostCountry  string            `json:"hostCountry,omitempty"`
	Translations map[string]string `json:"translations,omitempty"` // "City"/"State" -> localized

	ConnectingDomains []ConnectingDomain `json:"connectingDomains"`

	Tier     Tier    `json:"tier"`
	Features Feature `json:"features"`
	Load     float32 `json:"load"`  // 0..100
	Score    float64 `json:"score"` // lower is better

	EntryLocation   *Location        `json:"entryLocation,omitempty"`
	ExitLocation    *Location        `json:"exitLocation,omitempty"`
	StatusReference *StatusReference `json:"statusReference,omitempty"`

	RawIsOnline bool   `json:"isOnline"`
	IsVisible   bool   `json:"isVisible"`
	GatewayName string `json:"gatewayName,omitempty"`
}

// Online reports whether the server itself and at least one of its
// connecting domains are online. It is always derived, never stored.
func (s *Server) Online() bool {
	if !s.RawIsOnline {
		return false
	}
	for _, d := range s.ConnectingDomains {
		if d.Online {
			return true
		}
	}
	return false
}

var serverNumberPattern = regexp.MustCompile(`#(\d+)`)

// ServerNumber parses the "#<digits>" suffix of Name. Missing or
// unparsable numbers yield 1.
func (s *Server) ServerNumber() int {
	m := serverNumberPattern.FindStringSubmatch(s.Name)
	if len(m) < 2 {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n
}

// IsFree reports whether the server is available on the free tier.
func (s *Server) IsFree() bool { return s.Tier == TierFree }

// IsSecureCore reports whether traffic is routed through an extra entry country.
func (s *Server) IsSecureCore() bool { return s.Features.Has(FeatureSecureCore) }

// HasFeature reports whether all bits of f are set.
func (s *Server) HasFeature(f Feature) bool { return s.Features.Has(f) }

// ResolvedGatewayName returns the gateway this server belongs to. The
// explicit GatewayName wins; otherwise the part of Name before '#' is used.
// Only servers with the Restricted feature have a gateway.
func (s *Server) ResolvedGatewayName() (string, bool) {
	if !s.Features.Has(FeatureRestricted) {
		return "", false
	}
	if name := strings.TrimSpace(s.GatewayName); name != "" {
		return name, true
	}
	before, _, found := strings.Cut(s.Name, "#")
	if !found {
		return "", false
	}
	before = strings.TrimSpace(before)
	if before == "" {
		return "", false
	}
	return before, true
}

// IsGateway reports whether the server is grouped under a gateway rather
// than a country.
func (s *Server) IsGateway() bool {
	_, ok := s.ResolvedGatewayName()
	return ok
}

// DisplayCity returns the translated city name for the current list
// language when one is available.
func (s *Server) DisplayCity() string {
	if v := s.Translations["City"]; v != "" {
		return v
	}
	return s.City
}

// DisplayState is the State counterpart of DisplayCity.
func (s *Server) DisplayState() string {
	if v := s.Translations["State"]; v != "" {
		return v
	}
	return s.State
}

// SetOnline applies a server-level online flag. With exactly one
// connecting domain the domain follows the server flag.
func (s *Server) SetOnline(online bool) {
	s.RawIsOnline = online
	if len(s.ConnectingDomains) == 1 {
		s.ConnectingDomains[0].Online = online
	}
}

// Clone returns a deep copy so callers can modify it without touching
// published snapshots.
func (s Server) Clone() Server {
	out := s
	if s.ConnectingDomains != nil {
		out.ConnectingDomains = append([]ConnectingDomain(nil), s.ConnectingDomains...)
	}
	if s.Translations != nil {
		out.Translations = make(map[string]string, len(s.Translations))
		for k, v := range s.Translations {
			out.Translations[k] = v
		}
	}
	if s.EntryLocation != nil {
		loc := *s.EntryLocation
		out.EntryLocation = &loc
	}
	if s.ExitLocation != nil {
		loc := *s.ExitLocation
		out.ExitLocation = &loc
	}
	if s.StatusReference != nil {
		ref := *s.StatusReference
		out.StatusReference = &ref
	}
	return out
}

// CloneAll deep-copies a list of servers.
func CloneAll(list []Server) []Server {
	out := make([]Server, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

// LoadUpdate is one entry of a loads-only refresh.
type LoadUpdate struct {
	ID       string
	Load     float32
	Score    float64
	IsOnline bool
}

// NormalizeCountry upper-cases a country code and maps the legacy "UK"
// code to "GB".
func NormalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "UK" {
		return "GB"
	}
	return code
}

// IDs returns the ids of list in order.
func IDs(list []Server) []string {
	out := make([]string, 0, len(list))
	for i := range list {
		out = append(out, list[i].ID)
	}
	return out
}
