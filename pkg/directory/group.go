package directory

import (
	"sort"
	"strings"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// Country is the servers of one country code, in country order.
type Country struct {
	Code    string
	Servers []servers.Server
}

// GatewayGroup is the servers of one dedicated gateway.
type GatewayGroup struct {
	Name    string
	Servers []servers.Server
}

// Groups are the lookup buckets derived from a flat list. Every server is
// in exactly one bucket.
type Groups struct {
	Countries       []Country // keyed by entry country
	SecureCoreExits []Country // keyed by exit country
	Gateways        []GatewayGroup
}

// Group sorts records into buckets in a single pass. Secure Core servers
// go by exit country, restricted servers with a gateway name by gateway,
// everything else by entry country. Country codes are upper-cased, gateway
// names are kept as they are. Buckets are ordered by key.
func Group(records []servers.Server) Groups {
	countries := map[string][]servers.Server{}
	exits := map[string][]servers.Server{}
	gateways := map[string][]servers.Server{}

	for i := range records {
		s := records[i]
		switch {
		case s.IsSecureCore():
			key := strings.ToUpper(s.ExitCountry)
			exits[key] = append(exits[key], s)
		case s.IsGateway():
			name, _ := s.ResolvedGatewayName()
			gateways[name] = append(gateways[name], s)
		default:
			key := strings.ToUpper(s.EntryCountry)
			countries[key] = append(countries[key], s)
		}
	}

	return Groups{
		Countries:       toCountries(countries),
		SecureCoreExits: toCountries(exits),
		Gateways:        toGateways(gateways),
	}
}

func toCountries(m map[string][]servers.Server) []Country {
	out := make([]Country, 0, len(m))
	for code, list := range m {
		servers.SortForCountry(list)
		out = append(out, Country{Code: code, Servers: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func toGateways(m map[string][]servers.Server) []GatewayGroup {
	out := make([]GatewayGroup, 0, len(m))
	for name, list := range m {
		out = append(out, GatewayGroup{Name: name, Servers: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
