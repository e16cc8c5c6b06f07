package servers

import "strings"

// Feature is the server feature bitmask published by the catalog.
type Feature int

const (
	FeatureSecureCore  Feature = 1 << 0
	FeatureTor         Feature = 1 << 1
	FeatureP2P         Feature = 1 << 2
	FeatureStreaming   Feature = 1 << 3
	FeatureIPv6        Feature = 1 << 4
	FeatureRestricted  Feature = 1 << 5 // gateway / dedicated servers
	FeaturePartnership Feature = 1 << 6
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureSecureCore, "secure-core"},
	{FeatureTor, "tor"},
	{FeatureP2P, "p2p"},
	{FeatureStreaming, "streaming"},
	{FeatureIPv6, "ipv6"},
	{FeatureRestricted, "restricted"},
	{FeaturePartnership, "partnership"},
}

// Has reports whether all bits of f are set.
func (m Feature) Has(f Feature) bool {
	return f != 0 && m&f == f
}

// String lists the set features, e.g. "p2p|tor".
func (m Feature) String() string {
	var parts []string
	for _, fn := range featureNames {
		if m.Has(fn.f) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
