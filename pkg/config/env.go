package config

import (
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays MEERKAT_* variables. Unparsable values are ignored and
// the previous value kept.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			if parts := splitList(v); len(parts) > 0 {
				*dst = parts
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = Duration(d)
			}
		}
	}
	float := func(key string, dst **float64) {
		if v, ok := lookup(key); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = &f
			}
		}
	}

	str("MEERKAT_CATALOG_URL", &c.CatalogURL)
	str("MEERKAT_NETZONE", &c.Netzone)
	str("MEERKAT_LANGUAGE", &c.Language)
	list("MEERKAT_PROTOCOLS", &c.Protocols)
	flag("MEERKAT_BINARY_STATUS", &c.BinaryStatus)
	flag("MEERKAT_TRUNCATION", &c.Truncation)
	list("MEERKAT_MUST_HAVE_IDS", &c.MustHaveIDs)
	flag("MEERKAT_FREE_ONLY", &c.FreeOnly)
	str("MEERKAT_CACHE_DIR", &c.CacheDir)
	str("MEERKAT_STORE_BACKEND", &c.StoreBackend)
	dur("MEERKAT_HTTP_TIMEOUT", &c.HTTPTimeout)
	dur("MEERKAT_REFRESH_INTERVAL", &c.RefreshInterval)
	dur("MEERKAT_LOADS_INTERVAL", &c.LoadsInterval)
	dur("MEERKAT_PROBE_INTERVAL", &c.ProbeInterval)
	str("MEERKAT_USER_COUNTRY", &c.UserCountry)
	float("MEERKAT_USER_LAT", &c.UserLat)
	float("MEERKAT_USER_LONG", &c.UserLong)
	str("MEERKAT_LISTEN_ADDR", &c.ListenAddr)
	str("MEERKAT_API_SECRET", &c.APISecret)
	flag("MEERKAT_DEBUG", &c.Debug)
}
