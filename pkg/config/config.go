// Package config holds the settings of the catalog client and daemon.
//
// Values come from three layers, later ones winning: built-in defaults,
// an optional YAML file and MEERKAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MakerMaker19/meerkat-catalog/pkg/store"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config is the full catalog configuration.
type Config struct {
	// CatalogURL is the base URL of the catalog API.
	CatalogURL string   `yaml:"catalog_url"`
	Netzone    string   `yaml:"netzone"`
	Language   string   `yaml:"language"`
	Protocols  []string `yaml:"protocols"`

	// Remote switches, fixed here until a flag service exists.
	BinaryStatus bool     `yaml:"binary_status"`
	Truncation   bool     `yaml:"truncation"`
	MustHaveIDs  []string `yaml:"must_have_ids"`
	FreeOnly     bool     `yaml:"free_only"`

	CacheDir     string `yaml:"cache_dir"`
	StoreBackend string `yaml:"store_backend"`

	HTTPTimeout     Duration `yaml:"http_timeout"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	LoadsInterval   Duration `yaml:"loads_interval"`
	ProbeInterval   Duration `yaml:"probe_interval"`

	UserCountry string   `yaml:"user_country"`
	UserLat     *float64 `yaml:"user_lat"`
	UserLong    *float64 `yaml:"user_long"`

	// ListenAddr is where catalogd serves its HTTP API.
	ListenAddr string `yaml:"listen_addr"`
	// APISecret guards the mutating endpoints of catalogd. Empty disables them.
	APISecret string `yaml:"api_secret"`

	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CatalogURL:      "https://api.meerkatvpn.net",
		Language:        "en",
		Protocols:       []string{"OpenVPNUDP", "OpenVPNTCP", "WireGuardUDP", "WireGuardTCP", "WireGuardTLS"},
		StoreBackend:    BackendFile,
		HTTPTimeout:     Duration(15 * time.Second),
		RefreshInterval: Duration(3 * time.Hour),
		LoadsInterval:   Duration(15 * time.Minute),
		ProbeInterval:   Duration(30 * time.Second),
		ListenAddr:      "127.0.0.1:9091",
	}
}

// Load returns Default overlaid with the file at path (when path is not
// empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a file. MEERKAT_CONFIG names a file to read first.
func FromEnv() (Config, error) {
	return Load(os.Getenv("MEERKAT_CONFIG"))
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.CatalogURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: catalog_url %q must be an http(s) URL", c.CatalogURL)
	}
	if c.Language == "" {
		return errors.New("config: language cannot be empty")
	}
	switch c.StoreBackend {
	case BackendFile, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("config: http_timeout must be positive")
	}
	if c.RefreshInterval <= 0 || c.LoadsInterval <= 0 {
		return errors.New("config: refresh intervals must be positive")
	}
	if (c.UserLat == nil) != (c.UserLong == nil) {
		return errors.New("config: user_lat and user_long must be set together")
	}
	if c.BinaryStatus && c.FreeOnly {
		return errors.New("config: free_only cannot be combined with binary_status")
	}
	return nil
}

// ResolvedCacheDir returns CacheDir, or ~/.meerkatvpn/catalog when unset.
func (c *Config) ResolvedCacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	return store.DefaultCacheDir()
}

// splitList parses a comma separated env value, dropping empty parts.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
