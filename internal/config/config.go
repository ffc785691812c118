package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Version  string `yaml:"version"`
		Prefix   string `yaml:"prefix"`
		MaxEntry string `yaml:"maxEntry"`

		maxEntryBytes int64
	} `yaml:"cache"`

	Routes Routes `yaml:"routes"`

	Shell Shell `yaml:"shell"`

	Precache struct {
		Assets            []string `yaml:"assets"`
		Manifest          string   `yaml:"manifest"`
		CriticalEndpoints []string `yaml:"criticalEndpoints"`
	} `yaml:"precache"`

	Sync struct {
		Tag       string `yaml:"tag"`
		Periodic  string `yaml:"periodic"`
		Probe     string `yaml:"probe"`
		ProbePath string `yaml:"probePath"`

		periodicDur time.Duration
		probeDur    time.Duration
	} `yaml:"sync"`

	Storage struct {
		Path string `yaml:"path"`
		TTL  string `yaml:"ttl"`

		ttlDur time.Duration
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		Pretty     bool   `yaml:"pretty"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// Routes drives request classification.
type Routes struct {
	StaticPrefixes   []string `yaml:"staticPrefixes"`
	StaticExtensions []string `yaml:"staticExtensions"`
	ImageExtensions  []string `yaml:"imageExtensions"`
	APIPrefix        string   `yaml:"apiPrefix"`
}

// Shell names the app-shell documents used as fallbacks.
type Shell struct {
	Home        string `yaml:"home"`
	OfflinePage string `yaml:"offlinePage"`
	Placeholder string `yaml:"placeholder"`
	Dashboard   string `yaml:"dashboard"`
}

func (c Config) MaxEntryBytes() int64         { return c.Cache.maxEntryBytes }
func (c Config) PeriodicSync() time.Duration  { return c.Sync.periodicDur }
func (c Config) ProbeInterval() time.Duration { return c.Sync.probeDur }
func (c Config) DefaultTTL() time.Duration    { return c.Storage.ttlDur }
func (c Config) StatsEvery() time.Duration    { return c.Logging.statsEveryDur }

// Default returns a config with every optional field filled in. Origin is left empty.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.MaxEntry != "" {
		n, err := ParseBytes(cfg.Cache.MaxEntry)
		if err != nil {
			return Config{}, fmt.Errorf("cache.maxEntry: %w", err)
		}
		cfg.Cache.maxEntryBytes = n
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync.periodic", cfg.Sync.Periodic, &cfg.Sync.periodicDur},
		{"sync.probe", cfg.Sync.Probe, &cfg.Sync.probeDur},
		{"storage.ttl", cfg.Storage.TTL, &cfg.Storage.ttlDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}

	if !strings.HasPrefix(cfg.Routes.APIPrefix, "/") {
		return Config{}, fmt.Errorf("routes.apiPrefix: must start with /, got %q", cfg.Routes.APIPrefix)
	}
	for i, p := range cfg.Precache.Assets {
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("precache.assets[%d]: must start with /, got %q", i, p)
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "lb-admin"
	}

	r := &cfg.Routes
	if len(r.StaticPrefixes) == 0 {
		r.StaticPrefixes = []string{"/static/"}
	}
	if len(r.StaticExtensions) == 0 {
		r.StaticExtensions = []string{".js", ".css", ".woff", ".woff2", ".ttf", ".eot"}
	}
	if len(r.ImageExtensions) == 0 {
		r.ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico"}
	}
	if r.APIPrefix == "" {
		r.APIPrefix = "/api/"
	}

	s := &cfg.Shell
	if s.Home == "" {
		s.Home = "/"
	}
	if s.OfflinePage == "" {
		s.OfflinePage = "/offline.html"
	}
	if s.Placeholder == "" {
		s.Placeholder = "/static/media/placeholder.svg"
	}
	if s.Dashboard == "" {
		s.Dashboard = "/dashboard"
	}

	if len(cfg.Precache.Assets) == 0 {
		cfg.Precache.Assets = []string{"/", s.OfflinePage, "/manifest.json"}
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "sync-offline-actions"
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/api/health"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.TTL == "" {
		cfg.Storage.TTL = "5m"
	}
	cfg.Storage.ttlDur = 5 * time.Minute

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
