package attendsync

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DebugLevel controls per-fetch debug output.
type DebugLevel string

const (
	DebugOff     DebugLevel = "off"
	DebugMinimal DebugLevel = "minimal"
	DebugVerbose DebugLevel = "verbose"
)

func ParseDebugLevel(s string) (DebugLevel, error) {
	switch DebugLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", DebugOff, "false", "0":
		return DebugOff, nil
	case DebugMinimal, "true", "1":
		return DebugMinimal, nil
	case DebugVerbose:
		return DebugVerbose, nil
	}
	return DebugOff, fmt.Errorf("unknown debug level %q (want off, minimal or verbose)", s)
}

type Config struct {
	// Version tags the cache generation. Changing it retires every cache of
	// the previous generation on the next activation.
	Version string `yaml:"version"`
	Debug   string `yaml:"debug"`

	Server struct {
		Port      int    `yaml:"port"`
		Origin    string `yaml:"origin"`
		CDNOrigin string `yaml:"cdnOrigin"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"server"`

	Storage struct {
		Dir    string `yaml:"dir"`
		Outbox struct {
			Max string `yaml:"max"`
		} `yaml:"outbox"`
		Cache struct {
			RAM string `yaml:"ram"`
		} `yaml:"cache"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		Pretty        bool   `yaml:"pretty"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Cache struct {
		Manifest       []string `yaml:"manifest"`
		OfflinePage    string   `yaml:"offlinePage"`
		Placeholder    string   `yaml:"placeholder"`
		StaticPrefixes []string `yaml:"staticPrefixes"`
		APIPrefix      string   `yaml:"apiPrefix"`
		APIRoutes      []string `yaml:"apiRoutes"`
	} `yaml:"cache"`

	Attendance struct {
		PathContains string `yaml:"pathContains"`
		APIPrefix    string `yaml:"apiPrefix"`
	} `yaml:"attendance"`

	Prewarm struct {
		Routes   []string `yaml:"routes"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"prewarm"`

	Sync struct {
		TokenPage         string   `yaml:"tokenPage"`
		CSRFHeaders       []string `yaml:"csrfHeaders"`
		FallbackEndpoints []string `yaml:"fallbackEndpoints"`
		BatchSize         int      `yaml:"batchSize"`
		FailurePause      string   `yaml:"failurePause"`
		ReplayRPS         float64  `yaml:"replayRPS"`
		AdminTransform    bool     `yaml:"adminTransform"`
		AdminID           string   `yaml:"adminID"`
		Background        *bool    `yaml:"background"`
		ProbeInterval     string   `yaml:"probeInterval"`
		PeriodicInterval  string   `yaml:"periodicInterval"`
	} `yaml:"sync"`

	// compiled
	debug            DebugLevel
	origin           *url.URL
	cdn              *url.URL
	timeout          time.Duration
	outboxMax        int64
	ramMax           int64
	logStatsEvery    time.Duration
	failurePause     time.Duration
	probeInterval    time.Duration
	periodicInterval time.Duration
	staticPaths      map[string]struct{}
}

// DefaultConfig returns the configuration used when a key is absent from the
// YAML file. Origin has no default and must always be set.
func DefaultConfig() Config {
	var cfg Config
	cfg.Version = "v1"
	cfg.Debug = string(DebugOff)
	cfg.Server.Port = 8080
	cfg.Server.CDNOrigin = "https://cdn.jsdelivr.net"
	cfg.Server.Timeout = "30s"
	cfg.Storage.Dir = "./data"
	cfg.Storage.Outbox.Max = "50mb"
	cfg.Storage.Cache.RAM = "64mb"
	cfg.Logging.Level = "info"
	cfg.Cache.Manifest = []string{
		"/offline.html",
		"/static/images/logo.png",
		"/static/css/style.css",
		"/manifest.json",
		"/static/icons/icon-72x72.png",
		"/static/icons/icon-96x96.png",
		"/static/icons/icon-128x128.png",
		"/static/icons/icon-144x144.png",
		"/static/icons/icon-152x152.png",
		"/static/icons/icon-192x192.png",
		"/static/icons/icon-384x384.png",
		"/static/icons/icon-512x512.png",
		"/static/js/main.js",
		"/static/js/attendance.js",
		"/static/js/offline-sync.js",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
	}
	cfg.Cache.OfflinePage = "/offline.html"
	cfg.Cache.Placeholder = "/static/images/logo.png"
	cfg.Cache.StaticPrefixes = []string{"/static/"}
	cfg.Cache.APIPrefix = "/api/"
	cfg.Cache.APIRoutes = []string{
		"/api/users",
		"/api/companies",
		"/api/enrollments",
		"/api/classes",
		"/api/attendance",
	}
	cfg.Attendance.PathContains = "/attendance"
	cfg.Attendance.APIPrefix = "/api/attendance"
	cfg.Prewarm.Routes = []string{
		"/",
		"/admin/dashboard",
		"/admin/manage-users",
		"/admin/manage-classes",
		"/admin/manage-enrollments",
		"/admin/view-attendance",
		"/instructor/dashboard",
		"/instructor/attendance",
		"/student/dashboard",
		"/student/attendance",
	}
	cfg.Sync.TokenPage = "/"
	cfg.Sync.CSRFHeaders = []string{"X-CSRFToken", "X-CSRF-Token"}
	cfg.Sync.FallbackEndpoints = []string{
		"/api/attendance/save",
		"/api/attendance/batch",
		"/api/admin/attendance/save",
		"/api/admin/attendance",
	}
	cfg.Sync.BatchSize = 5
	cfg.Sync.FailurePause = "2s"
	cfg.Sync.ProbeInterval = "30s"
	cfg.Sync.PeriodicInterval = "0"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", c.Server.Origin)
	}
	c.origin = u
	if c.Server.CDNOrigin != "" {
		cdn, err := url.Parse(strings.TrimRight(c.Server.CDNOrigin, "/"))
		if err != nil || cdn.Host == "" {
			return fmt.Errorf("server.cdnOrigin: invalid url %q", c.Server.CDNOrigin)
		}
		c.cdn = cdn
	}

	if c.debug, err = ParseDebugLevel(c.Debug); err != nil {
		return fmt.Errorf("debug: %w", err)
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"server.timeout", c.Server.Timeout, &c.timeout},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.logStatsEvery},
		{"sync.failurePause", c.Sync.FailurePause, &c.failurePause},
		{"sync.probeInterval", c.Sync.ProbeInterval, &c.probeInterval},
		{"sync.periodicInterval", c.Sync.PeriodicInterval, &c.periodicInterval},
	}
	for _, d := range durations {
		if d.src == "" {
			*d.dst = 0
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}

	if c.Storage.Outbox.Max != "" && c.Storage.Outbox.Max != "0" {
		if c.outboxMax, err = parseBytes(c.Storage.Outbox.Max); err != nil {
			return fmt.Errorf("storage.outbox.max: %w", err)
		}
	}
	if c.Storage.Cache.RAM != "" && c.Storage.Cache.RAM != "0" {
		if c.ramMax, err = parseBytes(c.Storage.Cache.RAM); err != nil {
			return fmt.Errorf("storage.cache.ram: %w", err)
		}
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required")
	}

	if c.Cache.OfflinePage == "" {
		return fmt.Errorf("cache.offlinePage is required")
	}
	c.staticPaths = make(map[string]struct{}, len(c.Cache.Manifest))
	offlineListed := false
	for i, p := range c.Cache.Manifest {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("cache.manifest[%d]: empty entry", i)
		}
		c.Cache.Manifest[i] = p
		c.staticPaths[p] = struct{}{}
		if p == c.Cache.OfflinePage {
			offlineListed = true
		}
	}
	if !offlineListed {
		return fmt.Errorf("cache.manifest must include the offline page %q", c.Cache.OfflinePage)
	}
	for i, p := range c.Prewarm.Routes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("prewarm.routes[%d]: %q must start with /", i, p)
		}
	}
	if c.Cache.APIPrefix == "" {
		c.Cache.APIPrefix = "/api/"
	}

	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 5
	}
	if c.Sync.ReplayRPS < 0 {
		return fmt.Errorf("sync.replayRPS must be >= 0")
	}
	for i, ep := range c.Sync.FallbackEndpoints {
		if !strings.HasPrefix(ep, "/") {
			return fmt.Errorf("sync.fallbackEndpoints[%d]: %q must start with /", i, ep)
		}
	}
	return nil
}

// BackgroundSyncEnabled reports whether capture may register background sync
// tags. Disabled stands in for an insecure context or a missing API.
func (c *Config) BackgroundSyncEnabled() bool {
	return c.Sync.Background == nil || *c.Sync.Background
}

// DebugLevel returns the compiled debug level.
func (c *Config) DebugLevel() DebugLevel { return c.debug }

// SetDebugLevel overrides the configured debug level, e.g. from the
// environment, before the service is constructed.
func (c *Config) SetDebugLevel(d DebugLevel) {
	c.debug = d
	c.Debug = string(d)
}

// CacheName returns the physical cache name of a tier for this generation.
func (c *Config) CacheName(t Tier) string {
	return "attendance-" + string(t) + "-" + c.Version
}

func (c *Config) currentCacheNames() map[string]struct{} {
	out := make(map[string]struct{}, len(allTiers))
	for _, t := range allTiers {
		out[c.CacheName(t)] = struct{}{}
	}
	return out
}

// ControlURL returns the URL of the control prefix on a locally running proxy.
func (c *Config) ControlURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s%s", c.Server.Port, controlPrefix, path)
}
