package tiercache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPrecacheURLs are the site's critical pages and assets.
var DefaultPrecacheURLs = []string{
	"/",
	"/index.html",
	"/about.html",
	"/properties.html",
	"/contact.html",
	"/apply.html",
	"/impact.html",
	"/transparency.html",
	"/privacy.html",
	"/terms.html",
	"/thank-you.html",
	"/resources.html",
	"/faq.html",
	"/offline.html",
	"/manifest.json",
	"/css/style.css",
	"/js/main.js",
	"/js/ui-header.js",
	"/js/accessibility-enhanced.js",
}

// DefaultSyncTag is the sync tag that replays the offline form queue.
const DefaultSyncTag = "background-sync-forms"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Precache PrecacheConfig `yaml:"precache"`
	Forms    FormsConfig    `yaml:"forms"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port" env:"PORT"`
	Origin string `yaml:"origin" env:"ORIGIN"`
	// FetchTimeout bounds origin requests; empty means no timeout.
	FetchTimeout  string `yaml:"fetchTimeout"`
	ControlPrefix string `yaml:"controlPrefix"`
	ControlToken  string `yaml:"controlToken" env:"CONTROL_TOKEN"`
	// AllowForeignHosts lets absolute-form requests for other hosts through.
	AllowForeignHosts bool `yaml:"allowForeignHosts"`

	originURL    *url.URL
	fetchTimeout time.Duration
}

type CacheConfig struct {
	Namespace        string   `yaml:"namespace"`
	Version          string   `yaml:"version" env:"CACHE_VERSION"`
	DynamicTTL       string   `yaml:"dynamicTTL"`
	OfflinePage      string   `yaml:"offlinePage"`
	StaticExtensions []string `yaml:"staticExtensions"`

	// BypassWhenCookies lists cookie names that mark a request as
	// personalized. Such requests go straight to the network.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	MaxEntrySize string `yaml:"maxEntrySize"`
	Refreshers   int    `yaml:"refreshers"`
	Limits       struct {
		Dynamic *int `yaml:"dynamic"`
		Images  *int `yaml:"images"`
	} `yaml:"limits"`

	dynamicTTL   time.Duration
	maxEntrySize int64
	dynamicLimit int
	imageLimit   int
}

type StorageConfig struct {
	// Backend is "leveldb" or "memory".
	Backend     string `yaml:"backend" env:"STORAGE_BACKEND"`
	Path        string `yaml:"path" env:"STORAGE_PATH"`
	BlockCache  string `yaml:"blockCache"`
	Compression *bool  `yaml:"compression"`

	blockCache int64
}

type PrecacheConfig struct {
	URLs          []string `yaml:"urls"`
	Sitemaps      []string `yaml:"sitemaps"`
	MaxDiscovered int      `yaml:"maxDiscovered"`
	Concurrency   int      `yaml:"concurrency"`
	OnStart       *bool    `yaml:"onStart"`
}

type FormsConfig struct {
	Path      string   `yaml:"path" env:"FORMS_PATH"`
	Paths     []string `yaml:"paths"`
	SyncTag   string   `yaml:"syncTag"`
	SyncEvery string   `yaml:"syncEvery"`
	RateLimit struct {
		Max    int    `yaml:"max"`
		Window string `yaml:"window"`
	} `yaml:"rateLimit"`

	syncEvery  time.Duration
	rateWindow time.Duration
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	StatsEvery string `yaml:"statsEvery"`

	statsEvery time.Duration
}

// LoadConfig reads the YAML file at path, applies TIERCACHE_* environment
// overrides, fills defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TIERCACHE_"}); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	s := &cfg.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	s.Origin = strings.TrimRight(s.Origin, "/")
	u, err := url.Parse(s.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("server.origin: want http(s)://host, got %q", s.Origin)
	}
	s.originURL = u
	if s.FetchTimeout != "" {
		if s.fetchTimeout, err = time.ParseDuration(s.FetchTimeout); err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
	}
	if s.ControlPrefix == "" {
		s.ControlPrefix = "/_sw"
	}
	if !strings.HasPrefix(s.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	s.ControlPrefix = strings.TrimRight(s.ControlPrefix, "/")

	c := &cfg.Cache
	if c.Namespace == "" {
		c.Namespace = "p4c"
	}
	if c.Version == "" {
		c.Version = "v2"
	}
	if strings.Contains(c.Namespace, "\x00") || strings.Contains(c.Version, "\x00") {
		return fmt.Errorf("cache.namespace and cache.version must not contain NUL")
	}
	c.dynamicTTL = DefaultDynamicTTL
	if c.DynamicTTL != "" {
		if c.dynamicTTL, err = time.ParseDuration(c.DynamicTTL); err != nil {
			return fmt.Errorf("cache.dynamicTTL: %w", err)
		}
	}
	if c.OfflinePage == "" {
		c.OfflinePage = "/offline.html"
	}
	if len(c.StaticExtensions) == 0 {
		c.StaticExtensions = append([]string(nil), defaultStaticExtensions...)
	}
	if c.MaxEntrySize == "" {
		c.MaxEntrySize = "10mb"
	}
	if c.maxEntrySize, err = parseBytes(c.MaxEntrySize); err != nil {
		return fmt.Errorf("cache.maxEntrySize: %w", err)
	}
	if c.Refreshers <= 0 {
		c.Refreshers = 32
	}
	c.dynamicLimit = DefaultDynamicLimit
	if c.Limits.Dynamic != nil {
		c.dynamicLimit = *c.Limits.Dynamic
	}
	c.imageLimit = DefaultImageLimit
	if c.Limits.Images != nil {
		c.imageLimit = *c.Limits.Images
	}
	if c.dynamicLimit < 0 || c.imageLimit < 0 {
		return fmt.Errorf("cache.limits must not be negative")
	}

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = "leveldb"
	}
	switch st.Backend {
	case "leveldb":
		if st.Path == "" {
			st.Path = "./data/cache"
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", st.Backend)
	}
	if st.BlockCache != "" {
		if st.blockCache, err = parseBytes(st.BlockCache); err != nil {
			return fmt.Errorf("storage.blockCache: %w", err)
		}
	}
	if st.Compression == nil {
		on := true
		st.Compression = &on
	}

	p := &cfg.Precache
	if p.URLs == nil {
		p.URLs = append([]string(nil), DefaultPrecacheURLs...)
	}
	if p.MaxDiscovered <= 0 {
		p.MaxDiscovered = 500
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	if p.OnStart == nil {
		on := true
		p.OnStart = &on
	}

	f := &cfg.Forms
	if f.Path == "" && st.Backend == "leveldb" {
		f.Path = "./data/forms"
	}
	if f.Paths == nil {
		f.Paths = []string{"/api/contact"}
	}
	for i, fp := range f.Paths {
		if !strings.HasPrefix(fp, "/") {
			return fmt.Errorf("forms.paths[%d]: must start with /", i)
		}
	}
	if f.SyncTag == "" {
		f.SyncTag = DefaultSyncTag
	}
	f.syncEvery = time.Minute
	if f.SyncEvery != "" {
		if f.syncEvery, err = time.ParseDuration(f.SyncEvery); err != nil {
			return fmt.Errorf("forms.syncEvery: %w", err)
		}
	}
	if f.RateLimit.Max <= 0 {
		f.RateLimit.Max = 5
	}
	f.rateWindow = time.Minute
	if f.RateLimit.Window != "" {
		if f.rateWindow, err = time.ParseDuration(f.RateLimit.Window); err != nil {
			return fmt.Errorf("forms.rateLimit.window: %w", err)
		}
	}

	l := &cfg.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if l.StatsEvery != "" {
		if l.statsEvery, err = time.ParseDuration(l.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}
	return nil
}

// OriginURL is the parsed server.origin.
func (cfg Config) OriginURL() *url.URL { return cfg.Server.originURL }

// absURL resolves a configured path against the origin. Absolute URLs are
// kept as they are.
func (cfg Config) absURL(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return cfg.Server.Origin + p
}
