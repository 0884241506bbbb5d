package tiercache

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the cache worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

// Lifecycle installs and activates the current cache version.
type Lifecycle struct {
	caches   *CacheManager
	net      Fetcher
	origin   *url.URL
	manifest []string
	sitemaps []string
	maxDisc  int
	limit    int
	now      func() time.Time
	log      zerolog.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
	claimed     bool
	lastInstall InstallReport
}

type LifecycleOptions struct {
	Caches  *CacheManager
	Fetcher Fetcher
	Origin  *url.URL
	// Manifest lists the URLs precached into the static partition on
	// install. Relative paths are resolved against Origin.
	Manifest []string
	// Sitemaps add their page URLs to the manifest.
	Sitemaps      []string
	MaxDiscovered int
	Concurrency   int
	Clock         func() time.Time
	Logger        zerolog.Logger
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Lifecycle{
		caches:   opts.Caches,
		net:      opts.Fetcher,
		origin:   opts.Origin,
		manifest: opts.Manifest,
		sitemaps: opts.Sitemaps,
		maxDisc:  opts.MaxDiscovered,
		limit:    opts.Concurrency,
		now:      opts.Clock,
		log:      opts.Logger,
	}
}

// PrecacheReport lists what a bulk precache stored and what it skipped.
type PrecacheReport struct {
	Cached []string          `json:"cached"`
	Failed map[string]string `json:"failed,omitempty"`
}

// InstallReport is the outcome of an install.
type InstallReport struct {
	PrecacheReport
	Discovered int       `json:"discovered"`
	At         time.Time `json:"at"`
}

type LifecycleStatus struct {
	State       string        `json:"state"`
	Version     string        `json:"version"`
	SkipWaiting bool          `json:"skipWaiting"`
	Claimed     bool          `json:"claimed"`
	LastInstall InstallReport `json:"lastInstall"`
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LifecycleStatus{
		State:       l.state.String(),
		Version:     l.caches.Version(),
		SkipWaiting: l.skipWaiting,
		Claimed:     l.claimed,
		LastInstall: l.lastInstall,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Install opens the static partition and precaches the manifest. A URL
// that fails is reported and skipped; the install itself only fails when
// storage does. The worker then skips the waiting phase.
func (l *Lifecycle) Install(ctx context.Context) (InstallReport, error) {
	l.setState(StateInstalling)

	if err := l.caches.OpenAll(); err != nil {
		l.setState(StateParsed)
		return InstallReport{}, errors.Wrap(err, "open partitions")
	}

	urls := make([]string, 0, len(l.manifest))
	for _, p := range l.manifest {
		urls = append(urls, resolveAgainst(l.origin, p))
	}
	discovered := 0
	if len(l.sitemaps) > 0 {
		found, err := discoverSitemapURLs(ctx, l.net, l.origin, l.sitemaps, l.maxDisc)
		if err != nil {
			l.log.Warn().Err(err).Msg("sitemap discovery failed")
		}
		discovered = len(found)
		urls = append(urls, found...)
	}

	rep := precache(ctx, l.caches, l.net, KindStatic, urls, l.limit, nil)
	for u, reason := range rep.Failed {
		l.log.Warn().Str("url", u).Str("reason", reason).Msg("precache skipped")
	}

	report := InstallReport{PrecacheReport: rep, Discovered: discovered, At: l.now()}
	l.mu.Lock()
	l.state = StateInstalled
	l.skipWaiting = true
	l.lastInstall = report
	l.mu.Unlock()

	l.log.Info().
		Str("version", l.caches.Version()).
		Int("cached", len(rep.Cached)).
		Int("failed", len(rep.Failed)).
		Int("discovered", discovered).
		Msg("installed")
	return report, nil
}

// Activate deletes partitions of older versions and claims clients.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.setState(StateActivating)
	purged, err := l.caches.PurgeStale()
	if err != nil {
		return purged, errors.Wrap(err, "purge stale partitions")
	}

	l.mu.Lock()
	l.state = StateActivated
	l.claimed = true
	l.mu.Unlock()

	l.log.Info().Str("version", l.caches.Version()).Strs("purged", purged).Msg("activated")
	return purged, nil
}

// Start installs and, since the worker never waits, activates right away.
// It returns the install report and the purged partition names.
func (l *Lifecycle) Start(ctx context.Context) (InstallReport, []string, error) {
	rep, err := l.Install(ctx)
	if err != nil {
		return rep, nil, err
	}
	purged, err := l.Activate(ctx)
	return rep, purged, err
}

// SkipWaiting marks the worker to skip waiting. An installed worker is
// activated immediately.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.mu.Lock()
	l.skipWaiting = true
	installed := l.state == StateInstalled
	l.mu.Unlock()
	if !installed {
		return nil
	}
	_, err := l.Activate(ctx)
	return err
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// precache fetches urls concurrently and stores each 2xx answer in the
// partition of kind k. When now is set, entries get a capture timestamp.
// Failures are collected per URL.
func precache(ctx context.Context, caches *CacheManager, net Fetcher, k Kind, urls []string, limit int, now func() time.Time) PrecacheReport {
	var (
		mu  sync.Mutex
		rep = PrecacheReport{Failed: map[string]string{}}
	)
	fail := func(u string, err error) {
		mu.Lock()
		rep.Failed[u] = err.Error()
		mu.Unlock()
	}

	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	seen := map[string]struct{}{}
	for _, raw := range urls {
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		raw := raw
		g.Go(func() error {
			req, err := NewRequest(http.MethodGet, raw)
			if err != nil {
				fail(raw, err)
				return nil
			}
			snap, err := net.Fetch(gctx, req)
			if err != nil {
				fail(raw, err)
				return nil
			}
			if !snap.OK() {
				fail(raw, errors.Errorf("status %d", snap.Status))
				return nil
			}
			if !storable(snap) {
				fail(raw, errors.New("not cacheable"))
				return nil
			}
			if now != nil {
				snap = stamp(snap, now())
			}
			if err := caches.Put(k, req.Key(), snap); err != nil {
				fail(raw, err)
				return nil
			}
			mu.Lock()
			rep.Cached = append(rep.Cached, req.Key())
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rep.Cached)
	if len(rep.Failed) == 0 {
		rep.Failed = nil
	}
	return rep
}
