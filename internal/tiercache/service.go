package tiercache

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Service wires the tier engine, the lifecycle, the form queue and the
// control API behind one http.Handler.
type Service struct {
	cfg Config
	log zerolog.Logger

	storage  Storage
	caches   *CacheManager
	engine   *Engine
	life     *Lifecycle
	forms    *FormQueue
	worker   *Worker
	events   *Dispatcher
	notes    *notificationLog
	limiter  *windowLimiter
	fetcher  Fetcher
	stats    *statsCollector
	started  time.Time
	stopOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceOptions carries optional collaborators, mostly for tests.
type ServiceOptions struct {
	Logger  zerolog.Logger
	Fetcher Fetcher
	Clock   func() time.Time
}

// NewService opens storage and builds every component. Background loops
// start with Run.
func NewService(cfg Config, opts ServiceOptions) (*Service, error) {
	if cfg.Server.originURL == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(newHTTPClient(cfg.Server.fetchTimeout))
	}

	st, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	forms, err := OpenFormQueue(cfg.Forms.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	forms.now = clock

	caches := NewCacheManager(CacheManagerOptions{
		Storage:   st,
		Namespace: cfg.Cache.Namespace,
		Version:   cfg.Cache.Version,
		Limits: map[Kind]int{
			KindDynamic: cfg.Cache.dynamicLimit,
			KindImages:  cfg.Cache.imageLimit,
		},
		Logger: log,
	})

	var stats *statsCollector
	if cfg.Logging.statsEvery > 0 {
		stats = newStatsCollector()
	}

	origin := cfg.OriginURL()
	engine := NewEngine(EngineOptions{
		Caches:        caches,
		Fetcher:       fetcher,
		Selector:      NewSelector(origin, cfg.Cache.StaticExtensions).BypassWhenCookies(cfg.Cache.BypassWhenCookies...),
		DynamicTTL:    cfg.Cache.dynamicTTL,
		OfflinePage:   cfg.absURL(cfg.Cache.OfflinePage),
		MaxEntryBytes: cfg.Cache.maxEntrySize,
		Refreshers:    cfg.Cache.Refreshers,
		Clock:         clock,
		Logger:        log.With().Str("component", "engine").Logger(),
		Stats:         stats,
	})

	life := NewLifecycle(LifecycleOptions{
		Caches:        caches,
		Fetcher:       fetcher,
		Origin:        origin,
		Manifest:      cfg.Precache.URLs,
		Sitemaps:      cfg.Precache.Sitemaps,
		MaxDiscovered: cfg.Precache.MaxDiscovered,
		Concurrency:   cfg.Precache.Concurrency,
		Clock:         clock,
		Logger:        log.With().Str("component", "lifecycle").Logger(),
	})

	notes := newNotificationLog(50, log.With().Str("component", "push").Logger())
	worker := &Worker{
		Caches:        caches,
		Lifecycle:     life,
		Forms:         forms,
		Fetcher:       fetcher,
		Notifier:      notes,
		Origin:        origin,
		SyncTag:       cfg.Forms.SyncTag,
		PrecacheLimit: cfg.Precache.Concurrency,
		Clock:         clock,
		Log:           log.With().Str("component", "worker").Logger(),
	}

	limiter := newWindowLimiter(cfg.Forms.RateLimit.Max, cfg.Forms.rateWindow)
	limiter.now = clock

	return &Service{
		cfg:     cfg,
		log:     log,
		storage: st,
		caches:  caches,
		engine:  engine,
		life:    life,
		forms:   forms,
		worker:  worker,
		events:  NewDispatcher(worker),
		notes:   notes,
		limiter: limiter,
		fetcher: fetcher,
		stats:   stats,
		started: clock(),
		stopCh:  make(chan struct{}),
	}, nil
}

func openStorage(cfg StorageConfig) (Storage, error) {
	compress := cfg.Compression == nil || *cfg.Compression
	switch cfg.Backend {
	case "memory":
		return newMemStorage(), nil
	default:
		return openLevelStorage(cfg.Path, cfg.blockCache, compress)
	}
}

// Dispatch sends an event through the dispatcher.
func (s *Service) Dispatch(ctx context.Context, typ string, payload json.RawMessage) (any, error) {
	return s.events.Dispatch(ctx, typ, payload)
}

func (s *Service) Caches() *CacheManager { return s.caches }
func (s *Service) Forms() *FormQueue     { return s.forms }

// Run installs and activates the current version when configured to, then
// starts the background loops. It returns once they are running.
func (s *Service) Run(ctx context.Context) error {
	if *s.cfg.Precache.OnStart {
		if _, err := s.Dispatch(ctx, EventInstall, nil); err != nil {
			return err
		}
	}

	if every := s.cfg.Forms.syncEvery; every > 0 {
		s.loop(every, func() {
			payload, _ := json.Marshal(syncPayload{Tag: s.cfg.Forms.SyncTag})
			if _, err := s.Dispatch(context.Background(), EventSync, payload); err != nil {
				s.log.Warn().Err(err).Msg("periodic form sync failed")
			}
		})
	}
	s.loop(15*time.Minute, func() {
		s.limiter.Sweep(time.Hour)
	})
	if s.stats != nil {
		s.loop(s.cfg.Logging.statsEvery, s.logStats)
	}
	return nil
}

func (s *Service) loop(every time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ev := s.log.Info().
		Uint64("responses", ss.TotalResponses).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes)).
		Str("outcomes", formatOutcomes(ss.Outcomes)).
		Uint64("skippedRefreshes", ss.SkippedRefreshes)
	if parts, err := s.caches.List(); err == nil {
		d := zerolog.Dict()
		for _, p := range parts {
			d = d.Int(p.Name, p.Entries)
		}
		ev = ev.Dict("partitions", d)
	}
	if n, err := s.forms.Len(); err == nil {
		ev = ev.Int("pendingForms", n)
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("stats")
}

// Close stops the loops, waits for background refreshes and closes storage.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.engine.Wait()
		if err := s.forms.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close form queue")
		}
		if err := s.storage.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close storage")
		}
	})
}

// proxy sends every request through the tier engine.
func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	origin := s.cfg.OriginURL()
	if r.URL.IsAbs() && !s.cfg.Server.AllowForeignHosts && !strings.EqualFold(r.URL.Host, origin.Host) {
		markTier(w.Header(), "forbidden")
		http.Error(w, "forbidden host", http.StatusForbidden)
		return
	}

	req, err := RequestFromHTTP(r, origin)
	if err != nil {
		markTier(w.Header(), "bad-request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Handle(r.Context(), req)
	if err != nil {
		if s.isQueueableForm(req) {
			s.enqueueForm(w, r, req)
			return
		}
		s.log.Debug().Err(err).Str("method", req.Method).Str("url", req.Key()).Msg("pass-through failed")
		markTier(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResult(w, res)
}

// isQueueableForm reports whether a failed request is a JSON form post to
// one of the configured form paths.
func (s *Service) isQueueableForm(req *Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	ct := strings.ToLower(req.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") || !json.Valid(req.Body) {
		return false
	}
	for _, p := range s.cfg.Forms.Paths {
		if req.URL.Path == p || strings.HasPrefix(req.URL.Path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}

func (s *Service) enqueueForm(w http.ResponseWriter, r *http.Request, req *Request) {
	ip := clientIP(r)
	if ok, retry := s.limiter.Allow(ip); !ok {
		secs := int((retry + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		markTier(w.Header(), "rate-limited")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "Too many requests",
			"message":    "You have exceeded the " + strconv.Itoa(s.cfg.Forms.RateLimit.Max) + " requests per " + s.cfg.Forms.rateWindow.String() + " limit",
			"retryAfter": secs,
		})
		return
	}

	id, err := s.forms.Enqueue(PendingForm{
		URL:         req.Key(),
		Method:      req.Method,
		Body:        json.RawMessage(req.Body),
		ContentType: req.Header.Get("Content-Type"),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("enqueue form")
		markTier(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.log.Info().Uint64("id", id).Str("url", req.Key()).Msg("form queued for sync")
	markTier(w.Header(), "queued")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeResult copies res onto w. Answers replayed from storage never carry
// Set-Cookie.
func writeResult(w http.ResponseWriter, res Result) {
	h := w.Header()
	cached := res.fromCache()
	for k, vs := range res.Header {
		ck := http.CanonicalHeaderKey(k)
		if ck == tierHeader || (cached && ck == "Set-Cookie") {
			continue
		}
		h[ck] = append(h[ck], vs...)
	}
	markTier(h, res.Tier.String()+"; "+res.Outcome)
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

const tierHeader = "X-Tiercache"

// markTier sets the tier header and lists it in
// Access-Control-Expose-Headers so page scripts can read it.
func markTier(h http.Header, v string) {
	h.Set(tierHeader, v)
	exposeHeader(h, tierHeader)
}

func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	var names []string
	for _, v := range h.Values(key) {
		for _, n := range strings.Split(v, ",") {
			n = strings.TrimSpace(n)
			switch {
			case n == "":
				continue
			case n == "*", strings.EqualFold(n, name):
				return
			}
			names = append(names, n)
		}
	}
	h.Set(key, strings.Join(append(names, name), ", "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownEvent):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadPayload):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
