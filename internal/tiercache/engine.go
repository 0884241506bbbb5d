package tiercache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Outcomes reported in Result.Outcome and the X-Tiercache response header.
const (
	OutcomeBypass       = "bypass"
	OutcomeNetwork      = "network"
	OutcomeHit          = "hit"
	OutcomeStale        = "stale"
	OutcomeOfflineMatch = "offline-match"
	OutcomeOfflinePage  = "offline-page"
	OutcomeOffline      = "offline"
	OutcomeNetworkError = "network-error"
)

const offlineHTML = "<h1>Offline</h1><p>Please check your connection.</p>"

// Result is what the engine answers for one intercepted request.
type Result struct {
	Snapshot
	Tier    Tier
	Outcome string
}

// fromCache reports whether the answer was replayed from a partition.
func (r Result) fromCache() bool {
	switch r.Outcome {
	case OutcomeHit, OutcomeStale, OutcomeOfflineMatch, OutcomeOfflinePage:
		return true
	}
	return false
}

// Engine applies the per-tier cache strategies.
type Engine struct {
	caches     *CacheManager
	net        Fetcher
	selector   *Selector
	ttl        time.Duration
	offlineKey string
	maxEntry   int64
	now        func() time.Time

	bgSem chan struct{}
	wg    sync.WaitGroup

	log      zerolog.Logger
	writeLog *rateLimitedLogger
	stats    *statsCollector
}

type EngineOptions struct {
	Caches   *CacheManager
	Fetcher  Fetcher
	Selector *Selector
	// DynamicTTL defaults to DefaultDynamicTTL.
	DynamicTTL time.Duration
	// OfflinePage is the absolute URL of the fallback page for navigations.
	OfflinePage string
	// MaxEntryBytes skips caching bodies larger than this when positive.
	MaxEntryBytes int64
	// Refreshers bounds concurrent background refreshes.
	Refreshers int
	Clock      func() time.Time
	Logger     zerolog.Logger
	Stats      *statsCollector
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.DynamicTTL <= 0 {
		opts.DynamicTTL = DefaultDynamicTTL
	}
	if opts.Refreshers <= 0 {
		opts.Refreshers = 32
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Selector == nil {
		opts.Selector = NewSelector(nil, nil)
	}
	return &Engine{
		caches:     opts.Caches,
		net:        opts.Fetcher,
		selector:   opts.Selector,
		ttl:        opts.DynamicTTL,
		offlineKey: opts.OfflinePage,
		maxEntry:   opts.MaxEntryBytes,
		now:        opts.Clock,
		bgSem:      make(chan struct{}, opts.Refreshers),
		log:        opts.Logger,
		writeLog:   newRateLimitedLogger(opts.Logger, time.Minute),
		stats:      opts.Stats,
	}
}

// Handle answers req. The only error is a network failure on a bypassed
// request; every cached tier has its own fallback.
func (e *Engine) Handle(ctx context.Context, req *Request) (Result, error) {
	tier := e.selector.Classify(req)

	var res Result
	switch tier {
	case TierBypass:
		snap, err := e.net.Fetch(ctx, req)
		if err != nil {
			return Result{Tier: tier, Outcome: OutcomeNetworkError}, err
		}
		res = Result{Snapshot: snap, Tier: tier, Outcome: OutcomeBypass}
	case TierNavigation:
		res = e.navigate(ctx, req)
	case TierImage:
		res = e.image(ctx, req)
	case TierStatic:
		res = e.static(ctx, req)
	default:
		res = e.dynamic(ctx, req)
	}

	if e.stats != nil {
		e.stats.ObserveResult(res)
	}
	return res, nil
}

// Wait blocks until all background refreshes have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// navigate is network first. Successful pages are copied into the dynamic
// partition; when the network is gone the request falls back to any cached
// copy, then the offline page, then a minimal HTML body.
func (e *Engine) navigate(ctx context.Context, req *Request) Result {
	snap, err := e.net.Fetch(ctx, req)
	if err == nil {
		if snap.OK() {
			e.store(KindDynamic, req.Key(), snap)
		}
		return Result{Snapshot: snap, Tier: TierNavigation, Outcome: OutcomeNetwork}
	}
	e.log.Debug().Err(err).Str("url", req.Key()).Msg("navigation offline")

	if c, ok := e.matchAny(req.Key()); ok {
		return Result{Snapshot: c, Tier: TierNavigation, Outcome: OutcomeOfflineMatch}
	}
	if e.offlineKey != "" {
		if c, ok := e.matchAny(e.offlineKey); ok {
			return Result{Snapshot: c, Tier: TierNavigation, Outcome: OutcomeOfflinePage}
		}
	}
	return Result{
		Snapshot: textSnapshot(http.StatusOK, "text/html; charset=utf-8", offlineHTML),
		Tier:     TierNavigation,
		Outcome:  OutcomeOffline,
	}
}

// image is cache first. A hit is refreshed in the background.
func (e *Engine) image(ctx context.Context, req *Request) Result {
	key := req.Key()
	if p, c, ok := e.match(KindImages, key); ok {
		// Fire and forget: the response does not wait for the refresh and
		// the cached copy stays if it fails.
		e.revalidate(ctx, req, p, KindImages, false)
		return Result{Snapshot: c, Tier: TierImage, Outcome: OutcomeHit}
	}

	snap, err := e.net.Fetch(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("url", key).Msg("image fetch failed")
		return Result{
			Snapshot: Snapshot{Status: http.StatusNotFound, Header: make(http.Header)},
			Tier:     TierImage,
			Outcome:  OutcomeNetworkError,
		}
	}
	if snap.OK() {
		e.store(KindImages, key, snap)
	}
	return Result{Snapshot: snap, Tier: TierImage, Outcome: OutcomeNetwork}
}

// static is stale-while-revalidate without expiry.
func (e *Engine) static(ctx context.Context, req *Request) Result {
	key := req.Key()
	if p, c, ok := e.match(KindStatic, key); ok {
		// Fire and forget revalidation.
		e.revalidate(ctx, req, p, KindStatic, false)
		return Result{Snapshot: c, Tier: TierStatic, Outcome: OutcomeHit}
	}

	snap, err := e.net.Fetch(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("url", key).Msg("static fetch failed")
		return Result{Snapshot: networkErrorSnapshot(), Tier: TierStatic, Outcome: OutcomeNetworkError}
	}
	if snap.OK() {
		e.store(KindStatic, key, snap)
	}
	return Result{Snapshot: snap, Tier: TierStatic, Outcome: OutcomeNetwork}
}

// dynamic is stale-while-revalidate bounded by the TTL. Expired entries
// are still used when the network fails.
func (e *Engine) dynamic(ctx context.Context, req *Request) Result {
	key := req.Key()
	p, c, cached := e.match(KindDynamic, key)
	if cached && !isExpired(c, e.now(), e.ttl) {
		// Fire and forget: restamps and stores a fresh copy for next time.
		e.revalidate(ctx, req, p, KindDynamic, true)
		return Result{Snapshot: c, Tier: TierDynamic, Outcome: OutcomeHit}
	}

	snap, err := e.net.Fetch(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("url", key).Msg("dynamic fetch failed")
		if cached {
			return Result{Snapshot: c, Tier: TierDynamic, Outcome: OutcomeStale}
		}
		return Result{Snapshot: networkErrorSnapshot(), Tier: TierDynamic, Outcome: OutcomeNetworkError}
	}
	if snap.OK() {
		e.store(KindDynamic, key, stamp(snap, e.now()))
		return Result{Snapshot: snap, Tier: TierDynamic, Outcome: OutcomeNetwork}
	}
	if cached {
		return Result{Snapshot: c, Tier: TierDynamic, Outcome: OutcomeStale}
	}
	return Result{Snapshot: snap, Tier: TierDynamic, Outcome: OutcomeNetwork}
}

// revalidate refreshes the cached copy of req in the background. The
// refresh is dropped when every refresher is busy.
func (e *Engine) revalidate(ctx context.Context, req *Request, p Partition, k Kind, stampIt bool) {
	fresh := revalidation(req)
	if e.detach(ctx, func(ctx context.Context) {
		e.refresh(ctx, fresh, p, k, stampIt)
	}) {
		return
	}
	e.log.Debug().Str("url", fresh.Key()).Str("partition", string(k)).Msg("background refresh skipped, refreshers busy")
	if e.stats != nil {
		e.stats.ObserveSkippedRefresh()
	}
}

// revalidation is the anonymous GET used to refresh a shared entry. Only
// content negotiation and fetch metadata survive from the client request.
func revalidation(req *Request) *Request {
	u := *req.URL
	out := &Request{
		Method:      http.MethodGet,
		URL:         &u,
		Header:      make(http.Header),
		Mode:        req.Mode,
		Destination: req.Destination,
	}
	for _, k := range []string{"Accept", "Sec-Fetch-Mode", "Sec-Fetch-Dest"} {
		if v := req.Header.Get(k); v != "" {
			out.Header.Set(k, v)
		}
	}
	return out
}

// refresh fetches req and overwrites the cached copy on a storable answer.
// Failures are dropped.
func (e *Engine) refresh(ctx context.Context, req *Request, p Partition, k Kind, stampIt bool) {
	snap, err := e.net.Fetch(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("url", req.Key()).Str("partition", string(k)).Msg("background refresh failed")
		return
	}
	if !snap.OK() {
		return
	}
	if stampIt {
		snap = stamp(snap, e.now())
	}
	e.storeIn(p, k, req.Key(), snap)
}

// detach starts fn on its own goroutine. Callers never wait for it; it
// outlives the request context but keeps its values. It reports false
// without running fn when every refresh slot is taken.
func (e *Engine) detach(ctx context.Context, fn func(ctx context.Context)) bool {
	select {
	case e.bgSem <- struct{}{}:
	default:
		return false
	}
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		fn(bg)
	}()
	return true
}

func (e *Engine) store(k Kind, key string, snap Snapshot) {
	e.storeIn(nil, k, key, snap)
}

// storeIn writes snap through p, or through the current partition of kind k
// when p is nil.
func (e *Engine) storeIn(p Partition, k Kind, key string, snap Snapshot) {
	if !storable(snap) {
		e.log.Debug().Str("url", key).Str("partition", string(k)).Msg("response not cacheable")
		return
	}
	if e.maxEntry > 0 && int64(len(snap.Body)) > e.maxEntry {
		return
	}
	var err error
	if p != nil {
		err = e.caches.putInto(p, k, key, snap)
	} else {
		err = e.caches.Put(k, key, snap)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrPartitionDeleted):
		e.log.Debug().Str("url", key).Str("partition", string(k)).Msg("partition deleted during write")
	default:
		e.writeLog.Printf("cache write to %s failed: %v", e.caches.PartitionName(k), err)
	}
}

// match treats storage errors as a miss so the request degrades to the
// network.
func (e *Engine) match(k Kind, key string) (Partition, Snapshot, bool) {
	p, err := e.caches.open(k)
	if err != nil {
		e.log.Warn().Err(err).Str("partition", e.caches.PartitionName(k)).Msg("cache open failed")
		return nil, Snapshot{}, false
	}
	snap, ok, err := p.Match(key)
	if err != nil {
		e.log.Warn().Err(err).Str("partition", p.Name()).Msg("cache read failed")
		return nil, Snapshot{}, false
	}
	return p, snap, ok
}

func (e *Engine) matchAny(key string) (Snapshot, bool) {
	snap, ok, err := e.caches.MatchAny(key)
	if err != nil {
		e.log.Warn().Err(err).Msg("cache read failed")
		return Snapshot{}, false
	}
	return snap, ok
}

// storable reports whether snap may live in a partition shared by every
// client. Private or uncacheable answers and answers that set cookies are
// served once and never stored.
func storable(snap Snapshot) bool {
	if !snap.OK() || len(snap.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range snap.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	return true
}

func networkErrorSnapshot() Snapshot {
	return textSnapshot(http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Network error")
}
