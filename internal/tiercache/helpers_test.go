package tiercache

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://example.org"

var errOffline = errors.New("network unreachable")

// fakeNet is an in-process origin. Unknown URLs answer 404.
type fakeNet struct {
	mu      sync.Mutex
	pages   map[string]Snapshot
	offline bool
	calls   map[string]int
	bodies  map[string][]string
	headers map[string]http.Header
	gate    chan struct{}
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		pages:   map[string]Snapshot{},
		calls:   map[string]int{},
		bodies:  map[string][]string{},
		headers: map[string]http.Header{},
	}
}

func (f *fakeNet) set(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[rawURL] = textSnapshot(status, "text/plain", body)
}

func (f *fakeNet) setSnapshot(rawURL string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[rawURL] = snap
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

// hold makes every fetch block until the returned release func is called.
func (f *fakeNet) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeNet) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

// lastHeader returns the request headers of the latest fetch of rawURL.
func (f *fakeNet) lastHeader(rawURL string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[rawURL]
}

func (f *fakeNet) Fetch(ctx context.Context, req *Request) (Snapshot, error) {
	key := req.Key()
	f.mu.Lock()
	f.calls[key]++
	f.bodies[key] = append(f.bodies[key], string(req.Body))
	f.headers[key] = cloneHeader(req.Header)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return Snapshot{}, errOffline
	}
	snap, ok := f.pages[key]
	if !ok {
		return textSnapshot(http.StatusNotFound, "text/plain", "not found"), nil
	}
	return snap.clone(), nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testOriginURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}

func newTestCaches(st Storage, version string) *CacheManager {
	return NewCacheManager(CacheManagerOptions{
		Storage:   st,
		Namespace: "p4c",
		Version:   version,
		Limits: map[Kind]int{
			KindDynamic: DefaultDynamicLimit,
			KindImages:  DefaultImageLimit,
		},
		Logger: zerolog.Nop(),
	})
}

func newTestEngine(t *testing.T, net Fetcher, clock *testClock) (*Engine, *CacheManager) {
	t.Helper()
	cm := newTestCaches(newMemStorage(), "v2")
	e := NewEngine(EngineOptions{
		Caches:      cm,
		Fetcher:     net,
		Selector:    NewSelector(testOriginURL(t), nil),
		OfflinePage: testOrigin + "/offline.html",
		Clock:       clock.now,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(e.Wait)
	return e, cm
}

func newGet(t *testing.T, path, mode, dest string) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, testOrigin+path)
	require.NoError(t, err)
	req.Mode = mode
	req.Destination = dest
	return req
}

// spyStorage counts every access to the wrapped storage.
type spyStorage struct {
	Storage

	mu    sync.Mutex
	calls int
}

func (s *spyStorage) touch() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spyStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *spyStorage) Open(name string) (Partition, error) { s.touch(); return s.Storage.Open(name) }
func (s *spyStorage) Delete(name string) (bool, error)    { s.touch(); return s.Storage.Delete(name) }
func (s *spyStorage) Names() ([]string, error)            { s.touch(); return s.Storage.Names() }

func (s *spyStorage) Lookup(name string) (Partition, bool, error) {
	s.touch()
	return s.Storage.Lookup(name)
}
