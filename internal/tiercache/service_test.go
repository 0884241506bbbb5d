package tiercache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, net Fetcher, mutate func(*Config)) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(`
server:
  origin: ` + testOrigin + `
storage:
  backend: memory
precache:
  urls: [/, /offline.html]
  onStart: false
`))
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg, ServiceOptions{Logger: zerolog.Nop(), Fetcher: net, Clock: newTestClock().now})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func serve(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServiceHealthz(t *testing.T) {
	h := newTestService(t, newFakeNet(), nil).Handler()
	rec := serve(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServiceProxyTiers(t *testing.T) {
	net := newFakeNet()
	net.set(testOrigin+"/api/posts", http.StatusOK, `[1,2]`)
	svc := newTestService(t, net, nil)
	h := svc.Handler()

	rec := serve(h, http.MethodGet, "/api/posts", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[1,2]", rec.Body.String())
	assert.Equal(t, "dynamic; network", rec.Header().Get("X-Tiercache"))
	assert.Equal(t, "X-Tiercache", rec.Header().Get("Access-Control-Expose-Headers"))

	rec = serve(h, http.MethodGet, "/api/posts", "", nil)
	assert.Equal(t, "dynamic; hit", rec.Header().Get("X-Tiercache"))
	svc.engine.Wait()

	net.set(testOrigin+"/about", http.StatusOK, "<p>about</p>")
	rec = serve(h, http.MethodGet, "/about", "", map[string]string{"Accept": "text/html"})
	assert.Equal(t, "navigation; network", rec.Header().Get("X-Tiercache"))

	net.setOffline(true)
	rec = serve(h, http.MethodGet, "/about", "", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "navigation; offline-match", rec.Header().Get("X-Tiercache"))

	rec = serve(h, http.MethodGet, "/media/a.png", "", map[string]string{"Sec-Fetch-Dest": "image"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "image; network-error", rec.Header().Get("X-Tiercache"))
}

func TestServiceRejectsForeignHosts(t *testing.T) {
	svc := newTestService(t, newFakeNet(), nil)
	rec := serve(svc.Handler(), http.MethodGet, "http://tracker.example.net/pixel", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServiceBypassFailure(t *testing.T) {
	net := newFakeNet()
	net.setOffline(true)
	svc := newTestService(t, net, nil)

	rec := serve(svc.Handler(), http.MethodPost, "/api/other", `{"a":1}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	n, err := svc.Forms().Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServiceQueuesFormsOffline(t *testing.T) {
	net := newFakeNet()
	net.setOffline(true)
	svc := newTestService(t, net, nil)
	h := svc.Handler()
	jsonHeader := map[string]string{"Content-Type": "application/json"}

	for i := 1; i <= 5; i++ {
		rec := serve(h, http.MethodPost, "/api/contact", `{"name":"Ada"}`, jsonHeader)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "queued", rec.Header().Get("X-Tiercache"))
		assert.Equal(t, map[string]any{"queued": true, "id": float64(i)}, decodeJSON(t, rec))
	}

	rec := serve(h, http.MethodPost, "/api/contact", `{"name":"Ada"}`, jsonHeader)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests", decodeJSON(t, rec)["error"])

	// Non-JSON bodies are not queued.
	rec = serve(h, http.MethodPost, "/api/contact", "name=Ada", map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = serve(h, http.MethodGet, "/_sw/forms", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending, ok := decodeJSON(t, rec)["pending"].([]any)
	require.True(t, ok)
	assert.Len(t, pending, 5)

	net.setOffline(false)
	net.set(testOrigin+"/api/contact", http.StatusOK, "thanks")
	rec = serve(h, http.MethodPost, "/_sw/events/sync", `{"tag":"`+DefaultSyncTag+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{
		"event":  "sync",
		"result": map[string]any{"attempted": float64(5), "replayed": float64(5), "remaining": float64(0)},
	}, decodeJSON(t, rec))

	n, err := svc.Forms().Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServiceControlAPI(t *testing.T) {
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "home")
	svc := newTestService(t, net, func(cfg *Config) {
		cfg.Server.ControlToken = "t0ken"
	})
	h := svc.Handler()
	auth := map[string]string{"Authorization": "Bearer t0ken"}

	rec := serve(h, http.MethodGet, "/_sw/caches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = serve(h, http.MethodGet, "/_sw/caches", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodPost, "/_sw/events/install", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/_sw/caches", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	parts, ok := decodeJSON(t, rec)["partitions"].([]any)
	require.True(t, ok)
	require.Len(t, parts, 3)
	assert.Equal(t, map[string]any{"name": "p4c-static-v2", "entries": float64(1), "bytes": float64(4), "current": true}, parts[0])

	rec = serve(h, http.MethodGet, "/_sw/state", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	lifecycle, ok := decodeJSON(t, rec)["lifecycle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "activated", lifecycle["state"])

	rec = serve(h, http.MethodPost, "/_sw/events/message", `{"type":"CLEAR_CACHE"}`, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h, http.MethodGet, "/_sw/caches", "", auth)
	assert.Equal(t, map[string]any{"partitions": []any{}}, decodeJSON(t, rec))

	rec = serve(h, http.MethodPost, "/_sw/events/push", `{"title":"Hi"}`, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h, http.MethodGet, "/_sw/notifications", "", auth)
	notes, ok := decodeJSON(t, rec)["notifications"].([]any)
	require.True(t, ok)
	assert.Len(t, notes, 1)

	rec = serve(h, http.MethodPost, "/_sw/events/bogus", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(h, http.MethodPost, "/_sw/events/message", `{"type":`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceRunInstallsOnStart(t *testing.T) {
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "home")
	net.set(testOrigin+"/offline.html", http.StatusOK, "offline")
	svc := newTestService(t, net, func(cfg *Config) {
		on := true
		cfg.Precache.OnStart = &on
	})

	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, StateActivated, svc.life.State())

	_, ok, err := svc.Caches().Match(KindStatic, testOrigin+"/offline.html")
	require.NoError(t, err)
	assert.True(t, ok)

	net.setOffline(true)
	rec := serve(svc.Handler(), http.MethodGet, "/never-seen", "", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, "offline", rec.Body.String())
	assert.Equal(t, "navigation; offline-page", rec.Header().Get("X-Tiercache"))
}

func TestServiceAgainstRealOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/css/site.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{margin:0}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\nstorage:\n  backend: memory\nprecache:\n  onStart: false\n"))
	require.NoError(t, err)
	svc, err := NewService(cfg, ServiceOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer svc.Close()
	h := svc.Handler()

	rec := serve(h, http.MethodGet, "/css/site.css", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Equal(t, "static; network", rec.Header().Get("X-Tiercache"))

	origin.Close()
	rec = serve(h, http.MethodGet, "/css/site.css", "", nil)
	assert.Equal(t, "body{margin:0}", rec.Body.String())
	assert.Equal(t, "static; hit", rec.Header().Get("X-Tiercache"))
}

func TestServiceNeverSharesPersonalResponses(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := "anonymous"
		for _, name := range []string{"session", "sid"} {
			if c, err := r.Cookie(name); err == nil {
				user = c.Value
			}
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			user = strings.TrimPrefix(auth, "Bearer ")
		}
		w.Header().Set("Cache-Control", "private, no-store")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"user":%q}`, user)
	}))
	defer origin.Close()

	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\ncache:\n  bypassWhenCookies: [session]\nstorage:\n  backend: memory\nprecache:\n  onStart: false\n"))
	require.NoError(t, err)
	svc, err := NewService(cfg, ServiceOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer svc.Close()
	h := svc.Handler()
	const path = "/api/users/me/saved-properties"

	rec := serve(h, http.MethodGet, path, "", map[string]string{"Cookie": "session=alice"})
	assert.Equal(t, `{"user":"alice"}`, rec.Body.String())
	assert.Equal(t, "bypass; bypass", rec.Header().Get("X-Tiercache"))
	rec = serve(h, http.MethodGet, path, "", map[string]string{"Cookie": "session=bob"})
	assert.Equal(t, `{"user":"bob"}`, rec.Body.String())
	rec = serve(h, http.MethodGet, path, "", map[string]string{"Authorization": "Bearer bob"})
	assert.Equal(t, `{"user":"bob"}`, rec.Body.String())
	assert.Equal(t, "bypass; bypass", rec.Header().Get("X-Tiercache"))

	// A cookie outside the bypass list still reaches the dynamic tier, where
	// the private answer is served once and not kept.
	rec = serve(h, http.MethodGet, path, "", map[string]string{"Cookie": "sid=alice"})
	assert.Equal(t, `{"user":"alice"}`, rec.Body.String())
	assert.Equal(t, "dynamic; network", rec.Header().Get("X-Tiercache"))
	rec = serve(h, http.MethodGet, path, "", map[string]string{"Cookie": "sid=bob"})
	assert.Equal(t, `{"user":"bob"}`, rec.Body.String())
	assert.Equal(t, "dynamic; network", rec.Header().Get("X-Tiercache"))
	svc.engine.Wait()

	_, ok, err := svc.Caches().Match(KindDynamic, origin.URL+path)
	require.NoError(t, err)
	assert.False(t, ok)

	origin.Close()
	rec = serve(h, http.MethodGet, path, "", map[string]string{"Cookie": "sid=bob"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alice")
}

func TestServiceStripsSetCookieFromStoredAnswers(t *testing.T) {
	net := newFakeNet()
	net.setSnapshot(testOrigin+"/login", Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Set-Cookie": {"session=alice; HttpOnly"}},
		Body:   []byte("welcome"),
	})
	svc := newTestService(t, net, nil)
	h := svc.Handler()

	rec := serve(h, http.MethodPost, "/login", "user=alice", nil)
	assert.Equal(t, "bypass; bypass", rec.Header().Get("X-Tiercache"))
	assert.Equal(t, "session=alice; HttpOnly", rec.Header().Get("Set-Cookie"))

	require.NoError(t, svc.Caches().Put(KindStatic, testOrigin+"/css/site.css", Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/css"}, "Set-Cookie": {"session=alice"}},
		Body:   []byte("body{}"),
	}))
	net.setOffline(true)
	rec = serve(h, http.MethodGet, "/css/site.css", "", nil)
	assert.Equal(t, "static; hit", rec.Header().Get("X-Tiercache"))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Values("Set-Cookie"))
}

func TestExposeHeader(t *testing.T) {
	tests := []struct {
		name string
		cur  []string
		want string
	}{
		{name: "empty", want: "X-Tiercache"},
		{name: "append", cur: []string{"ETag"}, want: "ETag, X-Tiercache"},
		{name: "merge values", cur: []string{"ETag, ", "Link"}, want: "ETag, Link, X-Tiercache"},
		{name: "already listed", cur: []string{"etag, x-tiercache"}, want: "etag, x-tiercache"},
		{name: "wildcard", cur: []string{"*"}, want: "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.cur {
				h.Add("Access-Control-Expose-Headers", v)
			}
			exposeHeader(h, tierHeader)
			assert.Equal(t, tt.want, strings.Join(h.Values("Access-Control-Expose-Headers"), ","))
		})
	}
}
