package tiercache

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
)

const maxEventBody = 1 << 20

// Handler returns the HTTP entry point: health check, control API under the
// configured prefix and the caching proxy for everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route(s.cfg.Server.ControlPrefix, func(cr chi.Router) {
		cr.Use(hlog.NewHandler(s.log))
		cr.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("took", d).
				Msg("control")
		}))
		cr.Use(s.requireToken)

		cr.Post("/events/{type}", s.handleEvent)
		cr.Get("/caches", s.handleCaches)
		cr.Get("/forms", s.handleForms)
		cr.Get("/notifications", s.handleNotifications)
		cr.Get("/state", s.handleState)
	})

	r.NotFound(s.proxy)
	r.MethodNotAllowed(s.proxy)
	return r
}

// requireToken checks the bearer token in constant time when one is
// configured.
func (s *Service) requireToken(next http.Handler) http.Handler {
	want := s.cfg.Server.ControlToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid control token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	out, err := s.Dispatch(r.Context(), typ, json.RawMessage(body))
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("event", typ).Msg("event failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": typ, "result": out})
}

func (s *Service) handleCaches(w http.ResponseWriter, _ *http.Request) {
	parts, err := s.caches.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": parts})
}

func (s *Service) handleForms(w http.ResponseWriter, _ *http.Request) {
	forms, err := s.forms.Pending()
	if err != nil {
		writeError(w, err)
		return
	}
	if forms == nil {
		forms = []PendingForm{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": forms})
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notes.Recent()})
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lifecycle": s.life.Status(),
		"startedAt": s.started.UTC(),
	})
}
