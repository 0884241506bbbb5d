package tiercache

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Event types understood by the dispatcher.
const (
	EventInstall           = "install"
	EventActivate          = "activate"
	EventMessage           = "message"
	EventSync              = "sync"
	EventPush              = "push"
	EventNotificationClick = "notificationclick"
)

// Message types carried by message events.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageCacheURLs   = "CACHE_URLS"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrBadPayload   = errors.New("bad event payload")
)

// Worker bundles what the event handlers act on.
type Worker struct {
	Caches        *CacheManager
	Lifecycle     *Lifecycle
	Forms         *FormQueue
	Fetcher       Fetcher
	Notifier      Notifier
	Origin        *url.URL
	SyncTag       string
	PrecacheLimit int
	Clock         func() time.Time
	Log           zerolog.Logger

	syncMu sync.Mutex
}

// EventHandler handles one event type. The returned value is the event's
// completion result.
type EventHandler func(ctx context.Context, payload json.RawMessage, w *Worker) (any, error)

// Dispatcher routes events to handlers by type.
type Dispatcher struct {
	w        *Worker
	handlers map[string]EventHandler
}

func NewDispatcher(w *Worker) *Dispatcher {
	if w.Clock == nil {
		w.Clock = time.Now
	}
	if w.SyncTag == "" {
		w.SyncTag = DefaultSyncTag
	}
	return &Dispatcher{
		w: w,
		handlers: map[string]EventHandler{
			EventInstall:           handleInstall,
			EventActivate:          handleActivate,
			EventMessage:           handleMessage,
			EventSync:              handleSync,
			EventPush:              handlePush,
			EventNotificationClick: handleNotificationClick,
		},
	}
}

// Handle registers h for typ, replacing any previous handler.
func (d *Dispatcher) Handle(typ string, h EventHandler) {
	d.handlers[typ] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, typ string, payload json.RawMessage) (any, error) {
	h, ok := d.handlers[typ]
	if !ok {
		return nil, errors.Wrap(ErrUnknownEvent, typ)
	}
	return h(ctx, payload, d.w)
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(ErrBadPayload, err.Error())
	}
	return nil
}

type installResult struct {
	Install InstallReport `json:"install"`
	Purged  []string      `json:"purged"`
}

func handleInstall(ctx context.Context, _ json.RawMessage, w *Worker) (any, error) {
	rep, purged, err := w.Lifecycle.Start(ctx)
	if err != nil {
		return nil, err
	}
	return installResult{Install: rep, Purged: purged}, nil
}

func handleActivate(ctx context.Context, _ json.RawMessage, w *Worker) (any, error) {
	purged, err := w.Lifecycle.Activate(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"purged": purged}, nil
}

type messagePayload struct {
	Type string   `json:"type"`
	URLs []string `json:"urls"`
}

func handleMessage(ctx context.Context, payload json.RawMessage, w *Worker) (any, error) {
	var m messagePayload
	if err := decodePayload(payload, &m); err != nil {
		return nil, err
	}

	switch m.Type {
	case MessageSkipWaiting:
		if err := w.Lifecycle.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"state": w.Lifecycle.State().String()}, nil

	case MessageClearCache:
		cleared, err := w.Caches.Clear()
		if err != nil {
			return nil, err
		}
		w.Log.Info().Strs("partitions", cleared).Msg("caches cleared")
		return map[string]any{"cleared": cleared}, nil

	case MessageCacheURLs:
		if len(m.URLs) == 0 {
			return PrecacheReport{}, nil
		}
		urls := make([]string, 0, len(m.URLs))
		for _, u := range m.URLs {
			urls = append(urls, resolveAgainst(w.Origin, u))
		}
		return precache(ctx, w.Caches, w.Fetcher, KindDynamic, urls, w.PrecacheLimit, w.Clock), nil
	}

	w.Log.Debug().Str("type", m.Type).Msg("ignoring message")
	return map[string]any{"ignored": m.Type}, nil
}

type syncPayload struct {
	Tag string `json:"tag"`
}

func handleSync(ctx context.Context, payload json.RawMessage, w *Worker) (any, error) {
	var p syncPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Tag != w.SyncTag {
		return map[string]any{"ignored": p.Tag}, nil
	}
	return w.SyncForms(ctx)
}

// SyncForms replays the offline form queue. Overlapping calls do not replay
// the same records twice: a call that finds a replay running returns at
// once with an empty report.
func (w *Worker) SyncForms(ctx context.Context) (SyncReport, error) {
	if w.Forms == nil {
		return SyncReport{}, nil
	}
	if !w.syncMu.TryLock() {
		return SyncReport{}, nil
	}
	defer w.syncMu.Unlock()
	return replayForms(ctx, w.Forms, w.Fetcher, w.Log)
}

type pushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Data    json.RawMessage      `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

func handlePush(ctx context.Context, payload json.RawMessage, w *Worker) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var p pushPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	n := newNotification(p.Title, p.Body, p.Data, p.Actions, w.Clock())
	if w.Notifier == nil {
		return n, nil
	}
	if err := w.Notifier.Show(ctx, n); err != nil {
		return nil, errors.Wrap(err, "show notification")
	}
	return n, nil
}

type clickPayload struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// handleNotificationClick resolves the page a clicked notification opens.
func handleNotificationClick(_ context.Context, payload json.RawMessage, _ *Worker) (any, error) {
	var p clickPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	target := p.Data.URL
	if target == "" {
		target = "/"
	}
	return map[string]any{"url": target}, nil
}
