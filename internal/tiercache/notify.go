package tiercache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	notificationIcon  = "/images/icons/icon-192x192.png"
	notificationBadge = "/images/icons/icon-72x72.png"
)

var notificationVibrate = []int{100, 50, 100}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	Icon      string               `json:"icon,omitempty"`
	Badge     string               `json:"badge,omitempty"`
	Vibrate   []int                `json:"vibrate,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Actions   []NotificationAction `json:"actions"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// notificationLog logs notifications and keeps the latest ones so pages can
// poll them from the control API.
type notificationLog struct {
	max int
	log zerolog.Logger

	mu    sync.Mutex
	items []Notification
}

func newNotificationLog(max int, log zerolog.Logger) *notificationLog {
	if max <= 0 {
		max = 50
	}
	return &notificationLog{max: max, log: log}
}

func (l *notificationLog) Show(_ context.Context, n Notification) error {
	l.mu.Lock()
	l.items = append(l.items, n)
	if over := len(l.items) - l.max; over > 0 {
		l.items = append([]Notification(nil), l.items[over:]...)
	}
	l.mu.Unlock()

	l.log.Info().Str("id", n.ID).Str("title", n.Title).Msg("notification")
	return nil
}

// Recent returns the kept notifications, newest last.
func (l *notificationLog) Recent() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notification, len(l.items))
	copy(out, l.items)
	return out
}

func newNotification(title, body string, data json.RawMessage, actions []NotificationAction, now time.Time) Notification {
	if actions == nil {
		actions = []NotificationAction{}
	}
	return Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Icon:      notificationIcon,
		Badge:     notificationBadge,
		Vibrate:   append([]int(nil), notificationVibrate...),
		Data:      data,
		Actions:   actions,
		CreatedAt: now.UTC(),
	}
}
