package tiercache

import (
	"sync"
	"time"
)

// windowLimiter is a fixed-window counter per client. A window opens with
// the first request and resets once it is older than window; requests past
// max inside a window are refused.
type windowLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*windowState
}

type windowState struct {
	count int
	start time.Time
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		clients: map[string]*windowState{},
	}
}

// Allow counts a request from id. When it is refused, retryAfter says how
// long until the window resets.
func (l *windowLimiter) Allow(id string) (ok bool, retryAfter time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st, found := l.clients[id]
	if !found || now.Sub(st.start) > l.window {
		l.clients[id] = &windowState{count: 1, start: now}
		return true, 0
	}
	st.count++
	if st.count > l.max {
		return false, l.window - now.Sub(st.start)
	}
	return true, 0
}

// Sweep forgets clients whose window started before olderThan ago.
func (l *windowLimiter) Sweep(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, st := range l.clients {
		if st.start.Before(cutoff) {
			delete(l.clients, id)
			n++
		}
	}
	return n
}
