package tiercache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger drops warnings that arrive sooner than interval after the
// last one it let through.
type rateLimitedLogger struct {
	log zerolog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	ev := l.log.Warn()
	if l.dropped > 0 {
		ev = ev.Int("suppressed", l.dropped)
		l.dropped = 0
	}
	ev.Msgf(format, args...)
}
