package tiercache

import (
	"strconv"
	"time"
)

// TimestampHeader records when a dynamic entry was captured, in milliseconds
// since the Unix epoch.
const TimestampHeader = "Sw-Cache-Timestamp"

// DefaultDynamicTTL is how long a stamped dynamic entry is served without a
// synchronous refetch.
const DefaultDynamicTTL = 7 * 24 * time.Hour

// stamp returns a copy of s carrying the capture time.
func stamp(s Snapshot, now time.Time) Snapshot {
	out := s.clone()
	out.Header.Set(TimestampHeader, strconv.FormatInt(now.UnixMilli(), 10))
	return out
}

// stampedAt reads the capture time. ok is false when the header is missing
// or unparseable.
func stampedAt(s Snapshot) (time.Time, bool) {
	v := s.Header.Get(TimestampHeader)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// isExpired reports whether s is older than ttl. Entries without a stamp
// never expire.
func isExpired(s Snapshot, now time.Time, ttl time.Duration) bool {
	at, ok := stampedAt(s)
	if !ok || ttl <= 0 {
		return false
	}
	return now.Sub(at) > ttl
}
