package tiercache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiration(t *testing.T) {
	now := newTestClock().now()
	fresh := stamp(textSnapshot(http.StatusOK, "", "x"), now)

	assert.Equal(t, "1772366400000", fresh.Header.Get(TimestampHeader))
	assert.False(t, isExpired(fresh, now.Add(7*24*time.Hour), DefaultDynamicTTL))
	assert.True(t, isExpired(fresh, now.Add(7*24*time.Hour+time.Millisecond), DefaultDynamicTTL))

	unstamped := textSnapshot(http.StatusOK, "", "x")
	assert.False(t, isExpired(unstamped, now.Add(365*24*time.Hour), DefaultDynamicTTL))

	garbled := textSnapshot(http.StatusOK, "", "x")
	garbled.Header.Set(TimestampHeader, "yesterday")
	_, ok := stampedAt(garbled)
	assert.False(t, ok)
	assert.False(t, isExpired(garbled, now, DefaultDynamicTTL))
}

func TestStampDoesNotMutateInput(t *testing.T) {
	in := textSnapshot(http.StatusOK, "", "x")
	_ = stamp(in, newTestClock().now())
	assert.Empty(t, in.Header.Get(TimestampHeader))
}
