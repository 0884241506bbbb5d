package tiercache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheManagerPartitionNames(t *testing.T) {
	cm := newTestCaches(newMemStorage(), "v2")
	assert.Equal(t, "p4c-static-v2", cm.PartitionName(KindStatic))
	assert.Equal(t, "p4c-dynamic-v2", cm.PartitionName(KindDynamic))
	assert.Equal(t, "p4c-images-v2", cm.PartitionName(KindImages))
}

func TestCacheManagerEvictionKeepsNewest(t *testing.T) {
	for name, mk := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			cm := newTestCaches(mk(), "v2")

			for i := 0; i < 130; i++ {
				key := fmt.Sprintf("https://example.org/img/%03d.webp", i)
				require.NoError(t, cm.Put(KindImages, key, textSnapshot(200, "image/webp", key)))

				p, err := cm.open(KindImages)
				require.NoError(t, err)
				n, err := p.Len()
				require.NoError(t, err)
				require.LessOrEqual(t, n, DefaultImageLimit)
			}

			p, err := cm.open(KindImages)
			require.NoError(t, err)
			keys, err := p.Keys()
			require.NoError(t, err)
			require.Len(t, keys, DefaultImageLimit)
			assert.Equal(t, "https://example.org/img/030.webp", keys[0])
			assert.Equal(t, "https://example.org/img/129.webp", keys[len(keys)-1])

			_, ok, err := cm.Match(KindImages, "https://example.org/img/029.webp")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCacheManagerStaticIsUnbounded(t *testing.T) {
	cm := newTestCaches(newMemStorage(), "v2")
	for i := 0; i < 150; i++ {
		require.NoError(t, cm.Put(KindStatic, fmt.Sprintf("https://example.org/%d.js", i), textSnapshot(200, "", "")))
	}
	p, err := cm.open(KindStatic)
	require.NoError(t, err)
	n, err := p.Len()
	require.NoError(t, err)
	assert.Equal(t, 150, n)
}

func TestCacheManagerOverwriteIsIdempotent(t *testing.T) {
	cm := newTestCaches(newMemStorage(), "v2")
	snap := textSnapshot(200, "application/json", `{"ok":true}`)
	require.NoError(t, cm.Put(KindDynamic, "https://example.org/api/x", snap))
	require.NoError(t, cm.Put(KindDynamic, "https://example.org/api/x", snap))

	p, err := cm.open(KindDynamic)
	require.NoError(t, err)
	n, err := p.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheManagerPurgeStale(t *testing.T) {
	st := newMemStorage()
	old := newTestCaches(st, "v1")
	require.NoError(t, old.OpenAll())
	require.NoError(t, old.Put(KindStatic, "https://example.org/css/style.css", textSnapshot(200, "", "old")))
	_, err := st.Open("other-app-cache")
	require.NoError(t, err)

	cur := newTestCaches(st, "v2")
	require.NoError(t, cur.OpenAll())
	purged, err := cur.PurgeStale()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p4c-static-v1", "p4c-dynamic-v1", "p4c-images-v1"}, purged)

	names, err := st.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"other-app-cache", "p4c-static-v2", "p4c-dynamic-v2", "p4c-images-v2"}, names)
}

func TestCacheManagerPurgeMatchesWholeVersion(t *testing.T) {
	st := newMemStorage()
	_, err := st.Open("p4c-static-v20")
	require.NoError(t, err)

	purged, err := newTestCaches(st, "v2").PurgeStale()
	require.NoError(t, err)
	assert.Equal(t, []string{"p4c-static-v20"}, purged)
}

func TestCacheManagerMatchAnyAndClear(t *testing.T) {
	cm := newTestCaches(newMemStorage(), "v2")
	require.NoError(t, cm.Put(KindImages, "https://example.org/a.png", textSnapshot(200, "", "img")))
	require.NoError(t, cm.Put(KindDynamic, "https://example.org/page", textSnapshot(200, "", "page")))

	snap, ok, err := cm.MatchAny("https://example.org/page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page", string(snap.Body))

	list, err := cm.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Current)

	cleared, err := cm.Clear()
	require.NoError(t, err)
	assert.Len(t, cleared, 2)

	list, err = cm.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, ok, err = cm.MatchAny("https://example.org/page")
	require.NoError(t, err)
	assert.False(t, ok)
}

// listedStorage reports partitions that were already deleted.
type listedStorage struct {
	Storage
	extra []string
}

func (s listedStorage) Names() ([]string, error) {
	names, err := s.Storage.Names()
	return append(s.extra, names...), err
}

func TestCacheManagerReadsSkipVanishedPartitions(t *testing.T) {
	mem := newMemStorage()
	cm := newTestCaches(listedStorage{Storage: mem, extra: []string{"p4c-dynamic-v1"}}, "v2")
	require.NoError(t, cm.Put(KindDynamic, "https://example.org/page", textSnapshot(200, "", "page")))

	snap, ok, err := cm.MatchAny("https://example.org/page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page", string(snap.Body))

	list, err := cm.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p4c-dynamic-v2", list[0].Name)

	names, err := mem.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"p4c-dynamic-v2"}, names)
}
