package tiercache

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Kind identifies one of the versioned partitions.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindImages  Kind = "images"
)

var allKinds = []Kind{KindStatic, KindDynamic, KindImages}

const (
	DefaultDynamicLimit = 50
	DefaultImageLimit   = 100
)

// CacheManager owns the versioned partitions. It is built once at startup
// and handed to the engine, the lifecycle and the event handlers.
type CacheManager struct {
	storage   Storage
	namespace string
	version   string
	limits    map[Kind]int
	log       zerolog.Logger
}

type CacheManagerOptions struct {
	Storage   Storage
	Namespace string
	Version   string
	// Limits caps entry counts per kind; zero or missing means unbounded.
	Limits map[Kind]int
	Logger zerolog.Logger
}

func NewCacheManager(opts CacheManagerOptions) *CacheManager {
	limits := map[Kind]int{}
	for k, v := range opts.Limits {
		limits[k] = v
	}
	return &CacheManager{
		storage:   opts.Storage,
		namespace: opts.Namespace,
		version:   opts.Version,
		limits:    limits,
		log:       opts.Logger,
	}
}

func (m *CacheManager) Version() string { return m.version }

// PartitionName is "<namespace>-<kind>-<version>".
func (m *CacheManager) PartitionName(k Kind) string {
	return m.namespace + "-" + string(k) + "-" + m.version
}

func (m *CacheManager) open(k Kind) (Partition, error) {
	return m.storage.Open(m.PartitionName(k))
}

// Match looks key up in the partition of kind k.
func (m *CacheManager) Match(k Kind, key string) (Snapshot, bool, error) {
	p, err := m.open(k)
	if err != nil {
		return Snapshot{}, false, err
	}
	return p.Match(key)
}

// MatchAny looks key up in every partition, in creation order, and returns
// the first hit.
func (m *CacheManager) MatchAny(key string) (Snapshot, bool, error) {
	names, err := m.storage.Names()
	if err != nil {
		return Snapshot{}, false, errors.Wrap(err, "list partitions")
	}
	for _, name := range names {
		p, ok, err := m.storage.Lookup(name)
		if err != nil {
			return Snapshot{}, false, err
		}
		if !ok {
			continue
		}
		snap, ok, err := p.Match(key)
		if err != nil {
			return Snapshot{}, false, err
		}
		if ok {
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

// Put stores snap under key and, for capped kinds, evicts the oldest
// entries beyond the cap.
func (m *CacheManager) Put(k Kind, key string, snap Snapshot) error {
	p, err := m.open(k)
	if err != nil {
		return err
	}
	return m.putInto(p, k, key, snap)
}

// putInto writes through an already opened handle, so a write that lands
// after the partition was purged fails with ErrPartitionDeleted instead of
// recreating it.
func (m *CacheManager) putInto(p Partition, k Kind, key string, snap Snapshot) error {
	if err := p.Put(key, snap); err != nil {
		return err
	}
	if limit := m.limits[k]; limit > 0 {
		if _, err := evictOldest(p, limit); err != nil {
			return err
		}
	}
	return nil
}

// evictOldest trims p to at most max entries, dropping the oldest inserted
// ones. It returns how many entries were removed.
func evictOldest(p Partition, max int) (int, error) {
	keys, err := p.Keys()
	if err != nil {
		return 0, err
	}
	if len(keys) <= max {
		return 0, nil
	}
	removed := 0
	for _, key := range keys[:len(keys)-max] {
		ok, err := p.Delete(key)
		if err != nil {
			return removed, errors.Wrapf(err, "evict %s", key)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// OpenAll makes sure the current partitions exist.
func (m *CacheManager) OpenAll() error {
	for _, k := range allKinds {
		if _, err := m.open(k); err != nil {
			return err
		}
	}
	return nil
}

// PurgeStale deletes every partition of the namespace that does not belong
// to the current version and returns the deleted names.
func (m *CacheManager) PurgeStale() ([]string, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	var purged []string
	for _, name := range names {
		if !strings.HasPrefix(name, m.namespace+"-") {
			continue
		}
		if strings.HasSuffix(name, "-"+m.version) {
			continue
		}
		ok, err := m.storage.Delete(name)
		if err != nil {
			return purged, errors.Wrapf(err, "delete partition %s", name)
		}
		if ok {
			purged = append(purged, name)
		}
	}
	return purged, nil
}

// Clear deletes every partition, whatever its namespace or version.
func (m *CacheManager) Clear() ([]string, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	var cleared []string
	for _, name := range names {
		ok, err := m.storage.Delete(name)
		if err != nil {
			return cleared, errors.Wrapf(err, "delete partition %s", name)
		}
		if ok {
			cleared = append(cleared, name)
		}
	}
	return cleared, nil
}

// PartitionInfo describes one partition in a listing.
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	// Bytes is the body total for backends that track it.
	Bytes   int64  `json:"bytes,omitempty"`
	Current bool   `json:"current"`
}

type sizedPartition interface {
	TotalSize() int64
}

// List enumerates all partitions with their entry counts.
func (m *CacheManager) List() ([]PartitionInfo, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	out := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		p, ok, err := m.storage.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := p.Len()
		if err != nil {
			return nil, err
		}
		info := PartitionInfo{
			Name:    name,
			Entries: n,
			Current: strings.HasPrefix(name, m.namespace+"-") && strings.HasSuffix(name, "-"+m.version),
		}
		if sp, ok := p.(sizedPartition); ok {
			info.Bytes = sp.TotalSize()
		}
		out = append(out, info)
	}
	return out, nil
}
