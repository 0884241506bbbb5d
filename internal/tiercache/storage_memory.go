package tiercache

import (
	"container/list"
	"slices"
	"sync"
)

// memStorage keeps partitions in process memory.
type memStorage struct {
	mu    sync.Mutex
	parts map[string]*memPartition
	order []string
}

func newMemStorage() *memStorage {
	return &memStorage{parts: map[string]*memPartition{}}
}

func (s *memStorage) Open(name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	p := newMemPartition(name)
	s.parts[name] = p
	s.order = append(s.order, name)
	return p, nil
}

func (s *memStorage) Lookup(name string) (Partition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[name]
	if !ok {
		return nil, false, nil
	}
	return p, true, nil
}

func (s *memStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[name]
	if !ok {
		return false, nil
	}
	p.drop()
	delete(s.parts, name)
	if i := slices.Index(s.order, name); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return true, nil
}

func (s *memStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order), nil
}

func (s *memStorage) Close() error { return nil }

type memEntry struct {
	key  string
	snap Snapshot
}

// memPartition keeps entries on a list ordered oldest to newest, indexed by
// key.
type memPartition struct {
	name string

	mu      sync.Mutex
	byKey   map[string]*list.Element
	entries *list.List
	bytes   int64
	deleted bool
}

func newMemPartition(name string) *memPartition {
	return &memPartition{name: name, byKey: map[string]*list.Element{}, entries: list.New()}
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Match(key string) (Snapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byKey[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return el.Value.(*memEntry).snap.clone(), true, nil
}

func (p *memPartition) Put(key string, snap Snapshot) error {
	snap = snap.clone()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return ErrPartitionDeleted
	}
	if el, ok := p.byKey[key]; ok {
		ent := el.Value.(*memEntry)
		p.bytes += int64(len(snap.Body)) - int64(len(ent.snap.Body))
		ent.snap = snap
		p.entries.MoveToBack(el)
		return nil
	}
	p.byKey[key] = p.entries.PushBack(&memEntry{key: key, snap: snap})
	p.bytes += int64(len(snap.Body))
	return nil
}

func (p *memPartition) Delete(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byKey[key]
	if !ok {
		return false, nil
	}
	ent := p.entries.Remove(el).(*memEntry)
	delete(p.byKey, key)
	p.bytes -= int64(len(ent.snap.Body))
	return true, nil
}

func (p *memPartition) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, p.entries.Len())
	for el := p.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*memEntry).key)
	}
	return out, nil
}

func (p *memPartition) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len(), nil
}

// TotalSize is the sum of body sizes held by the partition.
func (p *memPartition) TotalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// drop empties the partition and fails later writes through old handles.
func (p *memPartition) drop() {
	p.mu.Lock()
	p.deleted = true
	p.byKey = map[string]*list.Element{}
	p.entries.Init()
	p.bytes = 0
	p.mu.Unlock()
}
