package tiercache

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<name>               partition meta (creation order, last sequence)
//	e:<name>\x00<key>      entry: sequence + encoded snapshot
//	o:<name>\x00<seq hex>  insertion order index -> key
//
// Sequences are zero padded hex so a prefix scan over o: yields keys oldest
// first.

type partMeta struct {
	Order   uint64
	LastSeq uint64
}

const partMetaSize = 16

func (m partMeta) bytes() []byte {
	b := make([]byte, partMetaSize)
	binary.BigEndian.PutUint64(b, m.Order)
	binary.BigEndian.PutUint64(b[8:], m.LastSeq)
	return b
}

func parsePartMeta(b []byte) (partMeta, error) {
	if len(b) != partMetaSize {
		return partMeta{}, errors.Errorf("partition meta: want %d bytes, got %d", partMetaSize, len(b))
	}
	return partMeta{
		Order:   binary.BigEndian.Uint64(b),
		LastSeq: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

type levelStorage struct {
	db    *leveldb.DB
	codec *snapshotCodec

	// mu serializes writes so sequence allocation and index updates stay
	// consistent with the data they describe.
	mu        sync.Mutex
	parts     map[string]*levelPartition
	metas     map[string]partMeta
	lastOrder uint64
}

func openLevelStorage(path string, cacheBytes int64, compress bool) (*levelStorage, error) {
	o := &opt.Options{}
	if cacheBytes > 0 {
		o.BlockCacheCapacity = int(cacheBytes)
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return newLevelStorage(db, compress)
}

// openMemLevelStorage opens a leveldb instance backed by memory.
func openMemLevelStorage(compress bool) (*levelStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory leveldb")
	}
	return newLevelStorage(db, compress)
}

func newLevelStorage(db *leveldb.DB, compress bool) (*levelStorage, error) {
	s := &levelStorage{
		db:    db,
		codec: newSnapshotCodec(compress),
		parts: map[string]*levelPartition{},
		metas: map[string]partMeta{},
	}
	if err := s.loadMetas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadMetas() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()

	for it.Next() {
		name := strings.TrimPrefix(string(it.Key()), "p:")
		m, err := parsePartMeta(it.Value())
		if err != nil {
			continue
		}
		s.metas[name] = m
		if m.Order > s.lastOrder {
			s.lastOrder = m.Order
		}
	}
	return errors.Wrap(it.Error(), "load partitions")
}

func (s *levelStorage) Open(name string) (Partition, error) {
	if strings.ContainsRune(name, 0) {
		return nil, errors.Errorf("invalid partition name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	if _, ok := s.metas[name]; !ok {
		s.lastOrder++
		m := partMeta{Order: s.lastOrder}
		if err := s.db.Put(metaKey(name), m.bytes(), nil); err != nil {
			return nil, errors.Wrapf(err, "create partition %s", name)
		}
		s.metas[name] = m
	}
	p := &levelPartition{s: s, name: name}
	s.parts[name] = p
	return p, nil
}

func (s *levelStorage) Lookup(name string) (Partition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metas[name]; !ok {
		return nil, false, nil
	}
	p, ok := s.parts[name]
	if !ok {
		p = &levelPartition{s: s, name: name}
		s.parts[name] = p
	}
	return p, true, nil
}

func (s *levelStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metas[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	for _, prefix := range []string{"e:", "o:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return false, errors.Wrapf(err, "scan partition %s", name)
		}
	}
	batch.Delete(metaKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete partition %s", name)
	}

	if p, ok := s.parts[name]; ok {
		p.deleted = true
		delete(s.parts, name)
	}
	delete(s.metas, name)
	return true, nil
}

func (s *levelStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.metas))
	for n := range s.metas {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.metas[out[i]].Order < s.metas[out[j]].Order
	})
	return out, nil
}

func (s *levelStorage) Close() error {
	s.codec.Close()
	return s.db.Close()
}

type levelPartition struct {
	s    *levelStorage
	name string

	// guarded by s.mu
	deleted bool
}

func (p *levelPartition) Name() string { return p.name }

func (p *levelPartition) Match(key string) (Snapshot, bool, error) {
	b, err := p.s.db.Get(p.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Wrapf(err, "get %s", key)
	}
	if len(b) < 8 {
		return Snapshot{}, false, errors.Errorf("corrupt entry %s", key)
	}
	snap, err := p.s.codec.Decode(b[8:])
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (p *levelPartition) Put(key string, snap Snapshot) error {
	enc, err := p.s.codec.Encode(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.deleted {
		return ErrPartitionDeleted
	}

	batch := new(leveldb.Batch)
	ek := p.entryKey(key)
	old, err := p.s.db.Get(ek, nil)
	switch {
	case err == nil && len(old) >= 8:
		batch.Delete(p.orderKey(binary.BigEndian.Uint64(old[:8])))
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		return errors.Wrapf(err, "get %s", key)
	}

	m := p.s.metas[p.name]
	m.LastSeq++
	seq := m.LastSeq

	val := make([]byte, 8, 8+len(enc))
	binary.BigEndian.PutUint64(val, seq)
	val = append(val, enc...)

	batch.Put(ek, val)
	batch.Put(p.orderKey(seq), []byte(key))
	batch.Put(metaKey(p.name), m.bytes())
	if err := p.s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	p.s.metas[p.name] = m
	return nil
}

func (p *levelPartition) Delete(key string) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	ek := p.entryKey(key)
	old, err := p.s.db.Get(ek, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	batch := new(leveldb.Batch)
	batch.Delete(ek)
	if len(old) >= 8 {
		batch.Delete(p.orderKey(binary.BigEndian.Uint64(old[:8])))
	}
	if err := p.s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete %s", key)
	}
	return true, nil
}

func (p *levelPartition) Keys() ([]string, error) {
	it := p.s.db.NewIterator(util.BytesPrefix([]byte("o:"+p.name+"\x00")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "list %s", p.name)
	}
	return out, nil
}

func (p *levelPartition) Len() (int, error) {
	keys, err := p.Keys()
	return len(keys), err
}

func (p *levelPartition) entryKey(key string) []byte {
	return []byte("e:" + p.name + "\x00" + key)
}

func (p *levelPartition) orderKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("o:%s\x00%016x", p.name, seq))
}

func metaKey(name string) []byte {
	return []byte("p:" + name)
}
