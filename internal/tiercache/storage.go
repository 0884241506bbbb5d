package tiercache

import (
	"github.com/pkg/errors"
)

// ErrPartitionDeleted is returned by writes to a partition handle whose
// partition was deleted after the handle was opened.
var ErrPartitionDeleted = errors.New("partition deleted")

// Storage holds named cache partitions.
type Storage interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(name string) (Partition, error)
	// Lookup returns an existing partition. It never creates one.
	Lookup(name string) (Partition, bool, error)
	// Delete removes the partition and all its entries. It reports whether the
	// partition existed.
	Delete(name string) (bool, error)
	// Names lists partitions in creation order.
	Names() ([]string, error)
	Close() error
}

// Partition is a key/value store of response snapshots that remembers
// insertion order. Putting an existing key replaces the entry and moves it
// to the newest position.
type Partition interface {
	Name() string
	Match(key string) (Snapshot, bool, error)
	Put(key string, s Snapshot) error
	Delete(key string) (bool, error)
	// Keys lists entry keys oldest first.
	Keys() ([]string, error)
	Len() (int, error)
}
