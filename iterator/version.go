package iterator

import (
	"bytes"

	"github.com/INLOpen/seriesdb/core"
)

// Version is one stored version of a user key.
type Version struct {
	Seq   uint64
	Kind  core.EntryType
	Value []byte
}

// KeyVersions is a user key with every version a source holds for it,
// newest first.
type KeyVersions struct {
	Key      []byte
	Versions []Version
}

// RangeTombstone deletes every version of the keys in [Start, End) whose
// sequence number is lower than Seq.
type RangeTombstone struct {
	Start []byte
	End   []byte
	Seq   uint64
}

// Contains reports whether key lies inside the tombstone's range.
func (t RangeTombstone) Contains(key []byte) bool {
	return bytes.Compare(t.Start, key) <= 0 && bytes.Compare(key, t.End) < 0
}

// Source is a sorted run of versioned keys: a memtable or an sstable.
// Implementations must be safe for concurrent use.
type Source interface {
	// Ceil returns the smallest key >= key (> key when strict). A nil key
	// means the first key of the source.
	Ceil(key []byte, strict bool) (KeyVersions, bool, error)
	// Floor returns the largest key <= key (< key when strict).
	Floor(key []byte, strict bool) (KeyVersions, bool, error)
	// Last returns the largest key of the source.
	Last() (KeyVersions, bool, error)
	// Get returns every version of key, newest first.
	Get(key []byte) ([]Version, error)
	// RangeTombstones returns the range deletions recorded in the source.
	RangeTombstones() []RangeTombstone
	// MaxSeq is the largest sequence number of any point entry in the source.
	MaxSeq() uint64
}

// Entry is a single internal record: one version of one key.
type Entry struct {
	Key   []byte
	Seq   uint64
	Kind  core.EntryType
	Value []byte
}

// Compare orders entries by key ascending, then sequence number descending.
func Compare(aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	}
	return 0
}

// EntryIterator walks internal entries in Compare order.
type EntryIterator interface {
	Next() bool
	Entry() Entry
	Error() error
	Close() error
}
