package memtable

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/INLOpen/skiplist"
)

// Key orders memtable entries by user key ascending, then sequence number
// descending, so the newest version of a key is met first.
type Key struct {
	UserKey []byte
	Seq     uint64
	// inf marks a sentinel that sorts after every real key.
	inf bool
}

// Entry is the payload stored for one version.
type Entry struct {
	Kind  core.EntryType
	Value []byte
}

// entryOverhead approximates the per-version bookkeeping cost.
const entryOverhead = 8 /*seq*/ + 1 /*kind*/ + 16 /*node pointers*/

func comparator(a, b *Key) int {
	switch {
	case a.inf && b.inf:
		return 0
	case a.inf:
		return 1
	case b.inf:
		return -1
	}
	if cmp := bytes.Compare(a.UserKey, b.UserKey); cmp != 0 {
		return cmp
	}
	if a.Seq > b.Seq {
		return -1
	}
	if a.Seq < b.Seq {
		return 1
	}
	return 0
}

var infKey = &Key{inf: true}

// Memtable is an in-memory, sorted buffer of recent writes. It keeps every
// version of a key plus the range tombstones written since it was created.
type Memtable struct {
	mu          sync.RWMutex
	data        *skiplist.SkipList[*Key, *Entry]
	tombstones  []iterator.RangeTombstone
	sizeBytes   int64
	threshold   int64
	ops         int
	firstSeq    uint64
	lastSeq     uint64
	maxPointSeq uint64

	CreationTime time.Time
}

var _ iterator.Source = (*Memtable)(nil)

// New creates an empty memtable that reports full once it holds threshold bytes.
func New(threshold int64, clock core.Clock) *Memtable {
	if clock == nil {
		clock = core.SystemClock
	}
	return &Memtable{
		data:         skiplist.NewWithComparator[*Key, *Entry](comparator),
		threshold:    threshold,
		CreationTime: clock.Now(),
	}
}

// Apply inserts every op of batch, numbering them from batch.SN.
func (m *Memtable) Apply(batch *core.WriteOpBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range batch.Ops {
		m.addLocked(batch.SN+uint64(i), op)
	}
}

// Add inserts a single op under seq.
func (m *Memtable) Add(seq uint64, op core.WriteOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(seq, op)
}

func (m *Memtable) addLocked(seq uint64, op core.WriteOp) {
	if m.ops == 0 || seq < m.firstSeq {
		m.firstSeq = seq
	}
	if seq > m.lastSeq {
		m.lastSeq = seq
	}
	m.ops++

	if op.Type == core.EntryTypeDeleteRange {
		m.tombstones = append(m.tombstones, iterator.RangeTombstone{
			Start: op.Key,
			End:   op.EndKey,
			Seq:   seq,
		})
		m.sizeBytes += int64(len(op.Key) + len(op.EndKey) + entryOverhead)
		return
	}

	entry := &Entry{Kind: op.Type}
	if op.Type != core.EntryTypeDelete {
		entry.Value = op.Value
	}
	key := &Key{UserKey: op.Key, Seq: seq}
	// Insert updates an existing node in place, so the replaced value has to
	// be measured before it is overwritten.
	if prev, ok := m.data.Search(key); ok {
		m.sizeBytes -= int64(len(prev.Value().Value))
	} else {
		m.sizeBytes += int64(len(op.Key) + entryOverhead)
	}
	m.data.Insert(key, entry)
	m.sizeBytes += int64(len(entry.Value))
	if seq > m.maxPointSeq {
		m.maxPointSeq = seq
	}
}

// Size returns the estimated size of the data in the memtable in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull checks if the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold > 0 && m.sizeBytes >= m.threshold
}

// Len returns the number of point versions in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// Ops returns the number of ops applied, range deletions included.
func (m *Memtable) Ops() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops
}

// Empty reports whether nothing has been written to the memtable.
func (m *Memtable) Empty() bool {
	return m.Ops() == 0
}

// SeqRange returns the smallest and largest sequence numbers applied.
func (m *Memtable) SeqRange() (first, last uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstSeq, m.lastSeq
}

// MaxSeq returns the largest sequence number of a point version.
func (m *Memtable) MaxSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxPointSeq
}

// RangeTombstones returns a copy of the range deletions in the memtable.
func (m *Memtable) RangeTombstones() []iterator.RangeTombstone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]iterator.RangeTombstone, len(m.tombstones))
	copy(out, m.tombstones)
	return out
}

// Ceil returns the smallest user key >= key (> key when strict) with its versions.
func (m *Memtable) Ceil(key []byte, strict bool) (iterator.KeyVersions, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// (key, 0) sorts after every version of key, (key, max) before all of them.
	seek := &Key{UserKey: key, Seq: math.MaxUint64}
	if strict {
		seek.Seq = 0
	}
	it := m.data.NewIterator()
	if !it.Seek(seek) {
		return iterator.KeyVersions{}, false, nil
	}
	kv := iterator.KeyVersions{Key: it.Key().UserKey}
	for {
		kv.Versions = append(kv.Versions, toVersion(it.Key(), it.Value()))
		if !it.Next() || !bytes.Equal(it.Key().UserKey, kv.Key) {
			break
		}
	}
	return kv, true, nil
}

// Floor returns the largest user key <= key (< key when strict) with its versions.
func (m *Memtable) Floor(key []byte, strict bool) (iterator.KeyVersions, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seek := &Key{UserKey: key, Seq: 0}
	if strict {
		seek.Seq = math.MaxUint64
	}
	return m.floorLocked(seek)
}

// Last returns the largest user key with its versions.
func (m *Memtable) Last() (iterator.KeyVersions, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.floorLocked(infKey)
}

func (m *Memtable) floorLocked(seek *Key) (iterator.KeyVersions, bool, error) {
	// Seek lands on the ceiling of seek, or fails when seek is above every
	// element, in which case the largest element is the floor candidate.
	// Stepping a reversed iterator then walks down to the last element <= seek,
	// the oldest version of the key we want. Walking on collects the newer ones.
	it := m.data.NewIterator(skiplist.WithReverse[*Key, *Entry]())
	if !it.Seek(seek) && !it.Last() {
		return iterator.KeyVersions{}, false, nil
	}
	for comparator(it.Key(), seek) > 0 {
		if !it.Next() {
			return iterator.KeyVersions{}, false, nil
		}
	}
	kv := iterator.KeyVersions{Key: it.Key().UserKey}
	for {
		kv.Versions = append(kv.Versions, toVersion(it.Key(), it.Value()))
		if !it.Next() || !bytes.Equal(it.Key().UserKey, kv.Key) {
			break
		}
	}
	for i, j := 0, len(kv.Versions)-1; i < j; i, j = i+1, j-1 {
		kv.Versions[i], kv.Versions[j] = kv.Versions[j], kv.Versions[i]
	}
	return kv, true, nil
}

// Get returns every version of key, newest first.
func (m *Memtable) Get(key []byte) ([]iterator.Version, error) {
	kv, ok, err := m.Ceil(key, false)
	if err != nil || !ok || !bytes.Equal(kv.Key, key) {
		return nil, err
	}
	return kv.Versions, nil
}

// Entries returns every version in the memtable in key order. The memtable
// must no longer receive writes.
func (m *Memtable) Entries() []iterator.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]iterator.Entry, 0, m.data.Len())
	it := m.data.NewIterator()
	for it.Next() {
		k, v := it.Key(), it.Value()
		out = append(out, iterator.Entry{Key: k.UserKey, Seq: k.Seq, Kind: v.Kind, Value: v.Value})
	}
	return out
}

func toVersion(k *Key, e *Entry) iterator.Version {
	return iterator.Version{Seq: k.Seq, Kind: e.Kind, Value: e.Value}
}
