package iterator

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource is a Source over sorted in-memory entries.
type sliceSource struct {
	entries []Entry
	tombs   []RangeTombstone
	err     error
}

func newSliceSource(entries ...Entry) *sliceSource {
	sort.Slice(entries, func(i, j int) bool {
		return Compare(entries[i].Key, entries[i].Seq, entries[j].Key, entries[j].Seq) < 0
	})
	return &sliceSource{entries: entries}
}

func (s *sliceSource) collect(i int) KeyVersions {
	kv := KeyVersions{Key: s.entries[i].Key}
	for j := i; j < len(s.entries) && bytes.Equal(s.entries[j].Key, kv.Key); j++ {
		e := s.entries[j]
		kv.Versions = append(kv.Versions, Version{Seq: e.Seq, Kind: e.Kind, Value: e.Value})
	}
	return kv
}

func (s *sliceSource) Ceil(key []byte, strict bool) (KeyVersions, bool, error) {
	if s.err != nil {
		return KeyVersions{}, false, s.err
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		c := bytes.Compare(s.entries[i].Key, key)
		return c > 0 || (c == 0 && !strict)
	})
	if i == len(s.entries) {
		return KeyVersions{}, false, nil
	}
	return s.collect(i), true, nil
}

func (s *sliceSource) Floor(key []byte, strict bool) (KeyVersions, bool, error) {
	i := sort.Search(len(s.entries), func(i int) bool {
		c := bytes.Compare(s.entries[i].Key, key)
		return c > 0 || (c == 0 && strict)
	}) - 1
	if i < 0 {
		return KeyVersions{}, false, nil
	}
	return s.Ceil(s.entries[i].Key, false)
}

func (s *sliceSource) Last() (KeyVersions, bool, error) {
	if len(s.entries) == 0 {
		return KeyVersions{}, false, nil
	}
	return s.Ceil(s.entries[len(s.entries)-1].Key, false)
}

func (s *sliceSource) Get(key []byte) ([]Version, error) {
	kv, ok, err := s.Ceil(key, false)
	if err != nil || !ok || !bytes.Equal(kv.Key, key) {
		return nil, err
	}
	return kv.Versions, nil
}

func (s *sliceSource) RangeTombstones() []RangeTombstone { return s.tombs }

func (s *sliceSource) MaxSeq() uint64 {
	var m uint64
	for _, e := range s.entries {
		if e.Seq > m {
			m = e.Seq
		}
	}
	return m
}

func put(key string, seq uint64, value string) Entry {
	return Entry{Key: []byte(key), Seq: seq, Kind: core.EntryTypePut, Value: []byte(value)}
}

func del(key string, seq uint64) Entry {
	return Entry{Key: []byte(key), Seq: seq, Kind: core.EntryTypeDelete}
}

func merge(key string, seq uint64, value string) Entry {
	return Entry{Key: []byte(key), Seq: seq, Kind: core.EntryTypeMerge, Value: []byte(value)}
}

// concatMerge appends operands to the existing value.
type concatMerge struct{}

func (concatMerge) Name() string { return "concat" }
func (concatMerge) FullMerge(_, existing []byte, _ bool, operands [][]byte) ([]byte, error) {
	out := append([]byte{}, existing...)
	for _, op := range operands {
		out = append(out, op...)
	}
	return out, nil
}

func forward(t *testing.T, it *MergedIterator) []string {
	t.Helper()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Error())
	return out
}

func backward(t *testing.T, it *MergedIterator) []string {
	t.Helper()
	var out []string
	for ok := it.Last(); ok; ok = it.Prev() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Error())
	return out
}

func TestResolve(t *testing.T) {
	versions := []Version{
		{Seq: 9, Kind: core.EntryTypeMerge, Value: []byte("c")},
		{Seq: 7, Kind: core.EntryTypeMerge, Value: []byte("b")},
		{Seq: 5, Kind: core.EntryTypePut, Value: []byte("a")},
		{Seq: 3, Kind: core.EntryTypeDelete},
		{Seq: 1, Kind: core.EntryTypePut, Value: []byte("old")},
	}

	res, err := Resolve([]byte("k"), versions, nil, 100, concatMerge{})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "abc", string(res.Value))

	res, err = Resolve([]byte("k"), versions, nil, 5, concatMerge{})
	require.NoError(t, err)
	assert.Equal(t, "a", string(res.Value))

	res, err = Resolve([]byte("k"), versions, nil, 4, concatMerge{})
	require.NoError(t, err)
	assert.False(t, res.Found)

	res, err = Resolve([]byte("k"), versions, nil, 2, concatMerge{})
	require.NoError(t, err)
	assert.Equal(t, "old", string(res.Value))

	tombs := Tombstones{{Start: []byte("a"), End: []byte("z"), Seq: 8}}
	res, err = Resolve([]byte("k"), versions, tombs, 100, concatMerge{})
	require.NoError(t, err)
	assert.Equal(t, "c", string(res.Value), "operands below the tombstone are dropped")

	res, err = Resolve([]byte("k"), versions[2:], tombs, 100, concatMerge{})
	require.NoError(t, err)
	assert.False(t, res.Found)
	require.NotNil(t, res.Shadow)
	assert.Equal(t, uint64(8), res.Shadow.Seq)

	_, err = Resolve([]byte("k"), versions[:1], nil, 100, nil)
	assert.Error(t, err, "merge operands need an operator")
}

func TestMergedIterator_Bidirectional(t *testing.T) {
	older := newSliceSource(put("a", 1, "a1"), put("b", 2, "b2"), put("d", 3, "d3"), put("f", 4, "f4"))
	newer := newSliceSource(put("b", 10, "b10"), del("d", 11), put("e", 12, "e12"), merge("f", 13, "+"))

	it := NewMergedIterator([]Source{older, newer}, Options{Snapshot: core.MaxSequenceNumber, MergeOp: concatMerge{}})
	defer it.Close()

	assert.Equal(t, []string{"a=a1", "b=b10", "e=e12", "f=f4+"}, forward(t, it))
	assert.Equal(t, []string{"f=f4+", "e=e12", "b=b10", "a=a1"}, backward(t, it))

	require.True(t, it.SeekGE([]byte("c")))
	assert.Equal(t, "e", string(it.Key()))
	require.True(t, it.Prev())
	assert.Equal(t, "b", string(it.Key()))
	require.True(t, it.Next())
	assert.Equal(t, "e", string(it.Key()))

	require.True(t, it.SeekLE([]byte("d")))
	assert.Equal(t, "b", string(it.Key()))
	assert.False(t, it.SeekGE([]byte("g")))
}

func TestMergedIterator_Snapshot(t *testing.T) {
	src := newSliceSource(put("a", 1, "v1"), put("a", 5, "v5"), del("b", 6), put("b", 2, "b2"))

	it := NewMergedIterator([]Source{src}, Options{Snapshot: 3})
	defer it.Close()
	assert.Equal(t, []string{"a=v1", "b=b2"}, forward(t, it))

	latest := NewMergedIterator([]Source{src}, Options{Snapshot: core.MaxSequenceNumber})
	defer latest.Close()
	assert.Equal(t, []string{"a=v5"}, forward(t, latest))
}

func TestMergedIterator_Bounds(t *testing.T) {
	src := newSliceSource(put("a", 1, "1"), put("b", 2, "2"), put("c", 3, "3"), put("d", 4, "4"))
	it := NewMergedIterator([]Source{src}, Options{
		Snapshot:   core.MaxSequenceNumber,
		LowerBound: []byte("b"),
		UpperBound: []byte("d"),
	})
	defer it.Close()

	assert.Equal(t, []string{"b=2", "c=3"}, forward(t, it))
	assert.Equal(t, []string{"c=3", "b=2"}, backward(t, it))
	require.True(t, it.SeekGE([]byte("a")))
	assert.Equal(t, "b", string(it.Key()))
	require.True(t, it.SeekLE([]byte("z")))
	assert.Equal(t, "c", string(it.Key()))
	assert.False(t, it.SeekLE([]byte("a")))
}

func TestMergedIterator_RangeTombstones(t *testing.T) {
	old := newSliceSource(put("t1/a", 1, "x"), put("t1/b", 2, "x"), put("t1/c", 3, "x"), put("t2/a", 4, "y"))
	fresh := newSliceSource(put("t1/b", 20, "new"))
	fresh.tombs = []RangeTombstone{{Start: []byte("t1/"), End: []byte("t10"), Seq: 10}}

	it := NewMergedIterator([]Source{old, fresh}, Options{Snapshot: core.MaxSequenceNumber})
	defer it.Close()
	assert.Equal(t, []string{"t1/b=new", "t2/a=y"}, forward(t, it))
	assert.Equal(t, []string{"t2/a=y", "t1/b=new"}, backward(t, it))

	before := NewMergedIterator([]Source{old, fresh}, Options{Snapshot: 9})
	defer before.Close()
	assert.Len(t, forward(t, before), 4, "tombstone newer than the snapshot is invisible")
}

func TestMergedIterator_ErrorAndClose(t *testing.T) {
	boom := errors.New("boom")
	src := newSliceSource(put("a", 1, "1"))
	src.err = boom

	closed := 0
	it := NewMergedIterator([]Source{src}, Options{Snapshot: 10, OnClose: func() { closed++ }})
	assert.False(t, it.First())
	assert.ErrorIs(t, it.Error(), boom)

	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 1, closed)
}

func TestMergingIterator(t *testing.T) {
	a := NewSliceIterator([]Entry{put("a", 3, "a3"), put("c", 1, "c1")})
	b := NewSliceIterator([]Entry{put("a", 5, "a5"), put("b", 2, "b2")})
	empty := NewSliceIterator(nil)

	it := NewMergingIterator([]EntryIterator{a, b, empty})
	defer it.Close()

	var got []string
	for it.Next() {
		e := it.Entry()
		got = append(got, string(e.Value))
	}
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"a5", "a3", "b2", "c1"}, got)
}
