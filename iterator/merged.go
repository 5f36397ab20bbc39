package iterator

import (
	"bytes"

	"github.com/INLOpen/seriesdb/core"
)

// Options configures a MergedIterator.
type Options struct {
	// LowerBound is inclusive, UpperBound exclusive. Nil means unbounded.
	LowerBound []byte
	UpperBound []byte
	Snapshot   uint64
	MergeOp    core.MergeOperator
	// OnClose runs once when the iterator is closed, e.g. to unpin sources.
	OnClose func()
}

// MergedIterator is a bidirectional iterator over the visible keys of a set
// of sources at one snapshot. Each step asks every source for its nearest
// key, so it holds no per-source cursor state and can change direction freely.
// It is not safe for concurrent use.
type MergedIterator struct {
	sources []Source
	tombs   Tombstones
	opts    Options

	key   []byte
	value []byte
	valid bool
	err   error

	closed bool
}

// NewMergedIterator creates an unpositioned iterator over sources.
func NewMergedIterator(sources []Source, opts Options) *MergedIterator {
	return &MergedIterator{
		sources: sources,
		tombs:   VisibleTombstones(sources, opts.Snapshot),
		opts:    opts,
	}
}

// First positions the iterator at the first visible key.
func (it *MergedIterator) First() bool {
	return it.seekForward(it.opts.LowerBound, false)
}

// Last positions the iterator at the last visible key.
func (it *MergedIterator) Last() bool {
	if it.opts.UpperBound != nil {
		return it.seekBackward(it.opts.UpperBound, true)
	}
	return it.seekBackward(nil, false)
}

// SeekGE positions the iterator at the first visible key >= key.
func (it *MergedIterator) SeekGE(key []byte) bool {
	if it.opts.LowerBound != nil && bytes.Compare(key, it.opts.LowerBound) < 0 {
		key = it.opts.LowerBound
	}
	return it.seekForward(key, false)
}

// SeekLE positions the iterator at the last visible key <= key.
func (it *MergedIterator) SeekLE(key []byte) bool {
	if it.opts.UpperBound != nil && bytes.Compare(key, it.opts.UpperBound) >= 0 {
		return it.seekBackward(it.opts.UpperBound, true)
	}
	if key == nil {
		key = []byte{}
	}
	return it.seekBackward(key, false)
}

// Next moves to the following visible key.
func (it *MergedIterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.seekForward(it.key, true)
}

// Prev moves to the preceding visible key.
func (it *MergedIterator) Prev() bool {
	if !it.valid {
		return false
	}
	return it.seekBackward(it.key, true)
}

func (it *MergedIterator) Valid() bool   { return it.valid }
func (it *MergedIterator) Key() []byte   { return it.key }
func (it *MergedIterator) Value() []byte { return it.value }
func (it *MergedIterator) Error() error  { return it.err }

// Close releases the iterator. It is safe to call Close multiple times.
func (it *MergedIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	if it.opts.OnClose != nil {
		it.opts.OnClose()
	}
	return nil
}

func (it *MergedIterator) fail(err error) bool {
	it.err = err
	it.valid = false
	return false
}

func (it *MergedIterator) settle(key, value []byte) bool {
	it.key = append(it.key[:0], key...)
	it.value = value
	it.valid = true
	return true
}

// seekForward finds the first visible key >= key (> key when strict).
func (it *MergedIterator) seekForward(key []byte, strict bool) bool {
	if it.closed || it.err != nil {
		return false
	}
	key = append([]byte(nil), key...)
	var jump *RangeTombstone
	for {
		var best []byte
		var lists [][]Version
		for _, src := range it.sources {
			var kv KeyVersions
			var ok bool
			var err error
			if jump != nil && src.MaxSeq() < jump.Seq {
				// Everything this source holds inside the tombstone is shadowed.
				kv, ok, err = src.Ceil(jump.End, false)
			} else {
				kv, ok, err = src.Ceil(key, strict)
			}
			if err != nil {
				return it.fail(err)
			}
			if !ok {
				continue
			}
			switch c := compareKey(kv.Key, best, lists == nil); {
			case c < 0:
				best, lists = kv.Key, [][]Version{kv.Versions}
			case c == 0:
				lists = append(lists, kv.Versions)
			}
		}
		if lists == nil {
			it.valid = false
			return false
		}
		if it.opts.UpperBound != nil && bytes.Compare(best, it.opts.UpperBound) >= 0 {
			it.valid = false
			return false
		}
		res, err := Resolve(best, MergeVersions(lists...), it.tombs, it.opts.Snapshot, it.opts.MergeOp)
		if err != nil {
			return it.fail(err)
		}
		if res.Found {
			return it.settle(best, res.Value)
		}
		jump = nil
		if res.Shadow != nil && bytes.Compare(res.Shadow.End, best) > 0 {
			jump = res.Shadow
		}
		key, strict = best, true
	}
}

// seekBackward finds the last visible key <= key (< key when strict). A nil
// key means the end of the keyspace.
func (it *MergedIterator) seekBackward(key []byte, strict bool) bool {
	if it.closed || it.err != nil {
		return false
	}
	fromEnd := key == nil
	key = append([]byte(nil), key...)
	var jump *RangeTombstone
	for {
		var best []byte
		var lists [][]Version
		for _, src := range it.sources {
			var kv KeyVersions
			var ok bool
			var err error
			switch {
			case jump != nil && src.MaxSeq() < jump.Seq:
				kv, ok, err = src.Floor(jump.Start, true)
			case fromEnd:
				kv, ok, err = src.Last()
			default:
				kv, ok, err = src.Floor(key, strict)
			}
			if err != nil {
				return it.fail(err)
			}
			if !ok {
				continue
			}
			switch c := compareKey(kv.Key, best, lists == nil); {
			case c > 0 || lists == nil:
				best, lists = kv.Key, [][]Version{kv.Versions}
			case c == 0:
				lists = append(lists, kv.Versions)
			}
		}
		if lists == nil {
			it.valid = false
			return false
		}
		if it.opts.LowerBound != nil && bytes.Compare(best, it.opts.LowerBound) < 0 {
			it.valid = false
			return false
		}
		res, err := Resolve(best, MergeVersions(lists...), it.tombs, it.opts.Snapshot, it.opts.MergeOp)
		if err != nil {
			return it.fail(err)
		}
		if res.Found {
			return it.settle(best, res.Value)
		}
		jump = nil
		if res.Shadow != nil {
			jump = res.Shadow
		}
		key, strict, fromEnd = best, true, false
	}
}

// compareKey compares a candidate with the current best. An empty best
// (none yet) sorts after every candidate in forward scans.
func compareKey(candidate, best []byte, none bool) int {
	if none {
		return -1
	}
	return bytes.Compare(candidate, best)
}
