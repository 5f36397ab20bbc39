package iterator

import (
	"container/heap"
	"errors"
)

// mergingHeap implements heap.Interface over positioned entry iterators.
// It is used to efficiently find the iterator with the smallest current entry.
type mergingHeap []*mergingItem

type mergingItem struct {
	iter  EntryIterator
	entry Entry
	index int // position in the input slice, breaks ties deterministically
}

func (h mergingHeap) Len() int { return len(h) }

func (h mergingHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := Compare(a.entry.Key, a.entry.Seq, b.entry.Key, b.entry.Seq); c != 0 {
		return c < 0
	}
	return a.index < b.index
}

func (h mergingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergingHeap) Push(x interface{}) { *h = append(*h, x.(*mergingItem)) }

func (h *mergingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergingIterator merges several EntryIterators into one stream ordered by
// key ascending and sequence number descending. Every version is returned.
type MergingIterator struct {
	heap    mergingHeap
	pending []EntryIterator
	all     []EntryIterator
	current Entry
	err     error
	started bool
}

// NewMergingIterator takes ownership of iters and closes them on Close.
func NewMergingIterator(iters []EntryIterator) *MergingIterator {
	return &MergingIterator{pending: iters, all: iters}
}

func (it *MergingIterator) init() {
	it.started = true
	it.heap = make(mergingHeap, 0, len(it.pending))
	for i, iter := range it.pending {
		if iter.Next() {
			it.heap = append(it.heap, &mergingItem{iter: iter, entry: iter.Entry(), index: i})
		} else if err := iter.Error(); err != nil {
			it.err = err
			return
		}
	}
	it.pending = nil
	heap.Init(&it.heap)
}

// Next advances to the next entry across all inputs.
func (it *MergingIterator) Next() bool {
	if !it.started {
		it.init()
	}
	if it.err != nil || it.heap.Len() == 0 {
		return false
	}
	top := it.heap[0]
	it.current = top.entry
	if top.iter.Next() {
		top.entry = top.iter.Entry()
		heap.Fix(&it.heap, 0)
	} else {
		if err := top.iter.Error(); err != nil {
			it.err = err
			return false
		}
		heap.Pop(&it.heap)
	}
	return true
}

// Entry returns the current entry.
func (it *MergingIterator) Entry() Entry { return it.current }

func (it *MergingIterator) Error() error { return it.err }

// Close closes every input iterator.
func (it *MergingIterator) Close() error {
	var errs []error
	for _, iter := range it.all {
		if err := iter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	it.all = nil
	it.heap = nil
	return errors.Join(errs...)
}

// SliceIterator is an EntryIterator over an in-memory, already sorted slice.
type SliceIterator struct {
	entries []Entry
	pos     int
}

func NewSliceIterator(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Entry() Entry { return it.entries[it.pos] }
func (it *SliceIterator) Error() error { return nil }
func (it *SliceIterator) Close() error { return nil }
