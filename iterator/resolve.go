package iterator

import (
	"fmt"
	"sort"

	"github.com/INLOpen/seriesdb/core"
)

// Tombstones is a set of range tombstones visible to one read.
type Tombstones []RangeTombstone

// VisibleTombstones collects the tombstones of every source with Seq <= snapshot.
func VisibleTombstones(sources []Source, snapshot uint64) Tombstones {
	var out Tombstones
	for _, s := range sources {
		for _, t := range s.RangeTombstones() {
			if t.Seq <= snapshot {
				out = append(out, t)
			}
		}
	}
	return out
}

// Covering returns the newest tombstone covering key, if any.
func (ts Tombstones) Covering(key []byte) (RangeTombstone, bool) {
	var best RangeTombstone
	found := false
	for _, t := range ts {
		if t.Contains(key) && (!found || t.Seq > best.Seq) {
			best, found = t, true
		}
	}
	return best, found
}

// MergeVersions combines per-source version lists into one list ordered
// newest first.
func MergeVersions(lists ...[]Version) []Version {
	switch len(lists) {
	case 0:
		return nil
	case 1:
		return lists[0]
	}
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]Version, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// Resolution is the outcome of reading one key at a snapshot.
type Resolution struct {
	Value []byte
	Found bool
	// Shadow is set when the newest visible state of the key comes from a
	// range tombstone; callers may skip to its bounds.
	Shadow *RangeTombstone
}

// Resolve computes the visible value of key at snapshot from its versions
// (newest first) and the visible range tombstones.
func Resolve(key []byte, versions []Version, tombs Tombstones, snapshot uint64, mergeOp core.MergeOperator) (Resolution, error) {
	cover, covered := tombs.Covering(key)

	var operands [][]byte
	for i := range versions {
		v := &versions[i]
		if v.Seq > snapshot {
			continue
		}
		if covered && v.Seq < cover.Seq {
			if len(operands) == 0 {
				return Resolution{Shadow: &cover}, nil
			}
			break
		}
		switch v.Kind {
		case core.EntryTypePut:
			if len(operands) == 0 {
				return Resolution{Value: v.Value, Found: true}, nil
			}
			return fold(key, v.Value, true, operands, mergeOp)
		case core.EntryTypeDelete:
			if len(operands) == 0 {
				return Resolution{}, nil
			}
			return fold(key, nil, false, operands, mergeOp)
		case core.EntryTypeMerge:
			operands = append(operands, v.Value)
		default:
			return Resolution{}, fmt.Errorf("unexpected entry type %v for key %q: %w", v.Kind, key, core.ErrCorrupted)
		}
	}
	if len(operands) == 0 {
		if covered {
			return Resolution{Shadow: &cover}, nil
		}
		return Resolution{}, nil
	}
	return fold(key, nil, false, operands, mergeOp)
}

// fold applies operands, collected newest first, on top of existing.
func fold(key, existing []byte, hasExisting bool, newestFirst [][]byte, mergeOp core.MergeOperator) (Resolution, error) {
	if mergeOp == nil {
		return Resolution{}, fmt.Errorf("merge operand found for key %q but no merge operator is configured", key)
	}
	operands := make([][]byte, len(newestFirst))
	for i, op := range newestFirst {
		operands[len(newestFirst)-1-i] = op
	}
	v, err := mergeOp.FullMerge(key, existing, hasExisting, operands)
	if err != nil {
		return Resolution{}, fmt.Errorf("merge operator %s failed for key %q: %w", mergeOp.Name(), key, err)
	}
	return Resolution{Value: v, Found: true}, nil
}
