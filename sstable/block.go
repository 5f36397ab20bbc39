package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/iterator"
)

// blockBuilder accumulates entries of one data block. Keys are prefix
// compressed against the previous entry:
//
//	shared(uvarint) unshared(uvarint) value_len(uvarint) kind(1) seq(uvarint) key_suffix value
//
// and the block ends with the entry count as a little-endian uint32.
type blockBuilder struct {
	buf      []byte
	lastKey  []byte
	firstKey []byte
	count    int
}

func (b *blockBuilder) add(e iterator.Entry) {
	shared := 0
	if b.count > 0 {
		limit := min(len(e.Key), len(b.lastKey))
		for shared < limit && e.Key[shared] == b.lastKey[shared] {
			shared++
		}
	} else {
		b.firstKey = append(b.firstKey[:0], e.Key...)
	}
	unshared := e.Key[shared:]

	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(unshared)))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Value)))
	b.buf = append(b.buf, byte(e.Kind))
	b.buf = binary.AppendUvarint(b.buf, e.Seq)
	b.buf = append(b.buf, unshared...)
	b.buf = append(b.buf, e.Value...)

	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.count++
}

func (b *blockBuilder) size() int {
	return len(b.buf)
}

func (b *blockBuilder) empty() bool {
	return b.count == 0
}

// finish returns the encoded block. The builder must be reset before reuse.
func (b *blockBuilder) finish() []byte {
	return binary.LittleEndian.AppendUint32(b.buf, uint32(b.count))
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// decodeBlock expands an encoded block into its entries. Values alias data.
func decodeBlock(data []byte) ([]iterator.Entry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("block of %d bytes has no trailer: %w", len(data), core.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(data[len(data)-4:])
	data = data[:len(data)-4]

	entries := make([]iterator.Entry, 0, count)
	var prev []byte
	for len(data) > 0 {
		var hdr [3]uint64
		for i := range hdr {
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, fmt.Errorf("block entry %d: truncated header: %w", len(entries), core.ErrCorrupted)
			}
			hdr[i] = v
			data = data[n:]
		}
		shared, unshared, valueLen := hdr[0], hdr[1], hdr[2]
		if len(data) < 1 {
			return nil, fmt.Errorf("block entry %d: missing kind: %w", len(entries), core.ErrCorrupted)
		}
		kind := core.EntryType(data[0])
		data = data[1:]
		seq, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("block entry %d: truncated seq: %w", len(entries), core.ErrCorrupted)
		}
		data = data[n:]
		if shared > uint64(len(prev)) || unshared+valueLen > uint64(len(data)) {
			return nil, fmt.Errorf("block entry %d: lengths out of range: %w", len(entries), core.ErrCorrupted)
		}
		key := make([]byte, 0, shared+unshared)
		key = append(key, prev[:shared]...)
		key = append(key, data[:unshared]...)
		value := data[unshared : unshared+valueLen : unshared+valueLen]
		data = data[unshared+valueLen:]

		entries = append(entries, iterator.Entry{Key: key, Seq: seq, Kind: kind, Value: value})
		prev = key
	}
	if uint32(len(entries)) != count {
		return nil, fmt.Errorf("block holds %d entries, trailer says %d: %w", len(entries), count, core.ErrCorrupted)
	}
	return entries, nil
}

// blockWeight approximates the memory held by a decoded block.
func blockWeight(entries []iterator.Entry) int64 {
	w := int64(0)
	for i := range entries {
		w += int64(len(entries[i].Key) + len(entries[i].Value) + 48)
	}
	return w
}

// blockHandle is one entry of the sparse index.
type blockHandle struct {
	FirstKey []byte
	LastKey  []byte
	Offset   uint64
	Length   uint64
}

func encodeIndex(handles []blockHandle) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(handles)))
	for _, h := range handles {
		buf = appendBytes(buf, h.FirstKey)
		buf = appendBytes(buf, h.LastKey)
		buf = binary.AppendUvarint(buf, h.Offset)
		buf = binary.AppendUvarint(buf, h.Length)
	}
	return buf
}

func decodeIndex(buf []byte) ([]blockHandle, error) {
	d := decoder{buf: buf}
	n := d.uvarint()
	handles := make([]blockHandle, 0, min(n, 1<<16))
	for i := uint64(0); i < n && d.err == nil; i++ {
		handles = append(handles, blockHandle{
			FirstKey: d.bytes(),
			LastKey:  d.bytes(),
			Offset:   d.uvarint(),
			Length:   d.uvarint(),
		})
	}
	if d.err != nil {
		return nil, fmt.Errorf("index: %w", d.err)
	}
	return handles, nil
}

func encodeRangeTombstones(tombs []iterator.RangeTombstone) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(tombs)))
	for _, t := range tombs {
		buf = appendBytes(buf, t.Start)
		buf = appendBytes(buf, t.End)
		buf = binary.AppendUvarint(buf, t.Seq)
	}
	return buf
}

func decodeRangeTombstones(buf []byte) ([]iterator.RangeTombstone, error) {
	d := decoder{buf: buf}
	n := d.uvarint()
	tombs := make([]iterator.RangeTombstone, 0, min(n, 1<<16))
	for i := uint64(0); i < n && d.err == nil; i++ {
		tombs = append(tombs, iterator.RangeTombstone{Start: d.bytes(), End: d.bytes(), Seq: d.uvarint()})
	}
	if d.err != nil {
		return nil, fmt.Errorf("range tombstones: %w", d.err)
	}
	return tombs, nil
}
