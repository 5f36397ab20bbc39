package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
)

// An sstable file is laid out as:
//
//	FileHeader
//	data block 0 .. data block n-1
//	index | range tombstones | bloom filter | table bitmap | properties
//	footer
//
// Every data block is stored as compression(1) crc32(4) payload, the crc
// covering the (possibly compressed) payload. The footer holds one handle per
// meta section followed by core.SSTableFooterMagic.

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 4 * 1024

const blockHeaderSize = 1 + core.ChecksumSize

// Meta sections, in file order.
const (
	sectionIndex = iota
	sectionRangeDels
	sectionBloom
	sectionTables
	sectionProps
	numSections
)

// sectionHandle locates a meta section: offset(8) length(4) crc32(4).
type sectionHandle struct {
	Offset uint64
	Length uint32
	CRC    uint32
}

const sectionHandleSize = 8 + 4 + 4

// FooterSize is the fixed size of the footer.
const FooterSize = numSections*sectionHandleSize + 8

type footer struct {
	sections [numSections]sectionHandle
}

func (f *footer) encode() []byte {
	buf := make([]byte, FooterSize)
	for i, h := range f.sections {
		off := i * sectionHandleSize
		binary.LittleEndian.PutUint64(buf[off:], h.Offset)
		binary.LittleEndian.PutUint32(buf[off+8:], h.Length)
		binary.LittleEndian.PutUint32(buf[off+12:], h.CRC)
	}
	binary.LittleEndian.PutUint64(buf[FooterSize-8:], core.SSTableFooterMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != FooterSize {
		return f, fmt.Errorf("footer is %d bytes, want %d: %w", len(buf), FooterSize, core.ErrCorrupted)
	}
	if magic := binary.LittleEndian.Uint64(buf[FooterSize-8:]); magic != core.SSTableFooterMagic {
		return f, fmt.Errorf("bad footer magic 0x%x: %w", magic, core.ErrCorrupted)
	}
	for i := range f.sections {
		off := i * sectionHandleSize
		f.sections[i] = sectionHandle{
			Offset: binary.LittleEndian.Uint64(buf[off:]),
			Length: binary.LittleEndian.Uint32(buf[off+8:]),
			CRC:    binary.LittleEndian.Uint32(buf[off+12:]),
		}
	}
	return f, nil
}

// Properties summarises the content of an sstable.
type Properties struct {
	Entries         uint64
	Deletions       uint64
	RangeDeletions  uint64
	MinSeq          uint64
	MaxSeq          uint64
	MaxPointSeq     uint64
	SmallestKey     []byte
	LargestKey      []byte
	DataBlocks      uint64
	CompressionType core.CompressionType
}

func (p *Properties) encode() []byte {
	var buf []byte
	for _, v := range []uint64{p.Entries, p.Deletions, p.RangeDeletions, p.MinSeq, p.MaxSeq, p.MaxPointSeq, p.DataBlocks, uint64(p.CompressionType)} {
		buf = binary.AppendUvarint(buf, v)
	}
	buf = appendBytes(buf, p.SmallestKey)
	buf = appendBytes(buf, p.LargestKey)
	return buf
}

func decodeProperties(buf []byte) (Properties, error) {
	var p Properties
	d := decoder{buf: buf}
	p.Entries = d.uvarint()
	p.Deletions = d.uvarint()
	p.RangeDeletions = d.uvarint()
	p.MinSeq = d.uvarint()
	p.MaxSeq = d.uvarint()
	p.MaxPointSeq = d.uvarint()
	p.DataBlocks = d.uvarint()
	p.CompressionType = core.CompressionType(d.uvarint())
	p.SmallestKey = d.bytes()
	p.LargestKey = d.bytes()
	if d.err != nil {
		return p, fmt.Errorf("properties: %w", d.err)
	}
	return p, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// decoder reads uvarint framed fields and remembers the first failure.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("truncated varint: %w", core.ErrCorrupted)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = fmt.Errorf("field needs %d bytes, %d left: %w", n, len(d.buf), core.ErrCorrupted)
		return nil
	}
	out := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return out
}
