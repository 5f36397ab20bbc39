package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/INLOpen/seriesdb/cache"
	"github.com/INLOpen/seriesdb/compressors"
	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BlockCacheKey identifies a decoded data block.
type BlockCacheKey struct {
	FileID uint64
	Offset uint64
}

// BlockCache holds decoded data blocks shared by every open sstable.
type BlockCache = cache.LRUCache[BlockCacheKey, []iterator.Entry]

// NewBlockCache creates a block cache bounded by capacity bytes.
func NewBlockCache(capacity int64) *BlockCache {
	return cache.NewLRUCache[BlockCacheKey, []iterator.Entry](capacity, func(_ BlockCacheKey, entries []iterator.Entry) int64 {
		return blockWeight(entries)
	}, nil)
}

// Options configures how an sstable is opened.
type Options struct {
	Path       string
	ID         uint64
	BlockCache *BlockCache
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// SSTable is an open, immutable sorted table. It implements iterator.Source
// and is safe for concurrent use.
type SSTable struct {
	id     uint64
	path   string
	size   int64
	logger *slog.Logger
	cache  *BlockCache

	mu   sync.RWMutex
	file *os.File

	index  []blockHandle
	tombs  []iterator.RangeTombstone
	bloom  *BloomFilter
	tables *roaring.Bitmap
	props  Properties
}

var _ iterator.Source = (*SSTable)(nil)

// Open loads the meta sections of the sstable at opts.Path.
func Open(opts Options) (sst *SSTable, err error) {
	if opts.Tracer != nil {
		var span trace.Span
		_, span = opts.Tracer.Start(context.Background(), "SSTable.Open")
		span.SetAttributes(attribute.String("sstable.path", opts.Path), attribute.Int64("sstable.id", int64(opts.ID)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable file %s: %w", opts.Path, err)
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	header, err := core.ReadFileHeader(file, core.SSTableMagicNumber)
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.Path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat sstable file %s: %w", opts.Path, err)
	}
	size := stat.Size()
	if size < int64(header.Size()+FooterSize) {
		return nil, fmt.Errorf("sstable file %s is too small to be valid (size: %d): %w", opts.Path, size, core.ErrCorrupted)
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := file.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("failed to read footer of %s: %w", opts.Path, err)
	}
	f, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.Path, err)
	}

	var sections [numSections][]byte
	for i, h := range f.sections {
		if h.Offset+uint64(h.Length) > uint64(size-FooterSize) {
			return nil, fmt.Errorf("sstable %s: meta section %d out of bounds: %w", opts.Path, i, core.ErrCorrupted)
		}
		buf := make([]byte, h.Length)
		if _, err := file.ReadAt(buf, int64(h.Offset)); err != nil {
			return nil, fmt.Errorf("failed to read meta section %d of %s: %w", i, opts.Path, err)
		}
		if crc32.ChecksumIEEE(buf) != h.CRC {
			return nil, fmt.Errorf("sstable %s: checksum mismatch in meta section %d: %w", opts.Path, i, core.ErrCorrupted)
		}
		sections[i] = buf
	}

	sst = &SSTable{
		id:     opts.ID,
		path:   opts.Path,
		size:   size,
		logger: opts.Logger.With("component", "SSTable", "sstable_id", opts.ID),
		cache:  opts.BlockCache,
		file:   file,
		tables: roaring.New(),
	}
	if sst.index, err = decodeIndex(sections[sectionIndex]); err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.Path, err)
	}
	if sst.tombs, err = decodeRangeTombstones(sections[sectionRangeDels]); err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.Path, err)
	}
	if sst.bloom, err = DeserializeBloomFilter(sections[sectionBloom]); err != nil {
		return nil, fmt.Errorf("sstable %s: %w: %w", opts.Path, err, core.ErrCorrupted)
	}
	if err = sst.tables.UnmarshalBinary(sections[sectionTables]); err != nil {
		return nil, fmt.Errorf("sstable %s: table bitmap: %w: %w", opts.Path, err, core.ErrCorrupted)
	}
	if sst.props, err = decodeProperties(sections[sectionProps]); err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.Path, err)
	}
	return sst, nil
}

func (s *SSTable) ID() uint64 {
	return s.id
}

func (s *SSTable) Path() string {
	return s.path
}

func (s *SSTable) Size() int64 {
	return s.size
}

func (s *SSTable) Properties() Properties {
	return s.props
}

// MaxSeq returns the largest sequence number of a point entry.
func (s *SSTable) MaxSeq() uint64 {
	return s.props.MaxPointSeq
}

// RangeTombstones returns the range deletions stored in the table.
func (s *SSTable) RangeTombstones() []iterator.RangeTombstone {
	return s.tombs
}

// MayContainTable reports whether any point key of the table starts with id.
func (s *SSTable) MayContainTable(id core.TableID) bool {
	return s.tables.Contains(uint32(id))
}

// TableIDs returns the table ids that own point keys in the sstable.
func (s *SSTable) TableIDs() []uint32 {
	return s.tables.ToArray()
}

// MayContain consults the bloom filter for key.
func (s *SSTable) MayContain(key []byte) bool {
	return s.bloom.Contains(key)
}

// readBlock loads the i-th data block, going through the block cache when fill
// is set.
func (s *SSTable) readBlock(i int, fill bool) ([]iterator.Entry, error) {
	h := s.index[i]
	key := BlockCacheKey{FileID: s.id, Offset: h.Offset}
	if s.cache != nil {
		if entries, ok := s.cache.Get(key); ok {
			return entries, nil
		}
	}

	s.mu.RLock()
	file := s.file
	if file == nil {
		s.mu.RUnlock()
		return nil, core.ErrClosed
	}
	buf := make([]byte, h.Length)
	_, err := file.ReadAt(buf, int64(h.Offset))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read block at offset %d of %s: %w", h.Offset, s.path, err)
	}
	if len(buf) < blockHeaderSize {
		return nil, fmt.Errorf("block at offset %d of %s is too small: %w", h.Offset, s.path, core.ErrCorrupted)
	}
	payload := buf[blockHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(buf[1:blockHeaderSize]) {
		return nil, fmt.Errorf("checksum mismatch for block at offset %d of %s: %w", h.Offset, s.path, core.ErrCorrupted)
	}
	compressor, err := compressors.ForType(core.CompressionType(buf[0]))
	if err != nil {
		return nil, fmt.Errorf("block at offset %d of %s: %w", h.Offset, s.path, err)
	}
	raw, err := compressors.DecompressBlock(compressor, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at offset %d of %s: %w", h.Offset, s.path, err)
	}
	entries, err := decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d of %s: %w", h.Offset, s.path, err)
	}
	if fill && s.cache != nil {
		s.cache.Put(key, entries)
	}
	return entries, nil
}

// after reports whether k sorts after key (or equal to it when !strict).
func after(k, key []byte, strict bool) bool {
	c := bytes.Compare(k, key)
	if strict {
		return c > 0
	}
	return c >= 0
}

// Ceil returns the smallest user key >= key (> key when strict) with its versions.
func (s *SSTable) Ceil(key []byte, strict bool) (iterator.KeyVersions, bool, error) {
	bi := sort.Search(len(s.index), func(i int) bool { return after(s.index[i].LastKey, key, strict) })
	if bi == len(s.index) {
		return iterator.KeyVersions{}, false, nil
	}
	entries, err := s.readBlock(bi, true)
	if err != nil {
		return iterator.KeyVersions{}, false, err
	}
	ei := sort.Search(len(entries), func(i int) bool { return after(entries[i].Key, key, strict) })
	if ei == len(entries) {
		return iterator.KeyVersions{}, false, fmt.Errorf("block %d of %s disagrees with its index: %w", bi, s.path, core.ErrCorrupted)
	}
	return s.collect(bi, ei, entries)
}

// collect gathers the versions of the key at entries[ei], following it into
// later blocks.
func (s *SSTable) collect(bi, ei int, entries []iterator.Entry) (iterator.KeyVersions, bool, error) {
	kv := iterator.KeyVersions{Key: entries[ei].Key}
	for {
		for ; ei < len(entries); ei++ {
			e := entries[ei]
			if !bytes.Equal(e.Key, kv.Key) {
				return kv, true, nil
			}
			kv.Versions = append(kv.Versions, iterator.Version{Seq: e.Seq, Kind: e.Kind, Value: e.Value})
		}
		bi++
		if bi >= len(s.index) || !bytes.Equal(s.index[bi].FirstKey, kv.Key) {
			return kv, true, nil
		}
		var err error
		if entries, err = s.readBlock(bi, true); err != nil {
			return iterator.KeyVersions{}, false, err
		}
		ei = 0
	}
}

// Floor returns the largest user key <= key (< key when strict) with its versions.
func (s *SSTable) Floor(key []byte, strict bool) (iterator.KeyVersions, bool, error) {
	bi := sort.Search(len(s.index), func(i int) bool { return !after(key, s.index[i].FirstKey, strict) }) - 1
	if bi < 0 {
		return iterator.KeyVersions{}, false, nil
	}
	entries, err := s.readBlock(bi, true)
	if err != nil {
		return iterator.KeyVersions{}, false, err
	}
	ei := sort.Search(len(entries), func(i int) bool { return !after(key, entries[i].Key, strict) }) - 1
	if ei < 0 {
		return iterator.KeyVersions{}, false, fmt.Errorf("block %d of %s disagrees with its index: %w", bi, s.path, core.ErrCorrupted)
	}
	// The key's oldest versions may precede this block.
	return s.Ceil(entries[ei].Key, false)
}

// Last returns the largest user key with its versions.
func (s *SSTable) Last() (iterator.KeyVersions, bool, error) {
	if len(s.index) == 0 {
		return iterator.KeyVersions{}, false, nil
	}
	return s.Ceil(s.index[len(s.index)-1].LastKey, false)
}

// Get returns every version of key, newest first.
func (s *SSTable) Get(key []byte) ([]iterator.Version, error) {
	if !s.bloom.Contains(key) {
		return nil, nil
	}
	kv, ok, err := s.Ceil(key, false)
	if err != nil || !ok || !bytes.Equal(kv.Key, key) {
		return nil, err
	}
	return kv.Versions, nil
}

// NewEntryIterator walks every entry of the table in order without
// populating the block cache.
func (s *SSTable) NewEntryIterator() iterator.EntryIterator {
	return &tableIterator{sst: s, block: -1}
}

// Verify decodes every data block and checks entry order.
func (s *SSTable) Verify() error {
	it := s.NewEntryIterator()
	defer it.Close()
	var prev iterator.Entry
	n := uint64(0)
	for it.Next() {
		e := it.Entry()
		if n > 0 && iterator.Compare(prev.Key, prev.Seq, e.Key, e.Seq) >= 0 {
			return fmt.Errorf("sstable %s: entry %d out of order: %w", s.path, n, core.ErrCorrupted)
		}
		prev = e
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	if n != s.props.Entries {
		return fmt.Errorf("sstable %s: found %d entries, properties say %d: %w", s.path, n, s.props.Entries, core.ErrCorrupted)
	}
	return nil
}

// Close releases the file handle and drops the table's cached blocks.
func (s *SSTable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if s.cache != nil {
		for _, h := range s.index {
			s.cache.Remove(BlockCacheKey{FileID: s.id, Offset: h.Offset})
		}
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type tableIterator struct {
	sst     *SSTable
	block   int
	entries []iterator.Entry
	pos     int
	err     error
}

func (it *tableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for it.block < 0 || it.pos >= len(it.entries) {
		it.block++
		if it.block >= len(it.sst.index) {
			return false
		}
		entries, err := it.sst.readBlock(it.block, false)
		if err != nil {
			it.err = err
			return false
		}
		it.entries, it.pos = entries, 0
	}
	return true
}

func (it *tableIterator) Entry() iterator.Entry {
	return it.entries[it.pos]
}

func (it *tableIterator) Error() error {
	return it.err
}

func (it *tableIterator) Close() error {
	it.entries = nil
	return nil
}
