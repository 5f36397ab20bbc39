package sstable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/seriesdb/compressors"
	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/iterator"
	"github.com/INLOpen/seriesdb/sys"
	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WriterOptions configures a new sstable.
type WriterOptions struct {
	Dir               string
	ID                uint64
	BlockSize         int
	Compression       core.CompressionType
	BloomFilterFPRate float64
	Tracer            trace.Tracer
	Logger            *slog.Logger
}

// Writer builds one sstable. Entries must be added in iterator.Compare
// order. The file is written under a temporary name and only appears under
// its final name once Finish succeeds.
type Writer struct {
	opts       WriterOptions
	path       string
	tmpPath    string
	file       *os.File
	bw         *bufio.Writer
	offset     uint64
	compressor core.Compressor
	logger     *slog.Logger

	block     blockBuilder
	index     []blockHandle
	tombs     []iterator.RangeTombstone
	keyHashes []uint64
	tables    *roaring.Bitmap
	props     Properties

	lastKey []byte
	lastSeq uint64
	hasLast bool
}

// NewWriter creates the temporary file and writes the file header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFilterFPRate <= 0 || opts.BloomFilterFPRate >= 1 {
		opts.BloomFilterFPRate = 0.01
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(opts.Dir, core.FormatSSTableFileName(opts.ID))
	tmpPath := path + core.TempExt
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary sstable file %s: %w", tmpPath, err)
	}
	w := &Writer{
		opts:       opts,
		path:       path,
		tmpPath:    tmpPath,
		file:       file,
		bw:         bufio.NewWriterSize(file, 64*1024),
		compressor: compressor,
		logger:     opts.Logger.With("component", "SSTableWriter", "sstable_id", opts.ID),
		tables:     roaring.New(),
	}
	w.props.CompressionType = compressor.Type()

	header := core.NewFileHeader(core.SSTableMagicNumber, compressor.Type())
	n, err := header.WriteTo(w.bw)
	if err != nil {
		w.Abort()
		return nil, err
	}
	w.offset = uint64(n)
	return w, nil
}

// Path returns the final path of the sstable.
func (w *Writer) Path() string { return w.path }

// ID returns the sstable id.
func (w *Writer) ID() uint64 { return w.opts.ID }

// Empty reports whether nothing was added yet.
func (w *Writer) Empty() bool {
	return !w.hasLast && len(w.tombs) == 0
}

// EstimatedSize is the number of bytes written so far plus the pending block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(w.block.size())
}

// Add appends one internal entry.
func (w *Writer) Add(e iterator.Entry) error {
	if w.hasLast && iterator.Compare(w.lastKey, w.lastSeq, e.Key, e.Seq) >= 0 {
		return fmt.Errorf("sstable entries out of order: %q@%d after %q@%d", e.Key, e.Seq, w.lastKey, w.lastSeq)
	}
	if w.block.size() >= w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	newKey := !w.hasLast || !bytes.Equal(w.lastKey, e.Key)
	if newKey {
		w.keyHashes = append(w.keyHashes, keyHash(e.Key))
		if id, err := core.TableIDFromBytes(e.Key); err == nil {
			w.tables.Add(uint32(id))
		}
	}
	if !w.hasLast {
		w.props.SmallestKey = append([]byte(nil), e.Key...)
	}
	w.trackSeq(e.Seq)
	if e.Seq > w.props.MaxPointSeq {
		w.props.MaxPointSeq = e.Seq
	}
	w.props.Entries++
	if e.Kind == core.EntryTypeDelete {
		w.props.Deletions++
	}

	w.block.add(e)
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.lastSeq = e.Seq
	w.hasLast = true
	return nil
}

// AddRangeTombstone records a range deletion. Tombstones may be added in any
// order.
func (w *Writer) AddRangeTombstone(t iterator.RangeTombstone) {
	w.tombs = append(w.tombs, iterator.RangeTombstone{
		Start: append([]byte(nil), t.Start...),
		End:   append([]byte(nil), t.End...),
		Seq:   t.Seq,
	})
	w.trackSeq(t.Seq)
	w.props.RangeDeletions++
}

func (w *Writer) trackSeq(seq uint64) {
	if w.props.Entries == 0 && w.props.RangeDeletions == 0 || seq < w.props.MinSeq {
		w.props.MinSeq = seq
	}
	if seq > w.props.MaxSeq {
		w.props.MaxSeq = seq
	}
}

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	raw := w.block.finish()
	payload, err := w.compressor.Compress(raw)
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}

	var hdr [blockHeaderSize]byte
	hdr[0] = byte(w.compressor.Type())
	binary.LittleEndian.PutUint32(hdr[1:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}

	length := uint64(blockHeaderSize + len(payload))
	w.index = append(w.index, blockHandle{
		FirstKey: append([]byte(nil), w.block.firstKey...),
		LastKey:  append([]byte(nil), w.block.lastKey...),
		Offset:   w.offset,
		Length:   length,
	})
	w.logger.Debug("Flushed block", "offset", w.offset, "raw_len", len(raw), "disk_len", length, "entries", w.block.count)
	w.offset += length
	w.props.DataBlocks++
	w.block.reset()
	return nil
}

func (w *Writer) writeSection(data []byte) (sectionHandle, error) {
	h := sectionHandle{Offset: w.offset, Length: uint32(len(data)), CRC: crc32.ChecksumIEEE(data)}
	if _, err := w.bw.Write(data); err != nil {
		return h, err
	}
	w.offset += uint64(len(data))
	return h, nil
}

// Finish writes the meta sections and footer, syncs the file and moves it to
// its final name.
func (w *Writer) Finish(ctx context.Context) (err error) {
	if w.opts.Tracer != nil {
		var span trace.Span
		_, span = w.opts.Tracer.Start(ctx, "SSTableWriter.Finish")
		defer func() {
			span.SetAttributes(
				attribute.Int64("sstable.id", int64(w.opts.ID)),
				attribute.Int64("sstable.entries", int64(w.props.Entries)),
				attribute.Int64("sstable.range_deletions", int64(w.props.RangeDeletions)),
				attribute.Int64("sstable.size_bytes", int64(w.offset)),
				attribute.String("sstable.compression", w.compressor.Type().String()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	if err := w.flushBlock(); err != nil {
		return fmt.Errorf("failed to flush final block: %w", err)
	}
	if w.hasLast {
		w.props.LargestKey = append([]byte(nil), w.lastKey...)
	}

	sort.Slice(w.tombs, func(i, j int) bool {
		if c := bytes.Compare(w.tombs[i].Start, w.tombs[j].Start); c != 0 {
			return c < 0
		}
		return w.tombs[i].Seq > w.tombs[j].Seq
	})

	bloom, err := NewBloomFilter(uint64(len(w.keyHashes)), w.opts.BloomFilterFPRate)
	if err != nil {
		return err
	}
	for _, h := range w.keyHashes {
		bloom.addHash(h)
	}
	w.tables.RunOptimize()
	tables, err := w.tables.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize table bitmap: %w", err)
	}

	var f footer
	sections := [numSections][]byte{
		sectionIndex:     encodeIndex(w.index),
		sectionRangeDels: encodeRangeTombstones(w.tombs),
		sectionBloom:     bloom.Bytes(),
		sectionTables:    tables,
		sectionProps:     w.props.encode(),
	}
	for i, data := range sections {
		if f.sections[i], err = w.writeSection(data); err != nil {
			return fmt.Errorf("failed to write meta section %d: %w", i, err)
		}
	}
	if _, err := w.bw.Write(f.encode()); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	w.offset += FooterSize

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sstable %s: %w", w.tmpPath, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sstable %s: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close sstable %s: %w", w.tmpPath, err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", w.tmpPath, w.path, err)
	}
	if err := sys.SyncDir(w.opts.Dir); err != nil {
		return err
	}
	w.logger.Debug("Finished sstable", "path", w.path, "entries", w.props.Entries, "blocks", len(w.index), "size", w.offset)
	return nil
}

// Abort discards the temporary file.
func (w *Writer) Abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := sys.SafeRemove(w.tmpPath); err != nil {
		w.logger.Warn("Failed to remove temporary sstable", "path", w.tmpPath, "error", err)
	}
}
