package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/seriesdb/core"
)

const (
	// DefaultMaxSegmentSize is the default maximum size for a WAL segment file.
	DefaultMaxSegmentSize = 64 * 1024 * 1024 // 64 MiB
	// maxRecordSize guards against allocating absurd buffers when a length prefix is corrupted.
	maxRecordSize = 1 << 30
	// recordOverhead is the framing around each record: length (4 bytes) and checksum (4 bytes).
	recordOverhead = 8
)

var headerSize = int64(binary.Size(core.FileHeader{}))

// Segment represents a single WAL segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
}

// CreateSegment creates a new segment file in the given directory, truncating
// any existing file with the same index.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	if _, err := header.WriteTo(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    headerSize,
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading and validates its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	if _, err := core.ReadFileHeader(file, core.WALMagicNumber); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header: %w", path, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("invalid segment %s: %w", path, err)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index},
		reader:  bufio.NewReader(file),
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	binary.LittleEndian.PutUint32(frame[:], crc32.ChecksumIEEE(data))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += int64(len(data) + recordOverhead)
	return nil
}

// Flush pushes buffered records to the OS without fsync, making them visible to readers.
func (sw *SegmentWriter) Flush() error {
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Size returns the number of bytes written to the segment, header included.
func (sw *SegmentWriter) Size() int64 {
	return sw.size
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// ReadRecord reads a single record from the segment. It returns io.EOF at a
// clean end of file, io.ErrUnexpectedEOF for a torn record and
// core.ErrCorrupted for a checksum mismatch.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	return readRecord(sr.reader)
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var frame [4]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(frame[:])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record length %d exceeds limit: %w", length, core.ErrCorrupted)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if want, got := binary.LittleEndian.Uint32(frame[:]), crc32.ChecksumIEEE(data); want != got {
		return nil, fmt.Errorf("record checksum mismatch (stored %08x, computed %08x): %w", want, got, core.ErrCorrupted)
	}
	return data, nil
}
