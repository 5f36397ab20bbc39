package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is the fixed header written at the start of WAL segments and
// sstables.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// WriteTo writes the header in little-endian order.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("failed to write file header: %w", err)
	}
	return int64(h.Size()), nil
}

// ReadFileHeader reads a header and checks it carries the expected magic number.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("bad magic number 0x%x, want 0x%x: %w", h.Magic, wantMagic, ErrCorrupted)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported format version %d: %w", h.Version, ErrCorrupted)
	}
	return h, nil
}
