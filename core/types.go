package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used for a block.
// It is stored on disk so readers know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
}

func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a config string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	}
	return CompressionNone, false
}

// EntryType is the kind of a primitive write operation. The numeric values are
// persisted in WAL records and sstables.
type EntryType byte

const (
	EntryTypePut         EntryType = 'P'
	EntryTypeDelete      EntryType = 'D'
	EntryTypeDeleteRange EntryType = 'R'
	EntryTypeMerge       EntryType = 'M'
)

func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "put"
	case EntryTypeDelete:
		return "delete"
	case EntryTypeDeleteRange:
		return "delete_range"
	case EntryTypeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryTypePut, EntryTypeDelete, EntryTypeDeleteRange, EntryTypeMerge:
		return true
	}
	return false
}

const (
	SeqNumSize   = 8 // uint64 sequence number
	ChecksumSize = 4 // uint32 CRC32 checksum
)

// MaxSequenceNumber is larger than any sequence number the engine hands out.
const MaxSequenceNumber = ^uint64(0) >> 8

// MergeOperator folds merge operands into a value. Operands are ordered
// oldest first; existing is only meaningful when hasExisting is true.
type MergeOperator interface {
	Name() string
	FullMerge(key, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error)
}
