package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and file naming used by the engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// SSTableMagicNumber identifies an SSTable file.
	SSTableMagicNumber uint32 = 0x53535442 // "SSTB"
)

// SSTableFooterMagic is written at the very end of every sstable.
const SSTableFooterMagic uint64 = 0x5345524945534442 // "SERIESDB"

// FormatVersion is the on-disk format version of every file header.
const FormatVersion uint8 = 1

// --- File Names & Extensions ---
const (
	ManifestFileName = "MANIFEST"
	LockFileName     = "LOCK"
	WALDirName       = "wal"
	SSTableDirName   = "sst"
	SSTableExt       = ".sst"
	WALExt           = ".wal"
	TempExt          = ".tmp"
)

// FormatSegmentFileName returns the file name of WAL segment index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALExt)
}

// ParseSegmentFileName extracts the index from a WAL segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALExt) {
		return 0, fmt.Errorf("not a wal segment: %s", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, WALExt), 10, 64)
}

// FormatSSTableFileName returns the file name of sstable id.
func FormatSSTableFileName(id uint64) string {
	return fmt.Sprintf("%06d%s", id, SSTableExt)
}

// ParseSSTableFileName extracts the id from an sstable file name.
func ParseSSTableFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SSTableExt) {
		return 0, fmt.Errorf("not an sstable: %s", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, SSTableExt), 10, 64)
}
