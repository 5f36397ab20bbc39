package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/sys"
)

const manifestVersion = 1

// manifest is the persisted engine state. It is rewritten atomically after
// every flush and compaction.
type manifest struct {
	Version        int             `json:"version"`
	NextFileNumber uint64          `json:"next_file_number"`
	FlushedSeq     uint64          `json:"flushed_seq"`
	SSTables       []manifestTable `json:"sstables"`
}

type manifestTable struct {
	ID       uint64 `json:"id"`
	Level    int    `json:"level"`
	Size     int64  `json:"size"`
	MinSeq   uint64 `json:"min_seq"`
	MaxSeq   uint64 `json:"max_seq"`
	Smallest []byte `json:"smallest,omitempty"`
	Largest  []byte `json:"largest,omitempty"`
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, core.ManifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &manifest{Version: manifestVersion, NextFileNumber: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w: %w", err, core.ErrCorrupted)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d: %w", m.Version, core.ErrCorrupted)
	}
	if m.NextFileNumber == 0 {
		m.NextFileNumber = 1
	}
	return &m, nil
}

func writeManifest(dir string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := sys.WriteFileAtomic(filepath.Join(dir, core.ManifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
