package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/hooks"
	"github.com/INLOpen/seriesdb/sys"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways SyncMode = "always" // fsync after every append
	SyncNone   SyncMode = "none"   // leave syncing to the OS and to rotation/close
)

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	BatchesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// segmentInfo is the in-memory catalog entry of one segment.
type segmentInfo struct {
	index    uint64
	firstSeq uint64
	lastSeq  uint64
	records  int
	size     int64
	sealedAt time.Time
}

// WAL (Write-Ahead Log) provides durability by logging every committed batch
// before it is applied to the memtable. It manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment *SegmentWriter
	// segments is ordered by index; the last element describes the active segment.
	segments []segmentInfo

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// Open creates or opens a WAL directory. It catalogs existing segments and
// starts a fresh segment for appending.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "WAL")
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncNone
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NopHookManager{}
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:         opts.Dir,
		opts:        opts,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}

	if err := w.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}
	if err := w.openForAppend(); err != nil {
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	return w, nil
}

// loadSegments scans the WAL directory and catalogs every segment.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	var indexes []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	w.segments = make([]segmentInfo, 0, len(indexes))
	for i, index := range indexes {
		last := i == len(indexes)-1
		info, err := scanSegment(filepath.Join(w.dir, core.FormatSegmentFileName(index)), index)
		if err != nil {
			if !last {
				return err
			}
			// A torn tail in the newest segment is the expected result of a crash.
			w.logger.Warn("WAL segment ends with an incomplete record, ignoring the tail", "index", index, "records", info.records, "error", err)
		}
		w.segments = append(w.segments, info)
	}
	return nil
}

// scanSegment reads every record of a segment to find its sequence range. On
// error the returned info describes the valid prefix.
func scanSegment(path string, index uint64) (segmentInfo, error) {
	info := segmentInfo{index: index}
	stat, err := os.Stat(path)
	if err != nil {
		return info, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	info.size = stat.Size()
	info.sealedAt = stat.ModTime()

	reader, err := OpenSegmentForRead(path)
	if err != nil {
		return info, err
	}
	defer reader.Close()

	for {
		data, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if err != nil {
			return info, fmt.Errorf("segment %s record %d: %w", path, info.records, err)
		}
		var batch core.WriteOpBatch
		if err := batch.Unmarshal(data); err != nil {
			return info, fmt.Errorf("segment %s record %d: %w", path, info.records, err)
		}
		if info.records == 0 {
			info.firstSeq = batch.SN
		}
		info.lastSeq = batch.LastSN()
		info.records++
	}
}

func (w *WAL) openForAppend() error {
	if n := len(w.segments); n > 0 && w.segments[n-1].records == 0 {
		// The newest segment holds no records: drop it and reuse its index.
		last := w.segments[n-1]
		if err := sys.SafeRemove(filepath.Join(w.dir, core.FormatSegmentFileName(last.index))); err != nil {
			return err
		}
		w.segments = w.segments[:n-1]
		seg, err := CreateSegment(w.dir, last.index)
		if err != nil {
			return err
		}
		w.activeSegment = seg
		w.segments = append(w.segments, segmentInfo{index: last.index, size: seg.Size()})
		return nil
	}
	// Never append after a possibly torn record; start a new segment instead.
	return w.rotateLocked()
}

// AppendBatch writes batch as a single record.
func (w *WAL) AppendBatch(batch *core.WriteOpBatch) error {
	if len(batch.Ops) == 0 {
		return nil
	}
	payload, err := batch.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", batch.SN, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return fmt.Errorf("wal is closed: %w", core.ErrClosed)
	}

	// Rotate only when the segment already holds a record, so a single large
	// record can always be written to an empty segment.
	newRecordSize := int64(len(payload) + recordOverhead)
	if current := w.activeSegment.Size(); current > headerSize && current+newRecordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", current, "new_record_size", newRecordSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payload); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncAlways {
		if err := w.activeSegment.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL segment: %w", err)
		}
	}

	active := &w.segments[len(w.segments)-1]
	if active.records == 0 {
		active.firstSeq = batch.SN
	}
	active.lastSeq = batch.LastSN()
	active.records++
	active.size = w.activeSegment.Size()

	if w.opts.BytesWritten != nil {
		w.opts.BytesWritten.Add(newRecordSize)
	}
	if w.opts.BatchesWritten != nil {
		w.opts.BatchesWritten.Add(1)
	}
	return nil
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Rotate manually triggers a segment rotation.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// rotateLocked seals the active segment and opens the next one. Must be called with lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segments) > 0 {
		nextIndex = w.segments[len(w.segments)-1].index + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
		w.segments[len(w.segments)-1].sealedAt = time.Now()
	}
	if err := sys.SyncDir(w.dir); err != nil {
		w.logger.Warn("failed to sync WAL directory after rotation", "error", err)
	}

	w.activeSegment = newSegment
	w.segments = append(w.segments, segmentInfo{index: nextIndex, size: newSegment.Size()})
	w.logger.Debug("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)

	if oldIndex > 0 {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: nextIndex,
			NewSegmentPath:  newSegment.path,
		}))
	}
	return nil
}

// Close closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil
	}
	closeErr := w.activeSegment.Close()
	w.activeSegment = nil
	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	}
	return closeErr
}

// Purge removes sealed segments whose records are all at or below flushedSeq,
// subject to retention. With ttl and sizeLimit both zero every such segment is
// removed. Otherwise a segment is removed when it was sealed more than ttl ago
// (ttl > 0), or while the obsolete segments together exceed sizeLimit
// (sizeLimit > 0). Segments are only ever removed from the oldest end.
func (w *WAL) Purge(flushedSeq uint64, ttl time.Duration, sizeLimit int64, now time.Time) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Obsolete segments form a prefix of the catalog; the active segment never qualifies.
	obsolete := 0
	var obsoleteBytes int64
	for i := 0; i < len(w.segments)-1; i++ {
		if w.segments[i].records > 0 && w.segments[i].lastSeq > flushedSeq {
			break
		}
		obsolete++
		obsoleteBytes += w.segments[i].size
	}

	var removed []uint64
	for len(removed) < obsolete {
		seg := w.segments[len(removed)]
		remove := false
		switch {
		case ttl == 0 && sizeLimit == 0:
			remove = true
		default:
			if ttl > 0 && now.Sub(seg.sealedAt) > ttl {
				remove = true
			}
			if sizeLimit > 0 && obsoleteBytes > sizeLimit {
				remove = true
			}
		}
		if !remove {
			break
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(seg.index))
		if err := sys.SafeRemove(path); err != nil {
			w.segments = w.segments[len(removed):]
			return removed, err
		}
		obsoleteBytes -= seg.size
		removed = append(removed, seg.index)
	}
	w.segments = w.segments[len(removed):]

	if len(removed) > 0 {
		w.logger.Info("Purged WAL segments", "count", len(removed), "flushed_seq", flushedSeq)
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALPurgeEvent(hooks.PostWALPurgePayload{Segments: removed}))
	}
	return removed, nil
}

// FirstSeq returns the sequence number of the oldest retained batch.
func (w *WAL) FirstSeq() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, seg := range w.segments {
		if seg.records > 0 {
			return seg.firstSeq, true
		}
	}
	return 0, false
}

// LastSeq returns the sequence number of the last op of the newest retained batch.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.segments) - 1; i >= 0; i-- {
		if w.segments[i].records > 0 {
			return w.segments[i].lastSeq
		}
	}
	return 0
}

// Stats reports the number of segments and their combined size.
func (w *WAL) Stats() (segments int, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, seg := range w.segments {
		bytes += seg.size
	}
	return len(w.segments), bytes
}

// Dir returns the directory path of the WAL.
func (w *WAL) Dir() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
// It returns 0 if the WAL is closed.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// Replay calls fn, in order, for every retained batch whose SN is greater
// than afterSeq. It returns the number of batches replayed.
func (w *WAL) Replay(afterSeq uint64, fn func(*core.WriteOpBatch) error) (int, error) {
	start := time.Now()
	r, err := w.NewReader(afterSeq)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	var lastSeq uint64
	for r.Next() {
		if err := fn(r.Batch()); err != nil {
			return n, err
		}
		lastSeq = r.Batch().LastSN()
		n++
	}
	if err := r.Err(); err != nil {
		return n, err
	}
	w.hookManager.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
		RecoveredBatches: n,
		LastSeq:          lastSeq,
		Duration:         time.Since(start),
	}))
	return n, nil
}
