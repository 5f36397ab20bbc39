package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/seriesdb/core"
)

// Reader streams the batches retained in the WAL, oldest first. It sees the
// log as it was when the reader was created and is not safe for concurrent use.
type Reader struct {
	dir      string
	segments []segmentInfo
	afterSeq uint64

	pos   int
	cur   *SegmentReader
	read  int
	batch core.WriteOpBatch
	err   error
}

// NewReader returns a reader over every batch whose SN is greater than afterSeq.
func (w *WAL) NewReader(afterSeq uint64) (*Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment != nil {
		if err := w.activeSegment.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush active segment for reader: %w", err)
		}
	}
	segments := make([]segmentInfo, len(w.segments))
	copy(segments, w.segments)
	return &Reader{dir: w.dir, segments: segments, afterSeq: afterSeq}, nil
}

// Next advances to the next batch. It returns false at the end of the log or on error.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	for {
		if r.cur == nil {
			if r.pos >= len(r.segments) {
				return false
			}
			seg := r.segments[r.pos]
			if seg.records == 0 || seg.lastSeq <= r.afterSeq {
				r.pos++
				continue
			}
			path := filepath.Join(r.dir, core.FormatSegmentFileName(seg.index))
			sr, err := OpenSegmentForRead(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					r.err = fmt.Errorf("segment %d not found, likely purged: %w", seg.index, core.ErrSequenceExpired)
				} else {
					r.err = err
				}
				return false
			}
			r.cur = sr
			r.read = 0
		}

		if r.read >= r.segments[r.pos].records {
			r.cur.Close()
			r.cur = nil
			r.pos++
			continue
		}

		data, err := r.cur.ReadRecord()
		if err != nil {
			r.err = fmt.Errorf("failed to read WAL segment %d: %w", r.segments[r.pos].index, err)
			return false
		}
		r.read++
		var batch core.WriteOpBatch
		if err := batch.Unmarshal(data); err != nil {
			r.err = fmt.Errorf("failed to decode WAL record in segment %d: %w", r.segments[r.pos].index, err)
			return false
		}
		if batch.SN <= r.afterSeq {
			continue
		}
		r.batch = batch
		return true
	}
}

// Batch returns the current batch. The result is valid until the next call to Next.
func (r *Reader) Batch() *core.WriteOpBatch {
	return &r.batch
}

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the open segment file.
func (r *Reader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
