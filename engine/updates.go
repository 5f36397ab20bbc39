package engine

import (
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/wal"
)

// GetUpdatesSince returns a reader over every committed batch whose first
// sequence number is greater than sn. It fails with core.ErrSequenceExpired
// when batches after sn may already have been purged from the WAL.
func (e *Engine) GetUpdatesSince(sn uint64) (*wal.Reader, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	latest := e.lastSeq.Load()
	first, ok := e.wal.FirstSeq()
	switch {
	case ok && sn+1 < first:
		return nil, fmt.Errorf("sn %d is older than the first retained batch %d: %w", sn, first, core.ErrSequenceExpired)
	case !ok && sn < latest:
		return nil, fmt.Errorf("sn %d is older than the retained WAL, latest is %d: %w", sn, latest, core.ErrSequenceExpired)
	}
	return e.wal.NewReader(sn)
}
