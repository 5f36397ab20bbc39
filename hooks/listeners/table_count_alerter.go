package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/seriesdb/hooks"
)

// TableCountAlerterListener logs a warning each time the number of tables
// created through the registry crosses a multiple of Threshold. Register it
// for both EventPostCreateTable and EventPostDestroyTable.
type TableCountAlerterListener struct {
	logger    *slog.Logger
	threshold int64
	count     atomic.Int64
}

// NewTableCountAlerterListener creates a listener that starts counting from
// initial, typically the number of tables present at open time.
func NewTableCountAlerterListener(logger *slog.Logger, threshold int64, initial int64) *TableCountAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &TableCountAlerterListener{
		logger:    logger.With("component", "TableCountAlerterListener"),
		threshold: threshold,
	}
	l.count.Store(initial)
	return l
}

// Count returns the current table count as seen by the listener.
func (l *TableCountAlerterListener) Count() int64 {
	return l.count.Load()
}

// SetCount replaces the current count, e.g. once the registry has been read.
func (l *TableCountAlerterListener) SetCount(n int64) {
	l.count.Store(n)
}

func (l *TableCountAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.TablePayload)
	if !ok {
		l.logger.Error("Received table event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	switch event.Type() {
	case hooks.EventPostCreateTable:
		n := l.count.Add(1)
		if l.threshold > 0 && n%l.threshold == 0 {
			l.logger.Warn("Table count reached alert threshold",
				"tables", n,
				"threshold", l.threshold,
				"last_table", payload.Name,
				"last_table_id", payload.ID,
			)
		}
	case hooks.EventPostDestroyTable:
		l.count.Add(-1)
	}
	return nil
}

func (l *TableCountAlerterListener) Priority() int { return 100 }

// IsAsync is false so the count is exact when the triggering call returns.
func (l *TableCountAlerterListener) IsAsync() bool { return false }
