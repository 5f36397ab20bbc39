package hooks

import "time"

// EventType defines the type of a hook event. Types starting with "Pre" are
// cancellable.
type EventType string

const (
	// Table lifecycle events
	EventPostCreateTable   EventType = "PostCreateTable"
	EventPreDestroyTable   EventType = "PreDestroyTable"
	EventPostDestroyTable  EventType = "PostDestroyTable"
	EventPreTruncateTable  EventType = "PreTruncateTable"
	EventPostTruncateTable EventType = "PostTruncateTable"
	EventPreRenameTable    EventType = "PreRenameTable"
	EventPostRenameTable   EventType = "PostRenameTable"

	// Engine lifecycle events
	EventPostStartEngine   EventType = "PostStartEngine"
	EventPreCloseEngine    EventType = "PreCloseEngine"
	EventPreFlushMemtable  EventType = "PreFlushMemtable"
	EventPostFlushMemtable EventType = "PostFlushMemtable"
	EventPreCompaction     EventType = "PreCompaction"
	EventPostCompaction    EventType = "PostCompaction"

	// Engine internal events
	EventPostSSTableCreate EventType = "PostSSTableCreate"
	EventPreSSTableDelete  EventType = "PreSSTableDelete"
	EventPostWALRotate     EventType = "PostWALRotate"
	EventPostWALRecovery   EventType = "PostWALRecovery"
	EventPostWALPurge      EventType = "PostWALPurge"
)

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// NewEvent builds an event of any type around payload.
func NewEvent(eventType EventType, payload interface{}) HookEvent {
	return &BaseEvent{eventType: eventType, payload: payload}
}

// TablePayload describes a table affected by a lifecycle event.
type TablePayload struct {
	Name string
	ID   uint32
}

// RenameTablePayload describes a rename. ID is unchanged by the rename.
type RenameTablePayload struct {
	OldName string
	NewName string
	ID      uint32
}

func NewPostCreateTableEvent(p TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateTable, payload: p}
}

func NewPreDestroyTableEvent(p TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPreDestroyTable, payload: p}
}

func NewPostDestroyTableEvent(p TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDestroyTable, payload: p}
}

func NewPreTruncateTableEvent(p TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPreTruncateTable, payload: p}
}

func NewPostTruncateTableEvent(p TablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTruncateTable, payload: p}
}

func NewPreRenameTableEvent(p RenameTablePayload) HookEvent {
	return &BaseEvent{eventType: EventPreRenameTable, payload: p}
}

func NewPostRenameTableEvent(p RenameTablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRenameTable, payload: p}
}

// FlushPayload describes a memtable flush.
type FlushPayload struct {
	Memtables int
	Entries   int
	MaxSeq    uint64
	SSTableID uint64
	Duration  time.Duration
	Error     error
}

func NewPreFlushMemtableEvent(p FlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPreFlushMemtable, payload: p}
}

func NewPostFlushMemtableEvent(p FlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFlushMemtable, payload: p}
}

// CompactedTableInfo holds immutable data about an sstable for use in hooks.
type CompactedTableInfo struct {
	ID   uint64
	Size int64
	Path string
}

// CompactionPayload contains data about a compaction run.
type CompactionPayload struct {
	Manual          bool
	InputTables     []CompactedTableInfo
	OutputTables    []CompactedTableInfo
	DroppedByFilter int
	Duration        time.Duration
}

func NewPreCompactionEvent(p CompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: p}
}

func NewPostCompactionEvent(p CompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: p}
}

// SSTablePayload contains information about an sstable for create/delete events.
type SSTablePayload struct {
	ID   uint64
	Path string
	Size int64
}

func NewPostSSTableCreateEvent(p SSTablePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSSTableCreate, payload: p}
}

func NewPreSSTableDeleteEvent(p SSTablePayload) HookEvent {
	return &BaseEvent{eventType: EventPreSSTableDelete, payload: p}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostWALRotateEvent(p PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: p}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	RecoveredBatches int
	LastSeq          uint64
	Duration         time.Duration
}

func NewPostWALRecoveryEvent(p PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: p}
}

// PostWALPurgePayload lists the segments removed by retention.
type PostWALPurgePayload struct {
	Segments []uint64
}

func NewPostWALPurgeEvent(p PostWALPurgePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALPurge, payload: p}
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct {
	Dir string
}

func NewPostStartEngineEvent(p EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: p}
}

func NewPreCloseEngineEvent(p EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: p}
}
