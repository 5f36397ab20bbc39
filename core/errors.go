package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrClosed          = errors.New("database is closed")
	ErrCorrupted       = errors.New("data corrupted")
	ErrInvalidKey      = errors.New("invalid key")
	ErrSequenceExpired = errors.New("sequence number is older than the retained WAL")
	ErrTableExists     = errors.New("table already exists")
	ErrCancelled       = errors.New("operation cancelled by hook")
	ErrReadOnly        = errors.New("write on read-only view")
)

// ExceededLimitError is returned when the table id allocator reaches the
// reserved ceiling. It is not retryable.
type ExceededLimitError struct {
	Current uint32
	Max     uint32
}

func (e *ExceededLimitError) Error() string {
	return fmt.Sprintf("table id allocator exhausted: next id %d reaches limit %d", e.Current, e.Max)
}

// InconsistentTTLEnabledError is returned at open time when the persisted TTL
// mode does not match the mode requested by the caller.
type InconsistentTTLEnabledError struct {
	Current bool
	Wanted  bool
}

func (e *InconsistentTTLEnabledError) Error() string {
	return fmt.Sprintf("inconsistent ttl mode: store has ttl_enabled=%t, open requested ttl_enabled=%t", e.Current, e.Wanted)
}

// IsExceededLimit checks if err is (or wraps) an ExceededLimitError.
func IsExceededLimit(err error) bool {
	var target *ExceededLimitError
	return errors.As(err, &target)
}

// IsInconsistentTTLEnabled checks if err is (or wraps) an InconsistentTTLEnabledError.
func IsInconsistentTTLEnabled(err error) bool {
	var target *InconsistentTTLEnabledError
	return errors.As(err, &target)
}
