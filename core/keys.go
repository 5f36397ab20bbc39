package core

import (
	"encoding/binary"
	"fmt"
)

// TableID identifies one logical table inside the shared keyspace. On disk it
// is always written as 4 big-endian bytes so that lexicographic key order
// follows numeric table order.
type TableID uint32

const (
	TableIDLen   = 4
	TimestampLen = 4
	// InnerKeyPrefixLen covers the table id and the sentinel byte.
	InnerKeyPrefixLen = TableIDLen + 1
)

// Reserved system tables.
const (
	InfoTableID     TableID = 0
	NameToIDTableID TableID = 1
	IDToNameTableID TableID = 2

	// MinUserlandTableID is the first id handed out to user tables (0x00000400).
	MinUserlandTableID TableID = 1024
	// MaxUserlandTableID is the exclusive ceiling for user tables (0xFFFFFFFE).
	MaxUserlandTableID TableID = 4294967294
)

// Sentinel bytes written right after the table id.
const (
	HeadSentinel    byte = 0x00
	RegularSentinel byte = 0x01
	TailSentinel    byte = 0x02
)

// Item ids stored in the info table.
var (
	PlaceholderItemID = []byte{0, 0}
	TTLItemID         = []byte{0, 1}
)

// IsReserved reports whether id belongs to a system table.
func (id TableID) IsReserved() bool {
	return id < MinUserlandTableID
}

// Bytes returns the 4-byte big-endian form of id.
func (id TableID) Bytes() []byte {
	return TableIDToBytes(id)
}

func (id TableID) String() string {
	return fmt.Sprintf("%d", uint32(id))
}

// TableIDToBytes encodes id as 4 big-endian bytes.
func TableIDToBytes(id TableID) []byte {
	buf := make([]byte, TableIDLen)
	binary.BigEndian.PutUint32(buf, uint32(id))
	return buf
}

// TableIDFromBytes decodes the first 4 bytes of b as a big-endian table id.
func TableIDFromBytes(b []byte) (TableID, error) {
	if len(b) < TableIDLen {
		return 0, fmt.Errorf("table id needs %d bytes, got %d: %w", TableIDLen, len(b), ErrInvalidKey)
	}
	return TableID(binary.BigEndian.Uint32(b)), nil
}

// BuildInnerKey returns id ++ 0x01 ++ userKey. userKey may be empty.
func BuildInnerKey(id TableID, userKey []byte) []byte {
	buf := make([]byte, InnerKeyPrefixLen+len(userKey))
	binary.BigEndian.PutUint32(buf, uint32(id))
	buf[TableIDLen] = RegularSentinel
	copy(buf[InnerKeyPrefixLen:], userKey)
	return buf
}

// BuildHeadAnchor returns the lowest key of table id. It sorts before every
// regular key of the table.
func BuildHeadAnchor(id TableID) []byte {
	return buildAnchor(id, HeadSentinel)
}

// BuildTailAnchor returns the key right above every regular key of table id
// and below every key of table id+1.
func BuildTailAnchor(id TableID) []byte {
	return buildAnchor(id, TailSentinel)
}

func buildAnchor(id TableID, sentinel byte) []byte {
	buf := make([]byte, InnerKeyPrefixLen)
	binary.BigEndian.PutUint32(buf, uint32(id))
	buf[TableIDLen] = sentinel
	return buf
}

// ExtractTableID returns the table id prefix of an inner key.
func ExtractTableID(innerKey []byte) (TableID, error) {
	return TableIDFromBytes(innerKey)
}

// ExtractUserKey returns the user key portion of a regular inner key. The
// returned slice aliases innerKey.
func ExtractUserKey(innerKey []byte) ([]byte, error) {
	if len(innerKey) < InnerKeyPrefixLen {
		return nil, fmt.Errorf("inner key too short (%d bytes): %w", len(innerKey), ErrInvalidKey)
	}
	if innerKey[TableIDLen] != RegularSentinel {
		return nil, fmt.Errorf("inner key sentinel 0x%02x is not a regular key: %w", innerKey[TableIDLen], ErrInvalidKey)
	}
	return innerKey[InnerKeyPrefixLen:], nil
}

// BuildInfoItemKey addresses an item of the info table.
func BuildInfoItemKey(itemID []byte) []byte {
	return BuildInnerKey(InfoTableID, itemID)
}

// BuildNameToIDKey addresses the name->id registration record of a table.
func BuildNameToIDKey(name string) []byte {
	return BuildInnerKey(NameToIDTableID, []byte(name))
}

// BuildIDToNameKey addresses the id->name registration record of a table.
func BuildIDToNameKey(id TableID) []byte {
	buf := make([]byte, InnerKeyPrefixLen+TableIDLen)
	binary.BigEndian.PutUint32(buf, uint32(IDToNameTableID))
	buf[TableIDLen] = RegularSentinel
	binary.BigEndian.PutUint32(buf[InnerKeyPrefixLen:], uint32(id))
	return buf
}

// BuildTimestampedValue frames value with a 4-byte big-endian unix timestamp.
func BuildTimestampedValue(ts uint32, value []byte) []byte {
	buf := make([]byte, TimestampLen+len(value))
	binary.BigEndian.PutUint32(buf, ts)
	copy(buf[TimestampLen:], value)
	return buf
}

// ExtractTimestamp reads the timestamp of a framed value.
func ExtractTimestamp(stored []byte) (uint32, error) {
	if len(stored) < TimestampLen {
		return 0, fmt.Errorf("timestamped value too short (%d bytes): %w", len(stored), ErrCorrupted)
	}
	return binary.BigEndian.Uint32(stored), nil
}

// ExtractValue strips the timestamp of a framed value. The returned slice
// aliases stored.
func ExtractValue(stored []byte) ([]byte, error) {
	if len(stored) < TimestampLen {
		return nil, fmt.Errorf("timestamped value too short (%d bytes): %w", len(stored), ErrCorrupted)
	}
	return stored[TimestampLen:], nil
}
