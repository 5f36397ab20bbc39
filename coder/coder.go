// Package coder layers typed keys and values over db tables. A Coder is a
// pair of pure encode and decode functions; the encoded key order is the
// order records are iterated in.
package coder

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/seriesdb/core"
	"google.golang.org/protobuf/proto"
)

// KeyCoder converts typed keys to and from their stored form.
type KeyCoder[K any] interface {
	EncodeKey(key K) ([]byte, error)
	DecodeKey(data []byte) (K, error)
}

// ValueCoder converts typed values to and from their stored form.
type ValueCoder[V any] interface {
	EncodeValue(value V) ([]byte, error)
	DecodeValue(data []byte) (V, error)
}

// Coder converts both keys and values.
type Coder[K, V any] interface {
	KeyCoder[K]
	ValueCoder[V]
}

type composed[K, V any] struct {
	KeyCoder[K]
	ValueCoder[V]
}

// Compose joins a key coder and a value coder.
func Compose[K, V any](keys KeyCoder[K], values ValueCoder[V]) Coder[K, V] {
	return composed[K, V]{KeyCoder: keys, ValueCoder: values}
}

// BytesCoder stores keys and values unchanged.
type BytesCoder struct{}

var _ Coder[[]byte, []byte] = BytesCoder{}

func (BytesCoder) EncodeKey(key []byte) ([]byte, error)     { return key, nil }
func (BytesCoder) DecodeKey(data []byte) ([]byte, error)    { return clone(data), nil }
func (BytesCoder) EncodeValue(value []byte) ([]byte, error) { return value, nil }
func (BytesCoder) DecodeValue(data []byte) ([]byte, error)  { return clone(data), nil }

// StringCoder stores strings as their raw bytes.
type StringCoder struct{}

var _ Coder[string, string] = StringCoder{}

func (StringCoder) EncodeKey(key string) ([]byte, error)     { return []byte(key), nil }
func (StringCoder) DecodeKey(data []byte) (string, error)    { return string(data), nil }
func (StringCoder) EncodeValue(value string) ([]byte, error) { return []byte(value), nil }
func (StringCoder) DecodeValue(data []byte) (string, error)  { return string(data), nil }

// Uint64Coder stores keys as 8 big-endian bytes, so numeric and byte order
// agree, and values unchanged.
type Uint64Coder struct{}

var _ Coder[uint64, []byte] = Uint64Coder{}

func (Uint64Coder) EncodeKey(key uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, key), nil
}

func (Uint64Coder) DecodeKey(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("uint64 key needs 8 bytes, got %d: %w", len(data), core.ErrInvalidKey)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (Uint64Coder) EncodeValue(value []byte) ([]byte, error) { return value, nil }
func (Uint64Coder) DecodeValue(data []byte) ([]byte, error)  { return clone(data), nil }

// ProtoValueCoder stores protobuf messages in their deterministic wire form.
// New returns an empty message to decode into.
type ProtoValueCoder[M proto.Message] struct {
	New func() M
}

var marshalOptions = proto.MarshalOptions{Deterministic: true}

func (c ProtoValueCoder[M]) EncodeValue(value M) ([]byte, error) {
	data, err := marshalOptions.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", value, err)
	}
	return data, nil
}

func (c ProtoValueCoder[M]) DecodeValue(data []byte) (M, error) {
	msg := c.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero M
		return zero, fmt.Errorf("failed to unmarshal %T: %w: %w", msg, core.ErrCorrupted, err)
	}
	return msg, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
