package core

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WriteOp is one primitive operation of an atomic batch. For delete-range ops
// Key is the inclusive begin key and EndKey the exclusive end key.
type WriteOp struct {
	Type   EntryType
	Key    []byte
	Value  []byte
	EndKey []byte
}

// WriteOpBatch groups the ops committed together under one sequence number.
// SN is the sequence number of the first op of the batch.
type WriteOpBatch struct {
	SN  uint64
	Ops []WriteOp
}

// LastSN returns the sequence number consumed by the last op of the batch.
func (b *WriteOpBatch) LastSN() uint64 {
	if len(b.Ops) == 0 {
		return b.SN
	}
	return b.SN + uint64(len(b.Ops)) - 1
}

func (op WriteOp) String() string {
	switch op.Type {
	case EntryTypePut:
		return fmt.Sprintf("Put{%q=%q}", op.Key, op.Value)
	case EntryTypeMerge:
		return fmt.Sprintf("Merge{%q=%q}", op.Key, op.Value)
	case EntryTypeDelete:
		return fmt.Sprintf("Delete{%q}", op.Key)
	case EntryTypeDeleteRange:
		return fmt.Sprintf("DeleteRange{%q..%q}", op.Key, op.EndKey)
	}
	return fmt.Sprintf("Unknown(%d)", op.Type)
}

// Protobuf field numbers of the WriteOpBatch message family.
const (
	fieldBatchSN  protowire.Number = 1
	fieldBatchOps protowire.Number = 2

	fieldOpPut         protowire.Number = 1
	fieldOpDelete      protowire.Number = 2
	fieldOpDeleteRange protowire.Number = 3
	fieldOpMerge       protowire.Number = 4

	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
)

// Marshal encodes the batch in the protobuf wire format:
//
//	WriteOpBatch { uint64 sn = 1; repeated OptionalWriteOp write_ops = 2; }
//	OptionalWriteOp { oneof { PutOp = 1; DeleteOp = 2; DeleteRangeOp = 3; MergeOp = 4; } }
func (b *WriteOpBatch) Marshal() ([]byte, error) {
	var out []byte
	if b.SN != 0 {
		out = protowire.AppendTag(out, fieldBatchSN, protowire.VarintType)
		out = protowire.AppendVarint(out, b.SN)
	}
	for i := range b.Ops {
		optional, err := marshalOptionalOp(&b.Ops[i])
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldBatchOps, protowire.BytesType)
		out = protowire.AppendBytes(out, optional)
	}
	return out, nil
}

func marshalOptionalOp(op *WriteOp) ([]byte, error) {
	var inner []byte
	var field protowire.Number
	switch op.Type {
	case EntryTypePut:
		field = fieldOpPut
		inner = appendBytesField(inner, fieldKey, op.Key)
		inner = appendBytesField(inner, fieldValue, op.Value)
	case EntryTypeDelete:
		field = fieldOpDelete
		inner = appendBytesField(inner, fieldKey, op.Key)
	case EntryTypeDeleteRange:
		field = fieldOpDeleteRange
		inner = appendBytesField(inner, fieldKey, op.Key)
		inner = appendBytesField(inner, fieldValue, op.EndKey)
	case EntryTypeMerge:
		field = fieldOpMerge
		inner = appendBytesField(inner, fieldKey, op.Key)
		inner = appendBytesField(inner, fieldValue, op.Value)
	default:
		return nil, fmt.Errorf("cannot marshal write op of type %d", op.Type)
	}
	out := protowire.AppendTag(nil, field, protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Unmarshal decodes a batch produced by Marshal. Unknown fields are skipped and
// OptionalWriteOp entries without a set op are dropped.
func (b *WriteOpBatch) Unmarshal(data []byte) error {
	*b = WriteOpBatch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("write op batch: %w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldBatchSN && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("write op batch sn: %w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			b.SN = v
			data = data[m:]
		case num == fieldBatchOps && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("write op batch ops: %w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			op, ok, err := unmarshalOptionalOp(v)
			if err != nil {
				return err
			}
			if ok {
				b.Ops = append(b.Ops, op)
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("write op batch: %w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}

func unmarshalOptionalOp(data []byte) (WriteOp, bool, error) {
	var op WriteOp
	found := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return op, false, fmt.Errorf("optional write op: %w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType || num < fieldOpPut || num > fieldOpMerge {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return op, false, fmt.Errorf("optional write op: %w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		inner, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return op, false, fmt.Errorf("optional write op: %w: %v", ErrCorrupted, protowire.ParseError(m))
		}
		data = data[m:]
		key, value, err := unmarshalKeyValue(inner)
		if err != nil {
			return op, false, err
		}
		// Last oneof member wins, as in protobuf.
		switch num {
		case fieldOpPut:
			op = WriteOp{Type: EntryTypePut, Key: key, Value: value}
		case fieldOpDelete:
			op = WriteOp{Type: EntryTypeDelete, Key: key}
		case fieldOpDeleteRange:
			op = WriteOp{Type: EntryTypeDeleteRange, Key: key, EndKey: value}
		case fieldOpMerge:
			op = WriteOp{Type: EntryTypeMerge, Key: key, Value: value}
		}
		found = true
	}
	return op, found, nil
}

func unmarshalKeyValue(data []byte) (key, value []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("write op: %w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.BytesType && (num == fieldKey || num == fieldValue) {
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, nil, fmt.Errorf("write op: %w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			cp := append([]byte{}, v...)
			if num == fieldKey {
				key = cp
			} else {
				value = cp
			}
			data = data[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return nil, nil, fmt.Errorf("write op: %w: %v", ErrCorrupted, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return key, value, nil
}
