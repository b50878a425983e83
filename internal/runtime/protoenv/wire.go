package protoenv

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// encoder appends proto3 fields. Plain scalars are skipped at their zero
// value; the opt* variants mirror proto3 optional and always write a present
// value.
type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) strings(num protowire.Number, values []string) {
	for _, s := range values {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, s)
	}
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.optDouble(num, &v)
}

func (e *encoder) optDouble(num protowire.Number, v *float64) {
	if v == nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(*v))
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.optUint(num, &v)
}

func (e *encoder) optUint(num protowire.Number, v *uint64) {
	if v == nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, *v)
}

func (e *encoder) optUint32(num protowire.Number, v *uint32) {
	if v == nil {
		return
	}
	u := uint64(*v)
	e.optUint(num, &u)
}

func (e *encoder) enum(num protowire.Number, v int32) {
	if v <= 0 {
		return
	}
	e.uint(num, uint64(v))
}

func (e *encoder) optBool(num protowire.Number, v *bool) {
	if v == nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(*v))
}

// message writes a nested message when present is true, even if it encodes
// to zero bytes, so an empty section survives the round trip.
func (e *encoder) message(num protowire.Number, present bool, fill func(*encoder)) {
	if !present {
		return
	}
	sub := &encoder{}
	fill(sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

func (e *encoder) stringMap(num protowire.Number, m map[string]string) {
	for k, v := range m {
		e.message(num, true, func(entry *encoder) {
			entry.string(1, k)
			entry.string(2, v)
		})
	}
}

func (e *encoder) timestamp(num protowire.Number, t *time.Time) error {
	if t == nil {
		return nil
	}
	raw, err := proto.Marshal(timestamppb.New(*t))
	if err != nil {
		return err
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, raw)
	return nil
}

// field is one decoded tag/value pair.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

// walk calls visit for every field in b. Unknown fields reach visit too and
// are expected to be ignored there.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("protoenv: field %d has wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) str() (string, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.bytes), nil
}

func (f field) raw() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.bytes...), nil
}

func (f field) double() (float64, error) {
	if err := f.want(protowire.Fixed64Type); err != nil {
		return 0, err
	}
	return math.Float64frombits(f.u64), nil
}

func (f field) uint() (uint64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return f.u64, nil
}

func (f field) uint32() (uint32, error) {
	v, err := f.uint()
	return uint32(v), err
}

func (f field) enum() (int32, error) {
	v, err := f.uint()
	return int32(v), err
}

func (f field) bool() (bool, error) {
	v, err := f.uint()
	return protowire.DecodeBool(v), err
}

func (f field) timestamp() (*time.Time, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(f.bytes, &ts); err != nil {
		return nil, err
	}
	t := ts.AsTime()
	return &t, nil
}

func (f field) stringEntry() (string, string, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return "", "", err
	}
	var k, v string
	err := walk(f.bytes, func(e field) error {
		var err error
		switch e.num {
		case 1:
			k, err = e.str()
		case 2:
			v, err = e.str()
		}
		return err
	})
	return k, v, err
}

func ptr[T any](v T) *T { return &v }

const bytesType = protowire.BytesType

// appendPresentString writes s even when it is empty, for oneof members whose
// presence carries meaning.
func appendPresentString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
