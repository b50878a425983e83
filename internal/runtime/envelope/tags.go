package envelope

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// TagKind discriminates the scalar held by a TagValue.
type TagKind uint8

const (
	TagString TagKind = iota + 1
	TagNumber
	TagBool
)

// TagValue is a tracing tag: exactly one of a string, a number or a bool.
// In JSON it appears as the bare scalar.
type TagValue struct {
	Kind TagKind
	Str  string
	Num  float64
	Bool bool
}

func StringTag(s string) TagValue  { return TagValue{Kind: TagString, Str: s} }
func NumberTag(n float64) TagValue { return TagValue{Kind: TagNumber, Num: n} }
func BoolTag(b bool) TagValue      { return TagValue{Kind: TagBool, Bool: b} }

// Value returns the held scalar as string, float64 or bool.
func (t TagValue) Value() any {
	switch t.Kind {
	case TagNumber:
		return t.Num
	case TagBool:
		return t.Bool
	default:
		return t.Str
	}
}

func (t TagValue) String() string {
	switch t.Kind {
	case TagNumber:
		return strconv.FormatFloat(t.Num, 'g', -1, 64)
	case TagBool:
		return strconv.FormatBool(t.Bool)
	default:
		return t.Str
	}
}

func (t TagValue) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(t.Value())
}

func (t *TagValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("envelope: empty tag value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = StringTag(s)
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return fmt.Errorf("envelope: invalid tag value %s", data)
		}
		*t = BoolTag(b)
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("envelope: tag value must be a string, number or bool, got %s", data)
		}
		*t = NumberTag(n)
	}
	return nil
}
