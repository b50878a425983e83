// Package protoenv is the binary RPC form of an envelope: a protobuf message
// with a meta sub-message and a oneof of opaque data or an error.
//
//	message Envelope {
//	  Meta meta = 1;
//	  oneof response {
//	    google.protobuf.Any data = 2;   // value holds the payload as JSON
//	    Error error = 3;
//	  }
//	}
//	message Error { string code = 1; string message = 2; bytes details = 3; }
//
// Meta enumerates every section as optional fields (see meta.go for field
// numbers). Enum fields use integer codes with 0 reserved for unspecified.
// The message is encoded with protowire so no generated code is required.
package protoenv

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// TypeURLPrefix prefixes the informational type URL of payloads.
const TypeURLPrefix = "type.qollective.dev/"

const (
	fieldMeta  = 1
	fieldData  = 2
	fieldError = 3
)

// Envelope is the decoded binary RPC message. At most one of Data and Error
// is set.
type Envelope struct {
	Meta  envelope.Meta
	Data  *anypb.Any
	Error *envelope.ErrorInfo
}

// Marshal encodes env.
func Marshal(env *Envelope) ([]byte, error) {
	e := &encoder{}
	var metaErr error
	e.message(fieldMeta, true, func(s *encoder) { metaErr = encodeMeta(s, env.Meta) })
	if metaErr != nil {
		return nil, qerrors.Serialization(metaErr, nil)
	}
	switch {
	case env.Error != nil:
		e.message(fieldError, true, func(s *encoder) {
			s.string(1, env.Error.Code)
			s.string(2, env.Error.Message)
			s.bytes(3, env.Error.Details)
		})
	case env.Data != nil:
		raw, err := proto.Marshal(env.Data)
		if err != nil {
			return nil, qerrors.Serialization(err, nil)
		}
		e.b = protowire.AppendTag(e.b, fieldData, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, raw)
	}
	return e.b, nil
}

// Unmarshal decodes b into env. Unknown fields are skipped; for the oneof the
// last member on the wire wins.
func Unmarshal(b []byte, env *Envelope) error {
	*env = Envelope{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldMeta:
			if err := f.want(bytesType); err != nil {
				return err
			}
			meta, err := decodeMeta(f.bytes)
			if err != nil {
				return err
			}
			env.Meta = meta
		case fieldData:
			if err := f.want(bytesType); err != nil {
				return err
			}
			data := &anypb.Any{}
			if err := proto.Unmarshal(f.bytes, data); err != nil {
				return err
			}
			env.Data, env.Error = data, nil
		case fieldError:
			info, err := decodeError(f)
			if err != nil {
				return err
			}
			env.Data, env.Error = nil, info
		}
		return nil
	})
	if err != nil {
		return qerrors.Deserialization(err, b)
	}
	return nil
}

func decodeError(f field) (*envelope.ErrorInfo, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	info := &envelope.ErrorInfo{}
	return info, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			info.Code, err = s.str()
		case 2:
			info.Message, err = s.str()
		case 3:
			var raw []byte
			raw, err = s.raw()
			info.Details = raw
		}
		return err
	})
}

// TypeURL builds the type URL for a qualified type name.
func TypeURL(name string) string {
	return TypeURLPrefix + name
}

// TypeURLFor names the payload type T.
func TypeURLFor[T any]() string {
	return TypeURL(typeName(reflect.TypeFor[T]()))
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "any"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// FromRaw converts a type-erased envelope. typeURL may be empty.
func FromRaw(raw envelope.RawEnvelope, typeURL string) *Envelope {
	out := &Envelope{Meta: raw.Meta, Error: raw.Error}
	if raw.Error == nil {
		out.Data = &anypb.Any{TypeUrl: typeURL, Value: jsoncodec.RawOrNull(raw.Payload)}
	}
	return out
}

// ToRaw converts back to a type-erased envelope.
func (e *Envelope) ToRaw() envelope.RawEnvelope {
	out := envelope.RawEnvelope{Meta: e.Meta, Error: e.Error}
	if e.Data != nil && e.Error == nil {
		out.Payload = json.RawMessage(e.Data.GetValue())
	}
	return out
}

// TypeURL returns the informational type URL of the data member.
func (e *Envelope) TypeURL() string {
	return e.Data.GetTypeUrl()
}

// FromEnvelope converts a typed envelope.
func FromEnvelope[T any](env envelope.Envelope[T]) (*Envelope, error) {
	raw, err := envelope.ToRaw(env)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	return FromRaw(raw, TypeURLFor[T]()), nil
}

// ToEnvelope decodes the data member into T.
func ToEnvelope[T any](pe *Envelope) (envelope.Envelope[T], error) {
	env, err := envelope.FromRaw[T](pe.ToRaw())
	if err != nil {
		return envelope.Envelope[T]{}, qerrors.Deserialization(fmt.Errorf("payload %s: %w", pe.TypeURL(), err), pe.Data.GetValue())
	}
	return env, nil
}
