package runtime

import (
	"reflect"

	"google.golang.org/protobuf/proto"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// NewProtoMessage instantiates a zero-value protobuf message for T, which
// must be a pointer to a generated message struct.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return zero, qerrors.ErrPrototypeRequired
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, qerrors.ErrPrototypeRequired
	}
	return msg, nil
}

// MustProtoMessage instantiates the protobuf message and panics if the type cannot be created.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
