// Package envelope defines the typed message wrapper and its metadata header.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// Envelope wraps an opaque payload with its metadata. In a reply exactly one
// of Payload and Error is meaningful; failure replies leave Payload zero.
type Envelope[T any] struct {
	Meta    Meta       `json:"meta"`
	Payload T          `json:"payload"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the machine-readable failure carried by an error reply.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// RawEnvelope keeps the payload as undecoded JSON. Type-erased layers such
// as servers and the dispatcher work on raw envelopes.
type RawEnvelope = Envelope[json.RawMessage]

// New builds an envelope around payload.
func New[T any](meta Meta, payload T) Envelope[T] {
	return Envelope[T]{Meta: meta, Payload: payload}
}

// NewRequest builds an envelope with a fresh request ID and timestamp.
func NewRequest[T any](payload T) Envelope[T] {
	now := time.Now().UTC()
	return Envelope[T]{Meta: Meta{RequestID: ids.NewRequestID(), Timestamp: &now}, Payload: payload}
}

// NewError builds a failure reply. details may be nil.
func NewError[T any](meta Meta, code, message string, details any) Envelope[T] {
	info := &ErrorInfo{Code: code, Message: message}
	if details != nil {
		if raw, err := jsoncodec.Marshal(details); err == nil {
			info.Details = raw
		}
	}
	return Envelope[T]{Meta: meta, Error: info}
}

// Extract returns the meta and payload.
func (e Envelope[T]) Extract() (Meta, T) {
	return e.Meta, e.Payload
}

// IsError reports whether the envelope is a failure reply.
func (e Envelope[T]) IsError() bool {
	return e.Error != nil
}

// ToRaw encodes the payload, producing a type-erased envelope.
func ToRaw[T any](e Envelope[T]) (RawEnvelope, error) {
	out := RawEnvelope{Meta: e.Meta, Error: e.Error}
	if e.Error != nil {
		return out, nil
	}
	raw, err := jsoncodec.Marshal(e.Payload)
	if err != nil {
		return RawEnvelope{}, err
	}
	out.Payload = raw
	return out, nil
}

// FromRaw decodes the payload of a type-erased envelope into T. Error replies
// and null payloads leave Payload at its zero value.
func FromRaw[T any](raw RawEnvelope) (Envelope[T], error) {
	out := Envelope[T]{Meta: raw.Meta, Error: raw.Error}
	if raw.Error != nil || len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(raw.Payload, &out.Payload); err != nil {
		return Envelope[T]{}, err
	}
	return out, nil
}
