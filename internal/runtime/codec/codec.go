// Package codec converts envelopes to and from their JSON wire forms: the
// whole-envelope body used by the broker, HTTP body methods and WebSocket,
// and the payload-in-query form used by HTTP GET, DELETE and OPTIONS.
package codec

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// QueryParam carries the JSON payload of query-style HTTP requests.
const QueryParam = "envelope_data"

// ContentType is the media type of every JSON envelope body.
const ContentType = "application/json"

// Encode serialises the whole envelope.
func Encode[T any](env envelope.Envelope[T]) ([]byte, error) {
	if err := env.Meta.ValidateExtensions(); err != nil {
		return nil, qerrors.Wrap(qerrors.KindEnvelope, err, "encode envelope")
	}
	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	return data, nil
}

// Decode parses a whole-envelope body. The offending body is attached to the
// error on failure.
func Decode[T any](data []byte) (envelope.Envelope[T], error) {
	var env envelope.Envelope[T]
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return envelope.Envelope[T]{}, qerrors.Deserialization(err, data)
	}
	if err := env.Meta.ValidateExtensions(); err != nil {
		return envelope.Envelope[T]{}, qerrors.Wrap(qerrors.KindEnvelope, err, "decode envelope")
	}
	return env, nil
}

// DecodeRaw parses a whole-envelope body keeping the payload undecoded.
func DecodeRaw(data []byte) (envelope.RawEnvelope, error) {
	env, err := Decode[json.RawMessage](data)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	if len(env.Payload) == 0 {
		env.Payload = nil
	}
	return env, nil
}

// IsBodyMethod reports whether method carries the envelope in the body.
func IsBodyMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// EncodeQuery serialises payload into the envelope_data query parameter.
func EncodeQuery(payload any) (url.Values, error) {
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	values := url.Values{}
	values.Set(QueryParam, string(data))
	return values, nil
}

// DecodeQuery reads the payload from the envelope_data query parameter. A
// missing parameter yields the zero payload.
func DecodeQuery[T any](values url.Values) (T, error) {
	var payload T
	raw := values.Get(QueryParam)
	if raw == "" {
		return payload, nil
	}
	if err := jsoncodec.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, qerrors.Deserialization(err, []byte(raw))
	}
	return payload, nil
}
