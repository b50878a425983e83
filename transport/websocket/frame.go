// Package websocket multiplexes envelope request/reply exchanges over a
// single WebSocket per server. Every message is a JSON frame; replies are
// matched to their pending request by the frame id, which is the request
// envelope's request_id.
package websocket

import (
	"encoding/json"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	"github.com/qollective/qollective/transport"
)

// TransportName labels logs and metrics of this transport.
const TransportName = string(transport.ProtocolWebSocket)

// Subprotocol is offered by clients and selected by servers that speak
// envelope frames.
const Subprotocol = "qollective.envelope.v1"

// DefaultPath is where servers accept sockets.
const DefaultPath = "/ws"

const (
	frameRequest     = "request"
	frameResponse    = "response"
	frameRawRequest  = "raw_request"
	frameRawResponse = "raw_response"
)

// frame is one WebSocket message. Envelope frames carry the envelope JSON
// in Data; raw frames carry opaque bytes in Body and a failure in Error.
type frame struct {
	Type  string              `json:"type"`
	ID    string              `json:"id"`
	Route string              `json:"route,omitempty"`
	Data  json.RawMessage     `json:"data,omitempty"`
	Body  []byte              `json:"body,omitempty"`
	Error *envelope.ErrorInfo `json:"error,omitempty"`
}

func (f frame) raw() bool {
	return f.Type == frameRawRequest || f.Type == frameRawResponse
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := jsoncodec.Marshal(f)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return frame{}, qerrors.Deserialization(err, data)
	}
	if f.Type == "" || f.ID == "" {
		return frame{}, qerrors.Validation("frame needs a type and an id")
	}
	return f, nil
}
