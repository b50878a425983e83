package transport

import "strings"

// Protocol is a transport family.
type Protocol string

const (
	ProtocolNATS      Protocol = "nats"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolREST      Protocol = "rest"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolMCP       Protocol = "mcp"
)

// EnvelopeRanking orders the families for envelope traffic, lowest latency
// first.
var EnvelopeRanking = []Protocol{ProtocolNATS, ProtocolGRPC, ProtocolREST, ProtocolWebSocket}

// NativeRanking is the default order when envelopes are not required.
var NativeRanking = []Protocol{ProtocolGRPC, ProtocolREST, ProtocolWebSocket, ProtocolNATS}

// ParseProtocol accepts the family names and their common aliases.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nats":
		return ProtocolNATS, true
	case "grpc":
		return ProtocolGRPC, true
	case "rest", "http", "https":
		return ProtocolREST, true
	case "websocket", "ws", "wss":
		return ProtocolWebSocket, true
	case "mcp":
		return ProtocolMCP, true
	}
	return "", false
}

// Kind names a protocol family together with whether it carries envelopes,
// as in "qollective-grpc" or "nats".
type Kind struct {
	Protocol  Protocol
	Enveloped bool
}

func (k Kind) String() string {
	if k.Enveloped {
		return "qollective-" + string(k.Protocol)
	}
	return string(k.Protocol)
}
