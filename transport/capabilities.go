package transport

import (
	"slices"
	"time"
)

// Capabilities is what a probe learned about an endpoint.
type Capabilities struct {
	SupportsEnvelopes  bool       `json:"supports_envelopes"`
	SupportedProtocols []Protocol `json:"supported_protocols"`
	// Performance holds the measured or advertised figures per family.
	Performance           map[Protocol]PerformanceMetrics `json:"performance_metrics,omitempty"`
	AuthenticationMethods []string                        `json:"authentication_methods,omitempty"`
	ServerInfo            *ServerInfo                     `json:"server_info,omitempty"`
}

// PerformanceMetrics describes one family on one endpoint.
type PerformanceMetrics struct {
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	PerformanceScore uint32  `json:"performance_score"`
	MaxThroughputRPS uint32  `json:"max_throughput_rps,omitempty"`
	ConnectionTimeMS float64 `json:"connection_time_ms,omitempty"`
}

// ServerInfo is the self-description a qollective server advertises.
type ServerInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether p was detected on the endpoint.
func (c Capabilities) Supports(p Protocol) bool {
	return slices.Contains(c.SupportedProtocols, p)
}

// Score returns the performance score of p, if one is known.
func (c Capabilities) Score(p Protocol) (uint32, bool) {
	m, ok := c.Performance[p]
	return m.PerformanceScore, ok
}

// Latency returns the average latency of p, if one is known.
func (c Capabilities) Latency(p Protocol) (float64, bool) {
	m, ok := c.Performance[p]
	return m.AvgLatencyMS, ok
}

// SupportsAuth reports whether every method in required is advertised.
func (c Capabilities) SupportsAuth(required []string) bool {
	for _, m := range required {
		if !slices.Contains(c.AuthenticationMethods, m) {
			return false
		}
	}
	return true
}

// Merge folds other into c: protocol sets and auth methods are unioned and
// envelope support is kept if either side has it.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	out := c
	out.SupportsEnvelopes = c.SupportsEnvelopes || other.SupportsEnvelopes
	out.SupportedProtocols = slices.Clone(c.SupportedProtocols)
	for _, p := range other.SupportedProtocols {
		if !slices.Contains(out.SupportedProtocols, p) {
			out.SupportedProtocols = append(out.SupportedProtocols, p)
		}
	}
	out.AuthenticationMethods = slices.Clone(c.AuthenticationMethods)
	for _, m := range other.AuthenticationMethods {
		if !slices.Contains(out.AuthenticationMethods, m) {
			out.AuthenticationMethods = append(out.AuthenticationMethods, m)
		}
	}
	if len(other.Performance) > 0 {
		perf := make(map[Protocol]PerformanceMetrics, len(c.Performance)+len(other.Performance))
		for p, m := range c.Performance {
			perf[p] = m
		}
		for p, m := range other.Performance {
			perf[p] = m
		}
		out.Performance = perf
	}
	if out.ServerInfo == nil {
		out.ServerInfo = other.ServerInfo
	}
	return out
}

// DefaultCapabilities is assumed when detection fails: plain REST without
// envelopes.
func DefaultCapabilities() Capabilities {
	return Capabilities{SupportedProtocols: []Protocol{ProtocolREST}}
}

// ScoreFromLatency turns a probe round-trip time into a 0-100 score.
func ScoreFromLatency(rtt time.Duration) uint32 {
	ms := rtt.Milliseconds()
	switch {
	case ms <= 0:
		return 100
	case ms >= 1000:
		return 0
	}
	return uint32(100 - ms/10)
}

// Features describes the static feature set of a transport.
type Features struct {
	Name                 string `json:"name"`
	SupportsRequestReply bool   `json:"supports_request_reply"`
	SupportsPublish      bool   `json:"supports_publish"`
	SupportsQueueGroups  bool   `json:"supports_queue_groups"`
	SupportsStreaming    bool   `json:"supports_streaming"`
	SupportsRaw          bool   `json:"supports_raw"`
	SupportsTLS          bool   `json:"supports_tls"`
	// MaxMessageSize is in bytes, 0 when unbounded or unknown.
	MaxMessageSize int64 `json:"max_message_size"`
}

// Predefined feature sets.
var (
	NATSFeatures = Features{
		Name:                 string(ProtocolNATS),
		SupportsRequestReply: true,
		SupportsPublish:      true,
		SupportsQueueGroups:  true,
		SupportsRaw:          true,
		SupportsTLS:          true,
		MaxMessageSize:       1048576, // server default
	}

	GRPCFeatures = Features{
		Name:                 string(ProtocolGRPC),
		SupportsRequestReply: true,
		SupportsStreaming:    true,
		SupportsRaw:          true,
		SupportsTLS:          true,
		MaxMessageSize:       4194304,
	}

	RESTFeatures = Features{
		Name:                 string(ProtocolREST),
		SupportsRequestReply: true,
		SupportsRaw:          true,
		SupportsTLS:          true,
	}

	WebSocketFeatures = Features{
		Name:                 string(ProtocolWebSocket),
		SupportsRequestReply: true,
		SupportsStreaming:    true,
		SupportsRaw:          true,
		SupportsTLS:          true,
		MaxMessageSize:       16 << 20,
	}
)
