package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesQueries(t *testing.T) {
	caps := Capabilities{
		SupportsEnvelopes:  true,
		SupportedProtocols: []Protocol{ProtocolGRPC, ProtocolREST},
		Performance: map[Protocol]PerformanceMetrics{
			ProtocolGRPC: {PerformanceScore: 30, AvgLatencyMS: 12},
			ProtocolREST: {PerformanceScore: 85},
		},
		AuthenticationMethods: []string{"jwt", "api_key"},
	}

	assert.True(t, caps.Supports(ProtocolGRPC))
	assert.False(t, caps.Supports(ProtocolNATS))

	score, ok := caps.Score(ProtocolREST)
	assert.True(t, ok)
	assert.Equal(t, uint32(85), score)
	_, ok = caps.Score(ProtocolNATS)
	assert.False(t, ok)

	latency, ok := caps.Latency(ProtocolGRPC)
	assert.True(t, ok)
	assert.Equal(t, 12.0, latency)

	assert.True(t, caps.SupportsAuth([]string{"jwt"}))
	assert.True(t, caps.SupportsAuth(nil))
	assert.False(t, caps.SupportsAuth([]string{"jwt", "saml"}))
}

func TestCapabilitiesMerge(t *testing.T) {
	a := Capabilities{
		SupportedProtocols:    []Protocol{ProtocolREST},
		AuthenticationMethods: []string{"jwt"},
		Performance:           map[Protocol]PerformanceMetrics{ProtocolREST: {PerformanceScore: 50}},
	}
	b := Capabilities{
		SupportsEnvelopes:     true,
		SupportedProtocols:    []Protocol{ProtocolGRPC, ProtocolREST},
		AuthenticationMethods: []string{"jwt", "basic"},
		Performance:           map[Protocol]PerformanceMetrics{ProtocolGRPC: {PerformanceScore: 90}},
		ServerInfo:            &ServerInfo{Name: "svc"},
	}

	merged := a.Merge(b)
	assert.True(t, merged.SupportsEnvelopes)
	assert.Equal(t, []Protocol{ProtocolREST, ProtocolGRPC}, merged.SupportedProtocols)
	assert.Equal(t, []string{"jwt", "basic"}, merged.AuthenticationMethods)
	assert.Len(t, merged.Performance, 2)
	assert.Equal(t, "svc", merged.ServerInfo.Name)
	assert.Equal(t, []Protocol{ProtocolREST}, a.SupportedProtocols)
}

func TestDefaultCapabilitiesArePlainREST(t *testing.T) {
	caps := DefaultCapabilities()
	assert.False(t, caps.SupportsEnvelopes)
	assert.Equal(t, []Protocol{ProtocolREST}, caps.SupportedProtocols)
}

func TestScoreFromLatency(t *testing.T) {
	assert.Equal(t, uint32(100), ScoreFromLatency(0))
	assert.Equal(t, uint32(95), ScoreFromLatency(50*time.Millisecond))
	assert.Equal(t, uint32(0), ScoreFromLatency(2*time.Second))
}
