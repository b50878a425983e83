package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		kind    Kind
		detect  bool
		secure  bool
		subject string
		service string
		method  string
	}{
		{raw: "qollective-nats://broker:4222/agents/echo", kind: Kind{ProtocolNATS, true}, subject: "agents.echo"},
		{raw: "nats://broker/orders.create", kind: Kind{ProtocolNATS, false}, subject: "orders.create"},
		{raw: "grpc://svc:50051/SvcX/Echo", kind: Kind{ProtocolGRPC, false}, service: "SvcX", method: "Echo"},
		{raw: "qollective-grpcs://svc:443/pkg.Svc/Call", kind: Kind{ProtocolGRPC, true}, secure: true, service: "pkg.Svc", method: "Call"},
		{raw: "https://api.example.com/api/items", kind: Kind{ProtocolREST, false}, secure: true, detect: true},
		{raw: "qollective-http://api/items", kind: Kind{ProtocolREST, true}},
		{raw: "wss://api.example.com/socket", kind: Kind{ProtocolWebSocket, false}, secure: true},
		{raw: "mcp://tools.local/", kind: Kind{ProtocolMCP, false}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ep.Kind)
			assert.Equal(t, tt.detect, ep.Detect)
			assert.Equal(t, tt.secure, ep.Secure)
			assert.Equal(t, tt.subject, ep.Subject)
			assert.Equal(t, tt.service, ep.Service)
			assert.Equal(t, tt.method, ep.Method)
		})
	}
}

func TestParseEndpointRejects(t *testing.T) {
	for _, raw := range []string{
		"ftp://host/file",
		"grpc://svc:50051/OnlyService",
		"grpc://svc:50051/",
		"grpc://svc:50051/Svc/Method/extra",
		"qollective-nats://broker/a//b",
		"nats:///subject",
		"://bad",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseEndpoint(raw)
			require.Error(t, err)
			assert.True(t, qerrors.IsKind(err, qerrors.KindValidation), "got %v", err)
		})
	}
}

func TestEndpointHelpers(t *testing.T) {
	ep := MustParseEndpoint("qollective-grpcs://Svc.Example:443/pkg.Svc/Call")
	assert.Equal(t, "/pkg.Svc/Call", ep.FullMethod())
	assert.Equal(t, "Svc.Example", ep.Hostname())
	assert.Equal(t, "qollective-grpcs://svc.example:443", ep.CacheKey())

	rest := MustParseEndpoint("qollective-https://api.example.com/v1/items?x=1")
	assert.Equal(t, "https://api.example.com/v1/items?x=1", rest.HTTPURL())

	ws := MustParseEndpoint("qollective-ws://localhost:8080/ws")
	assert.Equal(t, "ws://localhost:8080/ws", ws.HTTPURL())

	assert.Panics(t, func() { MustParseEndpoint("bogus://") })
}

func TestValidateSubject(t *testing.T) {
	valid := []string{"a", "orders.create", "a.b.c", "agents.*", "events.>"}
	for _, s := range valid {
		assert.NoError(t, ValidateSubject(s), s)
	}
	invalid := []string{"", ".", "a..b", ".a", "a.", "a.b."}
	for _, s := range invalid {
		err := ValidateSubject(s)
		assert.True(t, qerrors.IsKind(err, qerrors.KindValidation), s)
	}
}

func TestValidateQueueGroup(t *testing.T) {
	assert.NoError(t, ValidateQueueGroup("workers"))
	assert.NoError(t, ValidateQueueGroup("workers.eu"))
	assert.Error(t, ValidateQueueGroup(""))
	assert.Error(t, ValidateQueueGroup("a..b"))
	assert.Error(t, ValidateQueueGroup("workers."))
}

func TestParseProtocolAndKind(t *testing.T) {
	p, ok := ParseProtocol("HTTP")
	assert.True(t, ok)
	assert.Equal(t, ProtocolREST, p)

	_, ok = ParseProtocol("smtp")
	assert.False(t, ok)

	assert.Equal(t, "qollective-grpc", Kind{ProtocolGRPC, true}.String())
	assert.Equal(t, "nats", Kind{ProtocolNATS, false}.String())
}

func TestEndpointAs(t *testing.T) {
	ep := MustParseEndpoint("https://api.example.com:8443/Greeter/Hello")

	grpcEP, err := ep.As(Kind{ProtocolGRPC, true})
	require.NoError(t, err)
	assert.Equal(t, "qollective-grpcs", grpcEP.Scheme)
	assert.Equal(t, "Greeter", grpcEP.Service)
	assert.Equal(t, "Hello", grpcEP.Method)
	assert.Equal(t, "api.example.com:8443", grpcEP.Host)

	natsEP, err := ep.As(Kind{ProtocolNATS, true})
	require.NoError(t, err)
	assert.Equal(t, "qollective-nats", natsEP.Scheme)
	assert.Equal(t, "Greeter.Hello", natsEP.Subject)

	same, err := ep.As(ep.Kind)
	require.NoError(t, err)
	assert.Equal(t, ep, same)

	_, err = MustParseEndpoint("http://host/only-one").As(Kind{ProtocolGRPC, false})
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
}
