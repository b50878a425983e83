package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrHandlerRequired   = sterrors.New("qollective: handler function is required")
	ErrRouteRequired     = sterrors.New("qollective: route is required")
	ErrConfigRequired    = sterrors.New("qollective: configuration is required")
	ErrLoggerRequired    = sterrors.New("qollective: logger is required")
	ErrSenderRequired    = sterrors.New("qollective: transport sender is required")
	ErrServerRunning     = sterrors.New("qollective: server is already running")
	ErrServerDrained     = sterrors.New("qollective: server has been shut down")
	ErrDuplicateHandler  = sterrors.New("qollective: handler already registered for route")
	ErrConnectionMissing = sterrors.New("qollective: broker connection is required")
	ErrRuntimeRequired   = sterrors.New("qollective: runtime is required")
	ErrPrototypeRequired = sterrors.New("qollective: message type must be a non-nil pointer type")
	ErrTopicRequired     = sterrors.New("qollective: topic is required")
)

// MaxErrorBodyBytes bounds the body excerpt attached to codec and transport errors.
const MaxErrorBodyBytes = 4096

// Kind is the closed error taxonomy surfaced to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConfig
	KindConnection
	KindTransport
	KindSerialization
	KindDeserialization
	KindInternal
	KindSecurity
	KindExternal
	KindRemote
	KindGrpc
	KindEnvelope
	KindTenantExtraction
	KindFeatureNotEnabled
	KindNatsConnection
	KindNatsMessage
	KindNatsTimeout
	KindNatsDiscovery
	KindNatsSubject
	KindNatsAuth
	KindMcpProtocol
	KindMcpToolExecution
	KindMcpServerRegistration
	KindMcpClientConnection
	KindMcpServerNotFound
	KindMcpError
	KindAgentNotFound
	KindProtocolAdapter
)

var kindNames = [...]string{
	KindUnknown:               "unknown",
	KindValidation:            "validation",
	KindConfig:                "config",
	KindConnection:            "connection",
	KindTransport:             "transport",
	KindSerialization:         "serialization",
	KindDeserialization:       "deserialization",
	KindInternal:              "internal",
	KindSecurity:              "security",
	KindExternal:              "external",
	KindRemote:                "remote",
	KindGrpc:                  "grpc",
	KindEnvelope:              "envelope",
	KindTenantExtraction:      "tenant_extraction",
	KindFeatureNotEnabled:     "feature_not_enabled",
	KindNatsConnection:        "nats_connection",
	KindNatsMessage:           "nats_message",
	KindNatsTimeout:           "nats_timeout",
	KindNatsDiscovery:         "nats_discovery",
	KindNatsSubject:           "nats_subject",
	KindNatsAuth:              "nats_auth",
	KindMcpProtocol:           "mcp_protocol",
	KindMcpToolExecution:      "mcp_tool_execution",
	KindMcpServerRegistration: "mcp_server_registration",
	KindMcpClientConnection:   "mcp_client_connection",
	KindMcpServerNotFound:     "mcp_server_not_found",
	KindMcpError:              "mcp_error",
	KindAgentNotFound:         "agent_not_found",
	KindProtocolAdapter:       "protocol_adapter",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind maps a wire code back onto a Kind. Unknown codes yield KindRemote
// because they necessarily originated on the other side of a call.
func ParseKind(code string) Kind {
	for i, name := range kindNames {
		if name == code && i != int(KindUnknown) {
			return Kind(i)
		}
	}
	return KindRemote
}

// IsNotFound reports whether the kind belongs to the not-found family.
func (k Kind) IsNotFound() bool {
	return k == KindMcpServerNotFound || k == KindAgentNotFound
}

// IsTimeout reports whether the kind is a timeout variant.
func (k Kind) IsTimeout() bool {
	return k == KindNatsTimeout
}

// Error is the error value produced by every transport, codec and server.
type Error struct {
	Kind    Kind
	Message string
	// Status carries the wire status of a failed transport exchange, when known.
	Status int
	// Body carries a bounded excerpt of the offending wire body.
	Body string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String() + " error: " + e.Message
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil && e.Message == "" {
		msg += e.Err.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, &errors.Error{Kind: errors.KindValidation}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func Config(format string, args ...any) *Error     { return New(KindConfig, format, args...) }
func Connection(err error, format string, args ...any) *Error {
	return Wrap(KindConnection, err, format, args...)
}
func Transport(format string, args ...any) *Error { return New(KindTransport, format, args...) }
func Internal(format string, args ...any) *Error  { return New(KindInternal, format, args...) }
func Security(format string, args ...any) *Error  { return New(KindSecurity, format, args...) }
func Envelope(format string, args ...any) *Error  { return New(KindEnvelope, format, args...) }
func TenantExtraction(format string, args ...any) *Error {
	return New(KindTenantExtraction, format, args...)
}
func FeatureNotEnabled(format string, args ...any) *Error {
	return New(KindFeatureNotEnabled, format, args...)
}

// TransportStatus reports a non-success wire status together with the response body.
func TransportStatus(status int, body []byte) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: "unexpected response status",
		Status:  status,
		Body:    truncate(body),
	}
}

// Serialization reports an encode failure and keeps the offending body for diagnosis.
func Serialization(err error, body []byte) *Error {
	return &Error{Kind: KindSerialization, Message: "failed to encode", Body: truncate(body), Err: err}
}

// Deserialization reports a decode failure and keeps the offending body for diagnosis.
func Deserialization(err error, body []byte) *Error {
	return &Error{Kind: KindDeserialization, Message: "failed to decode", Body: truncate(body), Err: err}
}

// Remote rebuilds an error reported by a peer through an error envelope.
func Remote(code, message string) *Error {
	kind := ParseKind(code)
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// deadline and cancellation errors that were never classified map onto
// KindTransport.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if sterrors.As(err, &e) {
		return e.Kind
	}
	if sterrors.Is(err, context.DeadlineExceeded) || sterrors.Is(err, context.Canceled) {
		return KindTransport
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return sterrors.As(err, &e) && e.Kind == kind
}

// IsTimeout reports whether err is a timeout of any transport family.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	return sterrors.As(err, &e) && e.Kind.IsTimeout()
}

// Timeout wraps a deadline failure for transports without a dedicated timeout kind.
func Timeout(kind Kind, format string, args ...any) *Error {
	if kind == KindNatsTimeout {
		return New(kind, format, args...)
	}
	return Wrap(kind, context.DeadlineExceeded, format, args...)
}

func truncate(body []byte) string {
	if len(body) > MaxErrorBodyBytes {
		return string(body[:MaxErrorBodyBytes]) + "...(truncated)"
	}
	return string(body)
}
