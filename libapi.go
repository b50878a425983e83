package qollective

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/qollective/qollective/internal/runtime"
	configpkg "github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envctx"
	envelopepkg "github.com/qollective/qollective/internal/runtime/envelope"
	errspkg "github.com/qollective/qollective/internal/runtime/errors"
	handlerpkg "github.com/qollective/qollective/internal/runtime/handlers"
	idspkg "github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	loggingpkg "github.com/qollective/qollective/internal/runtime/logging"
	metadatapkg "github.com/qollective/qollective/internal/runtime/metadata"
	transportpkg "github.com/qollective/qollective/transport"
	"github.com/qollective/qollective/transport/events"
	"github.com/qollective/qollective/transport/hybrid"
)

type (
	Config  = configpkg.Config
	Runtime = runtimepkg.Runtime
	Options = runtimepkg.Options

	Meta            = envelopepkg.Meta
	ErrorInfo       = envelopepkg.ErrorInfo
	RawEnvelope     = envelopepkg.RawEnvelope
	Envelope[T any] = envelopepkg.Envelope[T]

	Context = envctx.Context

	Handler            = handlerpkg.Handler
	HandlerFunc        = handlerpkg.Func
	Typed[T, R any]    = handlerpkg.Typed[T, R]
	RequestInfo        = handlerpkg.Request
	EventHandler       = events.Handler
	UnprocessableError = events.UnprocessableError
	RouteOption        = runtimepkg.RouteOption

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	HandlerMiddleware      = runtimepkg.HandlerMiddleware
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	HookContext  = runtimepkg.HookContext
	HandlerHooks = runtimepkg.HandlerHooks

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Error     = errspkg.Error
	ErrorKind = errspkg.Kind

	HandlerInfo     = runtimepkg.HandlerInfo
	HandlerStats    = runtimepkg.HandlerStats
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	PoisonMetrics    = runtimepkg.PoisonMetrics
	PoisonSnapshot   = runtimepkg.PoisonSnapshot
	PoisonTopicStats = runtimepkg.PoisonTopicStats

	Protocol     = transportpkg.Protocol
	Endpoint     = transportpkg.Endpoint
	Capabilities = transportpkg.Capabilities
	Features     = transportpkg.Features
	Requirements = hybrid.Requirements
	Dispatcher   = hybrid.Dispatcher
)

const (
	ProtocolNATS      = transportpkg.ProtocolNATS
	ProtocolGRPC      = transportpkg.ProtocolGRPC
	ProtocolREST      = transportpkg.ProtocolREST
	ProtocolWebSocket = transportpkg.ProtocolWebSocket
	ProtocolMCP       = transportpkg.ProtocolMCP
)

// Error kinds carried in error envelopes.
const (
	KindValidation        = errspkg.KindValidation
	KindConfig            = errspkg.KindConfig
	KindConnection        = errspkg.KindConnection
	KindTransport         = errspkg.KindTransport
	KindSerialization     = errspkg.KindSerialization
	KindDeserialization   = errspkg.KindDeserialization
	KindInternal          = errspkg.KindInternal
	KindSecurity          = errspkg.KindSecurity
	KindRemote            = errspkg.KindRemote
	KindEnvelope          = errspkg.KindEnvelope
	KindTenantExtraction  = errspkg.KindTenantExtraction
	KindFeatureNotEnabled = errspkg.KindFeatureNotEnabled
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategorySecurity   = runtimepkg.ErrorCategorySecurity
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

var (
	New            = runtimepkg.New
	DefaultConfig  = configpkg.Defaults
	ValidateConfig = configpkg.ValidateConfig

	WithTransports = runtimepkg.WithTransports
	WithQueueGroup = runtimepkg.WithQueueGroup

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	HooksMiddleware = runtimepkg.HooksMiddleware
	LoggingHooks    = runtimepkg.LoggingHooks
	MetricsHooks    = runtimepkg.MetricsHooks
	AlertingHooks   = runtimepkg.AlertingHooks

	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier
	NewPoisonMetrics       = runtimepkg.NewPoisonMetrics

	WithMeta            = envctx.WithMeta
	CurrentContext      = envctx.Current
	PreserveForResponse = envelopepkg.PreserveForResponse

	ParseEndpoint = transportpkg.ParseEndpoint

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	IsKind = errspkg.IsKind
	KindOf = errspkg.KindOf

	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrRouteRequired     = errspkg.ErrRouteRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrRuntimeRequired   = errspkg.ErrRuntimeRequired
	ErrDuplicateHandler  = errspkg.ErrDuplicateHandler
	ErrServerRunning     = errspkg.ErrServerRunning
	ErrServerDrained     = errspkg.ErrServerDrained
	ErrConnectionMissing = errspkg.ErrConnectionMissing
	ErrPrototypeRequired = errspkg.ErrPrototypeRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID   = idspkg.CreateULID
	NewRequestID = idspkg.NewRequestID
)

// NewEntryServiceLogger wraps an entry-style logger such as a logrus.Entry.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

func NewRequest[T any](payload T) Envelope[T] {
	return envelopepkg.NewRequest(payload)
}

func RegisterHandler[T, R any](rt *Runtime, route string, h Typed[T, R], opts ...RouteOption) error {
	return runtimepkg.RegisterHandler(rt, route, h, opts...)
}

func RegisterProtoHandler[T, R proto.Message](rt *Runtime, route string, h Typed[T, R], opts ...RouteOption) error {
	return runtimepkg.RegisterProtoHandler(rt, route, h, opts...)
}

func RegisterEventHandler[T any](rt *Runtime, name, topic string, h func(ctx context.Context, env Envelope[T]) error) error {
	return runtimepkg.RegisterEventHandler(rt, name, topic, h)
}

func RegisterProtoEventHandler[T proto.Message](rt *Runtime, name, topic string, h func(ctx context.Context, meta Meta, event T) error) error {
	return runtimepkg.RegisterProtoEventHandler(rt, name, topic, h)
}

func PublishEvent[T any](ctx context.Context, rt *Runtime, topic string, payload T) error {
	return runtimepkg.PublishEvent(ctx, rt, topic, payload)
}

func PublishProto(ctx context.Context, rt *Runtime, topic string, event proto.Message) error {
	return runtimepkg.PublishProto(ctx, rt, topic, event)
}

// Request sends req to url through the dispatcher, selecting the transport
// from the URL scheme or from the detected capabilities of the endpoint.
func Request[T, R any](ctx context.Context, d *Dispatcher, url string, req Envelope[T], reqs Requirements) (Envelope[R], error) {
	return hybrid.Request[T, R](ctx, d, url, req, reqs)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}
