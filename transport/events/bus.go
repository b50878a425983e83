// Package events is the envelope event bus. Envelopes are published and
// consumed over watermill backends: an in-process channel, core NATS on the
// shared broker connection, HTTP webhooks, Kafka, AMQP or AWS SNS/SQS. Meta
// travels both in the envelope body and in the message metadata.
package events

import (
	"context"
	stderrors "errors"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/transport"
)

// TransportName is the transport label events carry in handler requests.
const TransportName = "events"

// DefaultCloseTimeout bounds how long Close waits for running handlers.
const DefaultCloseTimeout = 30 * time.Second

// Config configures a Bus.
type Config struct {
	// Backend is one of the config.EventsBackend* names. Empty selects the
	// channel backend.
	Backend string
	// Conn is the shared broker connection of the NATS backend.
	Conn *nats.Conn
	// QueueGroup makes NATS consumers of one group share a topic's events.
	QueueGroup string
	// HTTPAddress is where the HTTP backend listens for events.
	HTTPAddress string
	// HTTPPublishURL is the base URL the HTTP backend posts events to.
	HTTPPublishURL string
	HTTPTimeout    time.Duration
	Kafka          KafkaConfig
	AMQPURL        string
	AWS            AWSConfig
	ChannelBuffer  int64
	CloseTimeout   time.Duration
	AckWaitTimeout time.Duration
	Pipeline       *middleware.Pipeline
}

// ConfigFrom maps the runtime configuration onto a bus configuration.
func ConfigFrom(cfg config.Config, conn *nats.Conn) Config {
	return Config{
		Backend:        cfg.EventsBackend,
		Conn:           conn,
		QueueGroup:     cfg.EventsQueueGroup,
		HTTPAddress:    cfg.EventsHTTPAddress,
		HTTPPublishURL: cfg.EventsHTTPPublishURL,
		HTTPTimeout:    cfg.HTTPTimeout,
		Kafka: KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		},
		AMQPURL: cfg.AMQPURL,
		AWS: AWSConfig{
			Region:          cfg.AWSRegion,
			AccountID:       cfg.AWSAccountID,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Endpoint:        cfg.AWSEndpoint,
		},
	}
}

// Handler consumes one event. Returning an error nacks the message.
type Handler func(ctx context.Context, env envelope.RawEnvelope) error

// UnprocessableError marks an event that can never be handled, such as a
// body that is not an envelope. Retrying it is pointless.
type UnprocessableError struct {
	Topic string
	Err   error
}

func (e *UnprocessableError) Error() string {
	return "unprocessable event on " + e.Topic + ": " + e.Err.Error()
}

func (e *UnprocessableError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err marks an unprocessable event.
func IsUnprocessable(err error) bool {
	var target *UnprocessableError
	return stderrors.As(err, &target)
}

// Bus publishes and consumes envelope events.
type Bus struct {
	cfg      Config
	backend  Backend
	router   *message.Router
	pipeline *middleware.Pipeline
	logger   logging.ServiceLogger

	mu       sync.Mutex
	topics   map[string]string
	running  bool
	closed   bool
	runCtx   context.Context
	server   *nethttp.Server
	listener net.Listener
}

// New builds a bus on the configured backend. A nil logger discards output.
func New(cfg Config, logger logging.ServiceLogger) (*Bus, error) {
	logger = logging.OrNop(logger).With(logging.LogFields{logging.FieldTransport: TransportName})
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.AckWaitTimeout <= 0 {
		cfg.AckWaitTimeout = DefaultCloseTimeout
	}
	if cfg.Backend == config.EventsBackendHTTP && cfg.HTTPAddress == "" {
		return nil, qerrors.Config("events http backend needs a listen address")
	}
	wmLogger := logging.NewWatermillAdapter(logger)

	backend, err := BuildBackend(cfg, wmLogger)
	if err != nil {
		return nil, err
	}
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		_ = closeBackend(backend)
		return nil, qerrors.Wrap(qerrors.KindInternal, err, "events router")
	}

	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	return &Bus{
		cfg:      cfg,
		backend:  backend,
		router:   router,
		pipeline: pipeline,
		logger:   logger,
		topics:   map[string]string{},
	}, nil
}

// Use adds router middlewares. They apply to handlers started afterwards.
func (b *Bus) Use(mws ...message.HandlerMiddleware) {
	b.router.AddMiddleware(mws...)
}

// Router returns the watermill router the handlers run on.
func (b *Bus) Router() *message.Router {
	return b.router
}

// Publisher returns the backend publisher, for middlewares that forward
// messages such as a poison queue.
func (b *Bus) Publisher() message.Publisher {
	return b.backend.Publisher
}

// Topics returns the subscribed topics by handler name.
func (b *Bus) Topics() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.topics))
	for k, v := range b.topics {
		out[k] = v
	}
	return out
}

func (b *Bus) validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return qerrors.Validation("event topic must not be empty")
	}
	if b.cfg.Backend == config.EventsBackendNATS {
		return transport.ValidateSubject(topic)
	}
	return nil
}

// PublishEnvelope fills the request id and timestamp of env, inherits the
// bound context and publishes it on topic.
func (b *Bus) PublishEnvelope(ctx context.Context, topic string, env envelope.RawEnvelope) error {
	if err := b.validateTopic(topic); err != nil {
		return err
	}
	env.Meta = env.Meta.Clone()
	headers := b.pipeline.ProcessOutgoing(ctx, &env.Meta, nil)

	body, err := codec.Encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata = headers.ToWatermill()
	msg.SetContext(ctx)

	if err := b.backend.Publisher.Publish(topic, msg); err != nil {
		return qerrors.Wrap(qerrors.KindTransport, err, "publish event to %s", topic)
	}
	b.logger.Trace("Event published", logging.LogFields{
		logging.FieldSubject:   topic,
		logging.FieldRequestID: env.Meta.RequestID,
	})
	return nil
}

// Publish encodes a typed envelope and publishes it on topic.
func Publish[T any](ctx context.Context, b *Bus, topic string, env envelope.Envelope[T]) error {
	raw, err := envelope.ToRaw(env)
	if err != nil {
		return err
	}
	return b.PublishEnvelope(ctx, topic, raw)
}

// Handle registers a watermill handler on topic. Handlers added while the
// bus runs start immediately.
func (b *Bus) Handle(name, topic string, h message.NoPublishHandlerFunc) error {
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	if err := b.validateTopic(topic); err != nil {
		return err
	}
	if name == "" {
		name = topic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return qerrors.ErrServerDrained
	}
	if _, ok := b.topics[name]; ok {
		return qerrors.ErrDuplicateHandler
	}
	b.router.AddNoPublisherHandler(name, topic, b.backend.Subscriber, h)
	b.topics[name] = topic

	if b.running {
		if err := b.router.RunHandlers(b.runCtx); err != nil {
			return qerrors.Wrap(qerrors.KindInternal, err, "start event handler %s", name)
		}
	}
	return nil
}

// SubscribeEnvelope consumes envelopes published on topic. The handler runs
// with the event's envelope context bound.
func (b *Bus) SubscribeEnvelope(name, topic string, h Handler) error {
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	return b.Handle(name, topic, b.EnvelopeHandler(topic, h))
}

// Subscribe consumes typed envelopes published on topic. Payloads that do
// not decode as T are unprocessable.
func Subscribe[T any](b *Bus, name, topic string, h func(ctx context.Context, env envelope.Envelope[T]) error) error {
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	return b.SubscribeEnvelope(name, topic, func(ctx context.Context, raw envelope.RawEnvelope) error {
		env, err := envelope.FromRaw[T](raw)
		if err != nil {
			return &UnprocessableError{Topic: topic, Err: qerrors.Deserialization(err, raw.Payload)}
		}
		return h(ctx, env)
	})
}

// EnvelopeHandler adapts h to a watermill handler: it decodes the envelope,
// runs the incoming pipeline and binds the meta to the handler context.
// Undecodable events fail with an UnprocessableError.
func (b *Bus) EnvelopeHandler(topic string, h Handler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := codec.DecodeRaw(msg.Payload)
		if err != nil {
			return &UnprocessableError{Topic: topic, Err: err}
		}
		headers := metadata.FromWatermill(msg.Metadata)
		ec, err := b.pipeline.ProcessIncoming(msg.Context(), middleware.Incoming{
			Headers: headers,
			Meta:    &env.Meta,
		})
		if err != nil {
			return &UnprocessableError{Topic: topic, Err: err}
		}
		env.Meta = ec.Meta()

		ctx := envctx.WithContext(msg.Context(), ec)
		ctx = handlers.WithRequest(ctx, handlers.Request{
			Route:      topic,
			Transport:  TransportName,
			QueueGroup: b.cfg.QueueGroup,
			Headers:    headers,
		})
		if err := h(ctx, env); err != nil {
			b.logger.Debug("Event handler failed", logging.LogFields{
				logging.FieldSubject:   topic,
				logging.FieldRequestID: env.Meta.RequestID,
				logging.FieldTenant:    env.Meta.Tenant,
				"error":                err.Error(),
			})
			return err
		}
		return nil
	}
}

// Run starts the handlers and blocks until ctx ends or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return qerrors.ErrServerDrained
	}
	if b.running {
		b.mu.Unlock()
		return qerrors.ErrServerRunning
	}
	if err := b.serveHTTP(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.running = true
	b.runCtx = ctx
	b.mu.Unlock()

	if err := b.router.Run(ctx); err != nil {
		return qerrors.Wrap(qerrors.KindInternal, err, "events router")
	}
	return nil
}

// Start runs the bus in the background and returns once it is consuming.
func (b *Bus) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := b.Run(ctx); err != nil {
			b.logger.Error("Event bus stopped", err, nil)
			errCh <- err
		}
	}()
	select {
	case <-b.router.Running():
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running is closed once the bus consumes events.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

func (b *Bus) serveHTTP() error {
	if b.backend.Router == nil {
		return nil
	}
	listener, err := net.Listen("tcp", b.cfg.HTTPAddress)
	if err != nil {
		return qerrors.Connection(err, "events http listen on %s", b.cfg.HTTPAddress)
	}
	b.listener = listener
	b.server = &nethttp.Server{Handler: b.backend.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := b.server.Serve(listener); err != nil && !stderrors.Is(err, nethttp.ErrServerClosed) {
			b.logger.Error("Events HTTP server failed", err, nil)
		}
	}()
	return nil
}

// Addr is the bound address of the HTTP backend, or nil.
func (b *Bus) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Close stops the handlers and releases the backend. It is idempotent; the
// shared broker connection stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	server := b.server
	ran := b.running
	b.mu.Unlock()

	// A router that never ran has no handlers to wait for.
	var err error
	if ran {
		err = b.router.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CloseTimeout)
		err = stderrors.Join(err, server.Shutdown(ctx))
		cancel()
	}
	return stderrors.Join(err, closeBackend(b.backend))
}

func closeBackend(backend Backend) error {
	var errs []error
	if backend.Publisher != nil {
		errs = append(errs, backend.Publisher.Close())
	}
	if backend.Subscriber != nil && any(backend.Subscriber) != any(backend.Publisher) {
		errs = append(errs, backend.Subscriber.Close())
	}
	if backend.Release != nil {
		errs = append(errs, backend.Release())
	}
	return stderrors.Join(errs...)
}

// WatermillLogger exposes the bus logger to middlewares built outside.
func (b *Bus) WatermillLogger() watermill.LoggerAdapter {
	return logging.NewWatermillAdapter(b.logger)
}
