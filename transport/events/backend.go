package events

import (
	"context"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	chiv4 "github.com/go-chi/chi"
	"github.com/nats-io/nats.go"

	"github.com/qollective/qollective/internal/runtime/config"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// DefaultChannelBuffer is the per-subscriber buffer of the in-process backend.
const DefaultChannelBuffer = 64

// Backend is the publisher/subscriber pair a Bus runs on.
type Backend struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Router is set by the HTTP backend; the bus serves it.
	Router chiv4.Router
	// Release frees what publisher and subscriber share, such as a broker
	// connection. It runs after both are closed.
	Release func() error
}

// Factories are variables so tests can substitute the backends.
var (
	ChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		pubSub := gochannel.NewGoChannel(cfg, logger)
		return pubSub, pubSub
	}
	NATSPublisherFactory = func(conn *nats.Conn, cfg wmnats.PublisherPublishConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmnats.NewPublisherWithNatsConn(conn, cfg, logger)
	}
	NATSSubscriberFactory = func(conn *nats.Conn, cfg wmnats.SubscriberSubscriptionConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return wmnats.NewSubscriberWithNatsConn(conn, cfg, logger)
	}
	HTTPPublisherFactory = func(cfg wmhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmhttp.NewPublisher(cfg, logger)
	}
	HTTPSubscriberFactory = func(addr string, cfg wmhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return wmhttp.NewSubscriber(addr, cfg, logger)
	}
)

// BuildBackend creates the backend named by cfg.Backend.
func BuildBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.EventsBackendChannel:
		return channelBackend(cfg, logger), nil
	case config.EventsBackendNATS:
		return natsBackend(cfg, logger)
	case config.EventsBackendHTTP:
		return httpBackend(cfg, logger)
	case config.EventsBackendKafka:
		return kafkaBackend(cfg, logger)
	case config.EventsBackendAMQP:
		return amqpBackend(cfg, logger)
	case config.EventsBackendAWS:
		return awsBackend(cfg, logger)
	}
	return Backend{}, qerrors.Config("unknown events backend %q", cfg.Backend)
}

func channelBackend(cfg Config, logger watermill.LoggerAdapter) Backend {
	buffer := cfg.ChannelBuffer
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	pub, sub := ChannelFactory(gochannel.Config{OutputChannelBuffer: buffer}, logger)
	return Backend{Publisher: pub, Subscriber: sub}
}

// natsBackend publishes on core NATS subjects over the shared connection.
// Subscribers of one queue group share the events of a topic.
func natsBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	if cfg.Conn == nil {
		return Backend{}, qerrors.ErrConnectionMissing
	}
	marshaler := &wmnats.NATSMarshaler{}
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := NATSPublisherFactory(cfg.Conn, wmnats.PublisherPublishConfig{
		Marshaler: marshaler,
		JetStream: jetStream,
	}, logger)
	if err != nil {
		return Backend{}, qerrors.Wrap(qerrors.KindNatsConnection, err, "events publisher")
	}

	subscriber, err := NATSSubscriberFactory(cfg.Conn, wmnats.SubscriberSubscriptionConfig{
		Unmarshaler:      marshaler,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		CloseTimeout:     cfg.CloseTimeout,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		JetStream:        jetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, qerrors.Wrap(qerrors.KindNatsConnection, err, "events subscriber")
	}
	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}

// httpBackend posts events to PublishURL/<topic> and receives them as POSTs
// on /<topic>. The bus serves the subscriber's router itself.
func httpBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	base := strings.TrimRight(cfg.HTTPPublishURL, "/")
	client := &nethttp.Client{Timeout: cfg.HTTPTimeout}
	if client.Timeout <= 0 {
		client.Timeout = 30 * time.Second
	}

	publisher, err := HTTPPublisherFactory(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return wmhttp.DefaultMarshalMessageFunc(base+topicPath(topic), msg)
		},
		Client: client,
	}, logger)
	if err != nil {
		return Backend{}, qerrors.Wrap(qerrors.KindConfig, err, "events http publisher")
	}

	router := chiv4.NewRouter()
	subscriber, err := HTTPSubscriberFactory(cfg.HTTPAddress, wmhttp.SubscriberConfig{
		Router:               router,
		UnmarshalMessageFunc: wmhttp.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, qerrors.Wrap(qerrors.KindConfig, err, "events http subscriber")
	}
	return Backend{
		Publisher:  publisher,
		Subscriber: pathSubscriber{subscriber},
		Router:     router,
	}, nil
}

func topicPath(topic string) string {
	return "/" + strings.TrimLeft(topic, "/")
}

// pathSubscriber maps topics to the URL paths the HTTP subscriber routes on.
type pathSubscriber struct {
	message.Subscriber
}

func (p pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.Subscriber.Subscribe(ctx, topicPath(topic))
}
