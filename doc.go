// Package qollective is a multi-transport envelope framework. Every message
// travels as an envelope carrying request metadata (tenant, security,
// tracing, performance) next to a typed payload, whether it is sent over
// NATS, gRPC, REST or WebSocket, or published as an event on the watermill
// bus.
//
// Runtime is the composition root: it reads Config, builds the servers and
// clients for each family, wires them to one middleware pipeline and exposes
// typed helpers. RegisterHandler and RegisterProtoHandler serve a route on
// every family that can carry it, RegisterEventHandler consumes events and
// PublishEvent emits them. Request sends through the hybrid dispatcher,
// which picks a transport from the URL scheme or from the detected
// capabilities of the endpoint and falls back when a transport fails.
//
// # Transports
//
//   - nats: request/reply with queue groups, NKey and JWT auth, agent discovery
//   - grpc: envelope-carrying unary service with metadata propagation
//   - rest: POST and GET routes on chi with header propagation
//   - websocket: persistent connections multiplexing envelopes by request id
//   - events: watermill bus over Go channels, NATS, HTTP webhooks, Kafka,
//     AMQP or AWS SNS/SQS
//
// # Middleware
//
// The default chain covers correlation ids, structured logging, OpenTelemetry
// tracing, Prometheus metrics, retries with exponential backoff, poison queue
// forwarding and panic recovery. HandlerHooks add OnStart, OnDone and OnError
// callbacks; custom middleware is added through Options.Middlewares.
//
// # Introspection
//
// With introspection enabled the runtime serves /healthz and an /api tree
// listing handlers with their stats, routes per family, detected endpoint
// capabilities, transport metrics and poison queue statistics.
package qollective
