/*
Package runtime composes the qollective transports into one service.

# Architecture Overview

A Runtime owns one configuration and wires the NATS, gRPC, REST and
WebSocket servers and clients, the hybrid dispatcher and the event bus
around a single middleware pipeline. Request handlers are exposed on every
family that can serve their route; event handlers consume envelopes from
the watermill-backed bus.

# Package Structure

## Composition root (runtime.go)

New validates the configuration, builds the configured servers and clients
and mounts the admin endpoints. Start brings everything up, Shutdown drains
in-flight work and releases what the runtime owns, Run ties both to a
context.

## Handler Registration (registration*.go)

  - registration.go: envelope handlers and route mapping per family
  - registration_json.go: typed JSON request and event handlers
  - registration_proto.go: typed protobuf handlers carried as canonical JSON

## Middleware (middleware.go, hooks.go)

The handler chain runs around every request and event handler:
  - CorrelationID: keeps request ids stable across hops
  - LogMessages: debug logging of routes and metadata
  - Tracer: OpenTelemetry spans linked to the remote parent
  - Metrics: Prometheus histograms per handler
  - Retry: exponential backoff for failing events
  - PoisonQueue: forwards exhausted events to the poison topic
  - Hooks: OnStart, OnDone and OnError callbacks
  - Recoverer: turns panics into internal errors

## Stats & Introspection (models.go, resources.go, introspection.go)

Each handler records latency percentiles, throughput, error categories,
resource samples, backlog hints and dependency health. The introspection
API serves them with the routes, capabilities, transport metrics and
poison queue statistics.

## Publishing (publisher.go)

PublishEvent and PublishProto wrap payloads in envelopes and emit them on
the bus.

# Sub-packages

  - config/: configuration, defaults and validation
  - envelope/: the envelope, its metadata and error payloads
  - envctx/: request context bound to a Go context
  - errors/: error kinds and sentinels
  - handlers/: typed handler adapters
  - middleware/: the metadata pipeline shared by every transport
  - logging/: logger interface and slog adapter
  - metrics/: client-side transport metrics

# Usage Example

	rt, err := runtime.New(cfg, logger, runtime.Options{ConnectNATS: true})
	if err != nil {
		return err
	}
	runtime.RegisterHandler(rt, "orders/Create", createOrder)
	runtime.RegisterEventHandler(rt, "billing", "orders.created", chargeOrder)
	return rt.Run(ctx)
*/
package runtime
