package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/transport"
	"github.com/qollective/qollective/transport/events"
)

// RouteOption tunes how a request route is exposed.
type RouteOption func(*routeOptions)

type routeOptions struct {
	transports []transport.Protocol
	queueGroup string
}

// WithTransports restricts a route to the named families. Without it the
// route is served by every running server that can address it.
func WithTransports(protocols ...transport.Protocol) RouteOption {
	return func(o *routeOptions) {
		o.transports = append(o.transports, protocols...)
	}
}

// WithQueueGroup subscribes the NATS side of a route in a queue group.
func WithQueueGroup(queue string) RouteOption {
	return func(o *routeOptions) {
		o.queueGroup = queue
	}
}

type routeTarget struct {
	protocol transport.Protocol
	route    string
	register func(handlers.Handler) error
}

// Register exposes an envelope handler on the runtime's servers. The
// handler runs inside the middleware chain and its stats are reported by
// the introspection API.
func (rt *Runtime) Register(h handlers.Handler, opts ...RouteOption) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if h.Func == nil {
		return qerrors.ErrHandlerRequired
	}
	route := strings.Trim(h.Route, "/")
	if route == "" {
		return qerrors.ErrRouteRequired
	}
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	targets, err := rt.routeTargets(route, o)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return qerrors.Config("no server can serve route %q", route)
	}

	names := make([]string, 0, len(targets))
	deps := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, string(t.protocol))
		deps = append(deps, "transport:"+string(t.protocol))
	}
	info := &HandlerInfo{
		Name:       route,
		Kind:       HandlerKindRequest,
		Route:      route,
		Transports: names,
		QueueGroup: o.queueGroup,
		Stats:      newHandlerStats(deps, rt.resources),
	}
	fn := rt.instrument(info, rt.applyChain(info, h.Func))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == stateDrained {
		return qerrors.ErrServerDrained
	}
	if _, ok := rt.routes[route]; ok {
		return qerrors.ErrDuplicateHandler
	}
	for _, t := range targets {
		err := t.register(handlers.Handler{
			Route:        t.route,
			RequestType:  h.RequestType,
			ResponseType: h.ResponseType,
			Func:         fn,
		})
		if err != nil {
			return err
		}
	}
	rt.routes[route] = info
	rt.handlers = append(rt.handlers, info)
	return nil
}

func (rt *Runtime) routeTargets(route string, o routeOptions) ([]routeTarget, error) {
	explicit := len(o.transports) > 0
	protocols := o.transports
	if !explicit {
		protocols = transport.EnvelopeRanking
	}
	if o.queueGroup != "" {
		if err := transport.ValidateQueueGroup(o.queueGroup); err != nil {
			return nil, err
		}
	}

	var targets []routeTarget
	for _, p := range protocols {
		switch p {
		case transport.ProtocolNATS:
			if rt.natsServer == nil {
				if explicit {
					return nil, qerrors.Config("route %q: no NATS server", route)
				}
				continue
			}
			subject := strings.ReplaceAll(route, "/", ".")
			if err := transport.ValidateSubject(subject); err != nil {
				return nil, err
			}
			srv, queue := rt.natsServer, o.queueGroup
			targets = append(targets, routeTarget{p, subject, func(h handlers.Handler) error {
				return srv.RegisterQueue(h, queue)
			}})
		case transport.ProtocolGRPC:
			if rt.grpcServer == nil {
				if explicit {
					return nil, qerrors.Config("route %q: no gRPC server", route)
				}
				continue
			}
			if strings.Count(route, "/") != 1 {
				if explicit {
					return nil, qerrors.Validation("route %q: gRPC routes take the form Service/Method", route)
				}
				continue
			}
			targets = append(targets, routeTarget{p, route, rt.grpcServer.Register})
		case transport.ProtocolREST:
			if rt.httpServer == nil {
				if explicit {
					return nil, qerrors.Config("route %q: no HTTP server", route)
				}
				continue
			}
			targets = append(targets, routeTarget{p, route, rt.httpServer.Register})
		case transport.ProtocolWebSocket:
			if rt.wsServer == nil {
				if explicit {
					return nil, qerrors.Config("route %q: no WebSocket server", route)
				}
				continue
			}
			targets = append(targets, routeTarget{p, route, rt.wsServer.Register})
		default:
			return nil, qerrors.Validation("route %q: transport %q cannot serve requests", route, p)
		}
	}
	return targets, nil
}

// instrument records stats around fn and, when enabled, stamps process
// performance on replies.
func (rt *Runtime) instrument(info *HandlerInfo, fn handlers.Func) handlers.Func {
	return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		inv := invocation{queueDepth: -1, queueLagMillis: -1}
		if req.Meta.Timestamp != nil {
			inv.queueLagMillis = lagSince(*req.Meta.Timestamp)
		}
		if r, ok := handlers.RequestFromContext(ctx); ok && r.Transport != "" {
			inv.dependency = "transport:" + r.Transport
		}
		inv = info.Stats.onStart(inv)
		start := time.Now()

		resp, err := fn(ctx, req)

		failure := err
		if failure == nil && resp.Error != nil {
			failure = remoteFailure(resp.Error)
		}
		if rt.stampPerformance {
			rt.resources.StampPerformance(&resp.Meta)
		}
		info.Stats.onFinish(inv, time.Since(start), failure, rt.classifier)
		return resp, err
	}
}

// HandleEvent consumes envelopes published on topic. Handlers sharing a
// name with an earlier one are rejected.
func (rt *Runtime) HandleEvent(name, topic string, h events.Handler) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if rt.bus == nil {
		return qerrors.New(qerrors.KindFeatureNotEnabled, "event bus is disabled")
	}
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	if topic == "" {
		return qerrors.ErrTopicRequired
	}
	if name == "" {
		name = topic
	}

	info := &HandlerInfo{
		Name:       name,
		Kind:       HandlerKindEvent,
		Route:      topic,
		Transports: []string{events.TransportName},
		QueueGroup: rt.cfg.EventsQueueGroup,
		Stats:      newHandlerStats([]string{rt.eventsDependency}, rt.resources),
	}
	fn := rt.applyChain(info, func(ctx context.Context, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{}, h(ctx, env)
	})
	decoded := rt.bus.EnvelopeHandler(topic, func(ctx context.Context, env envelope.RawEnvelope) error {
		_, err := fn(ctx, env)
		return err
	})

	err := rt.bus.Handle(name, topic, func(msg *message.Message) error {
		depth, lag := eventBacklogHints(msg)
		if lag < 0 {
			lag = parseLagMetadata(msg.Metadata, metadata.HeaderTimestamp)
		}
		inv := info.Stats.onStart(invocation{queueDepth: depth, queueLagMillis: lag, dependency: rt.eventsDependency})
		start := time.Now()
		err := decoded(msg)
		info.Stats.onFinish(inv, time.Since(start), err, rt.classifier)
		return err
	})
	if err != nil {
		return err
	}

	rt.mu.Lock()
	rt.handlers = append(rt.handlers, info)
	rt.mu.Unlock()
	return nil
}

// Handlers lists the registered request routes and event consumers.
func (rt *Runtime) Handlers() []*HandlerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]*HandlerInfo(nil), rt.handlers...)
}
