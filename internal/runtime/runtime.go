package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qollective/qollective/internal/runtime/config"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/transport"
	"github.com/qollective/qollective/transport/events"
	qgrpc "github.com/qollective/qollective/transport/grpc"
	qhttp "github.com/qollective/qollective/transport/http"
	"github.com/qollective/qollective/transport/hybrid"
	qnats "github.com/qollective/qollective/transport/nats"
	"github.com/qollective/qollective/transport/nats/discovery"
	qws "github.com/qollective/qollective/transport/websocket"
)

// DefaultShutdownTimeout bounds the shutdown Run performs once its context
// ends.
const DefaultShutdownTimeout = 30 * time.Second

// Options holds the optional collaborators of a Runtime. The zero value
// serves every family that has an address configured and keeps the
// default middleware chain.
type Options struct {
	// Servers lists the families to serve request routes on. Empty selects
	// NATS when a connection is available and every other family with a
	// listen address or listener.
	Servers []transport.Protocol
	// Clients lists the families the dispatcher can send on. Empty selects
	// gRPC, REST and WebSocket, plus NATS when a connection is available.
	Clients []transport.Protocol
	// NATSConn is shared by the NATS server, client and event bus. It is
	// left open on shutdown.
	NATSConn *nats.Conn
	// ConnectNATS dials Config.NATSURLs when NATSConn is nil. The runtime
	// owns that connection.
	ConnectNATS bool
	// Listeners replace the configured listen addresses per family.
	Listeners map[transport.Protocol]net.Listener
	// Registry receives every collector; nil creates a private registry.
	Registry *prometheus.Registry

	Middlewares               []MiddlewareRegistration // Appended after the default chain.
	DisableDefaultMiddlewares bool
	Retry                     RetryMiddlewareConfig
	Hooks                     HandlerHooks
	ErrorClassifier           ErrorClassifier

	// DiscoveryRegistry, when set, answers the agent discovery subjects on
	// the NATS server.
	DiscoveryRegistry discovery.Registry
	DiscoveryOptions  discovery.HandlerOptions

	DisableEvents bool
	// StampPerformance fills memory, GC and thread counts into reply meta.
	StampPerformance bool
}

type runtimeState int

const (
	stateNew runtimeState = iota
	stateRunning
	stateDrained
)

// Runtime composes the transports, the hybrid dispatcher and the event bus
// around one configuration. Register request routes before Start; event
// consumers may also be added while running.
type Runtime struct {
	Logger logging.ServiceLogger

	cfg      config.Config
	pipeline *middleware.Pipeline

	conn     *nats.Conn
	ownsConn bool

	senders    *transport.Registry
	dispatcher *hybrid.Dispatcher
	natsClient *qnats.Client
	grpcClient *qgrpc.Client
	httpClient *qhttp.Client
	wsClient   *qws.Client

	natsServer *qnats.Server
	grpcServer *qgrpc.Server
	httpServer *qhttp.Server
	wsServer   *qws.Server

	bus              *events.Bus
	eventsDependency string

	registry         *prometheus.Registry
	transportMetrics *metrics.TransportMetrics
	poison           *PoisonMetrics
	maxRetries       int

	classifier       ErrorClassifier
	resources        *resourceTracker
	stampPerformance bool

	mu       sync.RWMutex
	state    runtimeState
	chain    []HandlerMiddleware
	routes   map[string]*HandlerInfo
	handlers []*HandlerInfo

	adminMu      sync.Mutex
	adminRouters map[int]chi.Router
	adminServers []*nethttp.Server
}

// New builds a runtime for cfg. QOLLECTIVE_TENANT_EXTRACTION, when set,
// overrides cfg.TenantExtractionEnabled. Nothing listens until Start. On error
// every component built so far is released.
func New(cfg config.Config, logger logging.ServiceLogger, opts Options) (*Runtime, error) {
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "invalid environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "invalid configuration")
	}
	logger = logging.OrNop(logger)
	logger.Info("Creating runtime", logging.LogFields{"config": cfg.String()})

	rt := &Runtime{
		Logger:           logger,
		cfg:              cfg,
		pipeline:         middleware.NewPipeline(middleware.OptionsFromConfig(cfg), logger),
		senders:          transport.NewRegistry(),
		registry:         opts.Registry,
		classifier:       opts.ErrorClassifier,
		resources:        newResourceTracker(),
		stampPerformance: opts.StampPerformance,
		routes:           map[string]*HandlerInfo{},
		adminRouters:     map[int]chi.Router{},
	}
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
	}
	if rt.classifier == nil {
		rt.classifier = DefaultErrorClassifier
	}

	if err := rt.build(opts); err != nil {
		rt.release(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(opts Options) error {
	rt.transportMetrics = metrics.New(rt.registry)
	if err := rt.transportMetrics.Register(); err != nil {
		return qerrors.Wrap(qerrors.KindConfig, err, "register transport metrics")
	}
	rt.poison = NewPoisonMetrics(rt.registry)
	if err := rt.poison.Register(); err != nil {
		return qerrors.Wrap(qerrors.KindConfig, err, "register poison metrics")
	}

	rt.conn = opts.NATSConn
	if rt.conn == nil && opts.ConnectNATS {
		conn, err := qnats.Connect(qnats.ConnConfigFromConfig(rt.cfg), rt.Logger)
		if err != nil {
			return err
		}
		rt.conn, rt.ownsConn = conn, true
	}

	for _, p := range rt.serverProtocols(opts) {
		if err := rt.buildServer(p, opts.Listeners[p]); err != nil {
			return err
		}
	}
	for _, p := range rt.clientProtocols(opts) {
		if err := rt.buildClient(p); err != nil {
			return err
		}
	}

	hc := hybrid.ConfigFrom(rt.cfg)
	hc.Metrics = rt.transportMetrics
	rt.dispatcher = hybrid.New(rt.senders, hc, rt.Logger)

	if !opts.DisableEvents {
		ec := events.ConfigFrom(rt.cfg, rt.conn)
		ec.Pipeline = rt.pipeline
		bus, err := events.New(ec, rt.Logger)
		if err != nil {
			return err
		}
		rt.bus = bus
		backend := strings.ToLower(rt.cfg.EventsBackend)
		if backend == "" {
			backend = config.EventsBackendChannel
		}
		rt.eventsDependency = "events:" + backend
	}

	if opts.DiscoveryRegistry != nil {
		if rt.natsServer == nil {
			return qerrors.Config("discovery requires a NATS server")
		}
		dopts := opts.DiscoveryOptions
		if dopts.Logger == nil {
			dopts.Logger = rt.Logger
		}
		if err := discovery.RegisterHandlers(rt.natsServer, opts.DiscoveryRegistry, dopts); err != nil {
			return err
		}
	}

	if err := rt.registerConfiguredMiddlewares(opts); err != nil {
		return err
	}

	if rt.cfg.MetricsEnabled && rt.cfg.MetricsPort > 0 {
		rt.RegisterAdminHandler(rt.cfg.MetricsPort, "/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}
	if rt.cfg.IntrospectionEnabled && rt.cfg.IntrospectionPort > 0 {
		rt.mountIntrospection(rt.adminRouter(rt.cfg.IntrospectionPort))
	}
	return nil
}

func (rt *Runtime) serverProtocols(opts Options) []transport.Protocol {
	if len(opts.Servers) > 0 {
		return opts.Servers
	}
	var out []transport.Protocol
	if rt.conn != nil {
		out = append(out, transport.ProtocolNATS)
	}
	configured := map[transport.Protocol]string{
		transport.ProtocolGRPC:      rt.cfg.GRPCAddress,
		transport.ProtocolREST:      rt.cfg.HTTPServerAddress,
		transport.ProtocolWebSocket: rt.cfg.WebSocketServerAddress,
	}
	for _, p := range []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolREST, transport.ProtocolWebSocket} {
		if configured[p] != "" || opts.Listeners[p] != nil {
			out = append(out, p)
		}
	}
	return out
}

func (rt *Runtime) clientProtocols(opts Options) []transport.Protocol {
	if len(opts.Clients) > 0 {
		return opts.Clients
	}
	out := []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolREST, transport.ProtocolWebSocket}
	if rt.conn != nil {
		out = append([]transport.Protocol{transport.ProtocolNATS}, out...)
	}
	return out
}

func (rt *Runtime) buildServer(p transport.Protocol, lis net.Listener) error {
	var err error
	switch p {
	case transport.ProtocolNATS:
		if rt.conn == nil {
			return qerrors.ErrConnectionMissing
		}
		rt.natsServer, err = qnats.ServerFromConn(rt.conn, qnats.ServerConfig{Pipeline: rt.pipeline}, rt.Logger)
	case transport.ProtocolGRPC:
		rt.grpcServer, err = qgrpc.NewServer(qgrpc.ServerConfig{
			Address:  rt.cfg.GRPCAddress,
			Listener: lis,
			TLS:      rt.cfg.GRPCTLS,
			Pipeline: rt.pipeline,
		}, rt.Logger)
	case transport.ProtocolREST:
		rt.httpServer, err = qhttp.NewServer(qhttp.ServerConfig{
			Address:  rt.cfg.HTTPServerAddress,
			Listener: lis,
			TLS:      rt.cfg.HTTPTLS,
			Pipeline: rt.pipeline,
		}, rt.Logger)
	case transport.ProtocolWebSocket:
		rt.wsServer, err = qws.NewServer(qws.ServerConfig{
			Address:        rt.cfg.WebSocketServerAddress,
			Listener:       lis,
			TLS:            rt.cfg.WebSocketTLS,
			Pipeline:       rt.pipeline,
			PingInterval:   rt.cfg.WebSocketPingInterval,
			MaxMessageSize: rt.cfg.WebSocketMaxMessageSize,
			Subprotocols:   rt.cfg.WebSocketSubprotocols,
			Compression:    rt.cfg.WebSocketCompression,
		}, rt.Logger)
	default:
		return qerrors.Config("no server for transport %q", p)
	}
	return err
}

func (rt *Runtime) buildClient(p transport.Protocol) error {
	switch p {
	case transport.ProtocolNATS:
		if rt.conn == nil {
			return qerrors.ErrConnectionMissing
		}
		c, err := qnats.ClientFromConn(rt.conn, qnats.ClientConfig{
			RequestTimeout: rt.cfg.NATSRequestTimeout,
			Pipeline:       rt.pipeline,
			Metrics:        rt.transportMetrics,
		}, rt.Logger)
		if err != nil {
			return err
		}
		rt.natsClient = c
		rt.senders.Register(c)
	case transport.ProtocolGRPC:
		rt.grpcClient = qgrpc.NewClient(qgrpc.ClientConfig{
			Timeout:  rt.cfg.GRPCTimeout,
			TLS:      rt.cfg.GRPCTLS,
			Pipeline: rt.pipeline,
			Metrics:  rt.transportMetrics,
		}, rt.Logger)
		rt.senders.Register(rt.grpcClient)
	case transport.ProtocolREST:
		cc := qhttp.ClientConfigFrom(rt.cfg)
		cc.Pipeline, cc.Metrics = rt.pipeline, rt.transportMetrics
		c, err := qhttp.NewClient(cc, rt.Logger)
		if err != nil {
			return err
		}
		rt.httpClient = c
		rt.senders.Register(c)
	case transport.ProtocolWebSocket:
		cc := qws.ClientConfigFrom(rt.cfg)
		cc.Pipeline, cc.Metrics = rt.pipeline, rt.transportMetrics
		c, err := qws.NewClient(cc, rt.Logger)
		if err != nil {
			return err
		}
		rt.wsClient = c
		rt.senders.Register(c)
	default:
		return qerrors.Config("no client for transport %q", p)
	}
	return nil
}

func (rt *Runtime) receivers() []transport.Receiver {
	var out []transport.Receiver
	if rt.natsServer != nil {
		out = append(out, rt.natsServer)
	}
	if rt.grpcServer != nil {
		out = append(out, rt.grpcServer)
	}
	if rt.httpServer != nil {
		out = append(out, rt.httpServer)
	}
	if rt.wsServer != nil {
		out = append(out, rt.wsServer)
	}
	return out
}

// Start starts the servers, the event bus and the admin endpoints and
// returns once they accept traffic.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	rt.mu.Lock()
	switch rt.state {
	case stateRunning:
		rt.mu.Unlock()
		return qerrors.ErrServerRunning
	case stateDrained:
		rt.mu.Unlock()
		return qerrors.ErrServerDrained
	}
	rt.state = stateRunning
	rt.mu.Unlock()

	for _, r := range rt.receivers() {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	if rt.bus != nil {
		if err := rt.bus.Start(ctx); err != nil {
			return err
		}
	}
	if err := rt.startAdminServers(ctx); err != nil {
		return err
	}

	rt.Logger.Info("Runtime started", logging.LogFields{
		"servers":  len(rt.receivers()),
		"clients":  fmt.Sprint(rt.senders.Protocols()),
		"handlers": len(rt.Handlers()),
	})
	return nil
}

// Run starts the runtime and shuts it down once ctx ends.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return errors.Join(err, rt.Shutdown(shutdownCtx))
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Shutdown stops accepting traffic, drains in-flight handlers within ctx
// and releases every component. Safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	if rt.state == stateDrained {
		rt.mu.Unlock()
		return nil
	}
	rt.state = stateDrained
	rt.mu.Unlock()

	err := rt.release(ctx)
	rt.Logger.Info("Runtime stopped", nil)
	return err
}

func (rt *Runtime) release(ctx context.Context) error {
	var errs []error

	rt.adminMu.Lock()
	for _, srv := range rt.adminServers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.adminServers = nil
	rt.adminMu.Unlock()

	receivers := rt.receivers()
	for i := len(receivers) - 1; i >= 0; i-- {
		if err := receivers[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.bus != nil {
		if err := rt.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if rt.natsClient != nil {
		rt.natsClient.Close()
	}
	if rt.grpcClient != nil {
		if err := rt.grpcClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.httpClient != nil {
		rt.httpClient.Close()
	}
	if rt.wsClient != nil {
		rt.wsClient.Close()
	}
	if rt.ownsConn && rt.conn != nil {
		rt.conn.Close()
	}
	return errors.Join(errs...)
}

// RegisterAdminHandler mounts handler at pattern on the admin server
// listening on port. Admin servers start with the runtime.
func (rt *Runtime) RegisterAdminHandler(port int, pattern string, handler nethttp.Handler) {
	rt.adminRouter(port).Handle(pattern, handler)
}

// AdminHandler returns the router served on port, or nil.
func (rt *Runtime) AdminHandler(port int) nethttp.Handler {
	rt.adminMu.Lock()
	defer rt.adminMu.Unlock()
	if r, ok := rt.adminRouters[port]; ok {
		return r
	}
	return nil
}

func (rt *Runtime) adminRouter(port int) chi.Router {
	rt.adminMu.Lock()
	defer rt.adminMu.Unlock()
	r, ok := rt.adminRouters[port]
	if !ok {
		r = chi.NewRouter()
		rt.adminRouters[port] = r
	}
	return r
}

func (rt *Runtime) startAdminServers(ctx context.Context) error {
	rt.adminMu.Lock()
	defer rt.adminMu.Unlock()

	for port, router := range rt.adminRouters {
		addr := fmt.Sprintf(":%d", port)
		var lc net.ListenConfig
		lis, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return qerrors.Connection(err, "listen on %s", addr)
		}
		srv := &nethttp.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
		rt.adminServers = append(rt.adminServers, srv)
		rt.Logger.Info("Starting admin server", logging.LogFields{"address": lis.Addr().String()})
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				rt.Logger.Error("Admin server stopped", err, logging.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

// Config returns the configuration the runtime was built with.
func (rt *Runtime) Config() config.Config { return rt.cfg }

// Dispatcher returns the hybrid dispatcher over the runtime's clients.
func (rt *Runtime) Dispatcher() *hybrid.Dispatcher { return rt.dispatcher }

// Senders returns the client registry the dispatcher selects from.
func (rt *Runtime) Senders() *transport.Registry { return rt.senders }

// Bus returns the event bus, or nil when events are disabled.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }

// Conn returns the shared NATS connection, if any.
func (rt *Runtime) Conn() *nats.Conn { return rt.conn }

// Pipeline returns the middleware pipeline shared by every transport.
func (rt *Runtime) Pipeline() *middleware.Pipeline { return rt.pipeline }

// Registry returns the Prometheus registry holding the runtime's collectors.
func (rt *Runtime) Registry() *prometheus.Registry { return rt.registry }

// TransportMetrics returns the client-side transport metrics.
func (rt *Runtime) TransportMetrics() *metrics.TransportMetrics { return rt.transportMetrics }

// PoisonMetrics returns the poison queue statistics.
func (rt *Runtime) PoisonMetrics() *PoisonMetrics { return rt.poison }

// NATSServer returns the NATS server, or nil.
func (rt *Runtime) NATSServer() *qnats.Server { return rt.natsServer }

// GRPCServer returns the gRPC server, or nil.
func (rt *Runtime) GRPCServer() *qgrpc.Server { return rt.grpcServer }

// HTTPServer returns the HTTP server, or nil.
func (rt *Runtime) HTTPServer() *qhttp.Server { return rt.httpServer }

// WebSocketServer returns the WebSocket server, or nil.
func (rt *Runtime) WebSocketServer() *qws.Server { return rt.wsServer }

// NATSClient returns the NATS client, or nil without a connection.
func (rt *Runtime) NATSClient() *qnats.Client { return rt.natsClient }
