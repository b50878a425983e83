package grpc

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/protoenv"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

// StreamFunc answers one request envelope with a sequence of reply
// envelopes.
type StreamFunc func(ctx context.Context, req envelope.RawEnvelope, send func(envelope.RawEnvelope) error) error

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the listen address, ignored when Listener is set.
	Address  string
	Listener net.Listener
	TLS      tlsconfig.Config
	Pipeline *middleware.Pipeline
	// MaxMessageSize bounds received messages; 0 keeps the gRPC default.
	MaxMessageSize int
	Options        []grpc.ServerOption
}

type serverState int

const (
	stateRegistered serverState = iota
	stateRunning
	stateDrained
)

type route struct {
	method  string
	handler handlers.Handler
	raw     handlers.RawFunc
	stream  StreamFunc
	typeURL string
}

// Server exposes registered handlers as gRPC methods. Methods are resolved
// at call time, so no generated service descriptors are needed and routes
// may be added while the server runs.
type Server struct {
	cfg      ServerConfig
	pipeline *middleware.Pipeline
	logger   logging.ServiceLogger
	grpc     *grpc.Server
	health   *health.Server

	mu       sync.RWMutex
	state    serverState
	routes   map[string]*route
	listener net.Listener
	served   chan struct{}
}

// NewServer builds a server. Nothing listens until Start.
func NewServer(cfg ServerConfig, logger logging.ServiceLogger) (*Server, error) {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		health:   health.NewServer(),
		routes:   map[string]*route{},
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(codec),
		grpc.UnknownServiceHandler(s.handleStream),
		grpc.ChainStreamInterceptor(inboundInterceptor(pipeline)),
	}
	tlsCfg, err := cfg.TLS.Server()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "grpc tls")
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxMessageSize))
	}
	s.grpc = grpc.NewServer(append(opts, cfg.Options...)...)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s, nil
}

// Register exposes h at its route, written "Service/Method".
func (s *Server) Register(h handlers.Handler) error {
	if h.Func == nil {
		return qerrors.ErrHandlerRequired
	}
	method, err := fullMethod(h.Route)
	if err != nil {
		return err
	}
	return s.add(&route{method: method, handler: h, typeURL: protoenv.TypeURL(h.ResponseType)})
}

// HandleRaw exposes fn at service/method on the non-enveloped path.
func (s *Server) HandleRaw(service, method string, fn handlers.RawFunc) error {
	if fn == nil {
		return qerrors.ErrHandlerRequired
	}
	full, err := fullMethod(service + "/" + method)
	if err != nil {
		return err
	}
	return s.add(&route{method: full, raw: handlers.Recover(full, fn, s.logger)})
}

// Handle exposes a typed unary handler at service/method.
func Handle[T, R any](s *Server, service, method string, h handlers.Typed[T, R]) error {
	wrapped, err := handlers.Wrap(service+"/"+method, h, s.logger)
	if err != nil {
		return err
	}
	return s.Register(wrapped)
}

// HandleServerStream exposes a typed server-streaming handler. Every reply
// sent through send carries meta derived from the request meta.
func HandleServerStream[T, R any](s *Server, service, method string, h func(ctx context.Context, req T, send func(R) error) error) error {
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	full, err := fullMethod(service + "/" + method)
	if err != nil {
		return err
	}
	logger := s.logger.With(logging.LogFields{logging.FieldRoute: full})
	fn := func(ctx context.Context, req envelope.RawEnvelope, send func(envelope.RawEnvelope) error) (err error) {
		start := time.Now()
		reqMeta := envctx.Current(ctx).Meta()
		typed, err := envelope.FromRaw[T](req)
		if err != nil {
			return qerrors.Deserialization(err, req.Payload)
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Stream handler panicked", nil, logging.LogFields{"panic": r, "stack": string(debug.Stack())})
				err = qerrors.Internal("handler panicked")
			}
		}()
		return h(ctx, typed.Payload, func(out R) error {
			meta := envelope.PreserveForResponse(reqMeta)
			handlers.Stamp(&meta, time.Since(start))
			raw, err := envelope.ToRaw(envelope.New(meta, out))
			if err != nil {
				return qerrors.Serialization(err, nil)
			}
			return send(raw)
		})
	}
	return s.add(&route{method: full, stream: fn, typeURL: protoenv.TypeURLFor[R]()})
}

func fullMethod(routeName string) (string, error) {
	if routeName == "" {
		return "", qerrors.ErrRouteRequired
	}
	parts := strings.Split(strings.Trim(routeName, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", qerrors.Validation("grpc route %q must be Service/Method", routeName)
	}
	return "/" + parts[0] + "/" + parts[1], nil
}

func (s *Server) add(r *route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDrained {
		return qerrors.ErrServerDrained
	}
	if _, exists := s.routes[r.method]; exists {
		return qerrors.ErrDuplicateHandler
	}
	s.routes[r.method] = r
	if s.state == stateRunning {
		s.health.SetServingStatus(serviceOf(r.method), healthpb.HealthCheckResponse_SERVING)
	}
	return nil
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return qerrors.ErrServerRunning
	case stateDrained:
		return qerrors.ErrServerDrained
	}

	lis := s.cfg.Listener
	if lis == nil {
		var err error
		lis, err = (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Address)
		if err != nil {
			return qerrors.Connection(err, "listen on %s", s.cfg.Address)
		}
	}
	s.listener = lis
	s.served = make(chan struct{})
	s.state = stateRunning

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for method := range s.routes {
		s.health.SetServingStatus(serviceOf(method), healthpb.HealthCheckResponse_SERVING)
	}

	go func() {
		defer close(s.served)
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server stopped unexpectedly", err, nil)
		}
	}()
	s.logger.Info("gRPC server started", logging.LogFields{logging.FieldEndpoint: lis.Addr().String(), "routes": len(s.routes)})
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown marks the server not serving, drains in-flight calls and stops.
// Calls still running when ctx expires are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDrained {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	s.state = stateDrained
	served := s.served
	s.mu.Unlock()

	s.health.Shutdown()
	if !wasRunning {
		s.grpc.Stop()
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-served
		return qerrors.Timeout(qerrors.KindTransport, "gRPC server shutdown: calls still running")
	}
	<-served
	s.logger.Info("gRPC server stopped", nil)
	return nil
}

// Methods lists the registered full method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.routes))
	for method := range s.routes {
		out = append(out, method)
	}
	return out
}

func (s *Server) handleStream(_ any, stream grpc.ServerStream) error {
	start := time.Now()
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	s.mu.RLock()
	r, ok := s.routes[method]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	var err error
	switch {
	case r.raw != nil:
		err = s.serveRaw(stream, r)
	case r.stream != nil:
		err = s.serveStream(stream, r)
	default:
		err = s.serveUnary(stream, r)
	}
	if err != nil {
		fields := logging.LogFields{
			logging.FieldRoute:          method,
			logging.FieldProcessingTime: time.Since(start).Milliseconds(),
		}
		if ec, ok := envctx.FromContext(stream.Context()); ok {
			fields[logging.FieldRequestID] = ec.RequestID()
		}
		s.logger.Error("gRPC call failed", err, fields)
		return toStatus(stream.Context(), err)
	}
	return nil
}

func (s *Server) serveUnary(stream grpc.ServerStream, r *route) error {
	var pe protoenv.Envelope
	if err := recvEnvelope(stream, &pe); err != nil {
		return err
	}
	resp, err := r.handler.Handle(stream.Context(), pe.ToRaw())
	if err != nil {
		return err
	}
	if err := stream.SetHeader(metadata.FromMeta(resp.Meta).ToGRPC()); err != nil {
		return qerrors.Wrap(qerrors.KindGrpc, err, "set reply headers")
	}
	return stream.SendMsg(protoenv.FromRaw(resp, r.typeURL))
}

func (s *Server) serveStream(stream grpc.ServerStream, r *route) error {
	var pe protoenv.Envelope
	if err := recvEnvelope(stream, &pe); err != nil {
		return err
	}
	return r.stream(stream.Context(), pe.ToRaw(), func(resp envelope.RawEnvelope) error {
		return stream.SendMsg(protoenv.FromRaw(resp, r.typeURL))
	})
}

func (s *Server) serveRaw(stream grpc.ServerStream, r *route) error {
	var body []byte
	if err := stream.RecvMsg(&body); err != nil {
		return recvError(err)
	}
	out, err := r.raw(stream.Context(), body)
	if err != nil {
		return err
	}
	return stream.SendMsg(&out)
}

func recvEnvelope(stream grpc.ServerStream, pe *protoenv.Envelope) error {
	if err := stream.RecvMsg(pe); err != nil {
		return recvError(err)
	}
	return nil
}

// recvError keeps pipeline failures and classifies wire decode failures.
func recvError(err error) error {
	if isQollective(err) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return qerrors.Deserialization(err, nil)
	}
	return qerrors.Wrap(qerrors.KindGrpc, err, "receive request")
}

func serviceOf(method string) string {
	service, _, _ := strings.Cut(strings.TrimPrefix(method, "/"), "/")
	return service
}

var _ transport.Receiver = (*Server)(nil)
