package http

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

// HeaderErrorKind names the error kind of a failed raw exchange, whose body
// is plain text.
const HeaderErrorKind = "X-Qollective-Error-Kind"

const (
	DefaultMaxBodyBytes      = 16 << 20
	DefaultReadHeaderTimeout = 10 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the listen address, ignored when Listener is set.
	Address           string
	Listener          net.Listener
	TLS               tlsconfig.Config
	Pipeline          *middleware.Pipeline
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	// Capabilities is advertised to OPTIONS probes; nil advertises
	// enveloped REST.
	Capabilities *transport.Capabilities
	Middlewares  []func(nethttp.Handler) nethttp.Handler
}

type serverState int

const (
	stateRegistered serverState = iota
	stateBuilt
	stateRunning
	stateDrained
)

type route struct {
	method  string
	path    string
	handler handlers.Handler
	raw     handlers.RawFunc
}

// Server exposes handlers as HTTP routes. The router is assembled once, by
// Start or Handler, after which no routes can be added.
type Server struct {
	cfg      ServerConfig
	pipeline *middleware.Pipeline
	logger   logging.ServiceLogger
	capsDoc  string

	mu       sync.Mutex
	state    serverState
	routes   []*route
	seen     map[string]bool
	router   nethttp.Handler
	server   *nethttp.Server
	listener net.Listener
}

// NewServer builds a server. Nothing listens until Start.
func NewServer(cfg ServerConfig, logger logging.ServiceLogger) (*Server, error) {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	caps := transport.Capabilities{
		SupportsEnvelopes:  true,
		SupportedProtocols: []transport.Protocol{transport.ProtocolREST},
	}
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}
	doc, err := jsoncodec.Marshal(caps)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		capsDoc:  string(doc),
		seen:     map[string]bool{},
	}, nil
}

// Register exposes h at "/"+route for POST (envelope body) and GET
// (envelope_data query).
func (s *Server) Register(h handlers.Handler) error {
	if err := s.HandleMethod(nethttp.MethodPost, h.Route, h); err != nil {
		return err
	}
	return s.HandleMethod(nethttp.MethodGet, h.Route, h)
}

// HandleMethod exposes h for one method at path.
func (s *Server) HandleMethod(method, path string, h handlers.Handler) error {
	if h.Func == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(&route{method: strings.ToUpper(method), path: path, handler: h})
}

// HandleRaw exposes fn at path for POST with an opaque body.
func (s *Server) HandleRaw(path string, fn handlers.RawFunc) error {
	if fn == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(&route{method: nethttp.MethodPost, path: path, raw: handlers.Recover(path, fn, s.logger)})
}

// Handle exposes a typed handler for method at path.
func Handle[T, R any](s *Server, method, path string, h handlers.Typed[T, R]) error {
	wrapped, err := handlers.Wrap(path, h, s.logger)
	if err != nil {
		return err
	}
	return s.HandleMethod(method, path, wrapped)
}

func (s *Server) add(r *route) error {
	if strings.Trim(r.path, "/") == "" {
		return qerrors.ErrRouteRequired
	}
	r.path = "/" + strings.Trim(r.path, "/")
	if r.method == "" {
		return qerrors.Validation("route %s has no method", r.path)
	}
	key := r.method + " " + r.path

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateDrained:
		return qerrors.ErrServerDrained
	case stateBuilt, stateRunning:
		return qerrors.ErrServerRunning
	}
	if s.seen[key] {
		return qerrors.ErrDuplicateHandler
	}
	s.seen[key] = true
	s.routes = append(s.routes, r)
	return nil
}

// Routes lists the registered "METHOD /path" pairs.
func (s *Server) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r.method+" "+r.path)
	}
	return out
}

// Handler assembles the router and closes registration. It is useful for
// serving through httptest or an existing mux.
func (s *Server) Handler() nethttp.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildLocked()
}

func (s *Server) buildLocked() nethttp.Handler {
	if s.router != nil {
		return s.router
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	for _, mw := range s.cfg.Middlewares {
		r.Use(mw)
	}
	r.Use(s.answerProbes)
	for _, rt := range s.routes {
		rt := rt
		if rt.raw != nil {
			r.Method(rt.method, rt.path, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, req *nethttp.Request) {
				s.serveRaw(w, req, rt)
			}))
			continue
		}
		r.Method(rt.method, rt.path, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, req *nethttp.Request) {
			s.serveEnvelope(w, req, rt)
		}))
	}
	s.router = r
	if s.state == stateRegistered {
		s.state = stateBuilt
	}
	return r
}

// answerProbes replies to OPTIONS requests that no route claims with the
// capability document.
func (s *Server) answerProbes(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodOptions || s.seen[nethttp.MethodOptions+" "+r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(HeaderCapabilities, s.capsDoc)
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.WriteHeader(nethttp.StatusNoContent)
	})
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

	tlsCfg, err := s.cfg.TLS.Server()
	if err != nil {
		return qerrors.Wrap(qerrors.KindConfig, err, "http tls")
	}
	l := s.cfg.Listener
	if l == nil {
		var lc net.ListenConfig
		if l, err = lc.Listen(ctx, "tcp", s.cfg.Address); err != nil {
			return qerrors.Connection(err, "listen on %s", s.cfg.Address)
		}
	}
	s.listener = l
	s.server = &nethttp.Server{
		Handler:           s.buildLocked(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		TLSConfig:         tlsCfg,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.state = stateRunning

	srv := s.server
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(l, "", "")
		} else {
			err = srv.Serve(l)
		}
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", err, logging.LogFields{"address": l.Addr().String()})
		}
	}()
	s.logger.Info("HTTP server started", logging.LogFields{"address": l.Addr().String(), "routes": len(s.routes)})
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDrained {
		s.mu.Unlock()
		return nil
	}
	srv := s.server
	s.state = stateDrained
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return qerrors.Timeout(qerrors.KindTransport, "http server shutdown")
		}
		return qerrors.Wrap(qerrors.KindTransport, err, "http server shutdown")
	}
	return nil
}

func (s *Server) serveEnvelope(w nethttp.ResponseWriter, r *nethttp.Request, rt *route) {
	start := time.Now()
	headers := metadata.FromHTTP(r.Header)
	ctx := handlers.WithRequest(r.Context(), handlers.Request{
		Route:     rt.path,
		Transport: TransportName,
		Headers:   headers,
	})

	var req envelope.RawEnvelope
	var bodyMeta *envelope.Meta
	if codec.IsBodyMethod(r.Method) {
		data, err := s.readBody(w, r)
		if err != nil {
			s.writeError(w, envelope.Meta{}, err, start)
			return
		}
		if req, err = codec.DecodeRaw(data); err != nil {
			s.writeError(w, envelope.Meta{}, err, start)
			return
		}
		bodyMeta = &req.Meta
	} else if raw := r.URL.Query().Get(codec.QueryParam); raw != "" {
		if !json.Valid([]byte(raw)) {
			s.writeError(w, envelope.Meta{}, qerrors.Deserialization(errors.New("envelope_data is not valid JSON"), []byte(raw)), start)
			return
		}
		req.Payload = json.RawMessage(raw)
	}

	ec, err := s.pipeline.ProcessIncoming(ctx, middleware.Incoming{
		Headers:          headers,
		Meta:             bodyMeta,
		PeerCertificates: peerCertificates(r),
	})
	if err != nil {
		s.writeError(w, req.Meta, err, start)
		return
	}
	req.Meta = ec.Meta()
	ctx = envctx.WithContext(ctx, ec)

	reply, err := rt.handler.Handle(ctx, req)
	status := nethttp.StatusOK
	if err != nil {
		status = statusForError(err)
		if reply.Error == nil {
			reply = handlers.ErrorReply(req.Meta, err, time.Since(start))
		}
	}
	s.writeEnvelope(w, status, reply)
}

func (s *Server) serveRaw(w nethttp.ResponseWriter, r *nethttp.Request, rt *route) {
	ctx := handlers.WithRequest(r.Context(), handlers.Request{
		Route:     rt.path,
		Transport: TransportName,
		Headers:   metadata.FromHTTP(r.Header),
	})
	data, err := s.readBody(w, r)
	if err == nil {
		data, err = rt.raw(ctx, data)
	}
	if err != nil {
		reply := handlers.ErrorReply(envelope.Meta{}, err, 0)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set(HeaderErrorKind, reply.Error.Code)
		w.WriteHeader(statusForError(err))
		_, _ = io.WriteString(w, reply.Error.Message)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) readBody(w nethttp.ResponseWriter, r *nethttp.Request) ([]byte, error) {
	data, err := io.ReadAll(nethttp.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *nethttp.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, qerrors.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, qerrors.Wrap(qerrors.KindTransport, err, "read request body")
	}
	return data, nil
}

func (s *Server) writeError(w nethttp.ResponseWriter, reqMeta envelope.Meta, err error, start time.Time) {
	s.logger.Debug("Rejecting request", logging.LogFields{
		logging.FieldRequestID: reqMeta.RequestID,
		"error":                err.Error(),
	})
	s.writeEnvelope(w, statusForError(err), handlers.ErrorReply(reqMeta, err, time.Since(start)))
}

func (s *Server) writeEnvelope(w nethttp.ResponseWriter, status int, env envelope.RawEnvelope) {
	body, err := codec.Encode(env)
	if err != nil {
		s.logger.Error("Failed to encode reply", err, logging.LogFields{logging.FieldRequestID: env.Meta.RequestID})
		status = nethttp.StatusInternalServerError
		body, _ = codec.Encode(handlers.ErrorReply(env.Meta, err, 0))
	}
	metadata.FromMeta(env.Meta).ToHTTP(w.Header())
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func peerCertificates(r *nethttp.Request) []*x509.Certificate {
	if r.TLS == nil {
		return nil
	}
	return r.TLS.PeerCertificates
}

var _ transport.Receiver = (*Server)(nil)
