package websocket

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

// DefaultMaxConcurrent bounds the requests served at once on one socket.
const DefaultMaxConcurrent = 64

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the listen address, ignored when Listener is set.
	Address        string
	Listener       net.Listener
	Path           string
	TLS            tlsconfig.Config
	Pipeline       *middleware.Pipeline
	PingInterval   time.Duration
	MaxMessageSize int64
	// Subprotocols are accepted after Subprotocol.
	Subprotocols  []string
	Compression   bool
	MaxConcurrent int
	// CheckOrigin replaces the same-origin check of the upgrade.
	CheckOrigin func(r *nethttp.Request) bool
}

type serverState int

const (
	stateRegistered serverState = iota
	stateRunning
	stateDrained
)

type route struct {
	handler handlers.Handler
	raw     handlers.RawFunc
}

// Server accepts sockets and serves the request frames arriving on them.
// Routes may be added while sockets are open.
type Server struct {
	cfg      ServerConfig
	pipeline *middleware.Pipeline
	logger   logging.ServiceLogger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	state  serverState
	routes map[string]*route

	sessMu   sync.Mutex
	sessions map[*socket]struct{}
	sessWG   sync.WaitGroup
	base     context.Context
	cancel   context.CancelFunc

	server   *nethttp.Server
	listener net.Listener
}

// NewServer builds a server. Nothing listens until Start, but Handler can
// be mounted right away.
func NewServer(cfg ServerConfig, logger logging.ServiceLogger) (*Server, error) {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		routes:   map[string]*route{},
		sessions: map[*socket]struct{}{},
		base:     base,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout:  DefaultHandshakeTimeout,
		Subprotocols:      append([]string{Subprotocol}, cfg.Subprotocols...),
		EnableCompression: cfg.Compression,
		CheckOrigin:       cfg.CheckOrigin,
	}
	return s, nil
}

// Register serves h for frames addressed to its route.
func (s *Server) Register(h handlers.Handler) error {
	if h.Func == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(h.Route, &route{handler: h})
}

// HandleRaw serves fn for raw frames addressed to name.
func (s *Server) HandleRaw(name string, fn handlers.RawFunc) error {
	if fn == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(name, &route{raw: handlers.Recover(name, fn, s.logger)})
}

// Handle serves a typed handler at name.
func Handle[T, R any](s *Server, name string, h handlers.Typed[T, R]) error {
	wrapped, err := handlers.Wrap(name, h, s.logger)
	if err != nil {
		return err
	}
	return s.Register(wrapped)
}

func (s *Server) add(name string, r *route) error {
	name = strings.Trim(name, "/")
	if name == "" {
		return qerrors.ErrRouteRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDrained {
		return qerrors.ErrServerDrained
	}
	if _, dup := s.routes[name]; dup {
		return qerrors.ErrDuplicateHandler
	}
	s.routes[name] = r
	return nil
}

func (s *Server) lookup(name string) (*route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[strings.Trim(name, "/")]
	return r, ok
}

// Handler returns the router accepting sockets at the configured path.
func (s *Server) Handler() nethttp.Handler {
	r := chi.NewRouter()
	r.Get(s.cfg.Path, s.ServeHTTP)
	return r
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (s *Server) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.mu.RLock()
	drained := s.state == stateDrained
	s.mu.RUnlock()
	if drained {
		nethttp.Error(w, "server is shutting down", nethttp.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", logging.LogFields{"error": err.Error(), "remote_addr": r.RemoteAddr})
		return
	}
	sock := newSocket(ws, s.cfg.MaxMessageSize, s.cfg.PingInterval)
	if !s.track(sock) {
		sock.close(websocket.CloseGoingAway, "server is shutting down")
		return
	}
	defer s.untrack(sock)
	s.serveSocket(sock, metadata.FromHTTP(r.Header), peerCertificates(r))
}

func (s *Server) track(sock *socket) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateDrained {
		return false
	}
	s.sessMu.Lock()
	s.sessions[sock] = struct{}{}
	s.sessWG.Add(1)
	s.sessMu.Unlock()
	return true
}

func (s *Server) untrack(sock *socket) {
	s.sessMu.Lock()
	delete(s.sessions, sock)
	s.sessMu.Unlock()
	s.sessWG.Done()
}

func (s *Server) serveSocket(sock *socket, headers metadata.Metadata, certs []*x509.Certificate) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	defer func() {
		_ = g.Wait()
		sock.close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := sock.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sock.closed() {
				s.logger.Debug("WebSocket read ended", logging.LogFields{"error": err.Error()})
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.logger.Info("Dropping malformed frame", logging.LogFields{"error": err.Error()})
			continue
		}
		g.Go(func() error {
			s.serveFrame(sock, headers, certs, f)
			return nil
		})
	}
}

func (s *Server) serveFrame(sock *socket, headers metadata.Metadata, certs []*x509.Certificate, f frame) {
	ctx := handlers.WithRequest(s.base, handlers.Request{
		Route:     f.Route,
		Transport: TransportName,
		Headers:   headers,
	})

	var reply frame
	switch f.Type {
	case frameRequest:
		env := s.serveEnvelope(ctx, headers, certs, f)
		data, err := codec.Encode(env)
		if err != nil {
			s.logger.Error("Failed to encode reply", err, logging.LogFields{logging.FieldRoute: f.Route})
			data, _ = codec.Encode(handlers.ErrorReply(env.Meta, err, 0))
		}
		reply = frame{Type: frameResponse, ID: f.ID, Data: data}
	case frameRawRequest:
		reply = frame{Type: frameRawResponse, ID: f.ID}
		rt, ok := s.lookup(f.Route)
		if !ok || rt.raw == nil {
			reply.Error = handlers.ErrorReply(envelope.Meta{}, qerrors.FeatureNotEnabled("no raw handler for route %q", f.Route), 0).Error
			break
		}
		out, err := rt.raw(ctx, f.Body)
		if err != nil {
			reply.Error = handlers.ErrorReply(envelope.Meta{}, err, 0).Error
			break
		}
		reply.Body = out
	default:
		s.logger.Info("Dropping frame of unknown type", logging.LogFields{"type": f.Type, logging.FieldRequestID: f.ID})
		return
	}

	if err := sock.write(reply); err != nil {
		s.logger.Debug("Reply not delivered", logging.LogFields{logging.FieldRequestID: f.ID, "error": err.Error()})
	}
}

func (s *Server) serveEnvelope(ctx context.Context, headers metadata.Metadata, certs []*x509.Certificate, f frame) envelope.RawEnvelope {
	start := time.Now()
	req, err := codec.DecodeRaw(f.Data)
	if err != nil {
		return handlers.ErrorReply(envelope.Meta{RequestID: f.ID}, err, time.Since(start))
	}
	rt, ok := s.lookup(f.Route)
	if !ok || rt.handler.Func == nil {
		return handlers.ErrorReply(req.Meta, qerrors.FeatureNotEnabled("no handler for route %q", f.Route), time.Since(start))
	}

	ec, err := s.pipeline.ProcessIncoming(ctx, middleware.Incoming{
		Headers:          headers,
		Meta:             &req.Meta,
		PeerCertificates: certs,
	})
	if err != nil {
		return handlers.ErrorReply(req.Meta, err, time.Since(start))
	}
	req.Meta = ec.Meta()
	ctx = envctx.WithContext(ctx, ec)

	reply, err := rt.handler.Handle(ctx, req)
	if err != nil && reply.Error == nil {
		reply = handlers.ErrorReply(req.Meta, err, time.Since(start))
	}
	return reply
}

// Start listens and serves sockets in the background.
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
		return qerrors.Wrap(qerrors.KindConfig, err, "websocket tls")
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
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultHandshakeTimeout,
		TLSConfig:         tlsCfg,
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
			s.logger.Error("WebSocket server stopped", err, logging.LogFields{"address": l.Addr().String()})
		}
	}()
	s.logger.Info("WebSocket server started", logging.LogFields{"address": l.Addr().String(), "path": s.cfg.Path})
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

// Shutdown stops accepting sockets, closes the open ones and waits for
// their in-flight requests. When ctx expires first, the handlers' context
// is cancelled. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDrained {
		s.mu.Unlock()
		return nil
	}
	s.state = stateDrained
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}

	s.sessMu.Lock()
	for sock := range s.sessions {
		sock.close(websocket.CloseGoingAway, "server is shutting down")
	}
	s.sessMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return qerrors.Timeout(qerrors.KindTransport, "websocket server shutdown")
	}
}

func peerCertificates(r *nethttp.Request) []*x509.Certificate {
	if r.TLS == nil {
		return nil
	}
	return r.TLS.PeerCertificates
}

var _ transport.Receiver = (*Server)(nil)
