package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/transport"
)

// DefaultPendingLimit is the number of messages buffered per subscription
// before the broker starts dropping for this subscriber.
const DefaultPendingLimit = 1024

// ServerConfig configures a Server.
type ServerConfig struct {
	Conn         ConnConfig
	Pipeline     *middleware.Pipeline
	PendingLimit int
}

type serverState int

const (
	stateRegistered serverState = iota
	stateRunning
	stateDrained
)

type routeKey struct {
	subject string
	queue   string
}

type route struct {
	key     routeKey
	handler handlers.Handler
	raw     handlers.RawFunc
	sub     *nats.Subscription
	msgs    chan *nats.Msg
}

// Server dispatches subscriptions to registered handlers. Each subscription
// is served by its own goroutine, so handlers for one subject run in
// arrival order.
type Server struct {
	conn     *nats.Conn
	ownsConn bool
	pipeline *middleware.Pipeline
	pending  int
	logger   logging.ServiceLogger

	mu     sync.RWMutex
	state  serverState
	routes map[routeKey]*route
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer connects to the broker and owns the resulting connection.
func NewServer(cfg ServerConfig, logger logging.ServiceLogger) (*Server, error) {
	conn, err := Connect(cfg.Conn, logger)
	if err != nil {
		return nil, err
	}
	s := newServer(conn, cfg, logger)
	s.ownsConn = true
	return s, nil
}

// ServerFromConn builds a server on an existing connection. Shutdown leaves
// that connection open.
func ServerFromConn(conn *nats.Conn, cfg ServerConfig, logger logging.ServiceLogger) (*Server, error) {
	if err := requireConnected(conn); err != nil {
		return nil, err
	}
	return newServer(conn, cfg, logger), nil
}

func newServer(conn *nats.Conn, cfg ServerConfig, logger logging.ServiceLogger) *Server {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	pending := cfg.PendingLimit
	if pending <= 0 {
		pending = DefaultPendingLimit
	}
	return &Server{
		conn:     conn,
		pipeline: pipeline,
		pending:  pending,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		routes:   map[routeKey]*route{},
	}
}

// Conn returns the underlying connection.
func (s *Server) Conn() *nats.Conn {
	return s.conn
}

// Register subscribes h on the subject named by its route.
func (s *Server) Register(h handlers.Handler) error {
	return s.RegisterQueue(h, "")
}

// RegisterQueue subscribes h in queue group queue, so each message on the
// subject reaches exactly one member of the group. An empty queue is a
// plain subscription.
func (s *Server) RegisterQueue(h handlers.Handler, queue string) error {
	if h.Func == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(&route{key: routeKey{subject: h.Route, queue: queue}, handler: h})
}

// HandleRaw subscribes fn on the non-enveloped path. Failures are reported
// to the requester through the Nats-Service-Error headers.
func (s *Server) HandleRaw(subject, queue string, fn handlers.RawFunc) error {
	if fn == nil {
		return qerrors.ErrHandlerRequired
	}
	return s.add(&route{key: routeKey{subject: subject, queue: queue}, raw: handlers.Recover(subject, fn, s.logger)})
}

// Handle registers a typed handler on subject.
func Handle[T, R any](s *Server, subject string, h handlers.Typed[T, R]) error {
	return SubscribeQueueGroup(s, subject, "", h)
}

// SubscribeQueueGroup registers a typed handler on subject in queue group queue.
func SubscribeQueueGroup[T, R any](s *Server, subject, queue string, h handlers.Typed[T, R]) error {
	wrapped, err := handlers.Wrap(subject, h, s.logger)
	if err != nil {
		return err
	}
	return s.RegisterQueue(wrapped, queue)
}

func (s *Server) add(r *route) error {
	if r.key.subject == "" {
		return qerrors.ErrRouteRequired
	}
	if err := transport.ValidateSubject(r.key.subject); err != nil {
		return err
	}
	if r.key.queue != "" {
		if err := transport.ValidateQueueGroup(r.key.queue); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDrained {
		return qerrors.ErrServerDrained
	}
	if _, exists := s.routes[r.key]; exists {
		return qerrors.ErrDuplicateHandler
	}
	if s.state == stateRunning {
		if err := s.subscribe(r); err != nil {
			return err
		}
	}
	s.routes[r.key] = r
	return nil
}

// Start subscribes every registered route and returns once the broker has
// acknowledged the subscriptions. Handlers run under a context derived
// from ctx that is not cancelled when ctx is.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return qerrors.ErrServerRunning
	case stateDrained:
		return qerrors.ErrServerDrained
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, r := range s.routes {
		if err := s.subscribe(r); err != nil {
			s.unsubscribeLocked()
			s.cancel()
			return err
		}
	}
	s.state = stateRunning

	if err := s.conn.Flush(); err != nil {
		return qerrors.Wrap(qerrors.KindNatsConnection, err, "flush subscriptions")
	}
	s.logger.Info("NATS server started", logging.LogFields{"routes": len(s.routes)})
	return nil
}

// subscribe must be called with s.mu held and s.base set.
func (s *Server) subscribe(r *route) error {
	r.msgs = make(chan *nats.Msg, s.pending)
	var err error
	if r.key.queue == "" {
		r.sub, err = s.conn.ChanSubscribe(r.key.subject, r.msgs)
	} else {
		r.sub, err = s.conn.ChanQueueSubscribe(r.key.subject, r.key.queue, r.msgs)
	}
	if err != nil {
		return qerrors.Wrap(qerrors.KindNatsSubject, err, "subscribe %s", r.key.subject)
	}
	s.wg.Add(1)
	go s.dispatch(s.base, r)
	return nil
}

func (s *Server) unsubscribeLocked() {
	for _, r := range s.routes {
		if r.sub == nil {
			continue
		}
		if err := r.sub.Unsubscribe(); err != nil && s.conn.IsConnected() {
			s.logger.Error("Failed to unsubscribe", err, logging.LogFields{logging.FieldSubject: r.key.subject})
		}
		r.sub = nil
	}
}

func (s *Server) dispatch(ctx context.Context, r *route) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.rejectPending(r)
			return
		case msg := <-r.msgs:
			s.serve(ctx, r, msg)
		}
	}
}

// rejectPending answers messages that arrived before the subscription was
// removed but were never dispatched.
func (s *Server) rejectPending(r *route) {
	for {
		select {
		case msg := <-r.msgs:
			if msg.Reply == "" {
				continue
			}
			s.respondError(msg, r, envelope.Meta{}, qerrors.Transport("server is shutting down"), 0)
		default:
			return
		}
	}
}

func (s *Server) serve(ctx context.Context, r *route, msg *nats.Msg) {
	start := time.Now()
	headers := metadata.FromNATS(msg.Header)
	ctx = handlers.WithRequest(ctx, handlers.Request{
		Route:      r.key.subject,
		Transport:  TransportName,
		QueueGroup: r.key.queue,
		Headers:    headers,
	})

	if r.raw != nil {
		s.serveRaw(ctx, r, msg, start)
		return
	}

	req, err := codec.DecodeRaw(msg.Data)
	if err != nil {
		s.respondError(msg, r, envelope.Meta{}, err, time.Since(start))
		return
	}
	ec, err := s.pipeline.ProcessIncoming(ctx, middleware.Incoming{Headers: headers, Meta: &req.Meta})
	if err != nil {
		s.respondError(msg, r, req.Meta, err, time.Since(start))
		return
	}
	req.Meta = ec.Meta()

	resp, err := r.handler.Handle(envctx.WithContext(ctx, ec), req)
	if err != nil && resp.Error == nil {
		s.respondError(msg, r, req.Meta, err, time.Since(start))
		return
	}
	if msg.Reply == "" {
		return
	}
	body, err := codec.Encode(resp)
	if err != nil {
		s.respondError(msg, r, req.Meta, err, time.Since(start))
		return
	}
	s.respond(msg, r, &nats.Msg{Data: body, Header: metadata.FromMeta(resp.Meta).ToNATS()})
}

func (s *Server) serveRaw(ctx context.Context, r *route, msg *nats.Msg, start time.Time) {
	out, err := r.raw(ctx, msg.Data)
	if msg.Reply == "" {
		if err != nil {
			s.logger.Error("Raw handler failed", err, s.fields(r, start))
		}
		return
	}
	reply := &nats.Msg{Data: out}
	if err != nil {
		s.logger.Error("Raw handler failed", err, s.fields(r, start))
		reply = &nats.Msg{Header: nats.Header{}}
		reply.Header.Set(HeaderServiceError, errorMessage(err))
		reply.Header.Set(HeaderServiceErrorCode, qerrors.KindOf(err).String())
	}
	s.respond(msg, r, reply)
}

func (s *Server) respondError(msg *nats.Msg, r *route, reqMeta envelope.Meta, err error, elapsed time.Duration) {
	fields := s.fields(r, time.Now().Add(-elapsed))
	fields[logging.FieldRequestID] = reqMeta.RequestID
	s.logger.Error("Failed to process message", err, fields)
	if msg.Reply == "" {
		return
	}
	body, encErr := jsoncodec.Marshal(handlers.ErrorReply(reqMeta, err, elapsed))
	if encErr != nil {
		s.logger.Error("Failed to encode error reply", encErr, fields)
		return
	}
	s.respond(msg, r, &nats.Msg{Data: body})
}

func (s *Server) respond(msg *nats.Msg, r *route, reply *nats.Msg) {
	if err := msg.RespondMsg(reply); err != nil {
		s.logger.Error("Failed to send reply", err, logging.LogFields{logging.FieldSubject: r.key.subject})
	}
}

func (s *Server) fields(r *route, start time.Time) logging.LogFields {
	fields := logging.LogFields{
		logging.FieldSubject:        r.key.subject,
		logging.FieldProcessingTime: time.Since(start).Milliseconds(),
	}
	if r.key.queue != "" {
		fields[logging.FieldQueueGroup] = r.key.queue
	}
	return fields
}

// Shutdown stops accepting messages, answers anything still buffered with
// an error reply and waits for in-flight handlers until ctx expires. It is
// idempotent; a server that was never started is simply marked drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDrained {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	s.state = stateDrained
	s.unsubscribeLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = qerrors.Timeout(qerrors.KindTransport, "NATS server shutdown: handlers still running")
	}

	if wasRunning && s.conn.IsConnected() {
		deadline, ok := ctx.Deadline()
		if flushErr := s.conn.FlushTimeout(flushTimeout(deadline, ok)); flushErr != nil {
			s.logger.Error("Failed to flush replies", flushErr, nil)
		}
	}
	if s.ownsConn {
		s.conn.Close()
	}
	s.logger.Info("NATS server stopped", nil)
	return err
}

// Subjects lists the registered subject/queue pairs.
func (s *Server) Subjects() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.routes))
	for key := range s.routes {
		out = append(out, Subscription{Subject: key.subject, QueueGroup: key.queue})
	}
	return out
}

// Subscription names one registered route.
type Subscription struct {
	Subject    string `json:"subject"`
	QueueGroup string `json:"queue_group,omitempty"`
}

func errorMessage(err error) string {
	return handlers.ErrorReply(envelope.Meta{}, err, 0).Error.Message
}

var _ transport.Receiver = (*Server)(nil)
