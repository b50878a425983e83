package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/logging"
)

type echoRequest struct {
	Msg string `json:"msg"`
}

type echoReply struct {
	Reply string `json:"reply"`
}

func echo(_ context.Context, req echoRequest) (echoReply, error) {
	return echoReply{Reply: "Received: " + req.Msg}, nil
}

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testConfig returns defaults with every admin listener switched off.
func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.MetricsEnabled = false
	cfg.IntrospectionEnabled = false
	cfg.DetectionTimeout = time.Second
	cfg.NATSRequestTimeout = 2 * time.Second
	cfg.GRPCTimeout = 2 * time.Second
	cfg.HTTPTimeout = 2 * time.Second
	return cfg
}

func runBroker(t *testing.T) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *server.Server) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func newTestRuntime(t *testing.T, cfg config.Config, opts Options) *Runtime {
	t.Helper()
	rt, err := New(cfg, newTestLogger(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, rt.Start(ctx))
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

// recordingLogger keeps every record for assertions.
type recordingLogger struct {
	mu     *sync.Mutex
	logs   *[]logEntry
	fields logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, logs: &[]logEntry{}}
}

func (l *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	return &recordingLogger{mu: l.mu, logs: l.logs, fields: logging.Merge(l.fields, fields)}
}

func (l *recordingLogger) Debug(msg string, fields logging.LogFields) {
	l.add("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields logging.LogFields) {
	l.add("info", msg, nil, fields)
}

func (l *recordingLogger) Trace(msg string, fields logging.LogFields) {
	l.add("trace", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.add("error", msg, err, fields)
}

func (l *recordingLogger) add(level, msg string, err error, fields logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.logs = append(*l.logs, logEntry{level: level, msg: msg, err: err, fields: logging.Merge(l.fields, fields)})
}

func (l *recordingLogger) entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.logs...)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	for _, e := range l.entries() {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}
