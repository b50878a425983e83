package nats

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

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

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// runBroker starts an embedded broker on a random port.
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

func newTestClient(t *testing.T, conn *nats.Conn) *Client {
	t.Helper()
	client, err := ClientFromConn(conn, ClientConfig{RequestTimeout: 2 * time.Second}, newTestLogger())
	require.NoError(t, err)
	return client
}

func startServer(t *testing.T, conn *nats.Conn, register func(*Server)) *Server {
	t.Helper()
	srv, err := ServerFromConn(conn, ServerConfig{}, newTestLogger())
	require.NoError(t, err)
	register(srv)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}
