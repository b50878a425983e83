// Package nats carries envelopes over a NATS subject broker: a Client for
// request/reply, publish and raw requests, and a Server that dispatches
// subscriptions (optionally in queue groups) to registered handlers. Both
// can share one *nats.Conn; neither closes a connection it did not open.
package nats

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/qollective/qollective/internal/runtime/config"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
)

// TransportName is the name used in logs and metrics.
const TransportName = "nats"

// ConnConfig describes how to reach the broker cluster.
type ConnConfig struct {
	URLs           []string
	Name           string
	NKeySeed       string
	NKeySeedFile   string
	TLS            tlsconfig.Config
	ConnectTimeout time.Duration
}

// ConnConfigFromConfig copies the NATS settings out of cfg.
func ConnConfigFromConfig(cfg config.Config) ConnConfig {
	return ConnConfig{
		URLs:         cfg.NATSURLs,
		Name:         cfg.NATSConnectionName,
		NKeySeed:     cfg.NATSNKeySeed,
		NKeySeedFile: cfg.NATSNKeySeedFile,
		TLS:          cfg.NATSTLS,
	}
}

// ConnectFunc dials the broker; tests may replace it.
var ConnectFunc = nats.Connect

// Connect opens a connection using cfg. Connection lifecycle events are
// logged through logger.
func Connect(cfg ConnConfig, logger logging.ServiceLogger) (*nats.Conn, error) {
	logger = logging.OrNop(logger)
	opts, err := connectOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	url := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		url = strings.Join(cfg.URLs, ",")
	}
	conn, err := ConnectFunc(url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, qerrors.Wrap(qerrors.KindNatsAuth, err, "authorization rejected by %s", url)
		}
		return nil, qerrors.Wrap(qerrors.KindNatsConnection, err, "connect to %s", url)
	}
	return conn, nil
}

func connectOptions(cfg ConnConfig, logger logging.ServiceLogger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, logging.LogFields{logging.FieldEndpoint: nc.ConnectedUrlRedacted()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", logging.LogFields{logging.FieldEndpoint: nc.ConnectedUrlRedacted()})
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := logging.LogFields{}
			if sub != nil {
				fields[logging.FieldSubject] = sub.Subject
			}
			logger.Error("NATS async error", err, fields)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	tlsCfg, err := cfg.TLS.Client()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "nats tls")
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	switch {
	case cfg.NKeySeed != "" && cfg.NKeySeedFile != "":
		return nil, qerrors.Config("nats: nkey seed and seed file are mutually exclusive")
	case cfg.NKeySeedFile != "":
		raw, err := os.ReadFile(cfg.NKeySeedFile)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindConfig, err, "read nkey seed file")
		}
		opt, err := nkeyOption(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	case cfg.NKeySeed != "":
		opt, err := nkeyOption(cfg.NKeySeed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func nkeyOption(seed string) (nats.Option, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindNatsAuth, err, "invalid nkey seed")
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindNatsAuth, err, "derive nkey public key")
	}
	return nats.Nkey(pub, kp.Sign), nil
}

// requireConnected rejects handles that cannot be shared.
func requireConnected(conn *nats.Conn) error {
	if conn == nil {
		return qerrors.ErrConnectionMissing
	}
	if status := conn.Status(); status != nats.CONNECTED {
		return qerrors.New(qerrors.KindNatsConnection, "shared connection is %v, want CONNECTED", status)
	}
	return nil
}

// flushTimeout derives a flush budget from a shutdown deadline.
func flushTimeout(deadline time.Time, ok bool) time.Duration {
	if !ok {
		return 5 * time.Second
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}
