package discovery

import (
	"context"
	"time"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	qnats "github.com/qollective/qollective/transport/nats"
)

// HandlerOptions tunes the default discovery handlers.
type HandlerOptions struct {
	// QueueGroup defaults to DefaultQueueGroup.
	QueueGroup string
	// HeartbeatInterval is advertised to registering agents; it defaults
	// to a third of the registry TTL when the registry exposes one.
	HeartbeatInterval time.Duration
	Logger            logging.ServiceLogger
}

type ttlRegistry interface {
	TTL() time.Duration
}

// RegisterHandlers installs the four default discovery handlers on srv,
// each forwarding to reg.
func RegisterHandlers(srv *qnats.Server, reg Registry, opts HandlerOptions) error {
	if reg == nil {
		return qerrors.Config("discovery: registry is required")
	}
	queue := opts.QueueGroup
	if queue == "" {
		queue = DefaultQueueGroup
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultTTL / 3
		if r, ok := reg.(ttlRegistry); ok {
			interval = r.TTL() / 3
		}
	}
	logger := logging.OrNop(opts.Logger)

	if err := qnats.SubscribeQueueGroup(srv, SubjectRegister, queue, func(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
		agent, err := reg.Register(ctx, req.Agent)
		if err != nil {
			return RegisterResponse{}, err
		}
		logger.Info("Agent registered", logging.LogFields{"agent_id": agent.ID, "agent_name": agent.Name})
		return RegisterResponse{Agent: agent, HeartbeatInterval: interval}, nil
	}); err != nil {
		return err
	}

	if err := qnats.SubscribeQueueGroup(srv, SubjectQuery, queue, func(ctx context.Context, req QueryRequest) (QueryResponse, error) {
		agents, err := reg.Query(ctx, req)
		if err != nil {
			return QueryResponse{}, err
		}
		return QueryResponse{Agents: agents}, nil
	}); err != nil {
		return err
	}

	if err := qnats.SubscribeQueueGroup(srv, SubjectHeartbeat, queue, func(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
		known, err := reg.Heartbeat(ctx, req.AgentID, req.Status)
		if err != nil {
			return HeartbeatResponse{}, err
		}
		return HeartbeatResponse{Known: known}, nil
	}); err != nil {
		return err
	}

	return qnats.SubscribeQueueGroup(srv, SubjectDeregister, queue, func(ctx context.Context, req DeregisterRequest) (DeregisterResponse, error) {
		if req.AgentID == "" {
			return DeregisterResponse{}, qerrors.Validation("agent id is required")
		}
		removed, err := reg.Deregister(ctx, req.AgentID)
		if err != nil {
			return DeregisterResponse{}, err
		}
		if removed {
			logger.Info("Agent deregistered", logging.LogFields{"agent_id": req.AgentID})
		}
		return DeregisterResponse{Removed: removed}, nil
	})
}
