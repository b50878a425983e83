package discovery

import (
	"context"
	"time"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	qnats "github.com/qollective/qollective/transport/nats"
)

// Client is the agent side of the discovery protocol.
type Client struct {
	nats   *qnats.Client
	logger logging.ServiceLogger
}

// NewClient builds a discovery client on top of a broker client.
func NewClient(c *qnats.Client, logger logging.ServiceLogger) *Client {
	return &Client{nats: c, logger: logging.OrNop(logger)}
}

// Register announces agent and returns the stored entry and the heartbeat
// interval the registry expects.
func (c *Client) Register(ctx context.Context, agent AgentInfo) (RegisterResponse, error) {
	resp, err := qnats.Request[RegisterRequest, RegisterResponse](ctx, c.nats, SubjectRegister, envelope.NewRequest(RegisterRequest{Agent: agent}))
	if err != nil {
		return RegisterResponse{}, discoveryError(err, "register agent")
	}
	return resp.Payload, nil
}

// Query returns the live agents matching q.
func (c *Client) Query(ctx context.Context, q QueryRequest) ([]AgentInfo, error) {
	resp, err := qnats.Request[QueryRequest, QueryResponse](ctx, c.nats, SubjectQuery, envelope.NewRequest(q))
	if err != nil {
		return nil, discoveryError(err, "query agents")
	}
	return resp.Payload.Agents, nil
}

// Heartbeat refreshes the agent's liveness. It reports false when the
// registry no longer knows the agent, which means it must register again.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status AgentStatus) (bool, error) {
	resp, err := qnats.Request[HeartbeatRequest, HeartbeatResponse](ctx, c.nats, SubjectHeartbeat, envelope.NewRequest(HeartbeatRequest{AgentID: agentID, Status: status}))
	if err != nil {
		return false, discoveryError(err, "heartbeat")
	}
	return resp.Payload.Known, nil
}

// Deregister removes the agent.
func (c *Client) Deregister(ctx context.Context, agentID string) (bool, error) {
	resp, err := qnats.Request[DeregisterRequest, DeregisterResponse](ctx, c.nats, SubjectDeregister, envelope.NewRequest(DeregisterRequest{AgentID: agentID}))
	if err != nil {
		return false, discoveryError(err, "deregister agent")
	}
	return resp.Payload.Removed, nil
}

// KeepAlive registers agent and heartbeats at the advertised interval until
// ctx is done, re-registering whenever the registry has forgotten it. The
// agent is deregistered on the way out.
func (c *Client) KeepAlive(ctx context.Context, agent AgentInfo) error {
	reg, err := c.Register(ctx, agent)
	if err != nil {
		return err
	}
	agent.ID = reg.Agent.ID
	interval := reg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultTTL / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := c.Deregister(leaveCtx, agent.ID); err != nil {
				c.logger.Error("Failed to deregister agent", err, logging.LogFields{"agent_id": agent.ID})
			}
			return nil
		case <-ticker.C:
			known, err := c.Heartbeat(ctx, agent.ID, agent.Status)
			if err != nil {
				c.logger.Error("Heartbeat failed", err, logging.LogFields{"agent_id": agent.ID})
				continue
			}
			if !known {
				if _, err := c.Register(ctx, agent); err != nil {
					c.logger.Error("Failed to re-register agent", err, logging.LogFields{"agent_id": agent.ID})
				}
			}
		}
	}
}

// discoveryError classifies broker failures as discovery failures and keeps
// errors the registry reported.
func discoveryError(err error, op string) error {
	switch qerrors.KindOf(err) {
	case qerrors.KindNatsConnection, qerrors.KindNatsSubject, qerrors.KindNatsMessage:
		return qerrors.Wrap(qerrors.KindNatsDiscovery, err, "discovery: %s", op)
	}
	return err
}
