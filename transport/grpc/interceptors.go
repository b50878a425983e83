package grpc

import (
	"context"
	"crypto/x509"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/protoenv"
)

// outboundInterceptor writes envelope meta into outgoing metadata. Metadata
// already on the context is kept; a bearer token there suppresses the
// tenant header.
func outboundInterceptor(pipeline *middleware.Pipeline) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		existing, _ := grpcmd.FromOutgoingContext(ctx)
		meta := &envelope.Meta{}
		if pe, ok := req.(*protoenv.Envelope); ok {
			meta = &pe.Meta
		}
		headers := pipeline.ProcessOutgoing(ctx, meta, metadata.FromGRPC(existing))
		return invoker(grpcmd.NewOutgoingContext(ctx, headers.ToGRPC()), method, req, reply, cc, opts...)
	}
}

// inboundInterceptor runs the incoming pipeline for every call the
// envelope service receives. The envelope context is bound once the request
// message has been read, because the body meta takes part in the merge.
func inboundInterceptor(pipeline *middleware.Pipeline) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		md, _ := grpcmd.FromIncomingContext(ctx)
		headers := metadata.FromGRPC(md)
		ctx = handlers.WithRequest(ctx, handlers.Request{
			Route:     info.FullMethod,
			Transport: TransportName,
			Headers:   headers,
		})
		return handler(srv, &envelopeStream{
			ServerStream: ss,
			ctx:          ctx,
			pipeline:     pipeline,
			headers:      headers,
			certs:        peerCertificates(ctx),
		})
	}
}

type envelopeStream struct {
	grpc.ServerStream
	ctx      context.Context
	pipeline *middleware.Pipeline
	headers  metadata.Metadata
	certs    []*x509.Certificate
	bound    bool
}

func (s *envelopeStream) Context() context.Context {
	return s.ctx
}

func (s *envelopeStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	if s.bound {
		return nil
	}
	in := middleware.Incoming{Headers: s.headers, PeerCertificates: s.certs}
	pe, isEnvelope := m.(*protoenv.Envelope)
	if isEnvelope {
		in.Meta = &pe.Meta
	}
	ec, err := s.pipeline.ProcessIncoming(s.ctx, in)
	if err != nil {
		return err
	}
	if isEnvelope {
		pe.Meta = ec.Meta()
	}
	s.ctx = envctx.WithContext(s.ctx, ec)
	s.bound = true
	return nil
}

func peerCertificates(ctx context.Context) []*x509.Certificate {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return nil
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil
	}
	return info.State.PeerCertificates
}
