package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
)

// TrailerErrorKind carries the exact error kind next to the status code so
// a qollective client can rebuild it; other clients see only the code.
const TrailerErrorKind = "x-qollective-error-kind"

// CodeForKind maps an error kind onto a wire status code.
func CodeForKind(kind qerrors.Kind) codes.Code {
	switch {
	case kind.IsTimeout():
		return codes.DeadlineExceeded
	case kind.IsNotFound():
		return codes.NotFound
	}
	switch kind {
	case qerrors.KindValidation, qerrors.KindSerialization, qerrors.KindDeserialization, qerrors.KindEnvelope:
		return codes.InvalidArgument
	case qerrors.KindConfig:
		return codes.FailedPrecondition
	case qerrors.KindConnection, qerrors.KindTransport, qerrors.KindExternal:
		return codes.Unavailable
	case qerrors.KindSecurity, qerrors.KindTenantExtraction:
		return codes.Unauthenticated
	case qerrors.KindFeatureNotEnabled:
		return codes.Unimplemented
	case qerrors.KindRemote:
		return codes.Unknown
	}
	return codes.Internal
}

// KindForCode is the inverse used when no kind trailer is present.
func KindForCode(code codes.Code) qerrors.Kind {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return qerrors.KindValidation
	case codes.FailedPrecondition:
		return qerrors.KindConfig
	case codes.Unavailable:
		return qerrors.KindConnection
	case codes.Unauthenticated, codes.PermissionDenied:
		return qerrors.KindSecurity
	case codes.NotFound:
		return qerrors.KindAgentNotFound
	case codes.Unimplemented:
		return qerrors.KindFeatureNotEnabled
	case codes.DeadlineExceeded:
		return qerrors.KindTransport
	case codes.Unknown:
		return qerrors.KindRemote
	}
	return qerrors.KindGrpc
}

// toStatus converts a handler or pipeline failure into a status error. The
// message follows the error reply rules, so unexpected failures stay opaque.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isQollective(err) {
		return err
	}
	kind := qerrors.KindOf(err)
	code := CodeForKind(kind)
	if qerrors.IsTimeout(err) {
		code = codes.DeadlineExceeded
	}
	_ = grpc.SetTrailer(ctx, grpcmd.Pairs(TrailerErrorKind, kind.String()))
	return status.Error(code, handlers.ErrorReply(envelope.Meta{}, err, 0).Error.Message)
}

func isQollective(err error) bool {
	var e *qerrors.Error
	return errors.As(err, &e)
}

// fromStatus rebuilds a qollective error from a call failure. trailer may
// be nil.
func fromStatus(err error, trailer grpcmd.MD, target string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return qerrors.Timeout(qerrors.KindGrpc, "call to %s timed out", target)
	}
	st, ok := status.FromError(err)
	if !ok {
		return qerrors.Wrap(qerrors.KindGrpc, err, "call %s", target)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return qerrors.Timeout(qerrors.KindGrpc, "call to %s timed out: %s", target, st.Message())
	case codes.Canceled:
		return qerrors.Wrap(qerrors.KindGrpc, context.Canceled, "call to %s cancelled", target)
	}
	kind := KindForCode(st.Code())
	if vals := trailer.Get(TrailerErrorKind); len(vals) > 0 {
		kind = qerrors.ParseKind(vals[0])
	}
	if st.Code() == codes.Unavailable && len(trailer.Get(TrailerErrorKind)) == 0 {
		return qerrors.Wrap(qerrors.KindConnection, err, "call %s", target)
	}
	return &qerrors.Error{Kind: kind, Message: st.Message(), Err: err}
}
