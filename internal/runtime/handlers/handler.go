package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
)

// Func is the type-erased form of a handler. It receives the decoded request
// envelope and returns the reply envelope. When err is non-nil the reply is
// the matching error envelope, so transports that answer with a body can
// send it unchanged.
type Func func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error)

// Typed is the application-facing handler signature. The incoming request
// context is bound to ctx and can be read with envctx.Current.
type Typed[T, R any] func(ctx context.Context, req T) (R, error)

// RawFunc serves a route that carries plain bytes instead of envelopes.
type RawFunc func(ctx context.Context, body []byte) ([]byte, error)

// Handler is one registered route.
type Handler struct {
	Route        string
	RequestType  string
	ResponseType string
	Func         Func
}

// Handle runs the handler.
func (h Handler) Handle(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return h.Func(ctx, req)
}

// Wrap adapts a typed handler into a Handler. The wrapper decodes the
// payload into T, recovers panics as Internal errors, builds the reply meta
// from the request meta and stamps the responder timings.
func Wrap[T, R any](route string, h Typed[T, R], logger logging.ServiceLogger) (Handler, error) {
	if h == nil {
		return Handler{}, qerrors.ErrHandlerRequired
	}
	if route == "" {
		return Handler{}, qerrors.ErrRouteRequired
	}
	logger = logging.OrNop(logger)

	fn := func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		start := time.Now()
		reqMeta := req.Meta
		if cur, ok := envctx.FromContext(ctx); ok {
			reqMeta = cur.Meta()
		} else {
			ctx = envctx.WithMeta(ctx, req.Meta)
		}
		fields := logging.LogFields{
			logging.FieldRoute:     route,
			logging.FieldRequestID: reqMeta.RequestID,
			logging.FieldTenant:    reqMeta.Tenant,
		}

		if req.Error != nil {
			err := qerrors.Envelope("request carries an error member")
			return ErrorReply(reqMeta, err, time.Since(start)), err
		}
		typed, err := envelope.FromRaw[T](req)
		if err != nil {
			err = qerrors.Deserialization(err, req.Payload)
			logger.Error("Failed to decode request payload", err, fields)
			return ErrorReply(reqMeta, err, time.Since(start)), err
		}

		out, err := invoke(ctx, h, typed.Payload, logger, fields)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("Handler failed", err, logging.Merge(fields, logging.LogFields{
				logging.FieldProcessingTime: durationMS(elapsed),
			}))
			return ErrorReply(reqMeta, err, elapsed), err
		}

		meta := envelope.PreserveForResponse(reqMeta)
		Stamp(&meta, elapsed)
		raw, err := envelope.ToRaw(envelope.New(meta, out))
		if err != nil {
			err = qerrors.Serialization(err, nil)
			logger.Error("Failed to encode reply payload", err, fields)
			return ErrorReply(reqMeta, err, elapsed), err
		}
		return raw, nil
	}

	return Handler{
		Route:        route,
		RequestType:  typeName[T](),
		ResponseType: typeName[R](),
		Func:         fn,
	}, nil
}

func invoke[T, R any](ctx context.Context, h Typed[T, R], req T, logger logging.ServiceLogger, fields logging.LogFields) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked", fmt.Errorf("%v", r), logging.Merge(fields, logging.LogFields{
				"stack": string(debug.Stack()),
			}))
			err = &qerrors.Error{Kind: qerrors.KindInternal, Message: "handler panicked", Err: fmt.Errorf("%v", r)}
		}
	}()
	return h(ctx, req)
}

// Recover wraps a raw handler so a panic surfaces as an Internal error.
func Recover(route string, fn RawFunc, logger logging.ServiceLogger) RawFunc {
	logger = logging.OrNop(logger)
	return func(ctx context.Context, body []byte) (out []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Raw handler panicked", fmt.Errorf("%v", r), logging.LogFields{logging.FieldRoute: route})
				err = qerrors.Internal("handler panicked")
			}
		}()
		return fn(ctx, body)
	}
}

// ErrorReply builds the error envelope answering a request whose handling
// failed. The code is the error kind; unexpected failures never expose their
// cause to the caller.
func ErrorReply(reqMeta envelope.Meta, err error, elapsed time.Duration) envelope.RawEnvelope {
	kind := qerrors.KindOf(err)
	message := "internal error"
	var e *qerrors.Error
	if kind != qerrors.KindInternal && errors.As(err, &e) {
		message = e.Message
	}
	reply := envelope.ReplyError[struct{}](reqMeta, kind.String(), message, nil)
	Stamp(&reply.Meta, elapsed)
	return envelope.RawEnvelope{Meta: reply.Meta, Error: reply.Error}
}

// Stamp records the responder-measured timings on reply meta.
func Stamp(meta *envelope.Meta, elapsed time.Duration) {
	meta.SetDuration(elapsed)
	ms := durationMS(elapsed)
	meta.EnsurePerformance().ProcessingTimeMS = &ms
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func typeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
