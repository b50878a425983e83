package http

import (
	nethttp "net/http"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// StatusForKind maps an error kind onto the response status of an error
// envelope.
func StatusForKind(kind qerrors.Kind) int {
	switch {
	case kind.IsTimeout():
		return nethttp.StatusGatewayTimeout
	case kind.IsNotFound():
		return nethttp.StatusNotFound
	}
	switch kind {
	case qerrors.KindValidation, qerrors.KindSerialization, qerrors.KindDeserialization, qerrors.KindEnvelope:
		return nethttp.StatusBadRequest
	case qerrors.KindSecurity, qerrors.KindTenantExtraction:
		return nethttp.StatusUnauthorized
	case qerrors.KindFeatureNotEnabled:
		return nethttp.StatusNotImplemented
	case qerrors.KindConnection, qerrors.KindTransport, qerrors.KindExternal:
		return nethttp.StatusServiceUnavailable
	case qerrors.KindRemote:
		return nethttp.StatusBadGateway
	}
	return nethttp.StatusInternalServerError
}

func statusForError(err error) int {
	if qerrors.IsTimeout(err) {
		return nethttp.StatusGatewayTimeout
	}
	return StatusForKind(qerrors.KindOf(err))
}

// retryableStatus reports whether an idempotent request may be repeated
// after receiving status.
func retryableStatus(status int) bool {
	return status == nethttp.StatusTooManyRequests || status >= 500
}
