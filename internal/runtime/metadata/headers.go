package metadata

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qollective/qollective/internal/runtime/envelope"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// Header names of the metadata mapping shared by HTTP, WebSocket upgrade,
// gRPC metadata and broker headers.
const (
	HeaderRequestID     = "x-request-id"
	HeaderTimestamp     = "x-qollective-timestamp"
	HeaderVersion       = "x-qollective-version"
	HeaderTenant        = "x-qollective-tenant"
	HeaderUserID        = "x-user-id"
	HeaderSessionID     = "x-session-id"
	HeaderTraceID       = "x-trace-id"
	HeaderSpanID        = "x-span-id"
	HeaderOnBehalfOf    = "x-on-behalf-of"
	HeaderClientIP      = "x-client-ip"
	HeaderAuthorization = "authorization"
	HeaderUserAgent     = "user-agent"
)

// MappedHeaders lists every header written by FromMeta.
var MappedHeaders = []string{
	HeaderRequestID, HeaderTimestamp, HeaderVersion, HeaderTenant, HeaderUserID,
	HeaderSessionID, HeaderTraceID, HeaderSpanID, HeaderOnBehalfOf, HeaderClientIP,
}

// FromMeta serialises meta into headers. Version and tenant are base64
// encoded; on_behalf_of is JSON, base64 encoded when the JSON is not plain
// printable ASCII.
func FromMeta(meta envelope.Meta) Metadata {
	md := Metadata{}
	md.Set(HeaderRequestID, meta.RequestID)
	if meta.Timestamp != nil {
		md.Set(HeaderTimestamp, meta.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if meta.Version != "" {
		md.Set(HeaderVersion, base64.StdEncoding.EncodeToString([]byte(meta.Version)))
	}
	if meta.Tenant != "" {
		md.Set(HeaderTenant, base64.StdEncoding.EncodeToString([]byte(meta.Tenant)))
	}
	if meta.Security != nil {
		md.Set(HeaderUserID, meta.Security.UserID)
		md.Set(HeaderSessionID, meta.Security.SessionID)
		md.Set(HeaderClientIP, meta.Security.IPAddress)
	}
	if meta.Tracing != nil {
		md.Set(HeaderTraceID, meta.Tracing.TraceID)
		md.Set(HeaderSpanID, meta.Tracing.SpanID)
	}
	if meta.OnBehalfOf != nil {
		if raw, err := jsoncodec.Marshal(meta.OnBehalfOf); err == nil {
			md.Set(HeaderOnBehalfOf, headerSafe(raw))
		}
	}
	return md
}

// ToMeta parses headers into meta. Malformed values are reported rather than
// dropped.
func (m Metadata) ToMeta() (envelope.Meta, error) {
	var meta envelope.Meta
	return meta, m.ApplyTo(&meta)
}

// ApplyTo overlays the mapped headers onto meta. Headers that are absent leave
// the corresponding field untouched.
func (m Metadata) ApplyTo(meta *envelope.Meta) error {
	if v := m.Get(HeaderRequestID); v != "" {
		meta.RequestID = v
	}
	if v := m.Get(HeaderTimestamp); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("metadata: invalid %s: %w", HeaderTimestamp, err)
		}
		ts = ts.UTC()
		meta.Timestamp = &ts
	}
	if v := m.Get(HeaderVersion); v != "" {
		decoded, err := decodeBase64(v)
		if err != nil {
			return fmt.Errorf("metadata: invalid %s: %w", HeaderVersion, err)
		}
		meta.Version = decoded
	}
	if v := m.Get(HeaderTenant); v != "" {
		decoded, err := decodeBase64(v)
		if err != nil {
			return fmt.Errorf("metadata: invalid %s: %w", HeaderTenant, err)
		}
		meta.Tenant = decoded
	}
	if v := m.Get(HeaderUserID); v != "" {
		meta.EnsureSecurity().UserID = v
	}
	if v := m.Get(HeaderSessionID); v != "" {
		meta.EnsureSecurity().SessionID = v
	}
	if v := m.Get(HeaderClientIP); v != "" {
		meta.EnsureSecurity().IPAddress = v
	}
	if v := m.Get(HeaderTraceID); v != "" {
		meta.EnsureTracing().TraceID = v
	}
	if v := m.Get(HeaderSpanID); v != "" {
		meta.EnsureTracing().SpanID = v
	}
	if v := m.Get(HeaderOnBehalfOf); v != "" {
		obo, err := parseOnBehalfOf(v)
		if err != nil {
			return fmt.Errorf("metadata: invalid %s: %w", HeaderOnBehalfOf, err)
		}
		meta.OnBehalfOf = obo
	}
	return nil
}

// BearerToken returns the token of a "Bearer" authorization header.
func (m Metadata) BearerToken() (string, bool) {
	auth := strings.TrimSpace(m.Get(HeaderAuthorization))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}

func decodeBase64(v string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("decoded value is not valid UTF-8")
	}
	return string(raw), nil
}

func headerSafe(raw []byte) string {
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return base64.StdEncoding.EncodeToString(raw)
		}
	}
	return string(raw)
}

func parseOnBehalfOf(v string) (*envelope.OnBehalfOf, error) {
	raw := []byte(v)
	if !strings.HasPrefix(strings.TrimSpace(v), "{") {
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	var obo envelope.OnBehalfOf
	if err := jsoncodec.Unmarshal(raw, &obo); err != nil {
		return nil, err
	}
	return &obo, nil
}
