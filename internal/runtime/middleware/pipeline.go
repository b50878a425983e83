// Package middleware holds the incoming and outgoing metadata transforms run
// by every transport around the codec.
package middleware

import (
	"context"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
)

// Options configures tenant extraction.
type Options struct {
	TenantExtractionEnabled bool
	// TenantSource is config.TenantSourceHeader, TenantSourceJWT or TenantSourceMTLS.
	TenantSource   string
	TenantClaim    string
	TenantFallback string
	// KeyFunc verifies bearer tokens. When nil, claims are read without
	// verification and the token is trusted as passed through by the edge.
	KeyFunc jwt.Keyfunc
}

// OptionsFromConfig copies the tenant settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TenantExtractionEnabled: cfg.TenantExtractionEnabled,
		TenantSource:            cfg.TenantSource,
		TenantClaim:             cfg.TenantClaim,
		TenantFallback:          cfg.TenantFallback,
	}
}

// DefaultOptions are used by transports built without a pipeline. Tenant
// extraction stays off unless QOLLECTIVE_TENANT_EXTRACTION enables it; a
// malformed value leaves it off.
func DefaultOptions() Options {
	cfg := config.Defaults()
	cfg.TenantExtractionEnabled = false
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		cfg.TenantExtractionEnabled = false
	}
	return OptionsFromConfig(cfg)
}

// Incoming is what a transport knows about a received request.
type Incoming struct {
	// Headers are the transport-native headers or metadata.
	Headers metadata.Metadata
	// Meta is the meta decoded from the envelope body, when the transport has one.
	Meta *envelope.Meta
	// PeerCertificates are the verified client certificates of a mutual-TLS peer.
	PeerCertificates []*x509.Certificate
	// TenantOverride is an explicit tenant chosen by the caller of the pipeline.
	TenantOverride string
}

// Pipeline runs the incoming and outgoing transforms.
type Pipeline struct {
	opts   Options
	parser *jwt.Parser
	logger logging.ServiceLogger
}

// NewPipeline builds a pipeline. A nil logger discards output.
func NewPipeline(opts Options, logger logging.ServiceLogger) *Pipeline {
	if opts.TenantClaim == "" {
		opts.TenantClaim = "tenant_id"
	}
	return &Pipeline{
		opts:   opts,
		parser: jwt.NewParser(),
		logger: logging.OrNop(logger),
	}
}

// Options returns the options the pipeline was built with.
func (p *Pipeline) Options() Options {
	return p.opts
}

// ProcessIncoming turns a received request into the context the handler runs
// under. Header-derived meta fills whatever the envelope body leaves unset.
func (p *Pipeline) ProcessIncoming(ctx context.Context, in Incoming) (*envctx.Context, error) {
	var meta envelope.Meta
	if err := in.Headers.ApplyTo(&meta); err != nil {
		return nil, qerrors.Wrap(qerrors.KindValidation, err, "incoming headers")
	}
	headerTenant := meta.Tenant
	if in.Meta != nil {
		merged := envctx.Merge(envctx.New(meta), envctx.New(*in.Meta))
		meta = merged.Meta()
	}
	if err := meta.ValidateExtensions(); err != nil {
		return nil, qerrors.Wrap(qerrors.KindEnvelope, err, "incoming meta")
	}
	if strings.TrimSpace(meta.RequestID) == "" {
		meta.RequestID = ids.NewRequestID()
	}
	if meta.Timestamp == nil {
		now := time.Now().UTC()
		meta.Timestamp = &now
	}

	if p.opts.TenantExtractionEnabled {
		envTenant := headerTenant
		if in.Meta != nil && in.Meta.Tenant != "" {
			envTenant = in.Meta.Tenant
		}
		tenant, err := p.resolveTenant(ctx, in, envTenant)
		if err != nil {
			return nil, err
		}
		meta.Tenant = tenant
	}
	return envctx.New(meta), nil
}

// resolveTenant applies the extraction policy. A bearer token carrying the
// tenant claim wins outright and per-tenant headers are ignored. Otherwise an
// explicit override (including the mTLS peer identity when that source is
// configured) wins over the envelope tenant, which wins over the tenant of
// the current context, which wins over the fallback.
func (p *Pipeline) resolveTenant(ctx context.Context, in Incoming, envTenant string) (string, error) {
	if token, ok := in.Headers.BearerToken(); ok {
		tenant, err := p.tenantFromToken(token)
		if err != nil {
			return "", err
		}
		if tenant != "" {
			p.logger.Debug("tenant taken from bearer token claim", logging.LogFields{
				logging.FieldTenant: tenant,
				"ignored_tenant":    envTenant,
			})
			return tenant, nil
		}
	}

	override := in.TenantOverride
	if override == "" && strings.EqualFold(p.opts.TenantSource, config.TenantSourceMTLS) {
		override = TenantFromCertificates(in.PeerCertificates)
	}

	switch {
	case override != "":
		return override, nil
	case envTenant != "":
		return envTenant, nil
	}
	if cur := envctx.Current(ctx).Tenant(); cur != "" {
		return cur, nil
	}
	return p.opts.TenantFallback, nil
}

func (p *Pipeline) tenantFromToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	var err error
	if p.opts.KeyFunc != nil {
		_, err = p.parser.ParseWithClaims(raw, claims, p.opts.KeyFunc)
	} else {
		_, _, err = p.parser.ParseUnverified(raw, claims)
	}
	if err != nil {
		return "", qerrors.Wrap(qerrors.KindTenantExtraction, err, "bearer token")
	}
	value, ok := claims[p.opts.TenantClaim]
	if !ok {
		return "", nil
	}
	tenant, ok := value.(string)
	if !ok {
		return "", qerrors.TenantExtraction("claim %q is not a string", p.opts.TenantClaim)
	}
	return tenant, nil
}

// TenantFromCertificates derives a tenant from the leaf certificate: the first
// organization, else the common name.
func TenantFromCertificates(certs []*x509.Certificate) string {
	if len(certs) == 0 || certs[0] == nil {
		return ""
	}
	subject := certs[0].Subject
	if len(subject.Organization) > 0 && subject.Organization[0] != "" {
		return subject.Organization[0]
	}
	return subject.CommonName
}

// ProcessOutgoing prepares meta for sending and returns the headers to put on
// the wire. Unset tenant, tracing and delegation are inherited from the
// context bound to ctx. When existing already carries a bearer token no
// tenant header is added, since the token's claim decides on the far side.
func (p *Pipeline) ProcessOutgoing(ctx context.Context, meta *envelope.Meta, existing metadata.Metadata) metadata.Metadata {
	envctx.Inherit(ctx, meta)
	if meta.RequestID == "" {
		meta.RequestID = ids.NewRequestID()
	}
	if meta.Timestamp == nil {
		now := time.Now().UTC()
		meta.Timestamp = &now
	}
	out := existing.Clone()
	for k, v := range metadata.FromMeta(*meta) {
		out[k] = v
	}
	if _, ok := existing.BearerToken(); ok {
		delete(out, metadata.HeaderTenant)
	}
	return out
}
