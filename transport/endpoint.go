package transport

import (
	"net"
	"net/url"
	"strings"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// Endpoint is a parsed endpoint URL.
type Endpoint struct {
	Raw    string
	Scheme string
	Kind   Kind
	// Detect is set when the scheme alone does not settle the family and
	// the dispatcher has to probe the endpoint.
	Detect bool
	Secure bool
	Host   string
	Path   string
	// Subject is the broker subject for NATS endpoints.
	Subject string
	// Service and Method name the RPC for gRPC endpoints.
	Service string
	Method  string
	URL     *url.URL
}

type schemeInfo struct {
	kind   Kind
	secure bool
	detect bool
}

var schemes = map[string]schemeInfo{
	"qollective-nats":  {kind: Kind{ProtocolNATS, true}},
	"qollective-grpc":  {kind: Kind{ProtocolGRPC, true}},
	"qollective-grpcs": {kind: Kind{ProtocolGRPC, true}, secure: true},
	"qollective-http":  {kind: Kind{ProtocolREST, true}},
	"qollective-https": {kind: Kind{ProtocolREST, true}, secure: true},
	"qollective-ws":    {kind: Kind{ProtocolWebSocket, true}},
	"qollective-wss":   {kind: Kind{ProtocolWebSocket, true}, secure: true},
	"nats":             {kind: Kind{ProtocolNATS, false}},
	"tls":              {kind: Kind{ProtocolNATS, false}, secure: true},
	"grpc":             {kind: Kind{ProtocolGRPC, false}},
	"grpcs":            {kind: Kind{ProtocolGRPC, false}, secure: true},
	"http":             {kind: Kind{ProtocolREST, false}, detect: true},
	"https":            {kind: Kind{ProtocolREST, false}, secure: true, detect: true},
	"ws":               {kind: Kind{ProtocolWebSocket, false}},
	"wss":              {kind: Kind{ProtocolWebSocket, false}, secure: true},
	"mcp":              {kind: Kind{ProtocolMCP, false}},
	"mcps":             {kind: Kind{ProtocolMCP, false}, secure: true},
	"qollective-mcp":   {kind: Kind{ProtocolMCP, true}},
	"qollective-mcps":  {kind: Kind{ProtocolMCP, true}, secure: true},
}

// ParseEndpoint parses and validates an endpoint URL. Broker subjects are
// taken from the path with "/" mapped to "."; gRPC endpoints must name both
// service and method.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, qerrors.Validation("invalid endpoint %q: %v", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	info, ok := schemes[scheme]
	if !ok {
		return Endpoint{}, qerrors.Validation("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, qerrors.Validation("endpoint %q has no host", raw)
	}

	ep := Endpoint{
		Raw:    raw,
		Scheme: scheme,
		Kind:   info.kind,
		Detect: info.detect,
		Secure: info.secure,
		Host:   u.Host,
		Path:   u.Path,
		URL:    u,
	}

	switch info.kind.Protocol {
	case ProtocolNATS:
		path := strings.Trim(u.Path, "/")
		if path != "" {
			ep.Subject = strings.ReplaceAll(path, "/", ".")
			if err := ValidateSubject(ep.Subject); err != nil {
				return Endpoint{}, err
			}
		}
	case ProtocolGRPC:
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Endpoint{}, qerrors.Validation("grpc endpoint %q must be scheme://host:port/Service/Method", raw)
		}
		ep.Service, ep.Method = parts[0], parts[1]
	}
	return ep, nil
}

// MustParseEndpoint is ParseEndpoint for constant endpoints; it panics on error.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// FullMethod returns the gRPC method path "/Service/Method".
func (e Endpoint) FullMethod() string {
	return "/" + e.Service + "/" + e.Method
}

// Hostname returns the host without the port.
func (e Endpoint) Hostname() string {
	if host, _, err := net.SplitHostPort(e.Host); err == nil {
		return host
	}
	return e.Host
}

// HTTPURL rewrites the endpoint to the plain http(s) or ws(s) URL the wire
// client dials.
func (e Endpoint) HTTPURL() string {
	if e.URL == nil {
		return e.Raw
	}
	u := *e.URL
	switch e.Kind.Protocol {
	case ProtocolWebSocket:
		u.Scheme = "ws"
		if e.Secure {
			u.Scheme = "wss"
		}
	default:
		u.Scheme = "http"
		if e.Secure {
			u.Scheme = "https"
		}
	}
	return u.String()
}

// As re-targets the endpoint at another family, keeping host, path and
// security. A gRPC target needs a /Service/Method path.
func (e Endpoint) As(k Kind) (Endpoint, error) {
	if e.Kind == k {
		return e, nil
	}
	scheme, ok := schemeFor(k, e.Secure)
	if !ok {
		if scheme, ok = schemeFor(k, false); !ok {
			return Endpoint{}, qerrors.Validation("no endpoint scheme for %s", k)
		}
	}
	u := url.URL{Scheme: scheme, Host: e.Host, Path: e.Path}
	if e.URL != nil {
		u.RawQuery = e.URL.RawQuery
	}
	return ParseEndpoint(u.String())
}

func schemeFor(k Kind, secure bool) (string, bool) {
	for name, info := range schemes {
		if info.kind == k && info.secure == secure {
			return name, true
		}
	}
	return "", false
}

// CacheKey identifies the endpoint's server for the capability cache.
func (e Endpoint) CacheKey() string {
	return e.Scheme + "://" + strings.ToLower(e.Host)
}

// ValidateSubject accepts dot-separated non-empty tokens: "..", a leading or
// a trailing "." are rejected.
func ValidateSubject(subject string) error {
	if subject == "" {
		return qerrors.Validation("subject must not be empty")
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return qerrors.Validation("invalid subject %q: empty token", subject)
		}
	}
	return nil
}

// ValidateQueueGroup accepts non-empty names without ".." or a trailing ".".
func ValidateQueueGroup(queue string) error {
	switch {
	case queue == "":
		return qerrors.Validation("queue group must not be empty")
	case strings.Contains(queue, ".."):
		return qerrors.Validation("invalid queue group %q: contains \"..\"", queue)
	case strings.HasSuffix(queue, "."):
		return qerrors.Validation("invalid queue group %q: trailing \".\"", queue)
	}
	return nil
}
