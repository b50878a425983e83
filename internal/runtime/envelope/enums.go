package envelope

import (
	"fmt"
)

// The closed enumerations below share one encoding scheme: integer codes on
// the binary wire with zero reserved for Unspecified, lower snake-case names
// in JSON. Unknown names are rejected; unknown integer codes read back as
// Unspecified.

type enumTable []string

func (t enumTable) name(v int32) string {
	if v < 0 || int(v) >= len(t) {
		return t[0]
	}
	return t[v]
}

func (t enumTable) parse(kind string, text []byte) (int32, error) {
	s := string(text)
	for i, n := range t {
		if n == s {
			return int32(i), nil
		}
	}
	return 0, fmt.Errorf("envelope: unknown %s %q", kind, s)
}

func (t enumTable) fromCode(v int32) int32 {
	if v < 0 || int(v) >= len(t) {
		return 0
	}
	return v
}

// AuthMethod identifies how the caller authenticated.
type AuthMethod int32

const (
	AuthMethodUnspecified AuthMethod = iota
	AuthMethodOAuth2
	AuthMethodJWT
	AuthMethodAPIKey
	AuthMethodBasic
	AuthMethodSAML
	AuthMethodOIDC
	AuthMethodNone
)

var authMethodNames = enumTable{"unspecified", "oauth2", "jwt", "api_key", "basic", "saml", "oidc", "none"}

func (a AuthMethod) String() string { return authMethodNames.name(int32(a)) }

func (a AuthMethod) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AuthMethod) UnmarshalText(text []byte) error {
	v, err := authMethodNames.parse("auth method", text)
	*a = AuthMethod(v)
	return err
}

// AuthMethodFromCode converts a wire code, mapping unknown codes to Unspecified.
func AuthMethodFromCode(code int32) AuthMethod { return AuthMethod(authMethodNames.fromCode(code)) }

// SpanKind follows the OpenTelemetry span kinds.
type SpanKind int32

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

var spanKindNames = enumTable{"unspecified", "internal", "server", "client", "producer", "consumer"}

func (k SpanKind) String() string { return spanKindNames.name(int32(k)) }

func (k SpanKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SpanKind) UnmarshalText(text []byte) error {
	v, err := spanKindNames.parse("span kind", text)
	*k = SpanKind(v)
	return err
}

func SpanKindFromCode(code int32) SpanKind { return SpanKind(spanKindNames.fromCode(code)) }

// SpanStatusCode is the outcome recorded on a span.
type SpanStatusCode int32

const (
	SpanStatusUnspecified SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

var spanStatusNames = enumTable{"unspecified", "ok", "error"}

func (c SpanStatusCode) String() string { return spanStatusNames.name(int32(c)) }

func (c SpanStatusCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *SpanStatusCode) UnmarshalText(text []byte) error {
	v, err := spanStatusNames.parse("span status", text)
	*c = SpanStatusCode(v)
	return err
}

func SpanStatusCodeFromCode(code int32) SpanStatusCode {
	return SpanStatusCode(spanStatusNames.fromCode(code))
}

// CallStatus is the outcome of an external call recorded in performance meta.
type CallStatus int32

const (
	CallStatusUnspecified CallStatus = iota
	CallStatusSuccess
	CallStatusError
	CallStatusTimeout
)

var callStatusNames = enumTable{"unspecified", "success", "error", "timeout"}

func (s CallStatus) String() string { return callStatusNames.name(int32(s)) }

func (s CallStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CallStatus) UnmarshalText(text []byte) error {
	v, err := callStatusNames.parse("call status", text)
	*s = CallStatus(v)
	return err
}

func CallStatusFromCode(code int32) CallStatus { return CallStatus(callStatusNames.fromCode(code)) }

// Environment names the deployment stage of the responding instance.
type Environment int32

const (
	EnvironmentUnspecified Environment = iota
	EnvironmentDevelopment
	EnvironmentStaging
	EnvironmentTesting
	EnvironmentProduction
	EnvironmentCanary
)

var environmentNames = enumTable{"unspecified", "development", "staging", "testing", "production", "canary"}

func (e Environment) String() string { return environmentNames.name(int32(e)) }

func (e Environment) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *Environment) UnmarshalText(text []byte) error {
	v, err := environmentNames.parse("environment", text)
	*e = Environment(v)
	return err
}

func EnvironmentFromCode(code int32) Environment {
	return Environment(environmentNames.fromCode(code))
}

// HealthStatus is the self-reported health of the responding instance.
type HealthStatus int32

const (
	HealthStatusUnspecified HealthStatus = iota
	HealthStatusHealthy
	HealthStatusDegraded
	HealthStatusUnhealthy
)

var healthStatusNames = enumTable{"unspecified", "healthy", "degraded", "unhealthy"}

func (h HealthStatus) String() string { return healthStatusNames.name(int32(h)) }

func (h HealthStatus) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *HealthStatus) UnmarshalText(text []byte) error {
	v, err := healthStatusNames.parse("health status", text)
	*h = HealthStatus(v)
	return err
}

func HealthStatusFromCode(code int32) HealthStatus {
	return HealthStatus(healthStatusNames.fromCode(code))
}

// LogLevel is the verbosity requested for debug output.
type LogLevel int32

const (
	LogLevelUnspecified LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = enumTable{"unspecified", "trace", "debug", "info", "warn", "error"}

func (l LogLevel) String() string { return logLevelNames.name(int32(l)) }

func (l LogLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *LogLevel) UnmarshalText(text []byte) error {
	v, err := logLevelNames.parse("log level", text)
	*l = LogLevel(v)
	return err
}

func LogLevelFromCode(code int32) LogLevel { return LogLevel(logLevelNames.fromCode(code)) }
