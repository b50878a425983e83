package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/qollective/qollective/internal/runtime/jsoncodec"
)

// Meta is the header carried by every envelope. All sub-records are optional.
type Meta struct {
	Timestamp   *time.Time                 `json:"timestamp,omitempty"`
	RequestID   string                     `json:"request_id,omitempty"`
	Version     string                     `json:"version,omitempty"`
	DurationMS  *float64                   `json:"duration_ms,omitempty"`
	Tenant      string                     `json:"tenant,omitempty"`
	OnBehalfOf  *OnBehalfOf                `json:"on_behalf_of,omitempty"`
	Security    *SecurityMeta              `json:"security,omitempty"`
	Debug       *DebugMeta                 `json:"debug,omitempty"`
	Performance *PerformanceMeta           `json:"performance,omitempty"`
	Monitoring  *MonitoringMeta            `json:"monitoring,omitempty"`
	Tracing     *TracingMeta               `json:"tracing,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

// OnBehalfOf is the delegation triple propagated unchanged end to end.
type OnBehalfOf struct {
	OriginalUser     string `json:"original_user"`
	DelegatingUser   string `json:"delegating_user"`
	DelegatingTenant string `json:"delegating_tenant"`
}

type SecurityMeta struct {
	UserID         string     `json:"user_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	AuthMethod     AuthMethod `json:"auth_method,omitempty"`
	Permissions    []string   `json:"permissions,omitempty"`
	Roles          []string   `json:"roles,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

type TracingMeta struct {
	TraceID       string              `json:"trace_id,omitempty"`
	SpanID        string              `json:"span_id,omitempty"`
	ParentSpanID  string              `json:"parent_span_id,omitempty"`
	Baggage       map[string]string   `json:"baggage,omitempty"`
	Sampled       *bool               `json:"sampled,omitempty"`
	SamplingRate  *float64            `json:"sampling_rate,omitempty"`
	TraceState    string              `json:"trace_state,omitempty"`
	OperationName string              `json:"operation_name,omitempty"`
	SpanKind      SpanKind            `json:"span_kind,omitempty"`
	SpanStatus    *SpanStatus         `json:"span_status,omitempty"`
	Tags          map[string]TagValue `json:"tags,omitempty"`
}

type SpanStatus struct {
	Code    SpanStatusCode `json:"code"`
	Message string         `json:"message,omitempty"`
}

type PerformanceMeta struct {
	DBQueryTimeMS    *float64       `json:"db_query_time_ms,omitempty"`
	DBQueryCount     *uint32        `json:"db_query_count,omitempty"`
	CacheHitRatio    *float64       `json:"cache_hit_ratio,omitempty"`
	CacheOps         *CacheOps      `json:"cache_operations,omitempty"`
	MemoryAllocated  *uint64        `json:"memory_allocated,omitempty"`
	MemoryPeak       *uint64        `json:"memory_peak,omitempty"`
	CPUUsage         *float64       `json:"cpu_usage,omitempty"`
	NetworkLatencyMS *float64       `json:"network_latency_ms,omitempty"`
	ExternalCalls    []ExternalCall `json:"external_calls,omitempty"`
	GCCollections    *uint32        `json:"gc_collections,omitempty"`
	GCTimeMS         *float64       `json:"gc_time_ms,omitempty"`
	ThreadCount      *uint32        `json:"thread_count,omitempty"`
	ProcessingTimeMS *float64       `json:"processing_time_ms,omitempty"`
}

type CacheOps struct {
	Hits   uint32 `json:"hits"`
	Misses uint32 `json:"misses"`
	Sets   uint32 `json:"sets"`
}

type ExternalCall struct {
	Service    string     `json:"service"`
	Endpoint   string     `json:"endpoint,omitempty"`
	DurationMS float64    `json:"duration_ms"`
	Status     CallStatus `json:"status,omitempty"`
}

type MonitoringMeta struct {
	ServerID      string       `json:"server_id,omitempty"`
	Datacenter    string       `json:"datacenter,omitempty"`
	BuildVersion  string       `json:"build_version,omitempty"`
	DeploymentID  string       `json:"deployment_id,omitempty"`
	InstanceType  string       `json:"instance_type,omitempty"`
	LoadBalancer  string       `json:"load_balancer,omitempty"`
	Environment   Environment  `json:"environment,omitempty"`
	ClusterID     string       `json:"cluster_id,omitempty"`
	Namespace     string       `json:"namespace,omitempty"`
	HealthStatus  HealthStatus `json:"health_status,omitempty"`
	UptimeSeconds *uint64      `json:"uptime_seconds,omitempty"`
}

type DebugMeta struct {
	TraceEnabled    *bool             `json:"trace_enabled,omitempty"`
	DBQueries       []DBQuery         `json:"db_queries,omitempty"`
	MemoryUsage     *MemoryUsage      `json:"memory_usage,omitempty"`
	StackTrace      string            `json:"stack_trace,omitempty"`
	EnvironmentVars map[string]string `json:"environment_vars,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	LogLevel        LogLevel          `json:"log_level,omitempty"`
	ProfilingData   *ProfilingData    `json:"profiling_data,omitempty"`
}

type DBQuery struct {
	Query        string  `json:"query"`
	DurationMS   float64 `json:"duration"`
	RowsAffected *uint64 `json:"rows_affected,omitempty"`
	Database     string  `json:"database,omitempty"`
}

type MemoryUsage struct {
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
	External  uint64 `json:"external"`
}

type ProfilingData struct {
	CPUTimeMS   float64 `json:"cpu_time"`
	WallTimeMS  float64 `json:"wall_time"`
	Allocations uint64  `json:"allocations"`
}

// reservedSections are the names an extension key may not take.
var reservedSections = []string{
	"timestamp", "request_id", "version", "duration_ms", "tenant", "on_behalf_of",
	"security", "debug", "performance", "monitoring", "tracing", "extensions",
}

// SetExtension stores value under name after checking it does not shadow a
// known section.
func (m *Meta) SetExtension(name string, value any) error {
	if slices.Contains(reservedSections, name) {
		return fmt.Errorf("envelope: extension %q collides with a meta section", name)
	}
	raw, ok := value.(json.RawMessage)
	if !ok {
		var err error
		raw, err = jsoncodec.Marshal(value)
		if err != nil {
			return fmt.Errorf("envelope: encode extension %q: %w", name, err)
		}
	}
	if m.Extensions == nil {
		m.Extensions = map[string]json.RawMessage{}
	}
	m.Extensions[name] = raw
	return nil
}

// ValidateExtensions reports the first extension key that shadows a section.
func (m *Meta) ValidateExtensions() error {
	for name := range m.Extensions {
		if slices.Contains(reservedSections, name) {
			return fmt.Errorf("envelope: extension %q collides with a meta section", name)
		}
	}
	return nil
}

// EnsureTracing returns the tracing section, creating it if needed.
func (m *Meta) EnsureTracing() *TracingMeta {
	if m.Tracing == nil {
		m.Tracing = &TracingMeta{}
	}
	return m.Tracing
}

// EnsureSecurity returns the security section, creating it if needed.
func (m *Meta) EnsureSecurity() *SecurityMeta {
	if m.Security == nil {
		m.Security = &SecurityMeta{}
	}
	return m.Security
}

// EnsurePerformance returns the performance section, creating it if needed.
func (m *Meta) EnsurePerformance() *PerformanceMeta {
	if m.Performance == nil {
		m.Performance = &PerformanceMeta{}
	}
	return m.Performance
}

func (m *Meta) WithSecurity(s *SecurityMeta) *Meta {
	if s != nil {
		s.Normalize()
	}
	m.Security = s
	return m
}

func (m *Meta) WithTracing(t *TracingMeta) *Meta         { m.Tracing = t; return m }
func (m *Meta) WithDebug(d *DebugMeta) *Meta             { m.Debug = d; return m }
func (m *Meta) WithPerformance(p *PerformanceMeta) *Meta { m.Performance = p; return m }
func (m *Meta) WithMonitoring(mon *MonitoringMeta) *Meta { m.Monitoring = mon; return m }
func (m *Meta) WithOnBehalfOf(o *OnBehalfOf) *Meta       { m.OnBehalfOf = o; return m }

// TraceID returns the tracing trace_id, or "" when tracing is absent.
func (m *Meta) TraceID() string {
	if m == nil || m.Tracing == nil {
		return ""
	}
	return m.Tracing.TraceID
}

// SpanID returns the tracing span_id, or "" when tracing is absent.
func (m *Meta) SpanID() string {
	if m == nil || m.Tracing == nil {
		return ""
	}
	return m.Tracing.SpanID
}

// SetDuration records the responder-measured duration.
func (m *Meta) SetDuration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.DurationMS = &ms
}

// Normalize sorts and deduplicates the permission and role sets.
func (s *SecurityMeta) Normalize() {
	s.Permissions = normalizeSet(s.Permissions)
	s.Roles = normalizeSet(s.Roles)
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy of m.
func (m Meta) Clone() Meta {
	out := m
	if m.Timestamp != nil {
		ts := *m.Timestamp
		out.Timestamp = &ts
	}
	if m.DurationMS != nil {
		d := *m.DurationMS
		out.DurationMS = &d
	}
	if m.OnBehalfOf != nil {
		obo := *m.OnBehalfOf
		out.OnBehalfOf = &obo
	}
	if m.Security != nil {
		sec := *m.Security
		sec.Permissions = slices.Clone(sec.Permissions)
		sec.Roles = slices.Clone(sec.Roles)
		out.Security = &sec
	}
	if m.Tracing != nil {
		out.Tracing = m.Tracing.clone()
	}
	if m.Debug != nil {
		dbg := *m.Debug
		dbg.DBQueries = slices.Clone(dbg.DBQueries)
		dbg.EnvironmentVars = maps.Clone(dbg.EnvironmentVars)
		dbg.RequestHeaders = maps.Clone(dbg.RequestHeaders)
		out.Debug = &dbg
	}
	if m.Performance != nil {
		perf := *m.Performance
		perf.ExternalCalls = slices.Clone(perf.ExternalCalls)
		out.Performance = &perf
	}
	if m.Monitoring != nil {
		mon := *m.Monitoring
		out.Monitoring = &mon
	}
	if m.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = slices.Clone(v)
		}
	}
	return out
}

func (t *TracingMeta) clone() *TracingMeta {
	out := *t
	out.Baggage = maps.Clone(t.Baggage)
	out.Tags = maps.Clone(t.Tags)
	if t.SpanStatus != nil {
		st := *t.SpanStatus
		out.SpanStatus = &st
	}
	return &out
}
