package protoenv

import (
	"encoding/json"

	"github.com/qollective/qollective/internal/runtime/envelope"
)

// Meta field numbers.
const (
	metaTimestamp   = 1
	metaRequestID   = 2
	metaVersion     = 3
	metaDurationMS  = 4
	metaTenant      = 5
	metaOnBehalfOf  = 6
	metaSecurity    = 7
	metaTracing     = 8
	metaDebug       = 9
	metaPerformance = 10
	metaMonitoring  = 11
	metaExtensions  = 12
)

func encodeMeta(e *encoder, m envelope.Meta) error {
	if err := e.timestamp(metaTimestamp, m.Timestamp); err != nil {
		return err
	}
	e.string(metaRequestID, m.RequestID)
	e.string(metaVersion, m.Version)
	e.optDouble(metaDurationMS, m.DurationMS)
	e.string(metaTenant, m.Tenant)
	if o := m.OnBehalfOf; o != nil {
		e.message(metaOnBehalfOf, true, func(s *encoder) {
			s.string(1, o.OriginalUser)
			s.string(2, o.DelegatingUser)
			s.string(3, o.DelegatingTenant)
		})
	}
	if sec := m.Security; sec != nil {
		var tsErr error
		e.message(metaSecurity, true, func(s *encoder) {
			s.string(1, sec.UserID)
			s.string(2, sec.SessionID)
			s.enum(3, int32(sec.AuthMethod))
			s.strings(4, sec.Permissions)
			s.strings(5, sec.Roles)
			s.string(6, sec.IPAddress)
			s.string(7, sec.UserAgent)
			tsErr = s.timestamp(8, sec.TokenExpiresAt)
		})
		if tsErr != nil {
			return tsErr
		}
	}
	if t := m.Tracing; t != nil {
		e.message(metaTracing, true, func(s *encoder) { encodeTracing(s, t) })
	}
	if d := m.Debug; d != nil {
		e.message(metaDebug, true, func(s *encoder) { encodeDebug(s, d) })
	}
	if p := m.Performance; p != nil {
		e.message(metaPerformance, true, func(s *encoder) { encodePerformance(s, p) })
	}
	if mon := m.Monitoring; mon != nil {
		e.message(metaMonitoring, true, func(s *encoder) {
			s.string(1, mon.ServerID)
			s.string(2, mon.Datacenter)
			s.string(3, mon.BuildVersion)
			s.string(4, mon.DeploymentID)
			s.string(5, mon.InstanceType)
			s.string(6, mon.LoadBalancer)
			s.enum(7, int32(mon.Environment))
			s.string(8, mon.ClusterID)
			s.string(9, mon.Namespace)
			s.enum(10, int32(mon.HealthStatus))
			s.optUint(11, mon.UptimeSeconds)
		})
	}
	for k, v := range m.Extensions {
		e.message(metaExtensions, true, func(entry *encoder) {
			entry.string(1, k)
			entry.bytes(2, v)
		})
	}
	return nil
}

func encodeTracing(s *encoder, t *envelope.TracingMeta) {
	s.string(1, t.TraceID)
	s.string(2, t.SpanID)
	s.string(3, t.ParentSpanID)
	s.stringMap(4, t.Baggage)
	s.optBool(5, t.Sampled)
	s.optDouble(6, t.SamplingRate)
	s.string(7, t.TraceState)
	s.string(8, t.OperationName)
	s.enum(9, int32(t.SpanKind))
	if st := t.SpanStatus; st != nil {
		s.message(10, true, func(m *encoder) {
			m.enum(1, int32(st.Code))
			m.string(2, st.Message)
		})
	}
	for k, v := range t.Tags {
		s.message(11, true, func(entry *encoder) {
			entry.string(1, k)
			entry.message(2, true, func(tv *encoder) {
				switch v.Kind {
				case envelope.TagNumber:
					tv.optDouble(2, &v.Num)
				case envelope.TagBool:
					tv.optBool(3, &v.Bool)
				default:
					tv.b = appendPresentString(tv.b, 1, v.Str)
				}
			})
		})
	}
}

func encodeDebug(s *encoder, d *envelope.DebugMeta) {
	s.optBool(1, d.TraceEnabled)
	for _, q := range d.DBQueries {
		s.message(2, true, func(m *encoder) {
			m.string(1, q.Query)
			m.double(2, q.DurationMS)
			m.optUint(3, q.RowsAffected)
			m.string(4, q.Database)
		})
	}
	if mu := d.MemoryUsage; mu != nil {
		s.message(3, true, func(m *encoder) {
			m.uint(1, mu.HeapUsed)
			m.uint(2, mu.HeapTotal)
			m.uint(3, mu.External)
		})
	}
	s.string(4, d.StackTrace)
	s.stringMap(5, d.EnvironmentVars)
	s.stringMap(6, d.RequestHeaders)
	s.enum(7, int32(d.LogLevel))
	if pd := d.ProfilingData; pd != nil {
		s.message(8, true, func(m *encoder) {
			m.double(1, pd.CPUTimeMS)
			m.double(2, pd.WallTimeMS)
			m.uint(3, pd.Allocations)
		})
	}
}

func encodePerformance(s *encoder, p *envelope.PerformanceMeta) {
	s.optDouble(1, p.DBQueryTimeMS)
	s.optUint32(2, p.DBQueryCount)
	s.optDouble(3, p.CacheHitRatio)
	if c := p.CacheOps; c != nil {
		s.message(4, true, func(m *encoder) {
			m.uint(1, uint64(c.Hits))
			m.uint(2, uint64(c.Misses))
			m.uint(3, uint64(c.Sets))
		})
	}
	s.optUint(5, p.MemoryAllocated)
	s.optUint(6, p.MemoryPeak)
	s.optDouble(7, p.CPUUsage)
	s.optDouble(8, p.NetworkLatencyMS)
	for _, call := range p.ExternalCalls {
		s.message(9, true, func(m *encoder) {
			m.string(1, call.Service)
			m.string(2, call.Endpoint)
			m.double(3, call.DurationMS)
			m.enum(4, int32(call.Status))
		})
	}
	s.optUint32(10, p.GCCollections)
	s.optDouble(11, p.GCTimeMS)
	s.optUint32(12, p.ThreadCount)
	s.optDouble(13, p.ProcessingTimeMS)
}

func decodeMeta(b []byte) (envelope.Meta, error) {
	var m envelope.Meta
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case metaTimestamp:
			m.Timestamp, err = f.timestamp()
		case metaRequestID:
			m.RequestID, err = f.str()
		case metaVersion:
			m.Version, err = f.str()
		case metaDurationMS:
			var v float64
			v, err = f.double()
			m.DurationMS = ptr(v)
		case metaTenant:
			m.Tenant, err = f.str()
		case metaOnBehalfOf:
			m.OnBehalfOf, err = decodeOnBehalfOf(f)
		case metaSecurity:
			m.Security, err = decodeSecurity(f)
		case metaTracing:
			m.Tracing, err = decodeTracing(f)
		case metaDebug:
			m.Debug, err = decodeDebug(f)
		case metaPerformance:
			m.Performance, err = decodePerformance(f)
		case metaMonitoring:
			m.Monitoring, err = decodeMonitoring(f)
		case metaExtensions:
			err = decodeExtension(f, &m)
		}
		return err
	})
	return m, err
}

func decodeOnBehalfOf(f field) (*envelope.OnBehalfOf, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	o := &envelope.OnBehalfOf{}
	return o, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			o.OriginalUser, err = s.str()
		case 2:
			o.DelegatingUser, err = s.str()
		case 3:
			o.DelegatingTenant, err = s.str()
		}
		return err
	})
}

func decodeSecurity(f field) (*envelope.SecurityMeta, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	sec := &envelope.SecurityMeta{}
	return sec, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			sec.UserID, err = s.str()
		case 2:
			sec.SessionID, err = s.str()
		case 3:
			var code int32
			code, err = s.enum()
			sec.AuthMethod = envelope.AuthMethodFromCode(code)
		case 4:
			var v string
			v, err = s.str()
			sec.Permissions = append(sec.Permissions, v)
		case 5:
			var v string
			v, err = s.str()
			sec.Roles = append(sec.Roles, v)
		case 6:
			sec.IPAddress, err = s.str()
		case 7:
			sec.UserAgent, err = s.str()
		case 8:
			sec.TokenExpiresAt, err = s.timestamp()
		}
		return err
	})
}

func decodeTracing(f field) (*envelope.TracingMeta, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	t := &envelope.TracingMeta{}
	return t, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			t.TraceID, err = s.str()
		case 2:
			t.SpanID, err = s.str()
		case 3:
			t.ParentSpanID, err = s.str()
		case 4:
			var k, v string
			if k, v, err = s.stringEntry(); err == nil {
				if t.Baggage == nil {
					t.Baggage = map[string]string{}
				}
				t.Baggage[k] = v
			}
		case 5:
			var v bool
			v, err = s.bool()
			t.Sampled = ptr(v)
		case 6:
			var v float64
			v, err = s.double()
			t.SamplingRate = ptr(v)
		case 7:
			t.TraceState, err = s.str()
		case 8:
			t.OperationName, err = s.str()
		case 9:
			var code int32
			code, err = s.enum()
			t.SpanKind = envelope.SpanKindFromCode(code)
		case 10:
			t.SpanStatus, err = decodeSpanStatus(s)
		case 11:
			err = decodeTag(s, t)
		}
		return err
	})
}

func decodeSpanStatus(f field) (*envelope.SpanStatus, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	st := &envelope.SpanStatus{}
	return st, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			var code int32
			code, err = s.enum()
			st.Code = envelope.SpanStatusCodeFromCode(code)
		case 2:
			st.Message, err = s.str()
		}
		return err
	})
}

func decodeTag(f field, t *envelope.TracingMeta) error {
	if err := f.want(bytesType); err != nil {
		return err
	}
	var key string
	var value envelope.TagValue
	err := walk(f.bytes, func(entry field) error {
		switch entry.num {
		case 1:
			var err error
			key, err = entry.str()
			return err
		case 2:
			if err := entry.want(bytesType); err != nil {
				return err
			}
			return walk(entry.bytes, func(tv field) error {
				switch tv.num {
				case 1:
					s, err := tv.str()
					value = envelope.StringTag(s)
					return err
				case 2:
					n, err := tv.double()
					value = envelope.NumberTag(n)
					return err
				case 3:
					b, err := tv.bool()
					value = envelope.BoolTag(b)
					return err
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if value.Kind == 0 {
		value = envelope.StringTag("")
	}
	if t.Tags == nil {
		t.Tags = map[string]envelope.TagValue{}
	}
	t.Tags[key] = value
	return nil
}

func decodeDebug(f field) (*envelope.DebugMeta, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	d := &envelope.DebugMeta{}
	return d, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			var v bool
			v, err = s.bool()
			d.TraceEnabled = ptr(v)
		case 2:
			var q envelope.DBQuery
			if q, err = decodeDBQuery(s); err == nil {
				d.DBQueries = append(d.DBQueries, q)
			}
		case 3:
			d.MemoryUsage, err = decodeMemoryUsage(s)
		case 4:
			d.StackTrace, err = s.str()
		case 5:
			var k, v string
			if k, v, err = s.stringEntry(); err == nil {
				if d.EnvironmentVars == nil {
					d.EnvironmentVars = map[string]string{}
				}
				d.EnvironmentVars[k] = v
			}
		case 6:
			var k, v string
			if k, v, err = s.stringEntry(); err == nil {
				if d.RequestHeaders == nil {
					d.RequestHeaders = map[string]string{}
				}
				d.RequestHeaders[k] = v
			}
		case 7:
			var code int32
			code, err = s.enum()
			d.LogLevel = envelope.LogLevelFromCode(code)
		case 8:
			d.ProfilingData, err = decodeProfiling(s)
		}
		return err
	})
}

func decodeDBQuery(f field) (envelope.DBQuery, error) {
	var q envelope.DBQuery
	if err := f.want(bytesType); err != nil {
		return q, err
	}
	return q, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			q.Query, err = s.str()
		case 2:
			q.DurationMS, err = s.double()
		case 3:
			var v uint64
			v, err = s.uint()
			q.RowsAffected = ptr(v)
		case 4:
			q.Database, err = s.str()
		}
		return err
	})
}

func decodeMemoryUsage(f field) (*envelope.MemoryUsage, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	mu := &envelope.MemoryUsage{}
	return mu, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			mu.HeapUsed, err = s.uint()
		case 2:
			mu.HeapTotal, err = s.uint()
		case 3:
			mu.External, err = s.uint()
		}
		return err
	})
}

func decodeProfiling(f field) (*envelope.ProfilingData, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	pd := &envelope.ProfilingData{}
	return pd, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			pd.CPUTimeMS, err = s.double()
		case 2:
			pd.WallTimeMS, err = s.double()
		case 3:
			pd.Allocations, err = s.uint()
		}
		return err
	})
}

func decodePerformance(f field) (*envelope.PerformanceMeta, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	p := &envelope.PerformanceMeta{}
	return p, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			p.DBQueryTimeMS, err = optDouble(s)
		case 2:
			p.DBQueryCount, err = optUint32(s)
		case 3:
			p.CacheHitRatio, err = optDouble(s)
		case 4:
			p.CacheOps, err = decodeCacheOps(s)
		case 5:
			p.MemoryAllocated, err = optUint(s)
		case 6:
			p.MemoryPeak, err = optUint(s)
		case 7:
			p.CPUUsage, err = optDouble(s)
		case 8:
			p.NetworkLatencyMS, err = optDouble(s)
		case 9:
			var call envelope.ExternalCall
			if call, err = decodeExternalCall(s); err == nil {
				p.ExternalCalls = append(p.ExternalCalls, call)
			}
		case 10:
			p.GCCollections, err = optUint32(s)
		case 11:
			p.GCTimeMS, err = optDouble(s)
		case 12:
			p.ThreadCount, err = optUint32(s)
		case 13:
			p.ProcessingTimeMS, err = optDouble(s)
		}
		return err
	})
}

func decodeCacheOps(f field) (*envelope.CacheOps, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	c := &envelope.CacheOps{}
	return c, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			c.Hits, err = s.uint32()
		case 2:
			c.Misses, err = s.uint32()
		case 3:
			c.Sets, err = s.uint32()
		}
		return err
	})
}

func decodeExternalCall(f field) (envelope.ExternalCall, error) {
	var call envelope.ExternalCall
	if err := f.want(bytesType); err != nil {
		return call, err
	}
	return call, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			call.Service, err = s.str()
		case 2:
			call.Endpoint, err = s.str()
		case 3:
			call.DurationMS, err = s.double()
		case 4:
			var code int32
			code, err = s.enum()
			call.Status = envelope.CallStatusFromCode(code)
		}
		return err
	})
}

func decodeMonitoring(f field) (*envelope.MonitoringMeta, error) {
	if err := f.want(bytesType); err != nil {
		return nil, err
	}
	mon := &envelope.MonitoringMeta{}
	return mon, walk(f.bytes, func(s field) error {
		var err error
		switch s.num {
		case 1:
			mon.ServerID, err = s.str()
		case 2:
			mon.Datacenter, err = s.str()
		case 3:
			mon.BuildVersion, err = s.str()
		case 4:
			mon.DeploymentID, err = s.str()
		case 5:
			mon.InstanceType, err = s.str()
		case 6:
			mon.LoadBalancer, err = s.str()
		case 7:
			var code int32
			code, err = s.enum()
			mon.Environment = envelope.EnvironmentFromCode(code)
		case 8:
			mon.ClusterID, err = s.str()
		case 9:
			mon.Namespace, err = s.str()
		case 10:
			var code int32
			code, err = s.enum()
			mon.HealthStatus = envelope.HealthStatusFromCode(code)
		case 11:
			mon.UptimeSeconds, err = optUint(s)
		}
		return err
	})
}

func decodeExtension(f field, m *envelope.Meta) error {
	if err := f.want(bytesType); err != nil {
		return err
	}
	var key string
	var value []byte
	err := walk(f.bytes, func(entry field) error {
		var err error
		switch entry.num {
		case 1:
			key, err = entry.str()
		case 2:
			value, err = entry.raw()
		}
		return err
	})
	if err != nil {
		return err
	}
	if m.Extensions == nil {
		m.Extensions = map[string]json.RawMessage{}
	}
	m.Extensions[key] = value
	return nil
}

func optDouble(f field) (*float64, error) {
	v, err := f.double()
	return ptr(v), err
}

func optUint(f field) (*uint64, error) {
	v, err := f.uint()
	return ptr(v), err
}

func optUint32(f field) (*uint32, error) {
	v, err := f.uint32()
	return ptr(v), err
}
