// Package metadata maps envelope metadata onto transport-native header sets.
package metadata

import "strings"

// Metadata is a transport-neutral header set. Keys are stored lower-case.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned.Set(key, value)
	return cloned
}

// WithAll returns a copy containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned.Set(k, v)
	}
	return cloned
}

// Get looks a key up case-insensitively.
func (m Metadata) Get(key string) string {
	return m[strings.ToLower(key)]
}

// Set stores value under the lower-cased key. Empty values are skipped.
func (m Metadata) Set(key, value string) {
	if value == "" {
		return
	}
	m[strings.ToLower(key)] = value
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md.Set(pairs[i], pairs[i+1])
	}
	return md
}
