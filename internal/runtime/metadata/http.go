package metadata

import "net/http"

// FromHTTP collects the first value of every header.
func FromHTTP(h http.Header) Metadata {
	md := make(Metadata, len(h))
	for k, values := range h {
		if len(values) > 0 {
			md.Set(k, values[0])
		}
	}
	return md
}

// ToHTTP writes every entry into h, replacing existing values.
func (m Metadata) ToHTTP(h http.Header) {
	for k, v := range m {
		h.Set(k, v)
	}
}
