package metadata

import "github.com/nats-io/nats.go"

// FromNATS collects the first value of every broker message header.
func FromNATS(h nats.Header) Metadata {
	md := make(Metadata, len(h))
	for k, values := range h {
		if len(values) > 0 {
			md.Set(k, values[0])
		}
	}
	return md
}

// ToNATS converts the header set into broker message headers.
func (m Metadata) ToNATS() nats.Header {
	h := nats.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
