package metadata

import (
	grpcmd "google.golang.org/grpc/metadata"
)

// FromGRPC collects the first value of every gRPC metadata key.
func FromGRPC(md grpcmd.MD) Metadata {
	out := make(Metadata, len(md))
	for k, values := range md {
		if len(values) > 0 {
			out.Set(k, values[0])
		}
	}
	return out
}

// ToGRPC converts the header set into gRPC metadata.
func (m Metadata) ToGRPC() grpcmd.MD {
	md := make(grpcmd.MD, len(m))
	for k, v := range m {
		md.Set(k, v)
	}
	return md
}
