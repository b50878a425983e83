package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts event bus message metadata into a header set.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result.Set(k, v)
	}
	return result
}

// ToWatermill converts the header set into event bus message metadata.
func (m Metadata) ToWatermill() message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm.Set(k, v)
	}
	return wm
}
