package hal

import (
	"time"
)

// Direction indicates whether a packet was sent to or received from a device.
type Direction string

const (
	DirectionTX Direction = "TX"
	DirectionRX Direction = "RX"
)

// DataPacket is an immutable record of a single transfer over an adapter. One
// is created on every send and receive. The constructor copies the payload and
// metadata so the record cannot be mutated through aliased slices or maps.
type DataPacket struct {
	payload   []byte
	direction Direction
	timestamp time.Time
	metadata  map[string]interface{}
}

// NewPacket creates a DataPacket stamped with the current time. The payload
// and metadata are copied.
func NewPacket(direction Direction, payload []byte, metadata map[string]interface{}) DataPacket {
	p := DataPacket{
		direction: direction,
		timestamp: time.Now(),
	}
	p.payload = append([]byte(nil), payload...)
	if len(metadata) > 0 {
		p.metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			p.metadata[k] = v
		}
	}
	return p
}

// Payload returns a copy of the packet payload.
func (p DataPacket) Payload() []byte {
	return append([]byte(nil), p.payload...)
}

// Len returns the payload length without copying.
func (p DataPacket) Len() int { return len(p.payload) }

// Direction returns the transfer direction.
func (p DataPacket) Direction() Direction { return p.direction }

// Timestamp returns the packet creation time.
func (p DataPacket) Timestamp() time.Time { return p.timestamp }

// Metadata returns a copy of the packet metadata, or nil if none was set.
func (p DataPacket) Metadata() map[string]interface{} {
	if p.metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}
