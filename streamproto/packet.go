// Package streamproto implements the protobuf wire format of the companion
// device message stream: version exchange, packet and device message frames.
//
// The frames must stay bit-exact with the companion protocol, so the codec is
// written directly against the protobuf wire encoding instead of generated
// code. Field numbers are fixed and documented on each type.
package streamproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// BlePacket field numbers.
const (
	packetNumberField  protowire.Number = 1
	totalPacketsField  protowire.Number = 2
	messageIDField     protowire.Number = 3
	packetPayloadField protowire.Number = 4
)

// BlePacket is one MTU-sized fragment of a serialized BleDeviceMessage.
// Packets of one message share a message id and carry packet_number in
// 1..total_packets.
type BlePacket struct {
	PacketNumber int32
	TotalPackets int32
	MessageID    int32
	Payload      []byte
}

// Marshal serializes the packet to protobuf wire bytes. Zero-valued fields
// are omitted per proto3 semantics.
func (p *BlePacket) Marshal() []byte {
	b := make([]byte, 0, p.Size())
	if p.PacketNumber != 0 {
		b = protowire.AppendTag(b, packetNumberField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(p.PacketNumber)))
	}
	if p.TotalPackets != 0 {
		b = protowire.AppendTag(b, totalPacketsField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(p.TotalPackets)))
	}
	if p.MessageID != 0 {
		b = protowire.AppendTag(b, messageIDField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(p.MessageID)))
	}
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, packetPayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	return b
}

// Size returns the serialized size in bytes.
func (p *BlePacket) Size() int {
	n := 0
	if p.PacketNumber != 0 {
		n += protowire.SizeTag(packetNumberField) + protowire.SizeVarint(uint64(uint32(p.PacketNumber)))
	}
	if p.TotalPackets != 0 {
		n += protowire.SizeTag(totalPacketsField) + protowire.SizeVarint(uint64(uint32(p.TotalPackets)))
	}
	if p.MessageID != 0 {
		n += protowire.SizeTag(messageIDField) + protowire.SizeVarint(uint64(uint32(p.MessageID)))
	}
	if len(p.Payload) > 0 {
		n += protowire.SizeTag(packetPayloadField) + protowire.SizeBytes(len(p.Payload))
	}
	return n
}

// UnmarshalBlePacket parses a BlePacket from wire bytes.
func UnmarshalBlePacket(b []byte) (*BlePacket, error) {
	p := &BlePacket{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == packetNumberField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: packet_number: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: packet_number %d", ErrFieldOverflow, v)
			}
			p.PacketNumber = int32(v)
			b = b[n:]
		case num == totalPacketsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: total_packets: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: total_packets %d", ErrFieldOverflow, v)
			}
			p.TotalPackets = int32(v)
			b = b[n:]
		case num == messageIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: message_id: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: message_id %d", ErrFieldOverflow, v)
			}
			p.MessageID = int32(v)
			b = b[n:]
		case num == packetPayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			p.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
