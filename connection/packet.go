// Package connection implements the device-facing protocol core: message
// packetization, the framed message stream with version exchange, the secure
// channel handshake state machine, and the central and peripheral connection
// managers feeding a shared connected-device registry.
package connection

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/carlink/streamproto"
)

// ErrPacketSizeTooSmall is returned when the maximum packet size cannot fit
// the packet header plus at least one payload byte.
var ErrPacketSizeTooSmall = errors.New("connection: max packet size too small for packet header")

// MakePackets splits a serialized message into packets of at most maxSize
// wire bytes, all sharing messageID. An empty payload still yields one
// packet so the receiver observes the message.
func MakePackets(data []byte, messageID int32, maxSize int) ([]*streamproto.BlePacket, error) {
	total := 1
	capacity := 0
	for {
		capacity = maxSize - packetOverhead(total, messageID, maxSize)
		if capacity <= 0 {
			return nil, fmt.Errorf("%w: %d bytes", ErrPacketSizeTooSmall, maxSize)
		}
		needed := (len(data) + capacity - 1) / capacity
		if needed == 0 {
			needed = 1
		}
		if needed <= total {
			break
		}
		total = needed
	}

	packets := make([]*streamproto.BlePacket, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(data) {
			end = len(data)
		}
		packets = append(packets, &streamproto.BlePacket{
			PacketNumber: int32(i + 1),
			TotalPackets: int32(total),
			MessageID:    messageID,
			Payload:      data[start:end],
		})
	}
	return packets, nil
}

// packetOverhead is the worst-case wire size of the packet header for a
// message of totalPackets packets: the largest packet number in the sequence
// is totalPackets itself, and the payload length is bounded by maxSize.
func packetOverhead(totalPackets int, messageID int32, maxSize int) int {
	n := 0
	// packet_number and total_packets, both at their largest value.
	n += 2 * (protowire.SizeTag(1) + protowire.SizeVarint(uint64(totalPackets)))
	if messageID != 0 {
		n += protowire.SizeTag(3) + protowire.SizeVarint(uint64(uint32(messageID)))
	}
	n += protowire.SizeTag(4) + protowire.SizeVarint(uint64(maxSize))
	return n
}
