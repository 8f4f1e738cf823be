package streamproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// BleDeviceMessage field numbers.
const (
	operationField          protowire.Number = 1
	isPayloadEncryptedField protowire.Number = 2
	messagePayloadField     protowire.Number = 3
	recipientField          protowire.Number = 4
)

// RecipientLength is the size of the recipient field, a serialized UUID.
const RecipientLength = 16

// BleDeviceMessage is the transport envelope carried inside a packet
// sequence. Recipient is empty for handshake and control traffic, otherwise
// a 16-byte UUID.
type BleDeviceMessage struct {
	Operation          OperationType
	IsPayloadEncrypted bool
	Payload            []byte
	Recipient          []byte
}

// Marshal serializes the device message to protobuf wire bytes.
func (m *BleDeviceMessage) Marshal() []byte {
	var b []byte
	if m.Operation != OperationTypeUnknown {
		b = protowire.AppendTag(b, operationField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.Operation)))
	}
	if m.IsPayloadEncrypted {
		b = protowire.AppendTag(b, isPayloadEncryptedField, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, messagePayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if len(m.Recipient) > 0 {
		b = protowire.AppendTag(b, recipientField, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Recipient)
	}
	return b
}

// UnmarshalBleDeviceMessage parses a BleDeviceMessage from wire bytes. A
// recipient field of the wrong length is a malformed frame.
func UnmarshalBleDeviceMessage(b []byte) (*BleDeviceMessage, error) {
	m := &BleDeviceMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == operationField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: operation: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: operation %d", ErrFieldOverflow, v)
			}
			m.Operation = OperationType(v)
			b = b[n:]
		case num == isPayloadEncryptedField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: is_payload_encrypted: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			m.IsPayloadEncrypted = v != 0
			b = b[n:]
		case num == messagePayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == recipientField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: recipient: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if len(v) != RecipientLength {
				return nil, fmt.Errorf("%w: recipient length %d", ErrMalformedFrame, len(v))
			}
			m.Recipient = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
