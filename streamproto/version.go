package streamproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// BleVersionExchange field numbers.
const (
	minMessagingVersionField protowire.Number = 1
	maxMessagingVersionField protowire.Number = 2
	minSecurityVersionField  protowire.Number = 3
	maxSecurityVersionField  protowire.Number = 4
)

// BleVersionExchange is the first frame exchanged on a new stream. Each side
// advertises the closed ranges of messaging and security versions it
// supports.
type BleVersionExchange struct {
	MinSupportedMessagingVersion int32
	MaxSupportedMessagingVersion int32
	MinSupportedSecurityVersion  int32
	MaxSupportedSecurityVersion  int32
}

// Marshal serializes the version exchange frame to protobuf wire bytes.
func (v *BleVersionExchange) Marshal() []byte {
	var b []byte
	fields := []struct {
		num protowire.Number
		val int32
	}{
		{minMessagingVersionField, v.MinSupportedMessagingVersion},
		{maxMessagingVersionField, v.MaxSupportedMessagingVersion},
		{minSecurityVersionField, v.MinSupportedSecurityVersion},
		{maxSecurityVersionField, v.MaxSupportedSecurityVersion},
	}
	for _, f := range fields {
		if f.val == 0 {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(f.val)))
	}
	return b
}

// UnmarshalBleVersionExchange parses a BleVersionExchange from wire bytes.
func UnmarshalBleVersionExchange(b []byte) (*BleVersionExchange, error) {
	v := &BleVersionExchange{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType ||
			num < minMessagingVersionField || num > maxSecurityVersionField {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
		}
		if raw > math.MaxInt32 {
			return nil, fmt.Errorf("%w: version field %d value %d", ErrFieldOverflow, num, raw)
		}
		val := int32(raw)
		b = b[n:]
		switch num {
		case minMessagingVersionField:
			v.MinSupportedMessagingVersion = val
		case maxMessagingVersionField:
			v.MaxSupportedMessagingVersion = val
		case minSecurityVersionField:
			v.MinSupportedSecurityVersion = val
		case maxSecurityVersionField:
			v.MaxSupportedSecurityVersion = val
		}
	}
	return v, nil
}
