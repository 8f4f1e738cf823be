package connection

import (
	"bytes"
	"errors"
	"testing"
)

func makePayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestMakePacketsRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 19, 20, 100, 750, 5000} {
		data := makePayload(size)
		packets, err := MakePackets(data, 7, 500)
		if err != nil {
			t.Fatalf("MakePackets(%d bytes) failed: %v", size, err)
		}
		if len(packets) == 0 {
			t.Fatalf("MakePackets(%d bytes) returned no packets", size)
		}

		var assembled []byte
		for i, p := range packets {
			if p.MessageID != 7 {
				t.Errorf("packet %d has message id %d", i, p.MessageID)
			}
			if p.PacketNumber != int32(i+1) {
				t.Errorf("packet %d has packet number %d", i, p.PacketNumber)
			}
			if p.TotalPackets != int32(len(packets)) {
				t.Errorf("packet %d has total %d, want %d", i, p.TotalPackets, len(packets))
			}
			if wire := p.Marshal(); len(wire) > 500 {
				t.Errorf("packet %d serializes to %d bytes, over the limit", i, len(wire))
			}
			assembled = append(assembled, p.Payload...)
		}
		if !bytes.Equal(assembled, data) {
			t.Errorf("reassembled %d bytes differ from input", size)
		}
	}
}

func TestMakePackets750Into500(t *testing.T) {
	data := makePayload(750)
	packets, err := MakePackets(data, 1, 500)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected exactly 2 packets, got %d", len(packets))
	}
	if packets[0].PacketNumber != 1 || packets[1].PacketNumber != 2 {
		t.Errorf("unexpected packet numbers %d, %d", packets[0].PacketNumber, packets[1].PacketNumber)
	}
	if packets[0].TotalPackets != 2 || packets[1].TotalPackets != 2 {
		t.Errorf("unexpected totals %d, %d", packets[0].TotalPackets, packets[1].TotalPackets)
	}
	assembled := append(append([]byte(nil), packets[0].Payload...), packets[1].Payload...)
	if !bytes.Equal(assembled, data) {
		t.Error("reassembled output differs from input")
	}
}

func TestMakePacketsEmptyPayload(t *testing.T) {
	packets, err := MakePackets(nil, 3, 20)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected one packet for empty payload, got %d", len(packets))
	}
	if packets[0].PacketNumber != 1 || packets[0].TotalPackets != 1 {
		t.Errorf("unexpected header %d/%d", packets[0].PacketNumber, packets[0].TotalPackets)
	}
}

func TestMakePacketsSizeTooSmall(t *testing.T) {
	_, err := MakePackets(makePayload(100), 1, 5)
	if !errors.Is(err, ErrPacketSizeTooSmall) {
		t.Fatalf("expected ErrPacketSizeTooSmall, got %v", err)
	}
}
