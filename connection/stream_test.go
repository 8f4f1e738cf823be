package connection

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/streamproto"
)

// recordingTransport captures written packets and optionally acknowledges
// each write immediately, standing in for the remote device's read-ack.
type recordingTransport struct {
	stream  *BleMessageStream
	out     chan []byte
	autoAck bool
}

func newRecordingTransport(autoAck bool) *recordingTransport {
	return &recordingTransport{out: make(chan []byte, 64), autoAck: autoAck}
}

func (t *recordingTransport) WritePacket(value []byte) error {
	t.out <- append([]byte(nil), value...)
	if t.autoAck && t.stream != nil {
		t.stream.WriteAcknowledged()
	}
	return nil
}

type received struct {
	msg       *DeviceMessage
	operation streamproto.OperationType
}

type streamRecorder struct {
	msgs chan received
	errs chan error
}

func newStreamRecorder(s *BleMessageStream) *streamRecorder {
	r := &streamRecorder{msgs: make(chan received, 16), errs: make(chan error, 16)}
	s.SetMessageReceivedListener(func(_ *ble.Device, msg *DeviceMessage, op streamproto.OperationType) {
		r.msgs <- received{msg: msg, operation: op}
	})
	s.SetMessageReceivedErrorListener(func(err error) {
		r.errs <- err
	})
	return r
}

func newTestStream(autoAck bool) (*BleMessageStream, *recordingTransport, *streamRecorder) {
	transport := newRecordingTransport(autoAck)
	stream := NewBleMessageStream(&ble.Device{Address: "AA:BB"}, transport)
	transport.stream = stream
	return stream, transport, newStreamRecorder(stream)
}

func peerVersionFrame(minMsg, maxMsg, minSec, maxSec int32) []byte {
	v := &streamproto.BleVersionExchange{
		MinSupportedMessagingVersion: minMsg,
		MaxSupportedMessagingVersion: maxMsg,
		MinSupportedSecurityVersion:  minSec,
		MaxSupportedSecurityVersion:  maxSec,
	}
	return v.Marshal()
}

func exchangeVersions(t *testing.T, stream *BleMessageStream, transport *recordingTransport) {
	t.Helper()
	stream.ProcessIncoming(peerVersionFrame(2, 2, 1, 1))
	select {
	case reply := <-transport.out:
		v, err := streamproto.UnmarshalBleVersionExchange(reply)
		if err != nil {
			t.Fatalf("version reply did not parse: %v", err)
		}
		if v.MaxSupportedMessagingVersion != maxMessagingVersion {
			t.Fatalf("unexpected version reply: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no version reply written")
	}
}

// deliver feeds a complete message into the stream as a packet sequence.
func deliver(t *testing.T, stream *BleMessageStream, envelope *streamproto.BleDeviceMessage, messageID int32) {
	t.Helper()
	packets, err := MakePackets(envelope.Marshal(), messageID, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	for _, p := range packets {
		stream.ProcessIncoming(p.Marshal())
	}
}

// collectMessage reads written packets off the transport until one message
// is fully assembled.
func collectMessage(t *testing.T, transport *recordingTransport) *streamproto.BleDeviceMessage {
	t.Helper()
	var data []byte
	for {
		select {
		case raw := <-transport.out:
			p, err := streamproto.UnmarshalBlePacket(raw)
			if err != nil {
				t.Fatalf("written packet did not parse: %v", err)
			}
			data = append(data, p.Payload...)
			if p.PacketNumber == p.TotalPackets {
				envelope, err := streamproto.UnmarshalBleDeviceMessage(data)
				if err != nil {
					t.Fatalf("assembled envelope did not parse: %v", err)
				}
				return envelope
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for packets")
		}
	}
}

func TestStreamVersionExchange(t *testing.T) {
	stream, transport, _ := newTestStream(true)
	exchanged := make(chan struct{}, 1)
	stream.SetVersionExchangedListener(func() { exchanged <- struct{}{} })

	exchangeVersions(t, stream, transport)
	select {
	case <-exchanged:
	case <-time.After(time.Second):
		t.Fatal("version exchanged listener never fired")
	}
}

func TestStreamVersionMismatchFailsClosed(t *testing.T) {
	stream, _, recorder := newTestStream(true)

	stream.ProcessIncoming(peerVersionFrame(3, 3, 1, 1))
	select {
	case err := <-recorder.errs:
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported for version mismatch")
	}

	// The stream processes no further frames.
	deliver(t, stream, &streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage,
		Payload:   []byte("after failure"),
	}, 1)
	select {
	case <-recorder.msgs:
		t.Fatal("message delivered after failed version exchange")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamWriteBeforeVersionExchange(t *testing.T) {
	stream, _, _ := newTestStream(true)
	err := stream.WriteMessage(&DeviceMessage{Payload: []byte("hi")}, streamproto.OperationTypeClientMessage)
	if !errors.Is(err, ErrVersionNotExchanged) {
		t.Fatalf("expected ErrVersionNotExchanged, got %v", err)
	}
}

func TestStreamSingleInFlightWrite(t *testing.T) {
	stream, transport, _ := newTestStream(false)
	exchangeVersions(t, stream, transport)

	// Three packets at the default 20-byte chunk.
	err := stream.WriteMessage(&DeviceMessage{Payload: makePayload(30)}, streamproto.OperationTypeClientMessage)
	if err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	select {
	case <-transport.out:
	case <-time.After(time.Second):
		t.Fatal("first packet never written")
	}
	select {
	case <-transport.out:
		t.Fatal("second packet written before acknowledgement")
	case <-time.After(50 * time.Millisecond):
	}

	stream.WriteAcknowledged()
	select {
	case <-transport.out:
	case <-time.After(time.Second):
		t.Fatal("second packet never written after acknowledgement")
	}
}

func TestStreamWriteRoundTrip(t *testing.T) {
	stream, transport, _ := newTestStream(true)
	exchangeVersions(t, stream, transport)

	recipient := uuid.New()
	payload := makePayload(123)
	err := stream.WriteMessage(NewDeviceMessage(recipient, false, payload), streamproto.OperationTypeClientMessage)
	if err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	envelope := collectMessage(t, transport)
	if envelope.Operation != streamproto.OperationTypeClientMessage {
		t.Errorf("operation = %s", envelope.Operation)
	}
	if !bytes.Equal(envelope.Payload, payload) {
		t.Error("payload corrupted in transit")
	}
	if !bytes.Equal(envelope.Recipient, recipient[:]) {
		t.Error("recipient corrupted in transit")
	}
}

func TestStreamInterleavedReassembly(t *testing.T) {
	stream, transport, recorder := newTestStream(true)
	exchangeVersions(t, stream, transport)

	first := makePayload(150)
	second := makePayload(170)
	packetsA, err := MakePackets((&streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage, Payload: first,
	}).Marshal(), 10, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	packetsB, err := MakePackets((&streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage, Payload: second,
	}).Marshal(), 11, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}

	// Alternate packets of the two messages.
	for i := 0; i < len(packetsA) || i < len(packetsB); i++ {
		if i < len(packetsA) {
			stream.ProcessIncoming(packetsA[i].Marshal())
		}
		if i < len(packetsB) {
			stream.ProcessIncoming(packetsB[i].Marshal())
		}
	}

	var got [][]byte
	for i := 0; i < 2; i++ {
		select {
		case r := <-recorder.msgs:
			got = append(got, r.msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("interleaved messages not both delivered")
		}
	}
	if !bytes.Equal(got[0], first) || !bytes.Equal(got[1], second) {
		t.Error("interleaved messages delivered with wrong payloads")
	}
}

func TestStreamIncompleteSequenceNotDelivered(t *testing.T) {
	stream, transport, recorder := newTestStream(true)
	exchangeVersions(t, stream, transport)

	packets, err := MakePackets((&streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage, Payload: makePayload(200),
	}).Marshal(), 5, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	if len(packets) < 2 {
		t.Fatal("test needs a multi-packet message")
	}
	for _, p := range packets[:len(packets)-1] {
		stream.ProcessIncoming(p.Marshal())
	}

	select {
	case <-recorder.msgs:
		t.Fatal("incomplete message was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamDuplicatePacketIgnored(t *testing.T) {
	stream, transport, recorder := newTestStream(true)
	exchangeVersions(t, stream, transport)

	payload := makePayload(150)
	packets, err := MakePackets((&streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage, Payload: payload,
	}).Marshal(), 9, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	stream.ProcessIncoming(packets[0].Marshal())
	stream.ProcessIncoming(packets[0].Marshal())
	for _, p := range packets[1:] {
		stream.ProcessIncoming(p.Marshal())
	}

	select {
	case r := <-recorder.msgs:
		if !bytes.Equal(r.msg.Payload, payload) {
			t.Error("payload corrupted by duplicate packet")
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
	select {
	case err := <-recorder.errs:
		t.Fatalf("duplicate packet reported as error: %v", err)
	default:
	}
}

func TestStreamOutOfOrderPacketError(t *testing.T) {
	stream, transport, recorder := newTestStream(true)
	exchangeVersions(t, stream, transport)

	packets, err := MakePackets(makePayload(250), 4, 100)
	if err != nil {
		t.Fatalf("MakePackets failed: %v", err)
	}
	if len(packets) < 3 {
		t.Fatal("test needs at least three packets")
	}
	stream.ProcessIncoming(packets[0].Marshal())
	stream.ProcessIncoming(packets[2].Marshal())

	select {
	case <-recorder.errs:
	case <-time.After(time.Second):
		t.Fatal("out of order packet not reported")
	}
}

func TestStreamMalformedEnvelopeSurvives(t *testing.T) {
	stream, transport, recorder := newTestStream(true)
	exchangeVersions(t, stream, transport)

	// Field number zero is invalid, so this envelope cannot decode.
	bad := &streamproto.BlePacket{PacketNumber: 1, TotalPackets: 1, MessageID: 20, Payload: []byte{0x00}}
	stream.ProcessIncoming(bad.Marshal())
	select {
	case <-recorder.errs:
	case <-time.After(time.Second):
		t.Fatal("malformed envelope not reported")
	}

	// The stream keeps working afterward.
	deliver(t, stream, &streamproto.BleDeviceMessage{
		Operation: streamproto.OperationTypeClientMessage,
		Payload:   []byte("still alive"),
	}, 21)
	select {
	case r := <-recorder.msgs:
		if string(r.msg.Payload) != "still alive" {
			t.Errorf("unexpected payload %q", r.msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not recover from malformed envelope")
	}
}
