package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/logger"
	"github.com/user/carlink/streamproto"
)

// Supported protocol versions. Version exchange fails closed when the peer's
// advertised ranges do not overlap these.
const (
	minMessagingVersion = 2
	maxMessagingVersion = 2
	minSecurityVersion  = 1
	maxSecurityVersion  = 1
)

// DefaultMaxWriteSize is the write chunk for the default 23-byte link MTU
// minus the 3-byte ATT header.
const DefaultMaxWriteSize = 20

// Outbound packet cadence. The slower rate applies while a message is being
// received, so outbound writes do not starve inbound notifications.
const (
	writeThrottle        = 10 * time.Millisecond
	writeThrottleInbound = 75 * time.Millisecond
)

// Stream errors.
var (
	ErrUnsupportedVersion  = errors.New("connection: no version overlap with peer")
	ErrVersionNotExchanged = errors.New("connection: version exchange not complete")
)

// StreamTransport is the byte pipe under one message stream: it pushes one
// serialized packet to the remote device. Write completion is signalled back
// to the stream via WriteAcknowledged; inbound bytes arrive via
// ProcessIncoming.
type StreamTransport interface {
	WritePacket(value []byte) error
}

// MessageReceivedListener receives fully reassembled messages.
type MessageReceivedListener func(device *ble.Device, msg *DeviceMessage, operation streamproto.OperationType)

// MessageReceivedErrorListener receives non-fatal stream decode and protocol
// errors.
type MessageReceivedErrorListener func(err error)

// BleMessageStream owns one write/read endpoint pair for a single remote
// device. It performs the version exchange, frames and fragments outgoing
// messages, reassembles incoming packet sequences, and throttles the
// outgoing packet cadence. One packet is in flight at a time; the next is
// written only after the transport acknowledges the previous one.
type BleMessageStream struct {
	device    *ble.Device
	transport StreamTransport

	idGen MessageIDGenerator

	mu               sync.Mutex
	versionExchanged bool
	failed           bool
	maxWriteSize     int
	queue            []*streamproto.BlePacket
	writeInProgress  bool
	pending          *time.Timer
	pendingData      map[int32][]byte
	pendingNext      map[int32]int32

	messageListener MessageReceivedListener
	errorListener   MessageReceivedErrorListener
	versionListener func()
}

// NewBleMessageStream creates a stream over the transport for one remote
// device. The stream starts before version exchange; application messages
// are rejected until the peer's version frame has been validated.
func NewBleMessageStream(device *ble.Device, transport StreamTransport) *BleMessageStream {
	return &BleMessageStream{
		device:       device,
		transport:    transport,
		maxWriteSize: DefaultMaxWriteSize,
		pendingData:  make(map[int32][]byte),
		pendingNext:  make(map[int32]int32),
	}
}

// Device returns the remote device this stream serves.
func (s *BleMessageStream) Device() *ble.Device {
	return s.device
}

// SetMaxWriteSize updates the write chunk after an MTU renegotiation.
func (s *BleMessageStream) SetMaxWriteSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxWriteSize = size
}

// MaxWriteSize returns the current write chunk size.
func (s *BleMessageStream) MaxWriteSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWriteSize
}

// SetMessageReceivedListener registers the receiver for complete messages.
func (s *BleMessageStream) SetMessageReceivedListener(l MessageReceivedListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageListener = l
}

// SetMessageReceivedErrorListener registers the receiver for stream errors.
func (s *BleMessageStream) SetMessageReceivedErrorListener(l MessageReceivedErrorListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorListener = l
}

// SetVersionExchangedListener registers a hook fired once the version
// exchange completes successfully.
func (s *BleMessageStream) SetVersionExchangedListener(l func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionListener = l
}

// WriteMessage wraps the message in a transport envelope, fragments it and
// enqueues the packets for flow-controlled delivery.
func (s *BleMessageStream) WriteMessage(msg *DeviceMessage, operation streamproto.OperationType) error {
	s.mu.Lock()
	if !s.versionExchanged {
		s.mu.Unlock()
		return ErrVersionNotExchanged
	}
	maxWrite := s.maxWriteSize
	s.mu.Unlock()

	envelope := &streamproto.BleDeviceMessage{
		Operation:          operation,
		IsPayloadEncrypted: msg.IsEncrypted,
		Payload:            msg.Payload,
	}
	if msg.Recipient != nil {
		recipient := *msg.Recipient
		envelope.Recipient = recipient[:]
	}

	packets, err := MakePackets(envelope.Marshal(), s.idGen.Next(), maxWrite)
	if err != nil {
		return err
	}
	logger.Trace("MessageStream", "Writing %s message to %s in %d packets.",
		operation, s.device.Address, len(packets))

	s.mu.Lock()
	s.queue = append(s.queue, packets...)
	s.mu.Unlock()
	s.writeNextInQueue()
	return nil
}

// WriteAcknowledged signals that the remote device drained the last written
// packet. The next queued packet is written after the throttle delay.
func (s *BleMessageStream) WriteAcknowledged() {
	s.mu.Lock()
	s.writeInProgress = false
	delay := writeThrottle
	if len(s.pendingData) > 0 {
		delay = writeThrottleInbound
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(delay, s.writeNextInQueue)
	s.mu.Unlock()
}

// ProcessIncoming feeds raw bytes written by the remote device into the
// stream: a version exchange frame before negotiation, packet frames after.
func (s *BleMessageStream) ProcessIncoming(value []byte) {
	s.mu.Lock()
	failed := s.failed
	exchanged := s.versionExchanged
	s.mu.Unlock()
	if failed {
		return
	}
	if !exchanged {
		s.processVersionExchange(value)
		return
	}
	s.processPacket(value)
}

// Close stops any pending delayed write.
func (s *BleMessageStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.queue = nil
}

func (s *BleMessageStream) writeNextInQueue() {
	s.mu.Lock()
	if s.writeInProgress || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	packet := s.queue[0]
	s.queue = s.queue[1:]
	s.writeInProgress = true
	s.mu.Unlock()

	logger.Trace("MessageStream", "Writing packet %d of %d for message %d.",
		packet.PacketNumber, packet.TotalPackets, packet.MessageID)
	if err := s.transport.WritePacket(packet.Marshal()); err != nil {
		s.mu.Lock()
		s.writeInProgress = false
		s.mu.Unlock()
		s.notifyError(fmt.Errorf("connection: write packet %d of message %d: %w",
			packet.PacketNumber, packet.MessageID, err))
	}
}

// processVersionExchange validates the peer's advertised version ranges and
// replies with the local ranges. A mismatch fails the stream closed: no
// further frames are processed.
func (s *BleMessageStream) processVersionExchange(value []byte) {
	exchange, err := streamproto.UnmarshalBleVersionExchange(value)
	if err != nil {
		s.notifyError(fmt.Errorf("connection: version exchange frame: %w", err))
		return
	}

	if exchange.MinSupportedMessagingVersion > maxMessagingVersion ||
		exchange.MaxSupportedMessagingVersion < minMessagingVersion ||
		exchange.MinSupportedSecurityVersion > maxSecurityVersion ||
		exchange.MaxSupportedSecurityVersion < minSecurityVersion {
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
		s.notifyError(fmt.Errorf("%w: peer messaging [%d,%d] security [%d,%d]",
			ErrUnsupportedVersion,
			exchange.MinSupportedMessagingVersion, exchange.MaxSupportedMessagingVersion,
			exchange.MinSupportedSecurityVersion, exchange.MaxSupportedSecurityVersion))
		return
	}

	reply := &streamproto.BleVersionExchange{
		MinSupportedMessagingVersion: minMessagingVersion,
		MaxSupportedMessagingVersion: maxMessagingVersion,
		MinSupportedSecurityVersion:  minSecurityVersion,
		MaxSupportedSecurityVersion:  maxSecurityVersion,
	}
	if err := s.transport.WritePacket(reply.Marshal()); err != nil {
		s.notifyError(fmt.Errorf("connection: send version exchange: %w", err))
		return
	}

	s.mu.Lock()
	s.versionExchanged = true
	listener := s.versionListener
	s.mu.Unlock()
	logger.Debug("MessageStream", "Version exchange with %s complete.", s.device.Address)
	if listener != nil {
		listener()
	}
}

// processPacket applies one inbound packet to its message's pending
// assembly. Packets must arrive in increasing packet number order; a repeat
// of the previous packet is ignored, any other gap is a protocol error.
func (s *BleMessageStream) processPacket(value []byte) {
	packet, err := streamproto.UnmarshalBlePacket(value)
	if err != nil {
		s.notifyError(fmt.Errorf("connection: packet frame: %w", err))
		return
	}

	id := packet.MessageID
	s.mu.Lock()
	expected, ok := s.pendingNext[id]
	if !ok {
		expected = 1
	}
	if packet.PacketNumber == expected-1 {
		s.mu.Unlock()
		logger.Warn("MessageStream", "Duplicate packet %d for message %d. Ignoring.",
			packet.PacketNumber, id)
		return
	}
	if packet.TotalPackets < 1 || packet.PacketNumber < 1 ||
		packet.PacketNumber > packet.TotalPackets || packet.PacketNumber != expected {
		s.mu.Unlock()
		s.notifyError(fmt.Errorf("connection: packet %d of %d for message %d, expected packet %d",
			packet.PacketNumber, packet.TotalPackets, id, expected))
		return
	}

	s.pendingData[id] = append(s.pendingData[id], packet.Payload...)
	if packet.PacketNumber < packet.TotalPackets {
		s.pendingNext[id] = expected + 1
		s.mu.Unlock()
		return
	}

	data := s.pendingData[id]
	delete(s.pendingData, id)
	delete(s.pendingNext, id)
	s.mu.Unlock()
	s.processCompleteMessage(data)
}

func (s *BleMessageStream) processCompleteMessage(data []byte) {
	envelope, err := streamproto.UnmarshalBleDeviceMessage(data)
	if err != nil {
		s.notifyError(fmt.Errorf("connection: device message frame: %w", err))
		return
	}

	msg := &DeviceMessage{
		IsEncrypted: envelope.IsPayloadEncrypted,
		Payload:     envelope.Payload,
	}
	if len(envelope.Recipient) == streamproto.RecipientLength {
		recipient, err := uuid.FromBytes(envelope.Recipient)
		if err != nil {
			s.notifyError(fmt.Errorf("connection: recipient id: %w", err))
			return
		}
		msg.Recipient = &recipient
	}

	s.mu.Lock()
	listener := s.messageListener
	s.mu.Unlock()
	logger.Trace("MessageStream", "Received %s message from %s (%d bytes).",
		envelope.Operation, s.device.Address, len(envelope.Payload))
	if listener != nil {
		listener(s.device, msg, envelope.Operation)
	}
}

func (s *BleMessageStream) notifyError(err error) {
	s.mu.Lock()
	listener := s.errorListener
	s.mu.Unlock()
	logger.Warn("MessageStream", "Stream error for %s: %v", s.device.Address, err)
	if listener != nil {
		listener(err)
	}
}
