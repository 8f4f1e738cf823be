package connection

import "github.com/google/uuid"

// DeviceMessage is one application-level message exchanged with a companion
// device. Recipient is nil for handshake and control traffic; for client
// traffic it scopes the message to one registered consumer on the device.
type DeviceMessage struct {
	Recipient   *uuid.UUID
	IsEncrypted bool
	Payload     []byte
}

// NewDeviceMessage builds a client message for a recipient.
func NewDeviceMessage(recipient uuid.UUID, isEncrypted bool, payload []byte) *DeviceMessage {
	return &DeviceMessage{Recipient: &recipient, IsEncrypted: isEncrypted, Payload: payload}
}
