package streamproto

// OperationType identifies the kind of traffic carried by a BleDeviceMessage.
//
// Value 2 is reserved for the acknowledgement slot of the original enum so
// that CLIENT_MESSAGE stays wire-compatible.
type OperationType int32

const (
	OperationTypeUnknown             OperationType = 0
	OperationTypeEncryptionHandshake OperationType = 1
	OperationTypeAck                 OperationType = 2
	OperationTypeClientMessage       OperationType = 3
)

func (op OperationType) String() string {
	switch op {
	case OperationTypeUnknown:
		return "OPERATION_TYPE_UNKNOWN"
	case OperationTypeEncryptionHandshake:
		return "ENCRYPTION_HANDSHAKE"
	case OperationTypeAck:
		return "ACK"
	case OperationTypeClientMessage:
		return "CLIENT_MESSAGE"
	default:
		return "INVALID"
	}
}
