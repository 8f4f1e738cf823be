package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/encryption"
	"github.com/user/carlink/logger"
	"github.com/user/carlink/streamproto"
)

// ChannelError is the closed set of secure channel failure codes. Errors are
// reported through the channel callback, never returned past the channel
// boundary.
type ChannelError int

const (
	ChannelErrorInvalidHandshake ChannelError = iota
	ChannelErrorInvalidMsg
	ChannelErrorInvalidDeviceID
	ChannelErrorInvalidVerification
	ChannelErrorInvalidState
	ChannelErrorInvalidEncryptionKey
	ChannelErrorStorageError
)

func (e ChannelError) String() string {
	switch e {
	case ChannelErrorInvalidHandshake:
		return "CHANNEL_ERROR_INVALID_HANDSHAKE"
	case ChannelErrorInvalidMsg:
		return "CHANNEL_ERROR_INVALID_MSG"
	case ChannelErrorInvalidDeviceID:
		return "CHANNEL_ERROR_INVALID_DEVICE_ID"
	case ChannelErrorInvalidVerification:
		return "CHANNEL_ERROR_INVALID_VERIFICATION"
	case ChannelErrorInvalidState:
		return "CHANNEL_ERROR_INVALID_STATE"
	case ChannelErrorInvalidEncryptionKey:
		return "CHANNEL_ERROR_INVALID_ENCRYPTION_KEY"
	case ChannelErrorStorageError:
		return "CHANNEL_ERROR_STORAGE_ERROR"
	default:
		return "CHANNEL_ERROR_UNKNOWN"
	}
}

// ErrChannelNotEstablished is returned when an encrypted send is attempted
// before the handshake finished.
var ErrChannelNotEstablished = errors.New("connection: secure channel not established")

// confirmationSignal is sent to the device after the verification code has
// been accepted out of band.
var confirmationSignal = []byte("True")

// KeyStore is the slice of persistent storage the secure channel needs.
type KeyStore interface {
	UniqueID() (uuid.UUID, error)
	EncryptionKey(deviceID string) ([]byte, error)
	SaveEncryptionKey(deviceID string, key []byte) error
}

// SecureChannelCallback receives channel lifecycle and message events.
type SecureChannelCallback interface {
	OnSecureChannelEstablished(key encryption.Key)
	OnEstablishSecureChannelFailure(code ChannelError)
	OnMessageReceived(msg *DeviceMessage)
	OnMessageReceivedError(err error)
	OnDeviceIDReceived(deviceID string)
}

// ShowVerificationCodeListener presents a pairing code to the user during
// association.
type ShowVerificationCodeListener func(code string)

// SecureChannel drives the handshake over a message stream until a session
// key exists, then encrypts and decrypts all client traffic. A channel is
// created fresh per connection attempt and discarded on disconnect.
//
// Handshake frame sequence, car as responder: the device's id, then its
// public key, then either the association transcript confirmation (leading
// to out-of-band code verification) or the session resumption announcement
// and proof.
type SecureChannel struct {
	stream *BleMessageStream
	store  KeyStore
	runner encryption.Runner

	mu            sync.Mutex
	isReconnect   bool
	state         encryption.HandshakeState
	runnerStarted bool
	deviceID      string
	key           encryption.Key

	callback         SecureChannelCallback
	verificationCode ShowVerificationCodeListener
}

// NewSecureChannel wires a channel onto the stream. isReconnect selects the
// session resumption handshake against a previously stored key.
func NewSecureChannel(stream *BleMessageStream, store KeyStore, runner encryption.Runner, isReconnect bool) *SecureChannel {
	c := &SecureChannel{
		stream:      stream,
		store:       store,
		runner:      runner,
		isReconnect: isReconnect,
		state:       encryption.StateUnknown,
	}
	runner.SetReconnect(isReconnect)
	stream.SetMessageReceivedListener(c.onMessageReceived)
	stream.SetMessageReceivedErrorListener(c.onStreamError)
	return c
}

// SetCallback registers the channel event receiver.
func (c *SecureChannel) SetCallback(cb SecureChannelCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// SetShowVerificationCodeListener registers the pairing code presenter used
// during association.
func (c *SecureChannel) SetShowVerificationCodeListener(l ShowVerificationCodeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verificationCode = l
}

// Stream returns the underlying message stream.
func (c *SecureChannel) Stream() *BleMessageStream {
	return c.stream
}

// DeviceID returns the remote device's id once its identification frame has
// been received.
func (c *SecureChannel) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// IsEstablished reports whether the handshake finished and a session key is
// live.
func (c *SecureChannel) IsEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == encryption.StateFinished && c.key != nil
}

// SendEncryptedMessage encrypts the payload with the session key and writes
// it as a client message. Fails before the handshake has finished.
func (c *SecureChannel) SendEncryptedMessage(msg *DeviceMessage) error {
	c.mu.Lock()
	key := c.key
	established := c.state == encryption.StateFinished
	c.mu.Unlock()
	if !established || key == nil {
		return ErrChannelNotEstablished
	}

	ciphertext, err := key.Encrypt(msg.Payload)
	if err != nil {
		return fmt.Errorf("connection: encrypt message: %w", err)
	}
	out := &DeviceMessage{Recipient: msg.Recipient, IsEncrypted: true, Payload: ciphertext}
	return c.stream.WriteMessage(out, streamproto.OperationTypeClientMessage)
}

// SendUnencryptedMessage writes a client message without payload
// protection.
func (c *SecureChannel) SendUnencryptedMessage(msg *DeviceMessage) error {
	out := &DeviceMessage{Recipient: msg.Recipient, Payload: msg.Payload}
	return c.stream.WriteMessage(out, streamproto.OperationTypeClientMessage)
}

// NotifyVerificationCodeAccepted finalizes an association handshake after
// the user confirmed the pairing code out of band: the key is derived and
// persisted, the confirmation signal is sent, and the channel is
// established.
func (c *SecureChannel) NotifyVerificationCodeAccepted() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != encryption.StateVerificationNeeded {
		c.notifyChannelError(ChannelErrorInvalidState)
		return
	}

	result, err := c.runner.VerifyPin()
	if err != nil {
		logger.Error("SecureChannel", "Pin verification failed: %v", err)
		c.notifyChannelError(ChannelErrorInvalidVerification)
		return
	}
	if result.State != encryption.StateFinished || result.Key == nil {
		c.notifyChannelError(ChannelErrorInvalidState)
		return
	}

	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()
	if err := c.store.SaveEncryptionKey(deviceID, result.Key.Bytes()); err != nil {
		logger.Error("SecureChannel", "Failed to persist key for %s: %v", deviceID, err)
		c.notifyChannelError(ChannelErrorStorageError)
		return
	}

	if err := c.sendHandshakeMessage(confirmationSignal); err != nil {
		c.notifyChannelError(ChannelErrorInvalidHandshake)
		return
	}

	c.mu.Lock()
	c.key = result.Key
	c.state = encryption.StateFinished
	cb := c.callback
	c.mu.Unlock()
	logger.Info("SecureChannel", "Secure channel established with %s.", deviceID)
	if cb != nil {
		cb.OnSecureChannelEstablished(result.Key)
	}
}

func (c *SecureChannel) onMessageReceived(_ *ble.Device, msg *DeviceMessage, operation streamproto.OperationType) {
	switch operation {
	case streamproto.OperationTypeEncryptionHandshake:
		c.processHandshake(msg.Payload)
	case streamproto.OperationTypeClientMessage:
		c.processClientMessage(msg)
	default:
		logger.Warn("SecureChannel", "Received message with unexpected operation %s. Ignoring.", operation)
	}
}

func (c *SecureChannel) onStreamError(err error) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb.OnMessageReceivedError(err)
	}
}

func (c *SecureChannel) processHandshake(payload []byte) {
	c.mu.Lock()
	state := c.state
	runnerStarted := c.runnerStarted
	c.mu.Unlock()

	switch {
	case state == encryption.StateUnknown:
		c.processDeviceID(payload)
	case state == encryption.StateInProgress && !runnerStarted:
		c.processHandshakeInit(payload)
	case state == encryption.StateInProgress:
		c.processHandshakeContinue(payload)
	case state == encryption.StateResumingSession:
		c.processReconnectProof(payload)
	default:
		logger.Error("SecureChannel", "Handshake frame in state %s.", state)
		c.notifyChannelError(ChannelErrorInvalidState)
	}
}

// processDeviceID handles the device's identification frame: a 16-byte
// device id. In reconnect mode a device with no stored key is rejected
// before any handshake exchange happens. The car answers with its own
// unique id.
func (c *SecureChannel) processDeviceID(payload []byte) {
	id, err := uuid.FromBytes(payload)
	if err != nil {
		logger.Error("SecureChannel", "Malformed device id frame: %v", err)
		c.notifyChannelError(ChannelErrorInvalidMsg)
		return
	}
	deviceID := id.String()

	c.mu.Lock()
	isReconnect := c.isReconnect
	c.mu.Unlock()
	if isReconnect {
		key, err := c.store.EncryptionKey(deviceID)
		if err != nil {
			c.notifyChannelError(ChannelErrorStorageError)
			return
		}
		if key == nil {
			logger.Error("SecureChannel", "No stored key for device %s. Cannot resume session.", deviceID)
			c.notifyChannelError(ChannelErrorInvalidDeviceID)
			return
		}
	}

	uniqueID, err := c.store.UniqueID()
	if err != nil {
		c.notifyChannelError(ChannelErrorStorageError)
		return
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.state = encryption.StateInProgress
	cb := c.callback
	c.mu.Unlock()

	logger.Debug("SecureChannel", "Device id %s received. Sending unique id.", deviceID)
	if cb != nil {
		cb.OnDeviceIDReceived(deviceID)
	}
	if err := c.sendHandshakeMessage(uniqueID[:]); err != nil {
		c.notifyChannelError(ChannelErrorInvalidHandshake)
	}
}

func (c *SecureChannel) processHandshakeInit(payload []byte) {
	result, err := c.runner.RespondToInitRequest(payload)
	if err != nil {
		logger.Error("SecureChannel", "Handshake init rejected: %v", err)
		c.notifyChannelError(ChannelErrorInvalidHandshake)
		return
	}
	if result.State != encryption.StateInProgress {
		c.notifyChannelError(ChannelErrorInvalidState)
		return
	}

	c.mu.Lock()
	c.runnerStarted = true
	c.mu.Unlock()
	if err := c.sendHandshakeMessage(result.NextMessage); err != nil {
		c.notifyChannelError(ChannelErrorInvalidHandshake)
	}
}

// processHandshakeContinue consumes the frame that decides between
// association and session resumption. Association exposes the verification
// code and waits for out-of-band acceptance.
func (c *SecureChannel) processHandshakeContinue(payload []byte) {
	result, err := c.runner.ContinueHandshake(payload)
	if err != nil {
		logger.Error("SecureChannel", "Handshake continuation rejected: %v", err)
		c.notifyChannelError(ChannelErrorInvalidHandshake)
		return
	}

	switch result.State {
	case encryption.StateVerificationNeeded:
		c.mu.Lock()
		c.state = encryption.StateVerificationNeeded
		show := c.verificationCode
		c.mu.Unlock()
		logger.Info("SecureChannel", "Verification code ready for %s.", c.DeviceID())
		if show != nil {
			show(result.VerificationCode)
		}
	case encryption.StateResumingSession:
		c.mu.Lock()
		c.state = encryption.StateResumingSession
		c.mu.Unlock()
	default:
		logger.Error("SecureChannel", "Handshake landed in unexpected state %s.", result.State)
		c.notifyChannelError(ChannelErrorInvalidState)
		return
	}

	if len(result.NextMessage) > 0 {
		if err := c.sendHandshakeMessage(result.NextMessage); err != nil {
			c.notifyChannelError(ChannelErrorInvalidHandshake)
		}
	}
}

// processReconnectProof authenticates the device's resumption proof against
// the stored key, persists the rotated key and answers with the car's own
// proof.
func (c *SecureChannel) processReconnectProof(payload []byte) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	previousKey, err := c.store.EncryptionKey(deviceID)
	if err != nil {
		c.notifyChannelError(ChannelErrorStorageError)
		return
	}
	if previousKey == nil {
		c.notifyChannelError(ChannelErrorInvalidEncryptionKey)
		return
	}

	result, err := c.runner.AuthenticateReconnection(payload, previousKey)
	if err != nil {
		logger.Error("SecureChannel", "Reconnection authentication failed for %s: %v", deviceID, err)
		c.notifyChannelError(ChannelErrorInvalidHandshake)
		return
	}
	if result.State != encryption.StateFinished || result.Key == nil {
		c.notifyChannelError(ChannelErrorInvalidState)
		return
	}

	if err := c.store.SaveEncryptionKey(deviceID, result.Key.Bytes()); err != nil {
		logger.Error("SecureChannel", "Failed to persist rotated key for %s: %v", deviceID, err)
		c.notifyChannelError(ChannelErrorStorageError)
		return
	}
	if len(result.NextMessage) > 0 {
		if err := c.sendHandshakeMessage(result.NextMessage); err != nil {
			c.notifyChannelError(ChannelErrorInvalidHandshake)
			return
		}
	}

	c.mu.Lock()
	c.key = result.Key
	c.state = encryption.StateFinished
	cb := c.callback
	c.mu.Unlock()
	logger.Info("SecureChannel", "Session resumed with %s.", deviceID)
	if cb != nil {
		cb.OnSecureChannelEstablished(result.Key)
	}
}

// processClientMessage decrypts inbound client traffic when flagged
// encrypted. Decryption failures are message errors, not fatal to the
// channel.
func (c *SecureChannel) processClientMessage(msg *DeviceMessage) {
	c.mu.Lock()
	key := c.key
	cb := c.callback
	c.mu.Unlock()

	if msg.IsEncrypted {
		if key == nil {
			c.notifyMessageError(fmt.Errorf("connection: encrypted message before channel established"))
			return
		}
		plaintext, err := key.Decrypt(msg.Payload)
		if err != nil {
			c.notifyMessageError(fmt.Errorf("connection: decrypt message: %w", err))
			return
		}
		msg.Payload = plaintext
		msg.IsEncrypted = false
	}

	if cb != nil {
		cb.OnMessageReceived(msg)
	}
}

func (c *SecureChannel) sendHandshakeMessage(payload []byte) error {
	msg := &DeviceMessage{Payload: payload}
	if err := c.stream.WriteMessage(msg, streamproto.OperationTypeEncryptionHandshake); err != nil {
		logger.Error("SecureChannel", "Failed to send handshake frame: %v", err)
		return err
	}
	return nil
}

func (c *SecureChannel) notifyChannelError(code ChannelError) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	logger.Error("SecureChannel", "Channel failure: %s.", code)
	if cb != nil {
		cb.OnEstablishSecureChannelFailure(code)
	}
}

func (c *SecureChannel) notifyMessageError(err error) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	logger.Warn("SecureChannel", "Message error: %v", err)
	if cb != nil {
		cb.OnMessageReceivedError(err)
	}
}
