package connection

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/encryption"
	"github.com/user/carlink/logger"
)

// Adapter name changes apply asynchronously at the platform level, so
// association advertising polls for the change on a short interval. The
// retry budget is bounded; exhaustion fails the association start.
const (
	advertiseRetryInterval  = 10 * time.Millisecond
	advertiseNameRetryLimit = 100
	associationNameLength   = 8
)

// AssociationCallback receives the association flow's user-facing events.
type AssociationCallback interface {
	OnAssociationStartSuccess(deviceName string)
	OnAssociationStartFailure()
	OnAssociationError(code ChannelError)
	OnVerificationCodeAvailable(code string)
	OnAssociationCompleted(deviceID string)
}

// PeripheralManager is the advertising role. It runs one of two mutually
// exclusive modes: association, which broadcasts a one-time device name for
// first-time pairing, and reconnection, which broadcasts a per-device
// service UUID to resume a known pairing. Starting either mode resets any
// prior session first. The peripheral serves a single remote device at a
// time.
type PeripheralManager struct {
	Manager

	pm    ble.PeripheralManager
	store KeyStore

	associationServiceUUID uuid.UUID
	writeUUID              uuid.UUID
	readUUID               uuid.UUID

	mu            sync.Mutex
	started       bool
	originalName  string
	associating   bool
	assocCallback AssociationCallback
	retry         backoff.BackOff
	retryTimer    *time.Timer
	current       *BleDevice
}

// NewPeripheralManager creates the peripheral role around a platform
// PeripheralManager. The write characteristic receives device-to-car
// packets; the read characteristic carries car-to-device notifications.
func NewPeripheralManager(pm ble.PeripheralManager, store KeyStore, associationServiceUUID, writeUUID, readUUID uuid.UUID) *PeripheralManager {
	return &PeripheralManager{
		Manager:                newManager(),
		pm:                     pm,
		store:                  store,
		associationServiceUUID: associationServiceUUID,
		writeUUID:              writeUUID,
		readUUID:               readUUID,
	}
}

// Start registers with the platform peripheral. Advertising does not begin
// until an association or reconnection is requested.
func (m *PeripheralManager) Start() error {
	m.mu.Lock()
	m.started = true
	m.originalName = m.pm.Name()
	m.mu.Unlock()
	m.pm.RegisterCallback((*peripheralEvents)(m))
	m.pm.AddOnCharacteristicWriteListener(m.onCharacteristicWrite)
	m.pm.AddOnCharacteristicReadListener(m.onCharacteristicRead)
	return nil
}

// Stop resets the session and releases the platform peripheral.
func (m *PeripheralManager) Stop() {
	m.reset()
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.pm.UnregisterCallback((*peripheralEvents)(m))
}

// StartAssociation begins association advertising under a fresh random
// device name. The flow's progress is delivered on cb.
func (m *PeripheralManager) StartAssociation(cb AssociationCallback) {
	m.reset()
	name := randomDeviceName(associationNameLength)

	m.mu.Lock()
	m.associating = true
	m.assocCallback = cb
	m.retry = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(advertiseRetryInterval), advertiseNameRetryLimit)
	m.retry.Reset()
	m.mu.Unlock()

	logger.Info("PeripheralManager", "Starting association under name %s.", name)
	m.pm.SetName(name)
	m.attemptAssociationAdvertising(name)
}

// StopAssociation cancels an in-progress association and restores the
// adapter name.
func (m *PeripheralManager) StopAssociation() {
	m.reset()
}

// ConnectToDevice begins reconnection advertising for one known device. A
// request for the device already connected is a no-op.
func (m *PeripheralManager) ConnectToDevice(deviceID uuid.UUID) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current != nil && current.DeviceID == deviceID.String() {
		logger.Debug("PeripheralManager", "Device %s already connected. Ignoring.", deviceID)
		return
	}
	m.reset()

	logger.Info("PeripheralManager", "Advertising for reconnection to %s.", deviceID)
	service := m.gattService(deviceID)
	data := ble.AdvertiseData{ServiceUUID: deviceID}
	if err := m.pm.StartAdvertising(service, data, (*reconnectAdvertiseEvents)(m)); err != nil {
		logger.Warn("PeripheralManager", "Failed to start reconnection advertising: %v", err)
	}
}

// NotifyVerificationCodeAccepted forwards the user's out-of-band pairing
// code acceptance to the live secure channel. With no channel in place the
// session is reset and the association fails.
func (m *PeripheralManager) NotifyVerificationCodeAccepted() {
	m.mu.Lock()
	current := m.current
	cb := m.assocCallback
	m.mu.Unlock()
	if current == nil || current.SecureChannel == nil {
		logger.Error("PeripheralManager", "Verification accepted with no device connected. Resetting.")
		if cb != nil {
			cb.OnAssociationError(ChannelErrorInvalidState)
		}
		m.reset()
		return
	}
	current.SecureChannel.NotifyVerificationCodeAccepted()
}

// reset tears down advertising, timers and any connected device, and
// restores the adapter name.
func (m *PeripheralManager) reset() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retry = nil
	m.associating = false
	current := m.current
	m.current = nil
	originalName := m.originalName
	m.mu.Unlock()

	m.pm.StopAdvertising(nil)
	if originalName != "" {
		m.pm.SetName(originalName)
	}
	if current != nil {
		m.removeDevice(current.Device.Address)
		if current.SecureChannel != nil {
			current.SecureChannel.Stream().Close()
		}
		if current.DeviceID != "" {
			m.notifyDeviceDisconnected(current.DeviceID)
		}
	}
}

// attemptAssociationAdvertising waits for the adapter name change to take
// effect before advertising with the device name included. The retry budget
// bounds the wait.
func (m *PeripheralManager) attemptAssociationAdvertising(name string) {
	m.mu.Lock()
	retry := m.retry
	cb := m.assocCallback
	m.mu.Unlock()
	if retry == nil {
		return
	}

	if m.pm.Name() != name {
		next := retry.NextBackOff()
		if next == backoff.Stop {
			logger.Error("PeripheralManager", "Adapter name change never took effect. Giving up.")
			if cb != nil {
				cb.OnAssociationStartFailure()
			}
			return
		}
		timer := time.AfterFunc(next, func() { m.attemptAssociationAdvertising(name) })
		m.mu.Lock()
		m.retryTimer = timer
		m.mu.Unlock()
		return
	}

	service := m.gattService(m.associationServiceUUID)
	data := ble.AdvertiseData{ServiceUUID: m.associationServiceUUID, IncludeDeviceName: true}
	if err := m.pm.StartAdvertising(service, data, (*associationAdvertiseEvents)(m)); err != nil {
		logger.Warn("PeripheralManager", "Failed to start association advertising: %v", err)
	}
}

func (m *PeripheralManager) gattService(serviceUUID uuid.UUID) *ble.GattService {
	return &ble.GattService{
		UUID: serviceUUID,
		Characteristics: []*ble.Characteristic{
			{UUID: m.writeUUID, Properties: ble.PropertyWrite | ble.PropertyWriteNoResponse},
			{UUID: m.readUUID, Properties: ble.PropertyRead | ble.PropertyNotify},
		},
	}
}

func (m *PeripheralManager) onCharacteristicWrite(device *ble.Device, characteristic *ble.Characteristic, value []byte) {
	if characteristic.UUID != m.writeUUID {
		return
	}
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || current.Device.Address != device.Address || current.SecureChannel == nil {
		return
	}
	current.SecureChannel.Stream().ProcessIncoming(value)
}

func (m *PeripheralManager) onCharacteristicRead(device *ble.Device) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || current.Device.Address != device.Address || current.SecureChannel == nil {
		return
	}
	current.SecureChannel.Stream().WriteAcknowledged()
}

// peripheralEvents receives platform peripheral connection events.
type peripheralEvents PeripheralManager

func (e *peripheralEvents) OnRemoteDeviceConnected(device *ble.Device) {
	m := (*PeripheralManager)(e)
	logger.Info("PeripheralManager", "Remote device %s connected.", device.Address)
	m.pm.StopAdvertising(nil)

	m.mu.Lock()
	associating := m.associating
	m.mu.Unlock()

	readCharacteristic := &ble.Characteristic{UUID: m.readUUID, Properties: ble.PropertyRead | ble.PropertyNotify}
	transport := &peripheralTransport{pm: m.pm, device: device, characteristic: readCharacteristic}
	stream := NewBleMessageStream(device, transport)
	channel := NewSecureChannel(stream, m.store, encryption.NewRunner(), !associating)

	tracked := &BleDevice{Device: device, State: DeviceStateConnecting, SecureChannel: channel}
	channel.SetCallback(&peripheralChannelEvents{manager: m, tracked: tracked})
	channel.SetShowVerificationCodeListener(func(code string) {
		m.mu.Lock()
		cb := m.assocCallback
		m.mu.Unlock()
		tracked.State = DeviceStatePendingVerification
		if cb != nil {
			cb.OnVerificationCodeAvailable(code)
		}
	})

	m.mu.Lock()
	m.current = tracked
	m.mu.Unlock()
	m.addDevice(tracked)
	m.pm.RetrieveDeviceName(device)
}

func (e *peripheralEvents) OnRemoteDeviceDisconnected(device *ble.Device) {
	m := (*PeripheralManager)(e)
	logger.Info("PeripheralManager", "Remote device %s disconnected.", device.Address)

	m.mu.Lock()
	current := m.current
	if current != nil && current.Device.Address == device.Address {
		m.current = nil
	} else {
		current = nil
	}
	m.mu.Unlock()
	if current == nil {
		return
	}
	m.removeDevice(device.Address)
	if current.SecureChannel != nil {
		current.SecureChannel.Stream().Close()
	}
	if current.DeviceID != "" {
		m.notifyDeviceDisconnected(current.DeviceID)
	}
}

func (e *peripheralEvents) OnDeviceNameRetrieved(name string) {
	m := (*PeripheralManager)(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Device.Name = name
	}
}

func (e *peripheralEvents) OnMtuSizeChanged(size int) {
	m := (*PeripheralManager)(e)
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || current.SecureChannel == nil {
		return
	}
	logger.Debug("PeripheralManager", "MTU changed to %d.", size)
	current.SecureChannel.Stream().SetMaxWriteSize(size - 3)
}

// associationAdvertiseEvents reports the association advertising start.
type associationAdvertiseEvents PeripheralManager

func (e *associationAdvertiseEvents) OnStartSuccess() {
	m := (*PeripheralManager)(e)
	m.mu.Lock()
	cb := m.assocCallback
	m.mu.Unlock()
	name := m.pm.Name()
	logger.Info("PeripheralManager", "Association advertising started as %s.", name)
	if cb != nil {
		cb.OnAssociationStartSuccess(name)
	}
}

func (e *associationAdvertiseEvents) OnStartFailure(errorCode int) {
	m := (*PeripheralManager)(e)
	m.mu.Lock()
	cb := m.assocCallback
	m.mu.Unlock()
	logger.Error("PeripheralManager", "Association advertising failed with code %d.", errorCode)
	if cb != nil {
		cb.OnAssociationStartFailure()
	}
}

// reconnectAdvertiseEvents reports the reconnection advertising start.
type reconnectAdvertiseEvents PeripheralManager

func (e *reconnectAdvertiseEvents) OnStartSuccess() {
	logger.Debug("PeripheralManager", "Reconnection advertising started.")
}

func (e *reconnectAdvertiseEvents) OnStartFailure(errorCode int) {
	logger.Error("PeripheralManager", "Reconnection advertising failed with code %d.", errorCode)
}

// peripheralChannelEvents routes the connected device's secure channel
// events into the manager callbacks and the association flow.
type peripheralChannelEvents struct {
	manager *PeripheralManager
	tracked *BleDevice
}

func (e *peripheralChannelEvents) OnDeviceIDReceived(deviceID string) {
	e.tracked.DeviceID = deviceID
	e.manager.notifyDeviceConnected(deviceID)
}

func (e *peripheralChannelEvents) OnSecureChannelEstablished(_ encryption.Key) {
	m := e.manager
	e.tracked.State = DeviceStateConnected

	m.mu.Lock()
	associating := m.associating
	cb := m.assocCallback
	m.associating = false
	originalName := m.originalName
	m.mu.Unlock()

	m.notifySecureChannelEstablished(e.tracked.DeviceID)
	if associating {
		if originalName != "" {
			m.pm.SetName(originalName)
		}
		if cb != nil {
			cb.OnAssociationCompleted(e.tracked.DeviceID)
		}
	}
}

func (e *peripheralChannelEvents) OnEstablishSecureChannelFailure(code ChannelError) {
	m := e.manager
	m.mu.Lock()
	associating := m.associating
	cb := m.assocCallback
	m.mu.Unlock()

	if associating && cb != nil {
		cb.OnAssociationError(code)
	}
	m.notifySecureChannelError(e.tracked.DeviceID, code)
}

func (e *peripheralChannelEvents) OnMessageReceived(msg *DeviceMessage) {
	e.manager.notifyMessageReceived(e.tracked.DeviceID, msg)
}

func (e *peripheralChannelEvents) OnMessageReceivedError(err error) {
	logger.Warn("PeripheralManager", "Message error from %s: %v", e.tracked.Device.Address, err)
}

// randomDeviceName builds the short numeric name broadcast during
// association, sized to the BLE advertisement length budget.
func randomDeviceName(length int) string {
	const digits = "0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken; fall back to a
		// fixed name rather than crash the association flow.
		logger.Error("PeripheralManager", "Random source unavailable: %v", err)
		for i := range b {
			b[i] = '0'
		}
	}
	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}
	return string(b)
}
