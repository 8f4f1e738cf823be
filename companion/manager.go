// Package companion coordinates the connection managers into one
// application-facing surface: a registry of connected devices, scoped
// message delivery keyed by recipient id, and the association lifecycle.
package companion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/user/carlink/connection"
	"github.com/user/carlink/logger"
	"github.com/user/carlink/storage"
)

// DeviceError is an application-level device failure code.
type DeviceError int

const (
	DeviceErrorInsecureRecipientIDDetected DeviceError = iota + 1
	DeviceErrorInvalidSecurityState
)

func (e DeviceError) String() string {
	switch e {
	case DeviceErrorInsecureRecipientIDDetected:
		return "DEVICE_ERROR_INSECURE_RECIPIENT_ID_DETECTED"
	case DeviceErrorInvalidSecurityState:
		return "DEVICE_ERROR_INVALID_SECURITY_STATE"
	default:
		return "DEVICE_ERROR_UNKNOWN"
	}
}

// Coordinator errors.
var (
	ErrDeviceNotConnected  = errors.New("companion: device not connected")
	ErrNoSecureChannel     = errors.New("companion: secure channel not established")
	ErrInsecureRecipientID = errors.New("companion: recipient id compromised")
	ErrNoAssociatedDevice  = errors.New("companion: no device associated for the active user")
)

// ConnectedDevice is a point-in-time view of one connected device.
type ConnectedDevice struct {
	DeviceID            string
	DeviceName          string
	BelongsToActiveUser bool
	HasSecureChannel    bool
}

// DeviceCallback receives events for one (device, recipient) registration.
type DeviceCallback interface {
	OnSecureChannelEstablished(device ConnectedDevice)
	OnMessageReceived(device ConnectedDevice, message []byte)
	OnDeviceError(device ConnectedDevice, code DeviceError)
}

// ConnectionCallback receives device lifecycle events.
type ConnectionCallback interface {
	OnDeviceConnected(device ConnectedDevice)
	OnDeviceDisconnected(device ConnectedDevice)
}

// Associator is the peripheral-role surface the coordinator drives for
// association and reconnection. Implemented by connection.PeripheralManager.
type Associator interface {
	connection.DeviceManager
	StartAssociation(cb connection.AssociationCallback)
	StopAssociation()
	NotifyVerificationCodeAccepted()
	ConnectToDevice(deviceID uuid.UUID)
}

type callbackKey struct {
	deviceID  string
	recipient uuid.UUID
}

type deviceRecord struct {
	owner            connection.DeviceManager
	hasSecureChannel bool
}

// ConnectedDeviceManager is the top-level coordinator. One recipient id
// belongs to one consumer: a second registration for a (device, recipient)
// pair already registered is treated as a compromised recipient id, which is
// rejected for the rest of the process lifetime.
type ConnectedDeviceManager struct {
	central    connection.DeviceManager
	peripheral Associator
	store      *storage.Store
	activeUser int

	mu             sync.Mutex
	started        bool
	devices        map[string]*deviceRecord
	associated     map[string]bool
	callbacks      map[callbackKey]DeviceCallback
	blacklist      map[uuid.UUID]struct{}
	missed         map[callbackKey][]byte
	connCallbacks  []ConnectionCallback
	connecting     string
	pendingConnect bool
	assocCallback  connection.AssociationCallback
}

// NewConnectedDeviceManager creates the coordinator over the two role
// managers and the persistent store. activeUser scopes association records.
func NewConnectedDeviceManager(central connection.DeviceManager, peripheral Associator, store *storage.Store, activeUser int) *ConnectedDeviceManager {
	return &ConnectedDeviceManager{
		central:    central,
		peripheral: peripheral,
		store:      store,
		activeUser: activeUser,
		devices:    make(map[string]*deviceRecord),
		associated: make(map[string]bool),
		callbacks:  make(map[callbackKey]DeviceCallback),
		blacklist:  make(map[uuid.UUID]struct{}),
		missed:     make(map[callbackKey][]byte),
	}
}

// Start starts both role managers and executes any connection request made
// before start.
func (m *ConnectedDeviceManager) Start() error {
	m.central.RegisterCallback(&managerEvents{m: m, owner: m.central})
	m.peripheral.RegisterCallback(&managerEvents{m: m, owner: m.peripheral})
	if err := m.central.Start(); err != nil {
		return fmt.Errorf("companion: start central: %w", err)
	}
	if err := m.peripheral.Start(); err != nil {
		m.central.Stop()
		return fmt.Errorf("companion: start peripheral: %w", err)
	}

	m.mu.Lock()
	m.started = true
	pending := m.pendingConnect
	m.pendingConnect = false
	m.mu.Unlock()

	m.refreshAssociated()
	if pending {
		m.ConnectToActiveUserDevice()
	}
	return nil
}

// Stop stops both role managers and clears the connection registry.
func (m *ConnectedDeviceManager) Stop() {
	m.central.Stop()
	m.peripheral.Stop()
	m.mu.Lock()
	m.started = false
	m.connecting = ""
	m.devices = make(map[string]*deviceRecord)
	m.mu.Unlock()
}

// RegisterConnectionCallback adds a device lifecycle event receiver.
func (m *ConnectedDeviceManager) RegisterConnectionCallback(cb ConnectionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connCallbacks = append(m.connCallbacks, cb)
}

// UnregisterConnectionCallback removes a previously registered receiver.
func (m *ConnectedDeviceManager) UnregisterConnectionCallback(cb ConnectionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.connCallbacks {
		if c == cb {
			m.connCallbacks = append(m.connCallbacks[:i], m.connCallbacks[i+1:]...)
			return
		}
	}
}

// RegisterDeviceCallback claims the (device, recipient) pair for cb. A pair
// already claimed marks the recipient id compromised: the original
// registration is torn down with an error and the id is rejected for the
// process lifetime. A message that arrived for the pair before registration
// is delivered immediately.
func (m *ConnectedDeviceManager) RegisterDeviceCallback(deviceID string, recipient uuid.UUID, cb DeviceCallback) error {
	key := callbackKey{deviceID: deviceID, recipient: recipient}

	m.mu.Lock()
	if _, banned := m.blacklist[recipient]; banned {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInsecureRecipientID, recipient)
	}
	if existing, ok := m.callbacks[key]; ok {
		m.blacklist[recipient] = struct{}{}
		delete(m.callbacks, key)
		device := m.snapshotLocked(deviceID)
		m.mu.Unlock()

		logger.Error("ConnectedDeviceManager",
			"Duplicate registration for recipient %s on device %s. Blacklisting recipient.", recipient, deviceID)
		existing.OnDeviceError(device, DeviceErrorInsecureRecipientIDDetected)
		return fmt.Errorf("%w: %s", ErrInsecureRecipientID, recipient)
	}
	m.callbacks[key] = cb
	pending, hasPending := m.missed[key]
	delete(m.missed, key)
	device := m.snapshotLocked(deviceID)
	m.mu.Unlock()

	if hasPending {
		logger.Debug("ConnectedDeviceManager",
			"Delivering missed message to new registration for recipient %s.", recipient)
		cb.OnMessageReceived(device, pending)
	}
	return nil
}

// UnregisterDeviceCallback releases the (device, recipient) pair.
func (m *ConnectedDeviceManager) UnregisterDeviceCallback(deviceID string, recipient uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, callbackKey{deviceID: deviceID, recipient: recipient})
}

// SendMessageSecurely sends message to the recipient on the device over its
// secure channel. Fails without touching the transport when the device has
// no established secure channel.
func (m *ConnectedDeviceManager) SendMessageSecurely(deviceID string, recipient uuid.UUID, message []byte) error {
	m.mu.Lock()
	record, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if !record.hasSecureChannel {
		return fmt.Errorf("%w: %s", ErrNoSecureChannel, deviceID)
	}
	msg := connection.NewDeviceMessage(recipient, true, message)
	return record.owner.SendMessage(deviceID, msg, true)
}

// SendMessageUnsecurely sends message in the clear, bypassing the secure
// channel requirement.
func (m *ConnectedDeviceManager) SendMessageUnsecurely(deviceID string, recipient uuid.UUID, message []byte) error {
	m.mu.Lock()
	record, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	msg := connection.NewDeviceMessage(recipient, false, message)
	return record.owner.SendMessage(deviceID, msg, false)
}

// ConnectedDevices returns a snapshot of all connected devices.
func (m *ConnectedDeviceManager) ConnectedDevices() []ConnectedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var devices []ConnectedDevice
	for deviceID := range m.devices {
		devices = append(devices, m.snapshotLocked(deviceID))
	}
	return devices
}

// ActiveUserConnectedDevices returns the connected devices associated with
// the active user.
func (m *ConnectedDeviceManager) ActiveUserConnectedDevices() []ConnectedDevice {
	var devices []ConnectedDevice
	for _, d := range m.ConnectedDevices() {
		if d.BelongsToActiveUser {
			devices = append(devices, d)
		}
	}
	return devices
}

// ConnectToActiveUserDevice begins reconnection to the active user's
// associated device. Only one attempt runs at a time; requests made while an
// attempt is in flight are no-ops. A request before Start is remembered and
// executed at start.
func (m *ConnectedDeviceManager) ConnectToActiveUserDevice() error {
	m.mu.Lock()
	if !m.started {
		m.pendingConnect = true
		m.mu.Unlock()
		logger.Debug("ConnectedDeviceManager", "Connection requested before start. Deferring.")
		return nil
	}
	if m.connecting != "" {
		m.mu.Unlock()
		logger.Debug("ConnectedDeviceManager", "Connection attempt already in flight. Ignoring.")
		return nil
	}
	m.mu.Unlock()

	associated, err := m.store.AssociatedDevices(m.activeUser)
	if err != nil {
		return fmt.Errorf("companion: list associated devices: %w", err)
	}
	if len(associated) == 0 {
		return ErrNoAssociatedDevice
	}
	target := associated[0]
	deviceID, err := uuid.Parse(target.DeviceID)
	if err != nil {
		return fmt.Errorf("companion: stored device id %q: %w", target.DeviceID, err)
	}

	m.mu.Lock()
	if m.connecting != "" {
		m.mu.Unlock()
		return nil
	}
	m.connecting = target.DeviceID
	m.mu.Unlock()

	logger.Info("ConnectedDeviceManager", "Connecting to active user device %s.", deviceID)
	m.peripheral.ConnectToDevice(deviceID)
	return nil
}

// StartAssociation begins the association flow. Completion persists the
// association record for the active user before cb is notified.
func (m *ConnectedDeviceManager) StartAssociation(cb connection.AssociationCallback) {
	m.mu.Lock()
	m.assocCallback = cb
	m.mu.Unlock()
	m.peripheral.StartAssociation((*associationEvents)(m))
}

// StopAssociation cancels an in-progress association.
func (m *ConnectedDeviceManager) StopAssociation() {
	m.peripheral.StopAssociation()
}

// NotifyVerificationCodeAccepted forwards the user's out-of-band acceptance
// of the pairing code.
func (m *ConnectedDeviceManager) NotifyVerificationCodeAccepted() {
	m.peripheral.NotifyVerificationCodeAccepted()
}

// RemoveAssociatedDevice deletes the association record and session key for
// a device.
func (m *ConnectedDeviceManager) RemoveAssociatedDevice(deviceID string) error {
	if err := m.store.RemoveAssociatedDevice(deviceID); err != nil {
		return err
	}
	m.refreshAssociated()
	return nil
}

// RenameAssociatedDevice updates the stored name of an associated device.
func (m *ConnectedDeviceManager) RenameAssociatedDevice(deviceID, name string) error {
	return m.store.UpdateDeviceName(deviceID, name)
}

// refreshAssociated reloads the active user's association set from the
// store.
func (m *ConnectedDeviceManager) refreshAssociated() {
	associated, err := m.store.AssociatedDevices(m.activeUser)
	if err != nil {
		logger.Error("ConnectedDeviceManager", "Failed to load associated devices: %v", err)
		return
	}
	set := make(map[string]bool, len(associated))
	for _, d := range associated {
		set[d.DeviceID] = true
	}
	m.mu.Lock()
	m.associated = set
	m.mu.Unlock()
}

func (m *ConnectedDeviceManager) snapshotLocked(deviceID string) ConnectedDevice {
	device := ConnectedDevice{
		DeviceID:            deviceID,
		BelongsToActiveUser: m.associated[deviceID],
	}
	if record, ok := m.devices[deviceID]; ok {
		device.HasSecureChannel = record.hasSecureChannel
	}
	return device
}

func (m *ConnectedDeviceManager) snapshot(deviceID string) ConnectedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(deviceID)
}

// deviceCallbacksFor snapshots the registrations targeting one device.
func (m *ConnectedDeviceManager) deviceCallbacksFor(deviceID string) []DeviceCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cbs []DeviceCallback
	for key, cb := range m.callbacks {
		if key.deviceID == deviceID {
			cbs = append(cbs, cb)
		}
	}
	return cbs
}

func (m *ConnectedDeviceManager) connectionCallbacks() []ConnectionCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConnectionCallback(nil), m.connCallbacks...)
}

// managerEvents adapts one role manager's events into the coordinator,
// remembering which manager owns the device for the send path.
type managerEvents struct {
	m     *ConnectedDeviceManager
	owner connection.DeviceManager
}

func (e *managerEvents) OnDeviceConnected(deviceID string) {
	m := e.m
	m.mu.Lock()
	m.devices[deviceID] = &deviceRecord{owner: e.owner}
	if m.connecting == deviceID {
		m.connecting = ""
	}
	m.mu.Unlock()

	device := m.snapshot(deviceID)
	for _, cb := range m.connectionCallbacks() {
		cb.OnDeviceConnected(device)
	}
}

func (e *managerEvents) OnDeviceDisconnected(deviceID string) {
	m := e.m
	m.mu.Lock()
	delete(m.devices, deviceID)
	if m.connecting == deviceID {
		m.connecting = ""
	}
	m.mu.Unlock()

	device := m.snapshot(deviceID)
	for _, cb := range m.connectionCallbacks() {
		cb.OnDeviceDisconnected(device)
	}
}

func (e *managerEvents) OnSecureChannelEstablished(deviceID string) {
	m := e.m
	m.mu.Lock()
	if record, ok := m.devices[deviceID]; ok {
		record.hasSecureChannel = true
	}
	m.mu.Unlock()

	device := m.snapshot(deviceID)
	for _, cb := range m.deviceCallbacksFor(deviceID) {
		cb.OnSecureChannelEstablished(device)
	}
}

func (e *managerEvents) OnMessageReceived(deviceID string, msg *connection.DeviceMessage) {
	m := e.m
	if msg.Recipient == nil {
		logger.Warn("ConnectedDeviceManager", "Message from %s carries no recipient. Dropping.", deviceID)
		return
	}
	key := callbackKey{deviceID: deviceID, recipient: *msg.Recipient}

	m.mu.Lock()
	cb, ok := m.callbacks[key]
	if !ok {
		// Retained until a consumer registers; a newer message replaces it.
		m.missed[key] = msg.Payload
		m.mu.Unlock()
		logger.Debug("ConnectedDeviceManager",
			"No registration for recipient %s on device %s. Retaining message.", msg.Recipient, deviceID)
		return
	}
	device := m.snapshotLocked(deviceID)
	m.mu.Unlock()

	cb.OnMessageReceived(device, msg.Payload)
}

func (e *managerEvents) OnSecureChannelError(deviceID string, code connection.ChannelError) {
	m := e.m
	logger.Warn("ConnectedDeviceManager", "Secure channel error for %s: %s", deviceID, code)
	device := m.snapshot(deviceID)
	for _, cb := range m.deviceCallbacksFor(deviceID) {
		cb.OnDeviceError(device, DeviceErrorInvalidSecurityState)
	}
}

// associationEvents wraps the application's association callback so the
// coordinator can persist the association before forwarding completion.
type associationEvents ConnectedDeviceManager

func (e *associationEvents) callback() connection.AssociationCallback {
	m := (*ConnectedDeviceManager)(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assocCallback
}

func (e *associationEvents) OnAssociationStartSuccess(deviceName string) {
	if cb := e.callback(); cb != nil {
		cb.OnAssociationStartSuccess(deviceName)
	}
}

func (e *associationEvents) OnAssociationStartFailure() {
	if cb := e.callback(); cb != nil {
		cb.OnAssociationStartFailure()
	}
}

func (e *associationEvents) OnAssociationError(code connection.ChannelError) {
	if cb := e.callback(); cb != nil {
		cb.OnAssociationError(code)
	}
}

func (e *associationEvents) OnVerificationCodeAvailable(code string) {
	if cb := e.callback(); cb != nil {
		cb.OnVerificationCodeAvailable(code)
	}
}

func (e *associationEvents) OnAssociationCompleted(deviceID string) {
	m := (*ConnectedDeviceManager)(e)
	record := &storage.AssociatedDevice{DeviceID: deviceID, UserID: m.activeUser}
	if err := m.store.AddAssociatedDevice(record); err != nil {
		logger.Error("ConnectedDeviceManager", "Failed to persist association for %s: %v", deviceID, err)
	}
	m.refreshAssociated()
	if cb := e.callback(); cb != nil {
		cb.OnAssociationCompleted(deviceID)
	}
}
