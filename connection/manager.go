package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/carlink/ble"
)

// DeviceState is the lifecycle of one remote device connection.
type DeviceState int

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateConnecting
	DeviceStatePendingVerification
	DeviceStateConnected
)

// BleDevice is one remote device tracked by a connection manager. DeviceID
// is empty until the secure channel's identification step completes.
type BleDevice struct {
	Device        *ble.Device
	State         DeviceState
	DeviceID      string
	SecureChannel *SecureChannel
}

// Callback is the common event contract both connection manager roles feed.
type Callback interface {
	OnDeviceConnected(deviceID string)
	OnDeviceDisconnected(deviceID string)
	OnSecureChannelEstablished(deviceID string)
	OnMessageReceived(deviceID string, msg *DeviceMessage)
	OnSecureChannelError(deviceID string, code ChannelError)
}

// ErrDeviceNotConnected is returned when a send targets a device with no
// active connection.
var ErrDeviceNotConnected = errors.New("connection: device not connected")

// DeviceManager is the surface the coordinator drives on either role
// manager.
type DeviceManager interface {
	Start() error
	Stop()
	RegisterCallback(cb Callback)
	UnregisterCallback(cb Callback)
	SendMessage(deviceID string, msg *DeviceMessage, encrypted bool) error
	ConnectedDevices() []string
}

// Manager is the registry and callback fan-out shared by the central and
// peripheral managers. Devices are keyed by radio address; callbacks are
// snapshotted before iteration so registration churn during delivery cannot
// tear the loop.
type Manager struct {
	mu        sync.Mutex
	devices   map[string]*BleDevice
	callbacks []Callback
}

func newManager() Manager {
	return Manager{devices: make(map[string]*BleDevice)}
}

// RegisterCallback adds a connection event receiver.
func (m *Manager) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// UnregisterCallback removes a previously registered receiver.
func (m *Manager) UnregisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.callbacks {
		if c == cb {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// ConnectedDevices returns the ids of devices whose secure channel
// identification has completed.
func (m *Manager) ConnectedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, d := range m.devices {
		if d.DeviceID != "" {
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// SendMessage routes a message to a connected device, through the secure
// channel's encryption when requested.
func (m *Manager) SendMessage(deviceID string, msg *DeviceMessage, encrypted bool) error {
	device := m.deviceByID(deviceID)
	if device == nil || device.SecureChannel == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if encrypted {
		return device.SecureChannel.SendEncryptedMessage(msg)
	}
	return device.SecureChannel.SendUnencryptedMessage(msg)
}

func (m *Manager) addDevice(d *BleDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.Device.Address] = d
}

func (m *Manager) removeDevice(address string) *BleDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.devices[address]
	delete(m.devices, address)
	return d
}

func (m *Manager) deviceByAddress(address string) *BleDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[address]
}

func (m *Manager) deviceByID(deviceID string) *BleDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceID == deviceID {
			return d
		}
	}
	return nil
}

func (m *Manager) deviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *Manager) clearDevices() []*BleDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var devices []*BleDevice
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.devices = make(map[string]*BleDevice)
	return devices
}

func (m *Manager) snapshotCallbacks() []Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Callback(nil), m.callbacks...)
}

func (m *Manager) notifyDeviceConnected(deviceID string) {
	for _, cb := range m.snapshotCallbacks() {
		cb.OnDeviceConnected(deviceID)
	}
}

func (m *Manager) notifyDeviceDisconnected(deviceID string) {
	for _, cb := range m.snapshotCallbacks() {
		cb.OnDeviceDisconnected(deviceID)
	}
}

func (m *Manager) notifySecureChannelEstablished(deviceID string) {
	for _, cb := range m.snapshotCallbacks() {
		cb.OnSecureChannelEstablished(deviceID)
	}
}

func (m *Manager) notifyMessageReceived(deviceID string, msg *DeviceMessage) {
	for _, cb := range m.snapshotCallbacks() {
		cb.OnMessageReceived(deviceID, msg)
	}
}

func (m *Manager) notifySecureChannelError(deviceID string, code ChannelError) {
	for _, cb := range m.snapshotCallbacks() {
		cb.OnSecureChannelError(deviceID, code)
	}
}
