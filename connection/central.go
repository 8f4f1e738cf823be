package connection

import (
	"sync"

	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/encryption"
	"github.com/user/carlink/logger"
)

// MaxSimultaneousConnections is the platform GATT channel limit for the
// central role. Scanning stops at the cap and resumes when a connection
// drops below it.
const MaxSimultaneousConnections = 7

// CentralManager is the scanning role: it discovers devices advertising the
// companion service, admits them up to the connection cap, and runs a
// reconnection secure channel over each admitted link. Devices whose GATT
// layout does not match the expected service are rejected for the session.
type CentralManager struct {
	Manager

	central     ble.Central
	scanManager *ble.ScanManager
	store       KeyStore

	serviceUUID uuid.UUID
	writeUUID   uuid.UUID
	readUUID    uuid.UUID

	mu      sync.Mutex
	started bool
	ignored map[string]bool
}

// NewCentralManager creates the central role around a platform Central. The
// write characteristic carries car-to-device packets, the read
// characteristic device-to-car notifications.
func NewCentralManager(central ble.Central, store KeyStore, serviceUUID, writeUUID, readUUID uuid.UUID) *CentralManager {
	return &CentralManager{
		Manager:     newManager(),
		central:     central,
		scanManager: ble.NewScanManager(central),
		store:       store,
		serviceUUID: serviceUUID,
		writeUUID:   writeUUID,
		readUUID:    readUUID,
		ignored:     make(map[string]bool),
	}
}

// Start begins scanning for devices advertising the companion service.
func (m *CentralManager) Start() error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.startScanning()
	return nil
}

// Stop stops scanning and tears down all connections.
func (m *CentralManager) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.scanManager.StopScanning()
	for _, d := range m.clearDevices() {
		if d.SecureChannel != nil {
			d.SecureChannel.Stream().Close()
		}
		if err := m.central.Disconnect(d.Device); err != nil {
			logger.Warn("CentralManager", "Failed to disconnect %s: %v", d.Device.Address, err)
		}
		if d.DeviceID != "" {
			m.notifyDeviceDisconnected(d.DeviceID)
		}
	}
}

func (m *CentralManager) startScanning() {
	filters := []ble.ScanFilter{{ServiceUUID: m.serviceUUID}}
	m.scanManager.StartScanning(filters, (*centralScanCallback)(m))
}

// centralScanCallback receives scan events for the central manager.
type centralScanCallback CentralManager

func (c *centralScanCallback) OnScanResult(result *ble.ScanResult) {
	m := (*CentralManager)(c)
	address := result.Device.Address
	if !result.Record.HasServiceUUID(m.serviceUUID) {
		return
	}

	m.mu.Lock()
	ignored := m.ignored[address]
	m.mu.Unlock()
	if ignored || m.deviceByAddress(address) != nil {
		return
	}
	if m.deviceCount() >= MaxSimultaneousConnections {
		logger.Info("CentralManager", "Connection limit reached. Pausing scanning.")
		m.scanManager.StopScanning()
		return
	}

	logger.Debug("CentralManager", "Connecting to %s (RSSI %d).", address, result.RSSI)
	device := &BleDevice{Device: result.Device, State: DeviceStateConnecting}
	m.addDevice(device)
	if m.deviceCount() >= MaxSimultaneousConnections {
		m.scanManager.StopScanning()
	}
	if err := m.central.Connect(result.Device, (*centralGattCallback)(m)); err != nil {
		logger.Warn("CentralManager", "Failed to connect to %s: %v", address, err)
		m.removeDevice(address)
		m.resumeScanningIfNeeded()
	}
}

func (c *centralScanCallback) OnScanFailed(errorCode int) {
	logger.Error("CentralManager", "Scanning failed with code %d.", errorCode)
}

// centralGattCallback receives GATT connection events for the central
// manager.
type centralGattCallback CentralManager

func (c *centralGattCallback) OnConnected(device *ble.Device) {
	logger.Debug("CentralManager", "Connected to %s. Awaiting service discovery.", device.Address)
}

func (c *centralGattCallback) OnServicesDiscovered(device *ble.Device, services []*ble.GattService) {
	m := (*CentralManager)(c)

	var service *ble.GattService
	for _, s := range services {
		if s.UUID == m.serviceUUID {
			service = s
			break
		}
	}
	if service == nil {
		m.rejectDevice(device, "expected service missing")
		return
	}
	writeCharacteristic := service.Characteristic(m.writeUUID)
	readCharacteristic := service.Characteristic(m.readUUID)
	if writeCharacteristic == nil || readCharacteristic == nil {
		m.rejectDevice(device, "expected characteristics missing")
		return
	}

	tracked := m.deviceByAddress(device.Address)
	if tracked == nil {
		return
	}

	transport := &centralTransport{central: m.central, device: device, characteristic: writeCharacteristic}
	stream := NewBleMessageStream(device, transport)
	transport.stream = stream
	channel := NewSecureChannel(stream, m.store, encryption.NewRunner(), true)
	channel.SetCallback(&centralChannelEvents{manager: m, tracked: tracked})
	tracked.SecureChannel = channel
}

func (c *centralGattCallback) OnCharacteristicChanged(device *ble.Device, characteristic *ble.Characteristic, value []byte) {
	m := (*CentralManager)(c)
	if characteristic.UUID != m.readUUID {
		return
	}
	tracked := m.deviceByAddress(device.Address)
	if tracked == nil || tracked.SecureChannel == nil {
		return
	}
	tracked.SecureChannel.Stream().ProcessIncoming(value)
}

func (c *centralGattCallback) OnMtuChanged(device *ble.Device, mtu int) {
	m := (*CentralManager)(c)
	tracked := m.deviceByAddress(device.Address)
	if tracked == nil || tracked.SecureChannel == nil {
		return
	}
	tracked.SecureChannel.Stream().SetMaxWriteSize(mtu - 3)
}

func (c *centralGattCallback) OnDisconnected(device *ble.Device) {
	m := (*CentralManager)(c)
	tracked := m.removeDevice(device.Address)
	if tracked == nil {
		return
	}
	if tracked.SecureChannel != nil {
		tracked.SecureChannel.Stream().Close()
	}
	if tracked.DeviceID != "" {
		m.notifyDeviceDisconnected(tracked.DeviceID)
	}
	m.resumeScanningIfNeeded()
}

// rejectDevice marks a device unusable for the rest of the session and
// disconnects it. Rejections are not retried.
func (m *CentralManager) rejectDevice(device *ble.Device, reason string) {
	logger.Warn("CentralManager", "Rejecting %s: %s.", device.Address, reason)
	m.mu.Lock()
	m.ignored[device.Address] = true
	m.mu.Unlock()
	m.removeDevice(device.Address)
	if err := m.central.Disconnect(device); err != nil {
		logger.Warn("CentralManager", "Failed to disconnect %s: %v", device.Address, err)
	}
	m.resumeScanningIfNeeded()
}

func (m *CentralManager) resumeScanningIfNeeded() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started && m.deviceCount() < MaxSimultaneousConnections && !m.scanManager.IsScanning() {
		m.startScanning()
	}
}

// centralChannelEvents routes one device's secure channel events into the
// shared callback contract.
type centralChannelEvents struct {
	manager *CentralManager
	tracked *BleDevice
}

func (e *centralChannelEvents) OnDeviceIDReceived(deviceID string) {
	e.tracked.DeviceID = deviceID
	e.manager.notifyDeviceConnected(deviceID)
}

func (e *centralChannelEvents) OnSecureChannelEstablished(_ encryption.Key) {
	e.tracked.State = DeviceStateConnected
	e.manager.notifySecureChannelEstablished(e.tracked.DeviceID)
}

func (e *centralChannelEvents) OnEstablishSecureChannelFailure(code ChannelError) {
	e.manager.notifySecureChannelError(e.tracked.DeviceID, code)
	if err := e.manager.central.Disconnect(e.tracked.Device); err != nil {
		logger.Warn("CentralManager", "Failed to disconnect %s: %v", e.tracked.Device.Address, err)
	}
}

func (e *centralChannelEvents) OnMessageReceived(msg *DeviceMessage) {
	e.manager.notifyMessageReceived(e.tracked.DeviceID, msg)
}

func (e *centralChannelEvents) OnMessageReceivedError(err error) {
	logger.Warn("CentralManager", "Message error from %s: %v", e.tracked.Device.Address, err)
}
