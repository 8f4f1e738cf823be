package ble

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/carlink/logger"
)

// Errors returned by the simulated radio.
var (
	ErrSimNotConnected   = errors.New("ble: no remote device connected")
	ErrSimNotAdvertising = errors.New("ble: not advertising")
	ErrSimUnknownPeer    = errors.New("ble: unknown peer")
)

// Notification is one characteristic value pushed to a simulated remote.
type Notification struct {
	Characteristic *Characteristic
	Value          []byte
}

// SimPeripheralManager is an in-memory PeripheralManager for tests and the
// demo binary. A SimRemoteDevice plays the part of the companion phone.
type SimPeripheralManager struct {
	mu sync.Mutex

	name        string
	nameLatency time.Duration
	nameGen     uint64

	callbacks      []PeripheralCallback
	writeListeners []CharacteristicWriteListener
	readListeners  []CharacteristicReadListener

	service       *GattService
	advertiseData AdvertiseData
	advertising   bool
	advertiseErr  int

	remote *SimRemoteDevice
}

// NewSimPeripheralManager creates a simulated peripheral with the given
// adapter name.
func NewSimPeripheralManager(name string) *SimPeripheralManager {
	return &SimPeripheralManager{name: name}
}

// SetNameLatency makes adapter name changes take effect after d, modelling
// the asynchronous platform behavior.
func (m *SimPeripheralManager) SetNameLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameLatency = d
}

// FailNextAdvertise makes the next StartAdvertising report errorCode.
func (m *SimPeripheralManager) FailNextAdvertise(errorCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertiseErr = errorCode
}

func (m *SimPeripheralManager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *SimPeripheralManager) SetName(name string) {
	m.mu.Lock()
	m.nameGen++
	gen := m.nameGen
	latency := m.nameLatency
	if latency == 0 {
		m.name = name
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	time.AfterFunc(latency, func() {
		m.mu.Lock()
		// The platform serializes name changes; delayed callbacks can fire
		// in any order, so only the most recent request may apply.
		if m.nameGen == gen {
			m.name = name
		}
		m.mu.Unlock()
	})
}

func (m *SimPeripheralManager) RegisterCallback(cb PeripheralCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *SimPeripheralManager) UnregisterCallback(cb PeripheralCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.callbacks {
		if c == cb {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

func (m *SimPeripheralManager) AddOnCharacteristicWriteListener(l CharacteristicWriteListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeListeners = append(m.writeListeners, l)
}

func (m *SimPeripheralManager) AddOnCharacteristicReadListener(l CharacteristicReadListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readListeners = append(m.readListeners, l)
}

func (m *SimPeripheralManager) StartAdvertising(service *GattService, data AdvertiseData, cb AdvertiseCallback) error {
	m.mu.Lock()
	if m.advertiseErr != 0 {
		code := m.advertiseErr
		m.advertiseErr = 0
		m.mu.Unlock()
		if cb != nil {
			cb.OnStartFailure(code)
		}
		return fmt.Errorf("ble: advertising failed with code %d", code)
	}
	m.service = service
	m.advertiseData = data
	m.advertising = true
	m.mu.Unlock()

	logger.Trace("SimPeripheral", "Advertising service %s (device name included: %v).",
		data.ServiceUUID, data.IncludeDeviceName)
	if cb != nil {
		cb.OnStartSuccess()
	}
	return nil
}

func (m *SimPeripheralManager) StopAdvertising(cb AdvertiseCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = false
}

// IsAdvertising reports whether an advertisement is active.
func (m *SimPeripheralManager) IsAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// AdvertisedData returns the current advertisement payload.
func (m *SimPeripheralManager) AdvertisedData() AdvertiseData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertiseData
}

func (m *SimPeripheralManager) NotifyCharacteristicChanged(device *Device, characteristic *Characteristic, value []byte, confirm bool) error {
	m.mu.Lock()
	remote := m.remote
	m.mu.Unlock()
	if remote == nil || device == nil || remote.device.Address != device.Address {
		return ErrSimNotConnected
	}
	remote.deliver(characteristic, value)
	return nil
}

func (m *SimPeripheralManager) RetrieveDeviceName(device *Device) {
	m.mu.Lock()
	remote := m.remote
	callbacks := append([]PeripheralCallback(nil), m.callbacks...)
	m.mu.Unlock()
	if remote == nil {
		return
	}
	for _, cb := range callbacks {
		cb.OnDeviceNameRetrieved(remote.device.Name)
	}
}

func (m *SimPeripheralManager) Cleanup() {
	m.mu.Lock()
	remote := m.remote
	m.remote = nil
	m.callbacks = nil
	m.writeListeners = nil
	m.readListeners = nil
	m.advertising = false
	m.service = nil
	m.mu.Unlock()
	if remote != nil {
		remote.detach()
	}
}

func (m *SimPeripheralManager) snapshotCallbacks() []PeripheralCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PeripheralCallback(nil), m.callbacks...)
}

// SimRemoteDevice models the companion phone talking to a
// SimPeripheralManager.
type SimRemoteDevice struct {
	device *Device

	mu        sync.Mutex
	pm        *SimPeripheralManager
	inbox     chan Notification
	connected bool
}

// NewSimRemoteDevice creates a remote peer handle.
func NewSimRemoteDevice(address, name string) *SimRemoteDevice {
	return &SimRemoteDevice{
		device: &Device{Address: address, Name: name},
		inbox:  make(chan Notification, 64),
	}
}

// Device returns the radio handle the peripheral sees for this remote.
func (r *SimRemoteDevice) Device() *Device {
	return r.device
}

// Connect attaches the remote to the peripheral and fires the connected
// callback.
func (r *SimRemoteDevice) Connect(pm *SimPeripheralManager) {
	r.mu.Lock()
	r.pm = pm
	r.connected = true
	r.mu.Unlock()

	pm.mu.Lock()
	pm.remote = r
	pm.mu.Unlock()

	for _, cb := range pm.snapshotCallbacks() {
		cb.OnRemoteDeviceConnected(r.device)
	}
}

// Disconnect detaches the remote and fires the disconnected callback.
func (r *SimRemoteDevice) Disconnect() {
	r.mu.Lock()
	pm := r.pm
	r.connected = false
	r.pm = nil
	r.mu.Unlock()
	if pm == nil {
		return
	}

	pm.mu.Lock()
	if pm.remote == r {
		pm.remote = nil
	}
	pm.mu.Unlock()

	for _, cb := range pm.snapshotCallbacks() {
		cb.OnRemoteDeviceDisconnected(r.device)
	}
}

func (r *SimRemoteDevice) detach() {
	r.mu.Lock()
	r.connected = false
	r.pm = nil
	r.mu.Unlock()
}

// WriteCharacteristic writes a value to a hosted characteristic, as the
// phone writing to the car's GATT server.
func (r *SimRemoteDevice) WriteCharacteristic(charUUID uuid.UUID, value []byte) error {
	r.mu.Lock()
	pm := r.pm
	r.mu.Unlock()
	if pm == nil {
		return ErrSimNotConnected
	}

	pm.mu.Lock()
	service := pm.service
	listeners := append([]CharacteristicWriteListener(nil), pm.writeListeners...)
	pm.mu.Unlock()
	if service == nil {
		return ErrSimNotAdvertising
	}
	characteristic := service.Characteristic(charUUID)
	if characteristic == nil {
		return fmt.Errorf("ble: characteristic %s not hosted", charUUID)
	}
	for _, l := range listeners {
		l(r.device, characteristic, value)
	}
	return nil
}

// Notifications returns the channel of values pushed by the peripheral.
func (r *SimRemoteDevice) Notifications() <-chan Notification {
	return r.inbox
}

// Ack simulates the read that acknowledges the last notification, releasing
// the peripheral's write throttle.
func (r *SimRemoteDevice) Ack() {
	r.mu.Lock()
	pm := r.pm
	r.mu.Unlock()
	if pm == nil {
		return
	}
	pm.mu.Lock()
	listeners := append([]CharacteristicReadListener(nil), pm.readListeners...)
	pm.mu.Unlock()
	for _, l := range listeners {
		l(r.device)
	}
}

// Receive waits for the next notification and acknowledges it.
func (r *SimRemoteDevice) Receive(timeout time.Duration) (Notification, error) {
	select {
	case n := <-r.inbox:
		r.Ack()
		return n, nil
	case <-time.After(timeout):
		return Notification{}, fmt.Errorf("ble: no notification within %v", timeout)
	}
}

// ChangeMTU renegotiates the link MTU.
func (r *SimRemoteDevice) ChangeMTU(size int) {
	r.mu.Lock()
	pm := r.pm
	r.mu.Unlock()
	if pm == nil {
		return
	}
	for _, cb := range pm.snapshotCallbacks() {
		cb.OnMtuSizeChanged(size)
	}
}

func (r *SimRemoteDevice) deliver(characteristic *Characteristic, value []byte) {
	v := append([]byte(nil), value...)
	select {
	case r.inbox <- Notification{Characteristic: characteristic, Value: v}:
	default:
		logger.Warn("SimRemote", "Notification inbox full for %s. Dropping.", r.device.Address)
	}
}

// simPeer is one discoverable device configured on a SimCentral.
type simPeer struct {
	device   *Device
	record   ScanRecord
	services []*GattService
}

// CharacteristicWrite is one GATT client write observed by a SimCentral.
type CharacteristicWrite struct {
	Device         *Device
	Characteristic *Characteristic
	Value          []byte
}

// SimCentral is an in-memory Central: tests register peers, emit scan
// results, and observe connections.
type SimCentral struct {
	mu sync.Mutex

	scanCB        ScanCallback
	scanning      bool
	startFailures int

	peers     map[string]*simPeer
	connected map[string]GattCallback
	writes    chan CharacteristicWrite
}

// NewSimCentral creates an empty simulated central.
func NewSimCentral() *SimCentral {
	return &SimCentral{
		peers:     make(map[string]*simPeer),
		connected: make(map[string]GattCallback),
		writes:    make(chan CharacteristicWrite, 64),
	}
}

// FailScanStarts makes the next n StartScan calls fail.
func (c *SimCentral) FailScanStarts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startFailures = n
}

// AddPeer registers a discoverable device with its advertisement and GATT
// services.
func (c *SimCentral) AddPeer(device *Device, record ScanRecord, services []*GattService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[device.Address] = &simPeer{device: device, record: record, services: services}
}

func (c *SimCentral) StartScan(filters []ScanFilter, cb ScanCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startFailures > 0 {
		c.startFailures--
		return fmt.Errorf("ble: scanner start failed")
	}
	c.scanCB = cb
	c.scanning = true
	return nil
}

func (c *SimCentral) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanCB = nil
	c.scanning = false
	return nil
}

// IsScanning reports whether a scan is active.
func (c *SimCentral) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// EmitScanResult delivers the advertisement of a registered peer to the
// active scan callback.
func (c *SimCentral) EmitScanResult(address string, rssi int) error {
	c.mu.Lock()
	peer, ok := c.peers[address]
	cb := c.scanCB
	c.mu.Unlock()
	if !ok {
		return ErrSimUnknownPeer
	}
	if cb == nil {
		return fmt.Errorf("ble: no scan in progress")
	}
	cb.OnScanResult(&ScanResult{Device: peer.device, RSSI: rssi, Record: peer.record})
	return nil
}

func (c *SimCentral) Connect(device *Device, cb GattCallback) error {
	c.mu.Lock()
	peer, ok := c.peers[device.Address]
	if !ok {
		c.mu.Unlock()
		return ErrSimUnknownPeer
	}
	c.connected[device.Address] = cb
	c.mu.Unlock()

	cb.OnConnected(peer.device)
	cb.OnServicesDiscovered(peer.device, peer.services)
	return nil
}

func (c *SimCentral) Disconnect(device *Device) error {
	c.mu.Lock()
	cb, ok := c.connected[device.Address]
	delete(c.connected, device.Address)
	c.mu.Unlock()
	if ok && cb != nil {
		cb.OnDisconnected(device)
	}
	return nil
}

// ConnectedCount returns the number of active GATT connections.
func (c *SimCentral) ConnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connected)
}

func (c *SimCentral) WriteCharacteristic(device *Device, characteristic *Characteristic, value []byte) error {
	c.mu.Lock()
	_, ok := c.connected[device.Address]
	c.mu.Unlock()
	if !ok {
		return ErrSimNotConnected
	}
	write := CharacteristicWrite{
		Device:         device,
		Characteristic: characteristic,
		Value:          append([]byte(nil), value...),
	}
	select {
	case c.writes <- write:
	default:
		logger.Warn("SimCentral", "Write capture full for %s. Dropping.", device.Address)
	}
	return nil
}

// Writes returns the channel of GATT client writes issued by the central.
func (c *SimCentral) Writes() <-chan CharacteristicWrite {
	return c.writes
}

// PushNotification delivers a characteristic change from a connected peer
// to the registered GATT callback.
func (c *SimCentral) PushNotification(address string, characteristic *Characteristic, value []byte) error {
	c.mu.Lock()
	peer, ok := c.peers[address]
	cb := c.connected[address]
	c.mu.Unlock()
	if !ok || cb == nil {
		return ErrSimNotConnected
	}
	cb.OnCharacteristicChanged(peer.device, characteristic, append([]byte(nil), value...))
	return nil
}

// PushMtuChange renegotiates the MTU of a connected peer's link.
func (c *SimCentral) PushMtuChange(address string, mtu int) error {
	c.mu.Lock()
	peer, ok := c.peers[address]
	cb := c.connected[address]
	c.mu.Unlock()
	if !ok || cb == nil {
		return ErrSimNotConnected
	}
	cb.OnMtuChanged(peer.device, mtu)
	return nil
}
