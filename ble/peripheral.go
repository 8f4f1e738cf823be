package ble

// PeripheralCallback receives connection-level events for the peripheral
// role.
type PeripheralCallback interface {
	OnDeviceNameRetrieved(name string)
	OnMtuSizeChanged(size int)
	OnRemoteDeviceConnected(device *Device)
	OnRemoteDeviceDisconnected(device *Device)
}

// AdvertiseCallback receives the result of an advertising start request.
type AdvertiseCallback interface {
	OnStartSuccess()
	OnStartFailure(errorCode int)
}

// CharacteristicWriteListener is invoked when a remote device writes to a
// hosted characteristic.
type CharacteristicWriteListener func(device *Device, characteristic *Characteristic, value []byte)

// CharacteristicReadListener is invoked when a remote device reads a hosted
// characteristic, acknowledging the last notification.
type CharacteristicReadListener func(device *Device)

// PeripheralManager is the platform peripheral primitive: GATT server
// hosting, advertising, and notification delivery. Implemented by the host
// platform; the simulator in this package provides an in-memory version.
type PeripheralManager interface {
	// Name returns the current adapter name.
	Name() string
	// SetName requests an adapter name change. The change may take effect
	// asynchronously; callers observe completion via Name.
	SetName(name string)

	RegisterCallback(cb PeripheralCallback)
	UnregisterCallback(cb PeripheralCallback)

	AddOnCharacteristicWriteListener(l CharacteristicWriteListener)
	AddOnCharacteristicReadListener(l CharacteristicReadListener)

	// StartAdvertising hosts the service and begins advertising data.
	StartAdvertising(service *GattService, data AdvertiseData, cb AdvertiseCallback) error
	StopAdvertising(cb AdvertiseCallback)

	// NotifyCharacteristicChanged pushes a value to the connected device.
	// Completion of the write is signalled through the registered
	// CharacteristicReadListener.
	NotifyCharacteristicChanged(device *Device, characteristic *Characteristic, value []byte, confirm bool) error

	// RetrieveDeviceName issues an asynchronous request for the remote
	// device name, delivered via OnDeviceNameRetrieved.
	RetrieveDeviceName(device *Device)

	// Cleanup disconnects any remote device and clears registered state.
	Cleanup()
}

// GattCallback receives connection events for the central role.
type GattCallback interface {
	OnConnected(device *Device)
	OnServicesDiscovered(device *Device, services []*GattService)
	OnCharacteristicChanged(device *Device, characteristic *Characteristic, value []byte)
	OnMtuChanged(device *Device, mtu int)
	OnDisconnected(device *Device)
}

// Central is the platform central primitive: scanning plus GATT client
// connections.
type Central interface {
	Scanner

	// Connect initiates a GATT connection; progress is reported on cb.
	// Service discovery is started automatically on connect.
	Connect(device *Device, cb GattCallback) error
	Disconnect(device *Device) error

	// WriteCharacteristic writes to a characteristic on the remote GATT
	// server.
	WriteCharacteristic(device *Device, characteristic *Characteristic, value []byte) error
}
