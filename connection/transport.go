package connection

import "github.com/user/carlink/ble"

// peripheralTransport sends stream packets by notifying the hosted read
// characteristic. The remote device acknowledges by reading it, which the
// peripheral manager surfaces through its read listener and the owning
// manager forwards to the stream as WriteAcknowledged.
type peripheralTransport struct {
	pm             ble.PeripheralManager
	device         *ble.Device
	characteristic *ble.Characteristic
}

func (t *peripheralTransport) WritePacket(value []byte) error {
	return t.pm.NotifyCharacteristicChanged(t.device, t.characteristic, value, false)
}

// centralTransport sends stream packets as GATT client writes. The platform
// write call is synchronous, so the write is acknowledged as soon as it
// returns.
type centralTransport struct {
	central        ble.Central
	device         *ble.Device
	characteristic *ble.Characteristic
	stream         *BleMessageStream
}

func (t *centralTransport) WritePacket(value []byte) error {
	if err := t.central.WriteCharacteristic(t.device, t.characteristic, value); err != nil {
		return err
	}
	if t.stream != nil {
		t.stream.WriteAcknowledged()
	}
	return nil
}
