// Package ble defines the boundary to the radio stack: device and
// characteristic handles, scan and advertise primitives, and an in-memory
// simulator used by tests and the demo binary. The real radio drivers live
// outside this module; everything here is either an interface the host
// platform implements or a thin wrapper adding retry policy on top of it.
package ble

import "github.com/google/uuid"

// Device is a handle to a remote radio peer. Address is the platform-level
// identifier (MAC or hardware UUID), Name the advertised device name if
// known.
type Device struct {
	Address string
	Name    string
}

// Characteristic property bits, mirroring the GATT characteristic model.
const (
	PropertyRead            = 1 << 1
	PropertyWriteNoResponse = 1 << 2
	PropertyWrite           = 1 << 3
	PropertyNotify          = 1 << 4
)

// Characteristic is one GATT characteristic of a service.
type Characteristic struct {
	UUID       uuid.UUID
	Properties int
}

// GattService is a GATT service with its characteristics.
type GattService struct {
	UUID            uuid.UUID
	Characteristics []*Characteristic
}

// Characteristic returns the characteristic with the given UUID, or nil.
func (s *GattService) Characteristic(id uuid.UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == id {
			return c
		}
	}
	return nil
}

// ScanFilter restricts scan results to devices advertising a service UUID.
type ScanFilter struct {
	ServiceUUID uuid.UUID
}

// ScanRecord is the parsed advertisement payload of a scan result.
type ScanRecord struct {
	ServiceUUIDs []uuid.UUID
	DeviceName   string
}

// HasServiceUUID reports whether the advertisement carries the service UUID.
func (r *ScanRecord) HasServiceUUID(id uuid.UUID) bool {
	for _, u := range r.ServiceUUIDs {
		if u == id {
			return true
		}
	}
	return false
}

// ScanResult is one advertisement observed while scanning.
type ScanResult struct {
	Device *Device
	RSSI   int
	Record ScanRecord
}

// AdvertiseData describes the advertisement payload for the peripheral role.
type AdvertiseData struct {
	ServiceUUID       uuid.UUID
	IncludeDeviceName bool
}

// Scan failure codes surfaced by the platform scanner.
const (
	ScanFailedAlreadyStarted                = 1
	ScanFailedApplicationRegistrationFailed = 2
	ScanFailedInternalError                 = 3
)

// Advertise failure codes surfaced by the platform advertiser.
const (
	AdvertiseFailedDataTooLarge       = 1
	AdvertiseFailedTooManyAdvertisers = 2
	AdvertiseFailedAlreadyStarted     = 3
	AdvertiseFailedInternalError      = 4
	AdvertiseFailedFeatureUnsupported = 5
)
