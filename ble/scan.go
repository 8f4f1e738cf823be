package ble

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/user/carlink/logger"
)

const (
	scanRetryLimit    = 5
	scanRetryInterval = time.Second
)

// ScanCallback receives scan events.
type ScanCallback interface {
	OnScanResult(result *ScanResult)
	OnScanFailed(errorCode int)
}

// Scanner is the platform scan primitive.
type Scanner interface {
	StartScan(filters []ScanFilter, cb ScanCallback) error
	StopScan() error
}

// ScannerState tracks the lifecycle of the wrapped scanner.
type ScannerState int

const (
	ScannerStopped ScannerState = iota
	ScannerStarted
	ScannerScanning
)

// ScanManager wraps the platform Scanner with retry policy: a failed scanner
// start is retried on a fixed interval up to scanRetryLimit times before the
// failure is surfaced to the caller's callback as terminal.
type ScanManager struct {
	scanner Scanner

	mu       sync.Mutex
	state    ScannerState
	filters  []ScanFilter
	callback ScanCallback
	retry    backoff.BackOff
	pending  *time.Timer
}

// NewScanManager creates a manager around the platform scanner.
func NewScanManager(scanner Scanner) *ScanManager {
	return &ScanManager{scanner: scanner}
}

// StartScanning begins scanning with the given filters. Scan events and
// terminal failures are delivered to cb.
func (m *ScanManager) StartScanning(filters []ScanFilter, cb ScanCallback) {
	m.mu.Lock()
	m.filters = filters
	m.callback = cb
	m.state = ScannerStarted
	m.retry = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(scanRetryInterval), scanRetryLimit)
	m.retry.Reset()
	m.mu.Unlock()

	logger.Debug("ScanManager", "Request received to start scanning.")
	m.startScanningInternally()
}

// StopScanning stops the scanner and drops the registered callback.
func (m *ScanManager) StopScanning() {
	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.callback = nil
	m.state = ScannerStopped
	m.mu.Unlock()

	logger.Debug("ScanManager", "Attempting to stop scanning.")
	if err := m.scanner.StopScan(); err != nil {
		logger.Warn("ScanManager", "Failed to stop scanner: %v", err)
	}
}

// IsScanning reports whether the scanner is actively scanning.
func (m *ScanManager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == ScannerScanning
}

// Cleanup stops any active scan.
func (m *ScanManager) Cleanup() {
	if m.IsScanning() {
		m.StopScanning()
	}
}

func (m *ScanManager) startScanningInternally() {
	m.mu.Lock()
	if m.state == ScannerStopped {
		m.mu.Unlock()
		return
	}
	filters := m.filters
	m.mu.Unlock()

	logger.Debug("ScanManager", "Attempting to start scanning.")
	if err := m.scanner.StartScan(filters, (*internalScanCallback)(m)); err != nil {
		logger.Warn("ScanManager", "Scanner unavailable: %v. Trying again.", err)
		m.scheduleRetry(ScanFailedInternalError)
		return
	}

	m.mu.Lock()
	if m.state != ScannerStopped {
		m.state = ScannerScanning
	}
	m.mu.Unlock()
}

// scheduleRetry arms a delayed scanner restart. Once the retry budget is
// exhausted the error code is reported to the callback as terminal.
func (m *ScanManager) scheduleRetry(errorCode int) {
	m.mu.Lock()
	retry := m.retry
	cb := m.callback
	m.mu.Unlock()
	if retry == nil {
		return
	}

	next := retry.NextBackOff()
	if next == backoff.Stop {
		logger.Error("ScanManager", "Cannot start scanner. Retry budget exhausted.")
		if cb != nil {
			cb.OnScanFailed(errorCode)
		}
		return
	}

	timer := time.AfterFunc(next, m.startScanningInternally)
	m.mu.Lock()
	m.pending = timer
	m.mu.Unlock()
}

// internalScanCallback shields the registered callback from scanner restarts:
// failures go through the retry budget before reaching the caller.
type internalScanCallback ScanManager

func (c *internalScanCallback) OnScanResult(result *ScanResult) {
	m := (*ScanManager)(c)
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb.OnScanResult(result)
	}
}

func (c *internalScanCallback) OnScanFailed(errorCode int) {
	m := (*ScanManager)(c)
	if errorCode == ScanFailedAlreadyStarted {
		// Scanner already running. Nothing to do.
		return
	}
	logger.Warn("ScanManager", "Scanner failed to start. Error: %d.", errorCode)
	m.scheduleRetry(errorCode)
}
