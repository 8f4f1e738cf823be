package companion

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/carlink/connection"
	"github.com/user/carlink/storage"
)

type sentMessage struct {
	deviceID  string
	msg       *connection.DeviceMessage
	encrypted bool
}

// fakeManager is an in-memory role manager: tests emit connection events
// through it and observe the send and connect requests it receives.
type fakeManager struct {
	mu              sync.Mutex
	callbacks       []connection.Callback
	sent            []sentMessage
	connectRequests []uuid.UUID
	assocCB         connection.AssociationCallback
	started         bool
}

func (f *fakeManager) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeManager) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeManager) RegisterCallback(cb connection.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

func (f *fakeManager) UnregisterCallback(cb connection.Callback) {}

func (f *fakeManager) SendMessage(deviceID string, msg *connection.DeviceMessage, encrypted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{deviceID: deviceID, msg: msg, encrypted: encrypted})
	return nil
}

func (f *fakeManager) ConnectedDevices() []string { return nil }

func (f *fakeManager) StartAssociation(cb connection.AssociationCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assocCB = cb
}

func (f *fakeManager) StopAssociation() {}

func (f *fakeManager) NotifyVerificationCodeAccepted() {}

func (f *fakeManager) ConnectToDevice(deviceID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectRequests = append(f.connectRequests, deviceID)
}

func (f *fakeManager) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeManager) connects() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.connectRequests...)
}

// emit delivers a connection event to every registered callback.
func (f *fakeManager) emit(deliver func(cb connection.Callback)) {
	f.mu.Lock()
	callbacks := append([]connection.Callback(nil), f.callbacks...)
	f.mu.Unlock()
	for _, cb := range callbacks {
		deliver(cb)
	}
}

// deviceRecorder collects DeviceCallback invocations.
type deviceRecorder struct {
	mu       sync.Mutex
	secured  []ConnectedDevice
	messages [][]byte
	errors   []DeviceError
}

func (r *deviceRecorder) OnSecureChannelEstablished(device ConnectedDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secured = append(r.secured, device)
}

func (r *deviceRecorder) OnMessageReceived(device ConnectedDevice, message []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *deviceRecorder) OnDeviceError(device ConnectedDevice, code DeviceError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *deviceRecorder) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.messages...)
}

func (r *deviceRecorder) deviceErrors() []DeviceError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeviceError(nil), r.errors...)
}

type coordinatorFixture struct {
	central    *fakeManager
	peripheral *fakeManager
	store      *storage.Store
	manager    *ConnectedDeviceManager
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &coordinatorFixture{
		central:    &fakeManager{},
		peripheral: &fakeManager{},
		store:      store,
	}
	f.manager = NewConnectedDeviceManager(f.central, f.peripheral, store, 10)
	return f
}

func (f *coordinatorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start())
	t.Cleanup(f.manager.Stop)
}

// connectDevice emits connect (and optionally secure channel) events from
// the central manager.
func (f *coordinatorFixture) connectDevice(deviceID string, secured bool) {
	f.central.emit(func(cb connection.Callback) { cb.OnDeviceConnected(deviceID) })
	if secured {
		f.central.emit(func(cb connection.Callback) { cb.OnSecureChannelEstablished(deviceID) })
	}
}

func TestDuplicateRecipientRegistrationBlacklists(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)
	deviceID := uuid.NewString()
	recipient := uuid.New()
	f.connectDevice(deviceID, true)

	first := &deviceRecorder{}
	require.NoError(t, f.manager.RegisterDeviceCallback(deviceID, recipient, first))

	// The duplicate is rejected and the original consumer is torn down.
	second := &deviceRecorder{}
	err := f.manager.RegisterDeviceCallback(deviceID, recipient, second)
	assert.ErrorIs(t, err, ErrInsecureRecipientID)
	require.Len(t, first.deviceErrors(), 1)
	assert.Equal(t, DeviceErrorInsecureRecipientIDDetected, first.deviceErrors()[0])

	// The recipient id is dead for the rest of the process, on any device.
	err = f.manager.RegisterDeviceCallback(deviceID, recipient, &deviceRecorder{})
	assert.ErrorIs(t, err, ErrInsecureRecipientID)
	err = f.manager.RegisterDeviceCallback(uuid.NewString(), recipient, &deviceRecorder{})
	assert.ErrorIs(t, err, ErrInsecureRecipientID)

	// A message for the compromised pair reaches nobody.
	f.central.emit(func(cb connection.Callback) {
		cb.OnMessageReceived(deviceID, connection.NewDeviceMessage(recipient, true, []byte("x")))
	})
	assert.Empty(t, first.received())
}

func TestSendSecurelyRequiresSecureChannel(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)
	deviceID := uuid.NewString()
	recipient := uuid.New()
	f.connectDevice(deviceID, false)

	err := f.manager.SendMessageSecurely(deviceID, recipient, []byte("secret"))
	assert.ErrorIs(t, err, ErrNoSecureChannel)
	assert.Empty(t, f.central.sentMessages(), "send must not reach the transport")

	f.central.emit(func(cb connection.Callback) { cb.OnSecureChannelEstablished(deviceID) })
	require.NoError(t, f.manager.SendMessageSecurely(deviceID, recipient, []byte("secret")))

	sent := f.central.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, deviceID, sent[0].deviceID)
	assert.True(t, sent[0].encrypted)
	require.NotNil(t, sent[0].msg.Recipient)
	assert.Equal(t, recipient, *sent[0].msg.Recipient)
}

func TestSendUnsecurelyBypassesChannelCheck(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)
	deviceID := uuid.NewString()
	f.connectDevice(deviceID, false)

	require.NoError(t, f.manager.SendMessageUnsecurely(deviceID, uuid.New(), []byte("plain")))
	sent := f.central.sentMessages()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].encrypted)

	err := f.manager.SendMessageUnsecurely(uuid.NewString(), uuid.New(), []byte("plain"))
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestMissedMessageDeliveredOnRegistration(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)
	deviceID := uuid.NewString()
	recipient := uuid.New()
	f.connectDevice(deviceID, true)

	// Two messages before any consumer registers; the newer one wins.
	f.central.emit(func(cb connection.Callback) {
		cb.OnMessageReceived(deviceID, connection.NewDeviceMessage(recipient, true, []byte("older")))
	})
	f.central.emit(func(cb connection.Callback) {
		cb.OnMessageReceived(deviceID, connection.NewDeviceMessage(recipient, true, []byte("newer")))
	})

	recorder := &deviceRecorder{}
	require.NoError(t, f.manager.RegisterDeviceCallback(deviceID, recipient, recorder))
	require.Len(t, recorder.received(), 1)
	assert.Equal(t, []byte("newer"), recorder.received()[0])

	// Later messages flow directly.
	f.central.emit(func(cb connection.Callback) {
		cb.OnMessageReceived(deviceID, connection.NewDeviceMessage(recipient, true, []byte("live")))
	})
	require.Len(t, recorder.received(), 2)
	assert.Equal(t, []byte("live"), recorder.received()[1])
}

func TestConnectToActiveUserDeviceSingleFlight(t *testing.T) {
	f := newCoordinatorFixture(t)
	deviceID := uuid.New()
	require.NoError(t, f.store.AddAssociatedDevice(&storage.AssociatedDevice{
		DeviceID: deviceID.String(),
		UserID:   10,
		Address:  "AA:BB:CC:DD:EE:FF",
	}))
	f.start(t)

	require.NoError(t, f.manager.ConnectToActiveUserDevice())
	require.NoError(t, f.manager.ConnectToActiveUserDevice())
	assert.Len(t, f.peripheral.connects(), 1, "second request must be a no-op while in flight")
	assert.Equal(t, deviceID, f.peripheral.connects()[0])

	// The attempt resolves when the device connects; a new request goes out.
	f.peripheral.emit(func(cb connection.Callback) { cb.OnDeviceConnected(deviceID.String()) })
	f.peripheral.emit(func(cb connection.Callback) { cb.OnDeviceDisconnected(deviceID.String()) })
	require.NoError(t, f.manager.ConnectToActiveUserDevice())
	assert.Len(t, f.peripheral.connects(), 2)
}

func TestConnectToActiveUserDeviceBeforeStart(t *testing.T) {
	f := newCoordinatorFixture(t)
	deviceID := uuid.New()
	require.NoError(t, f.store.AddAssociatedDevice(&storage.AssociatedDevice{
		DeviceID: deviceID.String(),
		UserID:   10,
		Address:  "AA:BB:CC:DD:EE:FF",
	}))

	require.NoError(t, f.manager.ConnectToActiveUserDevice())
	assert.Empty(t, f.peripheral.connects(), "no request before start")

	f.start(t)
	require.Len(t, f.peripheral.connects(), 1)
	assert.Equal(t, deviceID, f.peripheral.connects()[0])
}

func TestConnectToActiveUserDeviceWithoutAssociation(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	err := f.manager.ConnectToActiveUserDevice()
	assert.ErrorIs(t, err, ErrNoAssociatedDevice)
	assert.Empty(t, f.peripheral.connects())
}

// assocForwarder records the forwarded association events.
type assocForwarder struct {
	mu        sync.Mutex
	completed []string
}

func (a *assocForwarder) OnAssociationStartSuccess(deviceName string)     {}
func (a *assocForwarder) OnAssociationStartFailure()                      {}
func (a *assocForwarder) OnAssociationError(code connection.ChannelError) {}
func (a *assocForwarder) OnVerificationCodeAvailable(code string)         {}
func (a *assocForwarder) OnAssociationCompleted(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = append(a.completed, deviceID)
}

func TestAssociationCompletionPersisted(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	forwarder := &assocForwarder{}
	f.manager.StartAssociation(forwarder)
	require.NotNil(t, f.peripheral.assocCB)

	deviceID := uuid.NewString()
	f.peripheral.emit(func(cb connection.Callback) { cb.OnDeviceConnected(deviceID) })
	f.peripheral.assocCB.OnAssociationCompleted(deviceID)

	// Persisted for the active user before the application saw completion.
	devices, err := f.store.AssociatedDevices(10)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, deviceID, devices[0].DeviceID)
	require.Len(t, forwarder.completed, 1)
	assert.Equal(t, deviceID, forwarder.completed[0])

	// The registry now reports the device as the active user's.
	active := f.manager.ActiveUserConnectedDevices()
	require.Len(t, active, 1)
	assert.True(t, active[0].BelongsToActiveUser)
}

func TestConnectedDevicesSnapshot(t *testing.T) {
	f := newCoordinatorFixture(t)
	associated := uuid.NewString()
	require.NoError(t, f.store.AddAssociatedDevice(&storage.AssociatedDevice{
		DeviceID: associated,
		UserID:   10,
		Address:  "AA:BB:CC:DD:EE:FF",
	}))
	f.start(t)

	f.connectDevice(associated, true)
	stranger := uuid.NewString()
	f.connectDevice(stranger, false)

	devices := f.manager.ConnectedDevices()
	require.Len(t, devices, 2)
	byID := make(map[string]ConnectedDevice, len(devices))
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	assert.True(t, byID[associated].BelongsToActiveUser)
	assert.True(t, byID[associated].HasSecureChannel)
	assert.False(t, byID[stranger].BelongsToActiveUser)
	assert.False(t, byID[stranger].HasSecureChannel)

	f.central.emit(func(cb connection.Callback) { cb.OnDeviceDisconnected(stranger) })
	assert.Len(t, f.manager.ConnectedDevices(), 1)
}
