package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/user/carlink/ble"
	"github.com/user/carlink/companion"
	"github.com/user/carlink/config"
	"github.com/user/carlink/connection"
	"github.com/user/carlink/encryption"
	"github.com/user/carlink/storage"
	"github.com/user/carlink/streamproto"
)

// associationWatcher prints the association flow and feeds it back on
// channels so main can sequence against it.
type associationWatcher struct {
	started   chan string
	code      chan string
	completed chan string
}

func (w *associationWatcher) OnAssociationStartSuccess(deviceName string) {
	fmt.Printf("  Car advertising for pairing as %q\n", deviceName)
	w.started <- deviceName
}

func (w *associationWatcher) OnAssociationStartFailure() {
	fmt.Println("  ❌ Advertising failed")
	os.Exit(1)
}

func (w *associationWatcher) OnAssociationError(code connection.ChannelError) {
	fmt.Printf("  ❌ Association error: %s\n", code)
	os.Exit(1)
}

func (w *associationWatcher) OnVerificationCodeAvailable(code string) {
	fmt.Printf("  Car displays verification code: %s\n", code)
	w.code <- code
}

func (w *associationWatcher) OnAssociationCompleted(deviceID string) {
	fmt.Printf("  Association completed for device %s\n", deviceID)
	w.completed <- deviceID
}

// echoConsumer is the registered recipient on the car side.
type echoConsumer struct {
	received chan []byte
}

func (c *echoConsumer) OnSecureChannelEstablished(device companion.ConnectedDevice) {}

func (c *echoConsumer) OnMessageReceived(device companion.ConnectedDevice, message []byte) {
	fmt.Printf("  Car received over secure channel: %q\n", message)
	c.received <- message
}

func (c *echoConsumer) OnDeviceError(device companion.ConnectedDevice, code companion.DeviceError) {
	fmt.Printf("  ❌ Device error: %s\n", code)
}

// phone plays the companion device over the simulated radio.
type phone struct {
	remote    *ble.SimRemoteDevice
	writeUUID uuid.UUID
	id        uuid.UUID
	runner    encryption.Runner
	nextID    int32
}

func (p *phone) send(payload []byte, operation streamproto.OperationType, encrypted bool, recipient []byte) {
	envelope := &streamproto.BleDeviceMessage{
		Operation:          operation,
		IsPayloadEncrypted: encrypted,
		Payload:            payload,
		Recipient:          recipient,
	}
	p.nextID++
	packets, err := connection.MakePackets(envelope.Marshal(), p.nextID, 512)
	if err != nil {
		fatal("packetize: %v", err)
	}
	for _, packet := range packets {
		if err := p.remote.WriteCharacteristic(p.writeUUID, packet.Marshal()); err != nil {
			fatal("characteristic write: %v", err)
		}
	}
}

func (p *phone) receiveRaw() []byte {
	n, err := p.remote.Receive(2 * time.Second)
	if err != nil {
		fatal("receive: %v", err)
	}
	return n.Value
}

func (p *phone) receive() *streamproto.BleDeviceMessage {
	var data []byte
	for {
		packet, err := streamproto.UnmarshalBlePacket(p.receiveRaw())
		if err != nil {
			fatal("bad packet: %v", err)
		}
		data = append(data, packet.Payload...)
		if packet.PacketNumber == packet.TotalPackets {
			envelope, err := streamproto.UnmarshalBleDeviceMessage(data)
			if err != nil {
				fatal("bad envelope: %v", err)
			}
			return envelope
		}
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "carlink.toml", "path to the TOML configuration")
	flag.Parse()

	fmt.Println("=== Companion Device Pairing Demo ===")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	serviceUUID, writeUUID, readUUID, err := cfg.BLE.UUIDs()
	if err != nil {
		fatal("parse UUIDs: %v", err)
	}

	dir, err := os.MkdirTemp("", "carlink-demo")
	if err != nil {
		fatal("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	store, err := storage.Open(filepath.Join(dir, cfg.Database))
	if err != nil {
		fatal("open store: %v", err)
	}
	defer store.Close()

	// Car side: the real stack over the in-memory radio.
	pm := ble.NewSimPeripheralManager(cfg.BLE.AdapterName)
	radio := ble.NewSimCentral()
	peripheral := connection.NewPeripheralManager(pm, store, serviceUUID, writeUUID, readUUID)
	central := connection.NewCentralManager(radio, store, serviceUUID, writeUUID, readUUID)
	car := companion.NewConnectedDeviceManager(central, peripheral, store, cfg.ActiveUser)
	if err := car.Start(); err != nil {
		fatal("start: %v", err)
	}
	defer car.Stop()

	// Scenario 1: first-time pairing.
	fmt.Println("Scenario 1: First-time pairing")
	watcher := &associationWatcher{
		started:   make(chan string, 1),
		code:      make(chan string, 1),
		completed: make(chan string, 1),
	}
	car.StartAssociation(watcher)
	<-watcher.started

	device := &phone{
		remote:    ble.NewSimRemoteDevice("D4:3A:2C:11:22:33", "Pixel 9"),
		writeUUID: writeUUID,
		id:        uuid.New(),
		runner:    encryption.NewRunner(),
	}
	device.remote.Connect(pm)
	device.remote.ChangeMTU(515)
	fmt.Println("  Phone connected, MTU 515")

	// Version exchange, then the handshake.
	versions := &streamproto.BleVersionExchange{
		MinSupportedMessagingVersion: 2,
		MaxSupportedMessagingVersion: 2,
		MinSupportedSecurityVersion:  1,
		MaxSupportedSecurityVersion:  1,
	}
	if err := device.remote.WriteCharacteristic(writeUUID, versions.Marshal()); err != nil {
		fatal("version exchange: %v", err)
	}
	if _, err := streamproto.UnmarshalBleVersionExchange(device.receiveRaw()); err != nil {
		fatal("version reply: %v", err)
	}

	device.send(device.id[:], streamproto.OperationTypeEncryptionHandshake, false, nil)
	device.receive() // car's unique id

	initMsg, err := device.runner.InitHandshake()
	if err != nil {
		fatal("init handshake: %v", err)
	}
	device.send(initMsg.NextMessage, streamproto.OperationTypeEncryptionHandshake, false, nil)
	carPublic := device.receive()
	contMsg, err := device.runner.ContinueHandshake(carPublic.Payload)
	if err != nil {
		fatal("continue handshake: %v", err)
	}
	device.send(contMsg.NextMessage, streamproto.OperationTypeEncryptionHandshake, false, nil)
	fmt.Printf("  Phone displays verification code: %s\n", contMsg.VerificationCode)

	<-watcher.code
	fmt.Println("  User confirms the codes match on both screens")
	car.NotifyVerificationCodeAccepted()
	device.receive() // confirmation signal
	result, err := device.runner.VerifyPin()
	if err != nil {
		fatal("verify pin: %v", err)
	}
	deviceID := <-watcher.completed
	fmt.Println()

	// Scenario 2: encrypted messaging through the coordinator.
	fmt.Println("Scenario 2: Encrypted echo")
	recipient := uuid.New()
	consumer := &echoConsumer{received: make(chan []byte, 1)}
	if err := car.RegisterDeviceCallback(deviceID, recipient, consumer); err != nil {
		fatal("register callback: %v", err)
	}

	greeting, err := result.Key.Encrypt([]byte("hello from the phone"))
	if err != nil {
		fatal("encrypt: %v", err)
	}
	device.send(greeting, streamproto.OperationTypeClientMessage, true, recipient[:])
	<-consumer.received

	if err := car.SendMessageSecurely(deviceID, recipient, []byte("hello from the car")); err != nil {
		fatal("secure send: %v", err)
	}
	reply := device.receive()
	plaintext, err := result.Key.Decrypt(reply.Payload)
	if err != nil {
		fatal("decrypt: %v", err)
	}
	fmt.Printf("  Phone received over secure channel: %q\n", plaintext)
	fmt.Println()

	fmt.Println("✅ Pairing and secure messaging working end to end")
}
