package udpendpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/tpreassembly"
	"github.com/skylinelabs/someip-routingcore/wire"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*wire.Message
	malformed int
	receivedCh chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{receivedCh: make(chan struct{}, 8)}
}

func (h *recordingHandler) OnMessage(remote string, msg *wire.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.receivedCh <- struct{}{}
}

func (h *recordingHandler) OnMalformed(remote string, reason wire.ValidationError) {
	h.mu.Lock()
	h.malformed++
	h.mu.Unlock()
}

func (h *recordingHandler) OnOwnMulticast(remote string, msg *wire.Message) {}

func testConfig() *config.Config {
	return &config.Config{
		Host:                     "vehicle",
		Instance:                 "test",
		EventChannelLength:       64,
		UnicastAddress:           "127.0.0.1:0",
		ReceiveBufferSize:        1 << 16,
		MaxMessageSize:           1400,
		ServiceDiscoveryPort:     30490,
		SendQueueByteLimit:       1 << 16,
		SendQueueTargetByteLimit: 1 << 16,
		RoutingHostAddress:       "127.0.0.1:0",
		TcpKeepAliveInterval:     1,
		TcpKeepAliveCount:        1,
		TcpDialTimeout:           1,
		TcpReconnectInterval:     1,
		RegistrationWatchdog:     time.Second,
		LogPrefix:                "test",
	}
}

func someipDatagram(service, method uint16, client, session uint16, payload []byte) []byte {
	msg := wire.Message{
		Header: wire.Header{
			Service:          service,
			Method:           method,
			Client:           client,
			Session:          session,
			ProtocolVersion:  wire.ProtocolVersion,
			InterfaceVersion: 1,
			MessageTypeRaw:   uint8(wire.MTRequest),
			ReturnCode:       uint8(wire.ROK),
		},
		Payload: payload,
	}
	return msg.Encode()
}

func TestSendAndReceiveUnicast(t *testing.T) {
	cfgA := testConfig()
	cfgB := testConfig()

	reassemblerA := tpreassembly.NewReassembler(64, time.Second, "a", false)
	reassemblerB := tpreassembly.NewReassembler(64, time.Second, "b", false)
	defer reassemblerA.Shutdown()
	defer reassemblerB.Shutdown()

	handlerA := newRecordingHandler()
	handlerB := newRecordingHandler()

	epA := NewEndpoint(cfgA, handlerA, reassemblerA)
	epB := NewEndpoint(cfgB, handlerB, reassemblerB)
	defer epA.Shutdown()
	defer epB.Shutdown()

	if err := epA.Init(); err != nil {
		t.Fatalf("epA.Init: %s", err.Error())
	}
	if err := epB.Init(); err != nil {
		t.Fatalf("epB.Init: %s", err.Error())
	}

	addrB := epB.LocalAddr()
	if addrB == nil {
		t.Fatal("epB.LocalAddr returned nil")
	}

	datagram := someipDatagram(0x1234, 0x0001, 0x0042, 0x0007, []byte{1, 2, 3})
	if err := epA.SendTo(addrB, datagram, 0); err != nil {
		t.Fatalf("SendTo: %s", err.Error())
	}

	select {
	case <-handlerB.receivedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}

	handlerB.mu.Lock()
	defer handlerB.mu.Unlock()
	if len(handlerB.messages) != 1 {
		t.Fatalf("messages=%d want=1", len(handlerB.messages))
	}
	if handlerB.messages[0].Header.Service != 0x1234 {
		t.Fatalf("Service=%#x want=0x1234", handlerB.messages[0].Header.Service)
	}
}

func TestClientTrackingRoundTrip(t *testing.T) {
	cfgA := testConfig()
	cfgB := testConfig()

	reassemblerA := tpreassembly.NewReassembler(64, time.Second, "a2", false)
	reassemblerB := tpreassembly.NewReassembler(64, time.Second, "b2", false)
	defer reassemblerA.Shutdown()
	defer reassemblerB.Shutdown()

	handlerA := newRecordingHandler()
	handlerB := newRecordingHandler()

	epA := NewEndpoint(cfgA, handlerA, reassemblerA)
	epB := NewEndpoint(cfgB, handlerB, reassemblerB)
	defer epA.Shutdown()
	defer epB.Shutdown()

	if err := epA.Init(); err != nil {
		t.Fatalf("epA.Init: %s", err.Error())
	}
	if err := epB.Init(); err != nil {
		t.Fatalf("epB.Init: %s", err.Error())
	}

	addrB := epB.LocalAddr()

	datagram := someipDatagram(0x2000, 0x0002, 0x0099, 0x0001, []byte{9})
	if err := epA.SendTo(addrB, datagram, 0); err != nil {
		t.Fatalf("SendTo: %s", err.Error())
	}

	select {
	case <-handlerB.receivedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}

	remote, found := epB.LookupClient(0x2000, 0x0002, 0x0099, 0x0001)
	if !found {
		t.Fatal("expected client tracking entry")
	}
	if remote == "" {
		t.Fatal("expected non-empty tracked remote address")
	}
}

func TestStopAndRestart(t *testing.T) {
	cfg := testConfig()
	reassembler := tpreassembly.NewReassembler(64, time.Second, "restart", false)
	defer reassembler.Shutdown()

	handler := newRecordingHandler()
	ep := NewEndpoint(cfg, handler, reassembler)
	defer ep.Shutdown()

	if err := ep.Init(); err != nil {
		t.Fatalf("Init: %s", err.Error())
	}
	before := ep.LocalAddr()

	ep.Stop(true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		after := ep.LocalAddr()
		if after != nil && after.Port != before.Port {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for restart to rebind on a new ephemeral port")
}
