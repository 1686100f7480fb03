package clientendpoint

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/routing"
)

// pipeDialer hands out one side of an in-memory net.Pipe per Dial call,
// optionally failing the first N attempts.
type pipeDialer struct {
	mu        sync.Mutex
	failUntil int
	attempts  int
	conns     chan net.Conn // peer side handed to the test
}

func newPipeDialer(failUntil int) *pipeDialer {
	return &pipeDialer{failUntil: failUntil, conns: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(timeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.mu.Unlock()

	if attempt <= d.failUntil {
		return nil, fmt.Errorf("pipeDialer: simulated failure %d", attempt)
	}

	client, peer := net.Pipe()
	d.conns <- peer
	return client, nil
}

func (d *pipeDialer) Network() string { return "pipe" }

type recordingHandler struct {
	mu         sync.Mutex
	established int
	closed      []bool
	maxed       int
	commands    []*routing.Command
	establishedCh chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{establishedCh: make(chan struct{}, 8)}
}

func (h *recordingHandler) OnEstablished() {
	h.mu.Lock()
	h.established++
	h.mu.Unlock()
	h.establishedCh <- struct{}{}
}

func (h *recordingHandler) OnClosed(wasNotConnected bool) {
	h.mu.Lock()
	h.closed = append(h.closed, wasNotConnected)
	h.mu.Unlock()
}

func (h *recordingHandler) OnMaxReconnectsReached() {
	h.mu.Lock()
	h.maxed++
	h.mu.Unlock()
}

func (h *recordingHandler) OnCommand(cmd *routing.Command) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Host:                 "vehicle",
		Instance:             "test",
		EventChannelLength:   64,
		MaxMessageSize:       1400,
		SendQueueByteLimit:   1 << 16,
		UseLocalStream:       false,
		RoutingHostAddress:   "127.0.0.1:0",
		TcpKeepAliveInterval: 1,
		TcpKeepAliveCount:    1,
		TcpDialTimeout:       1,
		TcpReconnectInterval: 1,
		ConnectWatchdog:        time.Second,
		ReconnectInitialWindow: 10 * time.Millisecond,
		ReconnectMaxWindow:     100 * time.Millisecond,
		ReconnectBackoffAfter:  30,
		RegistrationWatchdog: time.Second,
		KeepaliveInterval:    time.Second,
		OfferRequestDebounce: 50 * time.Millisecond,
		LogPrefix:            "test",
	}
}

func TestConnectEstablishesAndDeliversCommand(t *testing.T) {
	cfg := testConfig()
	dialer := newPipeDialer(0)
	handler := newRecordingHandler()

	core := NewCore(cfg, 1, false, handler)
	core.dialer = dialer
	defer core.Shutdown()

	core.Connect()

	select {
	case <-handler.establishedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnEstablished")
	}

	peer := <-dialer.conns

	if err := core.SendCommand(&routing.Command{Kind: routing.KindPing, Ping: &routing.Ping{}}); err != nil {
		t.Fatalf("SendCommand: %s", err.Error())
	}

	cmd, _, err := routing.ReadCommand(peer, map[routing.SenderID]struct{}{routing.SenderApplication: {}})
	if err != nil {
		t.Fatalf("ReadCommand: %s", err.Error())
	}
	if cmd.Kind != routing.KindPing {
		t.Fatalf("Kind=%s want=Ping", cmd.Kind)
	}
}

func TestReconnectsAfterDialFailures(t *testing.T) {
	cfg := testConfig()
	dialer := newPipeDialer(2)
	handler := newRecordingHandler()

	core := NewCore(cfg, 1, false, handler)
	core.dialer = dialer
	defer core.Shutdown()

	core.Connect()

	select {
	case <-handler.establishedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnEstablished after retries")
	}

	dialer.mu.Lock()
	attempts := dialer.attempts
	dialer.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts=%d want=3", attempts)
	}
}

func TestMaxReconnectAttemptsReached(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	dialer := newPipeDialer(10)
	handler := newRecordingHandler()

	core := NewCore(cfg, 1, false, handler)
	core.dialer = dialer
	defer core.Shutdown()

	core.Connect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		maxed := handler.maxed
		handler.mu.Unlock()
		if maxed == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for OnMaxReconnectsReached")
}

func TestStopBlocksFurtherSends(t *testing.T) {
	cfg := testConfig()
	dialer := newPipeDialer(0)
	handler := newRecordingHandler()

	core := NewCore(cfg, 1, false, handler)
	core.dialer = dialer
	defer core.Shutdown()

	core.Connect()
	select {
	case <-handler.establishedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnEstablished")
	}
	<-dialer.conns

	core.Stop()

	if err := core.SendCommand(&routing.Command{Kind: routing.KindPing, Ping: &routing.Ping{}}); err != nil {
		t.Fatalf("SendCommand after Stop: %s", err.Error())
	}
	if !core.Blocked() {
		t.Fatal("expected sendingBlocked after Stop")
	}
}
