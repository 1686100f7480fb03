package tpreassembly

import (
	"testing"
	"time"

	"github.com/skylinelabs/someip-routingcore/wire"
)

func testKey() Key {
	return Key{Remote: "10.0.0.5:30509", Service: 0x1234, Method: 0x0001, Client: 0x0042, Session: 0x0007}
}

func testHeader() wire.Header {
	return wire.Header{
		Service:          0x1234,
		Method:           0x0001,
		Client:           0x0042,
		Session:          0x0007,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageTypeRaw:   wire.WithTPFlag(uint8(wire.MTRequest)),
		ReturnCode:       uint8(wire.ROK),
	}
}

func TestReassemblesInOrderSegments(t *testing.T) {
	r := NewReassembler(64, time.Second, "test", false)
	defer r.Shutdown()

	key := testKey()
	h := testHeader()

	msg, err := r.Accept(key, h, 0, true, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("accept 1: %s", err.Error())
	}
	if msg != nil {
		t.Fatal("expected no message before final segment")
	}

	msg, err = r.Accept(key, h, 3, false, []byte{4, 5})
	if err != nil {
		t.Fatalf("accept 2: %s", err.Error())
	}
	if msg == nil {
		t.Fatal("expected completed message on final segment")
	}
	if msg.Header.IsTP() {
		t.Fatal("completed message must have TP flag cleared")
	}
	want := []byte{1, 2, 3, 4, 5}
	if len(msg.Payload) != len(want) {
		t.Fatalf("payload length=%d want=%d", len(msg.Payload), len(want))
	}
	for i := range want {
		if msg.Payload[i] != want[i] {
			t.Fatalf("payload[%d]=%d want=%d", i, msg.Payload[i], want[i])
		}
	}

	if got := r.Metrics.Completed.Load(); got != 1 {
		t.Fatalf("Completed=%d want=1", got)
	}
}

func TestOutOfOrderSegmentDiscardsContext(t *testing.T) {
	r := NewReassembler(64, time.Second, "test", false)
	defer r.Shutdown()

	key := testKey()
	h := testHeader()

	if _, err := r.Accept(key, h, 0, true, []byte{1, 2, 3}); err != nil {
		t.Fatalf("accept 1: %s", err.Error())
	}

	// skip ahead past the expected offset of 3
	msg, err := r.Accept(key, h, 10, false, []byte{9, 9})
	if err != nil {
		t.Fatalf("accept 2: %s", err.Error())
	}
	if msg != nil {
		t.Fatal("expected no message for out-of-order segment")
	}
	if got := r.Metrics.OutOfOrder.Load(); got != 1 {
		t.Fatalf("OutOfOrder=%d want=1", got)
	}

	// context was discarded; a fresh stream restarting at 0 must succeed
	msg, err = r.Accept(key, h, 0, false, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("accept 3: %s", err.Error())
	}
	if msg == nil {
		t.Fatal("expected completed message after context restart")
	}
}

func TestDuplicateSegmentDiscardsContext(t *testing.T) {
	r := NewReassembler(64, time.Second, "test", false)
	defer r.Shutdown()

	key := testKey()
	h := testHeader()

	if _, err := r.Accept(key, h, 0, true, []byte{1, 2, 3}); err != nil {
		t.Fatalf("accept 1: %s", err.Error())
	}

	// re-send the first segment instead of continuing at offset 3
	msg, err := r.Accept(key, h, 0, true, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("accept 2: %s", err.Error())
	}
	if msg != nil {
		t.Fatal("expected no message for duplicate segment")
	}
	if got := r.Metrics.Duplicate.Load(); got != 1 {
		t.Fatalf("Duplicate=%d want=1", got)
	}
}

func TestIdleContextIsEvicted(t *testing.T) {
	r := NewReassembler(64, 20*time.Millisecond, "test", false)
	defer r.Shutdown()

	key := testKey()
	h := testHeader()

	if _, err := r.Accept(key, h, 0, true, []byte{1, 2, 3}); err != nil {
		t.Fatalf("accept: %s", err.Error())
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if r.Metrics.Evicted.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for idle context eviction")
}
