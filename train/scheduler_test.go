package train

import (
	"testing"
	"time"

	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/wire"
)

type fakeGate struct {
	blocked bool
	limit   int
}

func (g *fakeGate) Blocked() bool { return g.blocked }
func (g *fakeGate) WouldExceed(additional int) bool {
	return g.limit > 0 && additional > g.limit
}

type segmentRun struct {
	segments       [][]byte
	separationTime time.Duration
}

type fakeSink struct {
	trains   chan []byte
	segments chan segmentRun
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		trains:   make(chan []byte, 16),
		segments: make(chan segmentRun, 16),
	}
}

func (s *fakeSink) DispatchTrain(buf []byte) error {
	s.trains <- buf
	return nil
}

func (s *fakeSink) DispatchSegments(segments [][]byte, separationTime time.Duration) error {
	s.segments <- segmentRun{segments: segments, separationTime: separationTime}
	return nil
}

func someipMessage(service, method uint16, payload []byte) []byte {
	m := wire.Message{
		Header: wire.Header{
			Service:          service,
			Method:           method,
			ProtocolVersion:  wire.ProtocolVersion,
			InterfaceVersion: 1,
			MessageTypeRaw:   uint8(wire.MTRequest),
			ReturnCode:       uint8(wire.ROK),
		},
		Payload: payload,
	}
	return m.Encode()
}

func testConfig(methods map[config.MethodKey]config.MethodConfig) *config.Config {
	return &config.Config{
		Host:                 "localhost",
		Instance:             "test",
		EventChannelLength:   config.EventChannelLength,
		UnicastAddress:       "127.0.0.1",
		MaxMessageSize:       200,
		SendQueueByteLimit:   config.SendQueueByteLimit,
		RoutingHostAddress:   "127.0.0.1:30501",
		TcpKeepAliveInterval: 1,
		TcpKeepAliveCount:    1,
		TcpDialTimeout:       1,
		TcpReconnectInterval: 1,
		RegistrationWatchdog: time.Second,
		Methods:              methods,
		LogPrefix:            "test",
	}
}

func waitTrain(t *testing.T, sink *fakeSink, timeout time.Duration) []byte {
	t.Helper()
	select {
	case buf := <-sink.trains:
		return buf
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dispatched train")
		return nil
	}
}

func TestEnqueueDispatchesAfterRetention(t *testing.T) {
	cfg := testConfig(map[config.MethodKey]config.MethodConfig{
		{Service: 1, Method: 1}: {
			MinimalDebounceTime:     0,
			MinimalMaxRetentionTime: 20 * time.Millisecond,
		},
	})
	sink := newFakeSink()
	s := NewScheduler(cfg, nil, sink)
	defer s.Shutdown()

	msg := someipMessage(1, 1, []byte{1, 2, 3})
	if err := s.Enqueue(1, 1, msg); err != nil {
		t.Fatalf("enqueue: %s", err.Error())
	}

	buf := waitTrain(t, sink, 200*time.Millisecond)
	if len(buf) != len(msg) {
		t.Fatalf("dispatched train length=%d want=%d", len(buf), len(msg))
	}
}

func TestEnqueueSamePassengerForcesDeparture(t *testing.T) {
	cfg := testConfig(map[config.MethodKey]config.MethodConfig{
		{Service: 1, Method: 1}: {
			MinimalDebounceTime:     0,
			MinimalMaxRetentionTime: time.Second,
		},
	})
	sink := newFakeSink()
	s := NewScheduler(cfg, nil, sink)
	defer s.Shutdown()

	first := someipMessage(1, 1, []byte{1})
	second := someipMessage(1, 1, []byte{2})

	if err := s.Enqueue(1, 1, first); err != nil {
		t.Fatalf("enqueue first: %s", err.Error())
	}
	if err := s.Enqueue(1, 1, second); err != nil {
		t.Fatalf("enqueue second: %s", err.Error())
	}

	// second enqueue of the same (service,method) must force the first
	// train to depart immediately rather than wait out its retention
	buf := waitTrain(t, sink, 200*time.Millisecond)
	if len(buf) != len(first) {
		t.Fatalf("first dispatched train length=%d want=%d", len(buf), len(first))
	}
}

func TestEnqueueTooLargeWithoutTP(t *testing.T) {
	cfg := testConfig(nil)
	sink := newFakeSink()
	s := NewScheduler(cfg, nil, sink)
	defer s.Shutdown()

	msg := someipMessage(1, 1, make([]byte, 400))
	if err := s.Enqueue(1, 1, msg); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestEnqueueSegmentsWhenTPEnabled(t *testing.T) {
	separation := 10 * time.Millisecond
	cfg := testConfig(map[config.MethodKey]config.MethodConfig{
		{Service: 1, Method: 1}: {
			MinimalMaxRetentionTime: 20 * time.Millisecond,
			TPEnabled:               true,
			MaxSegmentLength:        100,
			SeparationTime:          separation,
		},
	})
	sink := newFakeSink()
	s := NewScheduler(cfg, nil, sink)
	defer s.Shutdown()

	msg := someipMessage(1, 1, make([]byte, 250))
	if err := s.Enqueue(1, 1, msg); err != nil {
		t.Fatalf("enqueue: %s", err.Error())
	}

	// all 3 segments bypass train admission entirely and arrive as a
	// single DispatchSegments call carrying the method's separation time;
	// pacing between segments is the sink's responsibility, not the
	// scheduler's passenger/debounce machinery
	var run segmentRun
	select {
	case run = <-sink.segments:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for dispatched segments")
	}

	if len(run.segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(run.segments))
	}
	if run.separationTime != separation {
		t.Fatalf("separationTime=%s want=%s", run.separationTime, separation)
	}

	select {
	case buf := <-sink.trains:
		t.Fatalf("unexpected train dispatch alongside segments: %d bytes", len(buf))
	default:
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := testConfig(nil)
	sink := newFakeSink()
	gate := &fakeGate{blocked: true}
	s := NewScheduler(cfg, gate, sink)
	defer s.Shutdown()

	msg := someipMessage(1, 1, []byte{1})
	if err := s.Enqueue(1, 1, msg); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSegmentMessageOffsetsAndMoreFlag(t *testing.T) {
	msg := someipMessage(2, 2, make([]byte, 250))
	segments, err := segmentMessage(msg, 100)
	if err != nil {
		t.Fatalf("segmentMessage: %s", err.Error())
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}

	wantOffsets := []uint32{0, 100, 200}
	wantMore := []bool{true, true, false}
	for i, seg := range segments {
		h, err := wire.DecodeHeader(seg)
		if err != nil {
			t.Fatalf("segment %d decode header: %s", i, err.Error())
		}
		if !h.IsTP() {
			t.Fatalf("segment %d missing TP flag", i)
		}
		tpHeader, err := wire.DecodeTPSegmentHeader(seg[wire.HeaderSize : wire.HeaderSize+wire.TPHeaderSize])
		if err != nil {
			t.Fatalf("segment %d decode TP header: %s", i, err.Error())
		}
		if tpHeader.Offset != wantOffsets[i] {
			t.Fatalf("segment %d offset=%d want=%d", i, tpHeader.Offset, wantOffsets[i])
		}
		if tpHeader.More != wantMore[i] {
			t.Fatalf("segment %d more=%t want=%t", i, tpHeader.More, wantMore[i])
		}
	}
}
