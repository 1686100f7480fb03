package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Service:          0x1234,
		Method:           0x0001,
		Client:           0x0042,
		Session:          0x0007,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: 1,
		MessageTypeRaw:   uint8(MTRequest),
		ReturnCode:       uint8(ROK),
	}
	h.Length = 8

	buf := make([]byte, HeaderSize)
	if err := EncodeHeader(buf, h); err != nil {
		t.Fatalf("encode: %s", err.Error())
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %s", err.Error())
	}
	if got != h {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestMessageEncodeComputesLength(t *testing.T) {
	m := Message{
		Header: Header{
			Service:          0x1234,
			Method:           0x0001,
			ProtocolVersion:  ProtocolVersion,
			InterfaceVersion: 1,
			MessageTypeRaw:   uint8(MTNotification),
			ReturnCode:       uint8(ROK),
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}

	buf := m.Encode()
	h, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %s", err.Error())
	}
	if h.Length != 8+5 {
		t.Fatalf("expected Length=13, got %d", h.Length)
	}
	if int(h.MessageSize()) != len(buf) {
		t.Fatalf("MessageSize()=%d != len(buf)=%d", h.MessageSize(), len(buf))
	}
}

func TestTPFlagHelpers(t *testing.T) {
	raw := uint8(MTRequest)
	tp := WithTPFlag(raw)
	if tp&TPFlag == 0 {
		t.Fatal("expected TP flag set")
	}
	if MessageType(tp&^TPFlag) != MTRequest {
		t.Fatal("message type altered by TP flag")
	}
	if WithoutTPFlag(tp) != raw {
		t.Fatal("WithoutTPFlag did not restore original byte")
	}
}

func TestTPSegmentHeaderRoundTrip(t *testing.T) {
	h := TPSegmentHeader{Offset: 2784, More: true}
	buf := make([]byte, TPHeaderSize)
	if err := EncodeTPSegmentHeader(buf, h); err != nil {
		t.Fatalf("encode: %s", err.Error())
	}
	got, err := DecodeTPSegmentHeader(buf)
	if err != nil {
		t.Fatalf("decode: %s", err.Error())
	}
	if got != h {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", got, h)
	}
}

func TestValidateInboundWrongProtocolVersion(t *testing.T) {
	h := Header{ProtocolVersion: 0x02, MessageTypeRaw: uint8(MTRequest), ReturnCode: uint8(ROK), Length: 8}
	if got := ValidateInbound(h, 100, false); got != ValidationWrongProtocolVersion {
		t.Fatalf("expected ValidationWrongProtocolVersion, got %s", got)
	}
}

func TestValidateInboundTPOnSD(t *testing.T) {
	h := Header{
		ProtocolVersion: ProtocolVersion,
		MessageTypeRaw:  WithTPFlag(uint8(MTRequest)),
		ReturnCode:      uint8(ROK),
		Length:          8,
	}
	if got := ValidateInbound(h, 100, true); got != ValidationTPOnServiceDiscovery {
		t.Fatalf("expected ValidationTPOnServiceDiscovery, got %s", got)
	}
}

func TestValidateInboundBadMessageSize(t *testing.T) {
	h := Header{
		ProtocolVersion: ProtocolVersion,
		MessageTypeRaw:  uint8(MTRequest),
		ReturnCode:      uint8(ROK),
		Length:          8, // messageSize == 16 == HeaderSize, must be strictly greater
	}
	if got := ValidateInbound(h, 100, false); got != ValidationBadMessageSize {
		t.Fatalf("expected ValidationBadMessageSize, got %s", got)
	}

	h.Length = 9 // messageSize=17 > remaining=10
	if got := ValidateInbound(h, 10, false); got != ValidationBadMessageSize {
		t.Fatalf("expected ValidationBadMessageSize for short remaining, got %s", got)
	}
}

func TestValidateInboundOK(t *testing.T) {
	h := Header{
		ProtocolVersion: ProtocolVersion,
		MessageTypeRaw:  uint8(MTRequest),
		ReturnCode:      uint8(ROK),
		Length:          9,
	}
	if got := ValidateInbound(h, 100, false); got != ValidationOK {
		t.Fatalf("expected ValidationOK, got %s", got)
	}
}
