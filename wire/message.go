// Package wire implements the SOME/IP wire header: fixed big-endian
// encode/decode, the message-type/return-code enumerations, and the
// SOME/IP-TP segmentation header. Field ordering and naming are grounded
// on other_examples/eshenhu-mangos__proto_someip.go and
// other_examples/boschglobal-dse.modelc__pdu.go's NCodecPduSomeIpAdapter.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed SOME/IP header length in bytes: service(2) +
// method(2) + length(4) + client(2) + session(2) + protocol-version(1) +
// interface-version(1) + message-type(1) + return-code(1).
const HeaderSize = 16

// ProtocolVersion is the one protocol version value accepted on inbound.
const ProtocolVersion uint8 = 0x01

// ClientRouting is the reserved client value denoting "routing".
const ClientRouting uint16 = 0x0000

// EventAny is the reserved event value denoting "any".
const EventAny uint16 = 0xFFFF

// MessageType is the message-type byte with the SOME/IP-TP flag (TPFlag)
// cleared.
type MessageType uint8

const (
	MTRequest             MessageType = 0x00
	MTRequestNoReturn     MessageType = 0x01
	MTNotification        MessageType = 0x02
	MTRequestAck          MessageType = 0x40
	MTRequestNoReturnAck  MessageType = 0x41
	MTNotificationAck     MessageType = 0x42
	MTResponse            MessageType = 0x80
	MTError               MessageType = 0x81
	MTResponseAck         MessageType = 0xC0
	MTErrorAck            MessageType = 0xC1
)

// TPFlag is bit 5 (0x20) of the message-type byte on the wire; the high
// bit is part of the Response/Error message types above.
const TPFlag uint8 = 0x20

func (mt MessageType) String() string {
	switch mt {
	case MTRequest:
		return "Request"
	case MTRequestNoReturn:
		return "RequestNoReturn"
	case MTNotification:
		return "Notification"
	case MTRequestAck:
		return "RequestAck"
	case MTRequestNoReturnAck:
		return "RequestNoReturnAck"
	case MTNotificationAck:
		return "NotificationAck"
	case MTResponse:
		return "Response"
	case MTError:
		return "Error"
	case MTResponseAck:
		return "ResponseAck"
	case MTErrorAck:
		return "ErrorAck"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint8(mt))
	}
}

func ValidMessageType(raw uint8) bool {
	mt := MessageType(raw &^ TPFlag)
	switch mt {
	case MTRequest, MTRequestNoReturn, MTNotification,
		MTRequestAck, MTRequestNoReturnAck, MTNotificationAck,
		MTResponse, MTError, MTResponseAck, MTErrorAck:
		return true
	default:
		return false
	}
}

// ReturnCode mirrors the SOME/IP E_* codes.
type ReturnCode uint8

const (
	ROK                     ReturnCode = 0x00
	RNotOK                  ReturnCode = 0x01
	RUnknownService         ReturnCode = 0x02
	RUnknownMethod          ReturnCode = 0x03
	RNotReady               ReturnCode = 0x04
	RNotReachable           ReturnCode = 0x05
	RTimeout                ReturnCode = 0x06
	RWrongProtocolVersion   ReturnCode = 0x07
	RWrongInterfaceVersion  ReturnCode = 0x08
	RMalformedMessage       ReturnCode = 0x09
	RWrongMessageType       ReturnCode = 0x0a
)

func ValidReturnCode(raw uint8) bool {
	switch ReturnCode(raw) {
	case ROK, RNotOK, RUnknownService, RUnknownMethod, RNotReady,
		RNotReachable, RTimeout, RWrongProtocolVersion,
		RWrongInterfaceVersion, RMalformedMessage, RWrongMessageType:
		return true
	default:
		return false
	}
}

// Header is the decoded fixed portion of a SOME/IP message.
type Header struct {
	Service uint16
	Method  uint16
	Length  uint32 // covers everything after the Length field itself
	Client  uint16
	Session uint16

	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageTypeRaw   uint8 // includes TPFlag
	ReturnCode       uint8
}

func (h Header) MessageType() MessageType {
	return MessageType(h.MessageTypeRaw &^ TPFlag)
}

func (h Header) IsTP() bool {
	return h.MessageTypeRaw&TPFlag != 0
}

// MessageSize is the total on-wire size implied by Length: the 8 bytes
// of service(2), method(2) and Length(4) itself, plus Length's own value.
func (h Header) MessageSize() uint32 {
	return 8 + h.Length
}

var (
	ErrShortHeader = errors.New("wire: buffer shorter than header size")
	ErrShortBody   = errors.New("wire: declared length exceeds buffer")
)

// DecodeHeader parses the fixed SOME/IP header from buf. It does not
// validate protocol rules (see ValidateInbound); it only checks buf is long
// enough to contain a header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}

	return Header{
		Service:          binary.BigEndian.Uint16(buf[0:2]),
		Method:           binary.BigEndian.Uint16(buf[2:4]),
		Length:           binary.BigEndian.Uint32(buf[4:8]),
		Client:           binary.BigEndian.Uint16(buf[8:10]),
		Session:          binary.BigEndian.Uint16(buf[10:12]),
		ProtocolVersion:  buf[12],
		InterfaceVersion: buf[13],
		MessageTypeRaw:   buf[14],
		ReturnCode:       buf[15],
	}, nil
}

// EncodeHeader writes h into buf[0:HeaderSize]; buf must be at least
// HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}

	binary.BigEndian.PutUint16(buf[0:2], h.Service)
	binary.BigEndian.PutUint16(buf[2:4], h.Method)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint16(buf[8:10], h.Client)
	binary.BigEndian.PutUint16(buf[10:12], h.Session)
	buf[12] = h.ProtocolVersion
	buf[13] = h.InterfaceVersion
	buf[14] = h.MessageTypeRaw
	buf[15] = h.ReturnCode

	return nil
}

// Message is a fully decoded SOME/IP message: header plus payload (which,
// for a TP segment, includes the 4-byte offset_and_more field as its
// first 4 bytes, see tp.go).
type Message struct {
	Header  Header
	Payload []byte
}

// Encode serializes m to a freshly allocated buffer. Length is recomputed
// from len(Payload).
func (m Message) Encode() []byte {
	h := m.Header
	h.Length = 8 + uint32(len(m.Payload)) // client+session+ver+ver+type+ret(8) + payload
	buf := make([]byte, HeaderSize+len(m.Payload))
	_ = EncodeHeader(buf, h)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}
