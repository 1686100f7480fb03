package wire

import (
	"encoding/binary"
	"errors"
)

// TPHeaderSize is the offset_and_more field SOME/IP-TP appends after the
// fixed header when the TP flag is set.
const TPHeaderSize = 4

// moreFlagMask is the low bit of the offset_and_more field.
const moreFlagMask uint32 = 0x01

// TPSegmentHeader is the decoded SOME/IP-TP offset_and_more field.
type TPSegmentHeader struct {
	Offset uint32 // byte offset of this segment's payload into the full message
	More   bool   // true if more segments follow
}

var ErrShortTPHeader = errors.New("wire: buffer shorter than TP segment header")

func DecodeTPSegmentHeader(buf []byte) (TPSegmentHeader, error) {
	if len(buf) < TPHeaderSize {
		return TPSegmentHeader{}, ErrShortTPHeader
	}
	raw := binary.BigEndian.Uint32(buf[0:4])
	return TPSegmentHeader{
		Offset: raw &^ moreFlagMask,
		More:   raw&moreFlagMask != 0,
	}, nil
}

func EncodeTPSegmentHeader(buf []byte, h TPSegmentHeader) error {
	if len(buf) < TPHeaderSize {
		return ErrShortTPHeader
	}
	raw := h.Offset &^ moreFlagMask
	if h.More {
		raw |= moreFlagMask
	}
	binary.BigEndian.PutUint32(buf[0:4], raw)
	return nil
}

// WithTPFlag returns messageTypeRaw with the TP flag bit set.
func WithTPFlag(messageTypeRaw uint8) uint8 {
	return messageTypeRaw | TPFlag
}

// WithoutTPFlag returns messageTypeRaw with the TP flag bit cleared, used
// when the reassembler emits the completed message.
func WithoutTPFlag(messageTypeRaw uint8) uint8 {
	return messageTypeRaw &^ TPFlag
}
