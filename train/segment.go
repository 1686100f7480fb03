package train

import (
	"fmt"

	"github.com/skylinelabs/someip-routingcore/wire"
)

// segmentMessage splits a wire-encoded SOME/IP message whose payload
// exceeds maxSegmentLength into SOME/IP-TP segments: each carries its own
// TP offset/more header and has the TP flag set on the message type byte.
func segmentMessage(data []byte, maxSegmentLength uint32) ([][]byte, error) {
	if maxSegmentLength == 0 {
		return nil, fmt.Errorf("train: zero max segment length")
	}

	h, err := wire.DecodeHeader(data)
	if err != nil {
		return nil, fmt.Errorf("train: failed to decode header for segmentation: %w", err)
	}
	payload := data[wire.HeaderSize:]

	segments := make([][]byte, 0, len(payload)/int(maxSegmentLength)+1)

	for offset := 0; offset < len(payload); offset += int(maxSegmentLength) {
		end := offset + int(maxSegmentLength)
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		chunk := payload[offset:end]

		seg := make([]byte, wire.HeaderSize+wire.TPHeaderSize+len(chunk))

		sh := h
		sh.MessageTypeRaw = wire.WithTPFlag(h.MessageTypeRaw)
		sh.Length = 8 + uint32(wire.TPHeaderSize) + uint32(len(chunk))

		if err := wire.EncodeHeader(seg[:wire.HeaderSize], sh); err != nil {
			return nil, fmt.Errorf("train: failed to encode segment header: %w", err)
		}
		if err := wire.EncodeTPSegmentHeader(
			seg[wire.HeaderSize:wire.HeaderSize+wire.TPHeaderSize],
			wire.TPSegmentHeader{Offset: uint32(offset), More: more},
		); err != nil {
			return nil, fmt.Errorf("train: failed to encode TP segment header: %w", err)
		}
		copy(seg[wire.HeaderSize+wire.TPHeaderSize:], chunk)

		segments = append(segments, seg)
	}

	if len(payload) == 0 {
		// nothing to split; caller should not have reached here given
		// data already exceeded max message size, but guard anyway
		segments = append(segments, data)
	}

	return segments, nil
}
