package routing

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Framing is a fixed header (pattern byte, protocol-version byte,
// sender-id byte, little-endian uint32 payload length) followed by a
// msgpack payload.
const (
	wirePattern  byte = 0x53 // 'S' for SOME/IP routing control channel
	wireVersion  byte = 0x01
	wireHeaderLen int = 7

	// MaxPayloadLen bounds a single Command's encoded size; RequestService
	// floods and oversized security payloads are rejected rather than
	// allowed to allocate unbounded buffers from an untrusted peer.
	MaxPayloadLen uint32 = 1 << 20
)

// SenderID distinguishes which side of the control channel a frame came
// from, so a peer cannot forge a command only the routing host is
// allowed to send.
type SenderID byte

const (
	SenderRoutingHost SenderID = 0x01
	SenderApplication SenderID = 0x02
)

// WriteCommand frames and writes cmd to w.
func WriteCommand(w io.Writer, sender SenderID, cmd *Command) error {
	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("routing: failed to marshal command: %w", err)
	}
	if uint32(len(payload)) > MaxPayloadLen {
		return fmt.Errorf("routing: payload length=%d exceeds max=%d", len(payload), MaxPayloadLen)
	}

	header := make([]byte, wireHeaderLen)
	header[0] = wirePattern
	header[1] = wireVersion
	header[2] = byte(sender)
	binary.LittleEndian.PutUint32(header[3:7], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("routing: failed to write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("routing: failed to write payload: %w", err)
	}
	return nil
}

// ReadCommand reads one framed Command from r, verifying the sender is
// one of allowedSenders.
func ReadCommand(r io.Reader, allowedSenders map[SenderID]struct{}) (*Command, SenderID, error) {
	header := make([]byte, wireHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("routing: failed to read header: %w", err)
	}

	if header[0] != wirePattern {
		return nil, 0, fmt.Errorf("routing: invalid pattern byte %#x", header[0])
	}
	if header[1] != wireVersion {
		return nil, 0, fmt.Errorf("routing: unsupported protocol version %#x", header[1])
	}

	sender := SenderID(header[2])
	if _, found := allowedSenders[sender]; !found {
		return nil, 0, fmt.Errorf("routing: unrecognized sender id %#x", sender)
	}

	payloadLen := binary.LittleEndian.Uint32(header[3:7])
	if payloadLen > MaxPayloadLen {
		return nil, 0, fmt.Errorf("routing: payloadLen=%d exceeds max=%d", payloadLen, MaxPayloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, fmt.Errorf("routing: failed to read payload: %w", err)
	}

	cmd := new(Command)
	if err := msgpack.Unmarshal(payload, cmd); err != nil {
		return nil, 0, fmt.Errorf("routing: failed to unmarshal payload: %w", err)
	}

	return cmd, sender, nil
}
