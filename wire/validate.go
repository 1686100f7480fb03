package wire

// ValidationError classifies why an inbound datagram or framed message
// was rejected.
type ValidationError uint8

const (
	ValidationOK ValidationError = iota
	ValidationShort
	ValidationWrongProtocolVersion
	ValidationInvalidMessageType
	ValidationInvalidReturnCode
	ValidationTPOnServiceDiscovery
	ValidationBadMessageSize
	ValidationTruncated
)

func (v ValidationError) String() string {
	switch v {
	case ValidationOK:
		return "ok"
	case ValidationShort:
		return "short"
	case ValidationWrongProtocolVersion:
		return "wrong-protocol-version"
	case ValidationInvalidMessageType:
		return "invalid-message-type"
	case ValidationInvalidReturnCode:
		return "invalid-return-code"
	case ValidationTPOnServiceDiscovery:
		return "tp-on-service-discovery"
	case ValidationBadMessageSize:
		return "bad-message-size"
	case ValidationTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// ValidateInbound applies the ordered inbound validation rules (a)-(f) to a
// decoded header plus the number of bytes remaining in the datagram
// starting at the header. isServiceDiscoveryPort tells the caller whether
// TP is disallowed on this local port.
func ValidateInbound(h Header, remaining int, isServiceDiscoveryPort bool) ValidationError {
	if h.ProtocolVersion != ProtocolVersion {
		return ValidationWrongProtocolVersion
	}

	if !ValidMessageType(h.MessageTypeRaw) {
		return ValidationInvalidMessageType
	}

	if !ValidReturnCode(h.ReturnCode) {
		return ValidationInvalidReturnCode
	}

	if h.IsTP() && isServiceDiscoveryPort {
		return ValidationTPOnServiceDiscovery
	}

	messageSize := h.MessageSize()
	if messageSize <= HeaderSize {
		return ValidationBadMessageSize
	}

	if uint64(messageSize) > uint64(remaining) {
		return ValidationBadMessageSize
	}

	return ValidationOK
}
