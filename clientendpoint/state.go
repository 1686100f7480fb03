package clientendpoint

// State is the connection lifecycle of an Endpoint's outbound socket.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// Group is the arbiter timer-group key for an Endpoint's own strand.
type Group uint8

const (
	GroupConnectWatchdog Group = iota
	GroupReconnect
)

func (g Group) String() string {
	switch g {
	case GroupConnectWatchdog:
		return "GroupConnectWatchdog"
	case GroupReconnect:
		return "GroupReconnect"
	default:
		return "GroupUnknown"
	}
}
