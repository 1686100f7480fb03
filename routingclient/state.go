package routingclient

// State is the registration FSM state with the routing host.
type State uint8

const (
	StateDeregistered State = iota
	StateAssigning
	StateAssigned
	StateRegistering
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDeregistered:
		return "Deregistered"
	case StateAssigning:
		return "Assigning"
	case StateAssigned:
		return "Assigned"
	case StateRegistering:
		return "Registering"
	case StateRegistered:
		return "Registered"
	default:
		return "Unknown"
	}
}

// Group is the go-schedule timer-cancellation key for this component. One
// enum per component, never shared, same convention as
// train.Group/clientendpoint.Group/udpendpoint's targetKey.
type Group uint8

const (
	GroupRegistrationWatchdog Group = iota
	GroupKeepalive
	GroupOfferDebounce
	GroupRequestDebounce
)

func (g Group) String() string {
	switch g {
	case GroupRegistrationWatchdog:
		return "RegistrationWatchdog"
	case GroupKeepalive:
		return "Keepalive"
	case GroupOfferDebounce:
		return "OfferDebounce"
	case GroupRequestDebounce:
		return "RequestDebounce"
	default:
		return "Unknown"
	}
}
