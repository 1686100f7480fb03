// Package routing implements the wire commands exchanged between a
// routing-manager client (C5) and the routing host over the local control
// channel, and their msgpack framing. The envelope is oneof-style: a
// single struct with one populated pointer field per command variant and
// `omitempty` msgpack tags on each.
package routing

// Kind identifies which field of Command is populated. It is encoded with
// every command, receivers dispatch on it, and it is used in log lines.
// Neither the codec nor the handlers verify that the named field is the
// one actually populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindAssignClient
	KindAssignClientAck
	KindRegisterApplication
	KindDeregisterApplication
	KindRegisteredAck
	KindRoutingInfo
	KindPing
	KindPong
	KindOfferService
	KindStopOfferService
	KindRequestService
	KindReleaseService
	KindRegisterEvents
	KindUnregisterEvent
	KindSubscribe
	KindUnsubscribe
	KindSubscribeAck
	KindSubscribeNack
	KindUnsubscribeAck
	KindExpire
	KindSend
	KindNotifyOne
	KindNotify
	KindResendProvidedEvents
	KindSuspend
	KindSecurityUpdate
	KindSecurityRemove
	KindSecurityDistribute
	KindSecurityCredentials
)

func (k Kind) String() string {
	switch k {
	case KindAssignClient:
		return "AssignClient"
	case KindAssignClientAck:
		return "AssignClientAck"
	case KindRegisterApplication:
		return "RegisterApplication"
	case KindDeregisterApplication:
		return "DeregisterApplication"
	case KindRegisteredAck:
		return "RegisteredAck"
	case KindRoutingInfo:
		return "RoutingInfo"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindOfferService:
		return "OfferService"
	case KindStopOfferService:
		return "StopOfferService"
	case KindRequestService:
		return "RequestService"
	case KindReleaseService:
		return "ReleaseService"
	case KindRegisterEvents:
		return "RegisterEvents"
	case KindUnregisterEvent:
		return "UnregisterEvent"
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindSubscribeAck:
		return "SubscribeAck"
	case KindSubscribeNack:
		return "SubscribeNack"
	case KindUnsubscribeAck:
		return "UnsubscribeAck"
	case KindExpire:
		return "Expire"
	case KindSend:
		return "Send"
	case KindNotifyOne:
		return "NotifyOne"
	case KindNotify:
		return "Notify"
	case KindResendProvidedEvents:
		return "ResendProvidedEvents"
	case KindSuspend:
		return "Suspend"
	case KindSecurityUpdate:
		return "SecurityUpdate"
	case KindSecurityRemove:
		return "SecurityRemove"
	case KindSecurityDistribute:
		return "SecurityDistribute"
	case KindSecurityCredentials:
		return "SecurityCredentials"
	default:
		return "Invalid"
	}
}

// ClientUnset is the sentinel client id meaning "not yet assigned"; see
// DESIGN.md's resolution of the AssignClientAck open question.
const ClientUnset uint16 = 0x0000

// LocalPendingID is the sentinel pending-id tagging a Subscribe/Unsubscribe
// as local (acknowledged by the routing client itself, as opposed to a
// remote-subscription controller).
const LocalPendingID uint32 = 0xFFFFFFFF

// Command is the envelope transmitted over the local control channel.
// Exactly one field below is populated per instance.
type Command struct {
	Txseq  uint64 `msgpack:"txseq"`
	Txtime int64  `msgpack:"txtime"` // epoch milliseconds
	Kind   Kind   `msgpack:"kind"`

	AssignClient         *AssignClient         `msgpack:",omitempty"`
	AssignClientAck      *AssignClientAck      `msgpack:",omitempty"`
	RegisterApplication  *RegisterApplication  `msgpack:",omitempty"`
	DeregisterApplication *DeregisterApplication `msgpack:",omitempty"`
	RegisteredAck        *RegisteredAck        `msgpack:",omitempty"`
	RoutingInfo          *RoutingInfo          `msgpack:",omitempty"`
	Ping                 *Ping                 `msgpack:",omitempty"`
	Pong                 *Pong                 `msgpack:",omitempty"`
	OfferService         *OfferService         `msgpack:",omitempty"`
	StopOfferService     *StopOfferService     `msgpack:",omitempty"`
	RequestService       *RequestService       `msgpack:",omitempty"`
	ReleaseService       *ReleaseService       `msgpack:",omitempty"`
	RegisterEvents       *RegisterEvents       `msgpack:",omitempty"`
	UnregisterEvent      *UnregisterEvent      `msgpack:",omitempty"`
	Subscribe            *Subscribe            `msgpack:",omitempty"`
	Unsubscribe          *Unsubscribe          `msgpack:",omitempty"`
	SubscribeAck         *SubscribeAck         `msgpack:",omitempty"`
	SubscribeNack        *SubscribeNack        `msgpack:",omitempty"`
	UnsubscribeAck       *UnsubscribeAck       `msgpack:",omitempty"`
	Expire               *Expire               `msgpack:",omitempty"`
	Send                 *Send                 `msgpack:",omitempty"`
	NotifyOne            *NotifyOne            `msgpack:",omitempty"`
	Notify               *Notify               `msgpack:",omitempty"`
	ResendProvidedEvents *ResendProvidedEvents `msgpack:",omitempty"`
	Suspend              *Suspend              `msgpack:",omitempty"`
	SecurityUpdate       *SecurityUpdate       `msgpack:",omitempty"`
	SecurityRemove       *SecurityRemove       `msgpack:",omitempty"`
	SecurityDistribute   *SecurityDistribute   `msgpack:",omitempty"`
	SecurityCredentials  *SecurityCredentials  `msgpack:",omitempty"`
}

type AssignClient struct {
	Instance string `msgpack:"instance"`
}

type AssignClientAck struct {
	Client uint16 `msgpack:"client"`
}

type RegisterApplication struct {
	Client    uint16 `msgpack:"client"`
	LocalPort uint16 `msgpack:"local_port"`
}

type DeregisterApplication struct {
	Client uint16 `msgpack:"client"`
}

type RegisteredAck struct{}

type Ping struct{}

type Pong struct{}

// ServiceTuple identifies a (service, instance, major, minor) offering.
type ServiceTuple struct {
	Service  uint16 `msgpack:"service"`
	Instance uint16 `msgpack:"instance"`
	Major    uint8  `msgpack:"major"`
	Minor    uint32 `msgpack:"minor"`
}

type RoutingEntryType uint8

const (
	EntryInvalid RoutingEntryType = iota
	EntryAddClient
	EntryDeleteClient
	EntryAddServiceInstance
	EntryDeleteServiceInstance
)

// RoutingInfoEntry is one entry of a RoutingInfo update.
type RoutingInfoEntry struct {
	Type RoutingEntryType `msgpack:"type"`

	Client  uint16 `msgpack:"client"`
	Address string `msgpack:"address,omitempty"`
	Port    uint16 `msgpack:"port,omitempty"`

	Services []ServiceTuple `msgpack:"services,omitempty"`
}

type RoutingInfo struct {
	Entries []RoutingInfoEntry `msgpack:"entries"`
}

type OfferService struct {
	ServiceTuple
	Reliable bool `msgpack:"reliable"`
}

type StopOfferService struct {
	ServiceTuple
}

type RequestService struct {
	ServiceTuple
}

type ReleaseService struct {
	Service  uint16 `msgpack:"service"`
	Instance uint16 `msgpack:"instance"`
}

type RegisterEvents struct {
	ServiceTuple
	Event      uint16 `msgpack:"event"`
	IsField    bool   `msgpack:"is_field"`
	IsProvided bool   `msgpack:"is_provided"`
}

type UnregisterEvent struct {
	Service  uint16 `msgpack:"service"`
	Instance uint16 `msgpack:"instance"`
	Event    uint16 `msgpack:"event"`
}

// DebounceFilter is the optional debounce filter attachable to a
// Subscribe.
type DebounceFilter struct {
	MinIntervalMs  uint32 `msgpack:"min_interval_ms"`
	IgnoreMask     []byte `msgpack:"ignore_mask,omitempty"`
}

type Subscribe struct {
	Service    uint16          `msgpack:"service"`
	Instance   uint16          `msgpack:"instance"`
	Eventgroup uint16          `msgpack:"eventgroup"`
	Major      uint8           `msgpack:"major"`
	Event      uint16          `msgpack:"event"`
	Filter     *DebounceFilter `msgpack:"filter,omitempty"`
	PendingID  uint32          `msgpack:"pending_id"`
	Client     uint16          `msgpack:"client"`
}

type Unsubscribe struct {
	Service    uint16 `msgpack:"service"`
	Instance   uint16 `msgpack:"instance"`
	Eventgroup uint16 `msgpack:"eventgroup"`
	Event      uint16 `msgpack:"event"`
	PendingID  uint32 `msgpack:"pending_id"`
	Client     uint16 `msgpack:"client"`
}

type SubscribeAck struct {
	Service    uint16 `msgpack:"service"`
	Instance   uint16 `msgpack:"instance"`
	Eventgroup uint16 `msgpack:"eventgroup"`
	Event      uint16 `msgpack:"event"`
	PendingID  uint32 `msgpack:"pending_id"`
}

type SubscribeNack struct {
	Service    uint16 `msgpack:"service"`
	Instance   uint16 `msgpack:"instance"`
	Eventgroup uint16 `msgpack:"eventgroup"`
	Event      uint16 `msgpack:"event"`
	PendingID  uint32 `msgpack:"pending_id"`
}

type UnsubscribeAck struct {
	Service    uint16 `msgpack:"service"`
	Instance   uint16 `msgpack:"instance"`
	Eventgroup uint16 `msgpack:"eventgroup"`
	PendingID  uint32 `msgpack:"pending_id"`
}

type Expire struct {
	Service  uint16 `msgpack:"service"`
	Instance uint16 `msgpack:"instance"`
}

// Send carries an embedded SOME/IP message plus routing metadata,
// routing metadata alongside it.
type Send struct {
	Instance  uint16 `msgpack:"instance"`
	Reliable  bool   `msgpack:"reliable"`
	Status    uint8  `msgpack:"status"`
	SomeIP    []byte `msgpack:"someip"`
}

type NotifyOne struct {
	Instance uint16 `msgpack:"instance"`
	Reliable bool   `msgpack:"reliable"`
	Client   uint16 `msgpack:"client"`
	SomeIP   []byte `msgpack:"someip"`
}

type Notify struct {
	Instance uint16 `msgpack:"instance"`
	Reliable bool   `msgpack:"reliable"`
	SomeIP   []byte `msgpack:"someip"`
}

type ResendProvidedEvents struct {
	Client uint16 `msgpack:"client"`
}

type Suspend struct{}

type SecurityUpdate struct {
	Client  uint16 `msgpack:"client"`
	Payload []byte `msgpack:"payload"`
}

type SecurityRemove struct {
	Client uint16 `msgpack:"client"`
}

type SecurityDistribute struct {
	Payload []byte `msgpack:"payload"`
}

type SecurityCredentials struct {
	Client     uint16 `msgpack:"client"`
	Uid        uint32 `msgpack:"uid"`
	Gid        uint32 `msgpack:"gid"`
}
