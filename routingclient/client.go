// Package routingclient implements the registration, keepalive, offer and
// subscription bookkeeping a service-side process uses to talk to the
// central routing host: the Deregistered/Assigning/Assigned/Registering/
// Registered handshake, local-vs-remote send dispatch, and subscription
// replay across reconnects.
package routingclient

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/arbiter"
	"github.com/skylinelabs/someip-routingcore/clientendpoint"
	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/routing"
	"github.com/skylinelabs/someip-routingcore/wire"
)

// Host receives lifecycle notifications and security/subscription
// decisions; every method runs on Client's own strand.
type Host interface {
	OnRegistered()
	OnDeregistered()
	// AcceptSubscribe decides whether an inbound subscribe request for
	// (service, instance, eventgroup, client) should be accepted.
	AcceptSubscribe(service, instance, eventgroup, client uint16) bool
	// SecurityAllows gates every outbound send keyed by client id.
	SecurityAllows(client uint16) bool
	// DeliverLocal hands a fully dispatched SOME/IP message to local
	// application logic when no peer connection claimed the target client.
	DeliverLocal(client uint16, msg *wire.Message)
}

type serviceKey struct {
	Service  uint16
	Instance uint16
}

// Client is the routing-manager client core (C5): one arbiter strand, one
// clientendpoint.Core acting as the sender to the routing host, and the
// bookkeeping tables needed for reconnect replay.
type Client struct {
	arb *arbiter.Arbiter[Group]

	cfg  *config.Config
	host Host

	sender *clientendpoint.Core
	peers  *peerServer

	state                 State
	selfClient            uint16
	watchdogArmed         bool
	keepaliveArmed        bool
	keepaliveAwaitingPong bool

	// offered services this process provides, keyed by (service,instance)
	offered map[serviceKey]routing.OfferService
	// requested services, refcounted: multiple local requesters collapse
	// to one RequestService/ReleaseService pair at the wire
	requested map[serviceKey]*requestEntry
	// registered events this process provides or consumes
	events map[eventKey]routing.RegisterEvents

	// local providers: (service,instance) -> client id, populated from
	// RoutingInfo AddServiceInstance entries that name a local provider
	localProviders map[serviceKey]uint16

	offerDebounce   []routing.OfferService
	requestDebounce []serviceKey
	offerArmed      bool
	requestArmed    bool

	subs *subscriptionTable

	knownClients map[uint16]bool

	logPrefix string
}

type requestEntry struct {
	tuple routing.ServiceTuple
	count uint32
}

type eventKey struct {
	Service  uint16
	Instance uint16
	Event    uint16
}

func NewClient(cfg *config.Config, host Host) *Client {
	logPrefix := fmt.Sprintf("%s:routingclient", cfg.LogPrefix)

	c := &Client{
		cfg:            cfg,
		host:           host,
		state:          StateDeregistered,
		offered:        make(map[serviceKey]routing.OfferService),
		requested:      make(map[serviceKey]*requestEntry),
		events:         make(map[eventKey]routing.RegisterEvents),
		localProviders: make(map[serviceKey]uint16),
		subs:           newSubscriptionTable(),
		knownClients:   make(map[uint16]bool),
		logPrefix:      logPrefix,
	}
	c.arb = arbiter.NewArbiter[Group](cfg.EventChannelLength, logPrefix, cfg.LogDebug)
	// instance/reliable are meaningless here: this Core is only ever driven
	// through SendCommand (routing.Command envelopes), never SendMessage's
	// train-scheduled raw SOME/IP path.
	c.sender = clientendpoint.NewCore(cfg, 0, false, c)
	c.peers = newPeerServer(cfg, c)
	return c
}

// Start begins the connect cycle toward the routing host.
func (c *Client) Start() {
	c.sender.Connect()
}

func (c *Client) Shutdown() {
	c.sender.Shutdown()
	c.peers.shutdown()
	c.arb.Shutdown()
}

// --- clientendpoint.Handler, invoked on sender's strand; every body
// re-dispatches onto this Client's own strand before touching state. ---

func (c *Client) OnEstablished() {
	c.arb.Dispatch(func() {
		if c.state != StateDeregistered {
			return
		}
		c.toAssigning()
	})
}

func (c *Client) OnClosed(wasNotConnected bool) {
	c.arb.Dispatch(func() {
		c.toDeregistered()
	})
}

func (c *Client) OnMaxReconnectsReached() {
	c.arb.Dispatch(func() {
		log.Printf("%s: max reconnect attempts reached", c.logPrefix)
		c.toDeregistered()
	})
}

func (c *Client) OnCommand(cmd *routing.Command) {
	received := cmd
	c.arb.Dispatch(func() {
		c.handleCommand(received)
	})
}

// invoked on own strand
func (c *Client) handleCommand(cmd *routing.Command) {
	switch cmd.Kind {
	case routing.KindAssignClientAck:
		c.onAssignClientAck(cmd.AssignClientAck)
	case routing.KindRoutingInfo:
		c.onRoutingInfo(cmd.RoutingInfo)
	case routing.KindPong:
		c.onPong()
	case routing.KindSend:
		c.onSend(cmd.Send)
	case routing.KindNotify:
		c.onNotify(cmd.Notify)
	case routing.KindNotifyOne:
		c.onNotifyOneFromHost(cmd.NotifyOne)
	case routing.KindSubscribe:
		c.onSubscribeFromPeerOrHost(cmd.Subscribe)
	case routing.KindUnsubscribe:
		c.onUnsubscribeFromPeerOrHost(cmd.Unsubscribe)
	case routing.KindSubscribeAck:
		c.subs.onAck(cmd.SubscribeAck)
	case routing.KindSubscribeNack:
		c.subs.onNack(cmd.SubscribeNack)
	case routing.KindSuspend:
		c.onSuspend()
	default:
		log.Printf("%s: unhandled command kind=%s", c.logPrefix, cmd.Kind)
	}
}

// invoked on own strand
func (c *Client) toAssigning() {
	c.state = StateAssigning
	c.armRegistrationWatchdog()

	err := c.sender.SendCommand(&routing.Command{
		Kind:         routing.KindAssignClient,
		AssignClient: &routing.AssignClient{Instance: c.cfg.Instance},
	})
	if err != nil {
		log.Printf("%s: failed to send AssignClient: %s", c.logPrefix, err.Error())
	}
}

// invoked on own strand
func (c *Client) onAssignClientAck(ack *routing.AssignClientAck) {
	if c.state != StateAssigning {
		log.Printf("%s: spurious AssignClientAck in state=%s, ignored", c.logPrefix, c.state)
		return
	}

	if ack.Client == routing.ClientUnset {
		log.Printf("%s: AssignClientAck carries ClientUnset, ignored", c.logPrefix)
		return
	}

	c.cancelRegistrationWatchdog()
	c.selfClient = ack.Client
	c.state = StateAssigned

	if err := c.peers.ensureStarted(); err != nil {
		log.Printf("%s: failed to start local peer server: %s", c.logPrefix, err.Error())
	}

	c.toRegistering()
}

// invoked on own strand
func (c *Client) toRegistering() {
	c.state = StateRegistering
	c.armRegistrationWatchdog()

	err := c.sender.SendCommand(&routing.Command{
		Kind: routing.KindRegisterApplication,
		RegisterApplication: &routing.RegisterApplication{
			Client:    c.selfClient,
			LocalPort: c.peers.localPort(),
		},
	})
	if err != nil {
		log.Printf("%s: failed to send RegisterApplication: %s", c.logPrefix, err.Error())
	}
}

// invoked on own strand
func (c *Client) onRoutingInfo(info *routing.RoutingInfo) {
	for _, entry := range info.Entries {
		switch entry.Type {
		case routing.EntryAddClient:
			if entry.Client == c.selfClient && c.state == StateRegistering {
				c.toRegistered()
			}
			c.knownClients[entry.Client] = true
			c.subs.flushPendingIncoming(c, entry.Client)
		case routing.EntryDeleteClient:
			delete(c.knownClients, entry.Client)
			if entry.Client == c.selfClient {
				c.toDeregistered()
				return
			}
			c.subs.onClientGone(entry.Client)
		case routing.EntryAddServiceInstance:
			c.onAddServiceInstance(entry)
		case routing.EntryDeleteServiceInstance:
			c.onDeleteServiceInstance(entry)
		}
	}
}

// invoked on own strand
func (c *Client) toRegistered() {
	c.cancelRegistrationWatchdog()
	c.state = StateRegistered
	c.host.OnRegistered()

	c.flushOffers()
	c.flushRequests()
	c.flushEvents()
	c.subs.flushAllPending(c)

	if c.cfg.KeepaliveEnabled {
		c.armKeepalive()
	}
}

// invoked on own strand
func (c *Client) toDeregistered() {
	if c.state == StateDeregistered {
		return
	}
	oldState := c.state
	c.state = StateDeregistered
	c.cancelRegistrationWatchdog()
	c.cancelKeepalive()
	c.peers.closeAllExceptRouting()

	log.Printf("%s: state=%s -> %s", c.logPrefix, oldState, c.state)
	c.host.OnDeregistered()
}

// invoked on own strand
func (c *Client) armRegistrationWatchdog() {
	c.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupRegistrationWatchdog},
				c.cfg.RegistrationWatchdog,
				func() {
					// invoked on own strand
					c.watchdogArmed = false
					log.Printf("%s: registration watchdog expired in state=%s, restarting sender", c.logPrefix, c.state)
					// Core's OnClosed callback will not necessarily fire for
					// this generation once a fresh connect attempt
					// supersedes it (stale completions are discarded by
					// generation), so this FSM resets itself immediately
					// rather than waiting on it.
					c.toDeregistered()
					c.sender.Stop()
					c.sender.Connect()
				},
				nil,
			),
		},
	)
	c.watchdogArmed = true
}

// invoked on own strand
func (c *Client) cancelRegistrationWatchdog() {
	if !c.watchdogArmed {
		return
	}
	c.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{Group: GroupRegistrationWatchdog},
	)
	c.watchdogArmed = false
}

// invoked on own strand
func (c *Client) onSuspend() {
	c.subs.suspendAll(c)
}

func (c *Client) isLocal(client uint16) bool {
	return client == c.selfClient
}

func (c *Client) currentTimeMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
