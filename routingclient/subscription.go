package routingclient

import (
	"log"

	"github.com/skylinelabs/someip-routingcore/routing"
)

type subKey struct {
	Service    uint16
	Instance   uint16
	Eventgroup uint16
	Event      uint16
}

type incomingKey struct {
	Client     uint16
	Service    uint16
	Instance   uint16
	Eventgroup uint16
}

type fieldKey struct {
	Service  uint16
	Instance uint16
	Event    uint16
}

type eventgroupKey struct {
	Service    uint16
	Instance   uint16
	Eventgroup uint16
}

// subscriptionTable holds both directions of subscription state: this
// client's own outgoing subscriptions to remote events, and the inbound
// subscriptions remote clients hold against events this client provides.
type subscriptionTable struct {
	pendingOut   map[subKey]routing.Subscribe
	confirmedOut map[subKey]bool

	pendingIncoming map[uint16][]routing.Subscribe
	incomingSubs    map[incomingKey]map[uint16]bool // eventgroup scope -> event set already notified

	// remoteSubscribers counts, per (service,instance,eventgroup), which
	// non-local client ids currently hold a subscription. A subscriber is
	// "remote" when its Subscribe arrived with an ordinary pending id
	// rather than routing.LocalPendingID, meaning it cannot be reached
	// through this process's own peer server and a notification has to be
	// forwarded to the routing host to reach it.
	remoteSubscribers map[eventgroupKey]map[uint16]bool

	fieldCache map[fieldKey][]byte
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		pendingOut:        make(map[subKey]routing.Subscribe),
		confirmedOut:      make(map[subKey]bool),
		pendingIncoming:   make(map[uint16][]routing.Subscribe),
		incomingSubs:      make(map[incomingKey]map[uint16]bool),
		remoteSubscribers: make(map[eventgroupKey]map[uint16]bool),
		fieldCache:        make(map[fieldKey][]byte),
	}
}

// invoked on own strand
func (t *subscriptionTable) addRemoteSubscriber(sub *routing.Subscribe) {
	ek := eventgroupKey{Service: sub.Service, Instance: sub.Instance, Eventgroup: sub.Eventgroup}
	clients, found := t.remoteSubscribers[ek]
	if !found {
		clients = make(map[uint16]bool)
		t.remoteSubscribers[ek] = clients
	}
	clients[sub.Client] = true
}

// invoked on own strand
func (t *subscriptionTable) removeRemoteSubscriber(service, instance, eventgroup, client uint16) {
	ek := eventgroupKey{Service: service, Instance: instance, Eventgroup: eventgroup}
	clients, found := t.remoteSubscribers[ek]
	if !found {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(t.remoteSubscribers, ek)
	}
}

// invoked on own strand. Drops client from every eventgroup it was
// counted against, called when RoutingInfo reports the client gone.
func (t *subscriptionTable) onClientGone(client uint16) {
	for ek, clients := range t.remoteSubscribers {
		if !clients[client] {
			continue
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(t.remoteSubscribers, ek)
		}
	}
}

// invoked on own strand
func (t *subscriptionTable) hasRemoteSubscribers(service, instance uint16) bool {
	for ek, clients := range t.remoteSubscribers {
		if ek.Service == service && ek.Instance == instance && len(clients) > 0 {
			return true
		}
	}
	return false
}

// Subscribe registers interest in a remote event. It sends immediately when
// registered and the target service/instance is already known; otherwise
// the entry waits in pendingOut for the matching routing-info update or the
// next registration-complete flush.
func (c *Client) Subscribe(service, instance, eventgroup uint16, major uint8, event uint16, filter *routing.DebounceFilter) {
	c.arb.Dispatch(func() {
		key := subKey{Service: service, Instance: instance, Eventgroup: eventgroup, Event: event}
		sub := routing.Subscribe{
			Service:    service,
			Instance:   instance,
			Eventgroup: eventgroup,
			Major:      major,
			Event:      event,
			Filter:     filter,
			PendingID:  routing.LocalPendingID,
			Client:     c.selfClient,
		}
		c.subs.pendingOut[key] = sub

		if c.state == StateRegistered {
			if _, known := c.localProviders[serviceKey{Service: service, Instance: instance}]; known {
				c.sendSubscribe(sub)
			}
		}
	})
}

func (c *Client) Unsubscribe(service, instance, eventgroup, event uint16) {
	c.arb.Dispatch(func() {
		key := subKey{Service: service, Instance: instance, Eventgroup: eventgroup, Event: event}
		delete(c.subs.pendingOut, key)
		delete(c.subs.confirmedOut, key)

		if c.state != StateRegistered {
			return
		}
		c.sender.SendCommand(&routing.Command{
			Kind: routing.KindUnsubscribe,
			Unsubscribe: &routing.Unsubscribe{
				Service:    service,
				Instance:   instance,
				Eventgroup: eventgroup,
				Event:      event,
				PendingID:  routing.LocalPendingID,
				Client:     c.selfClient,
			},
		})
	})
}

// invoked on own strand
func (c *Client) sendSubscribe(sub routing.Subscribe) {
	scoped := sub
	if err := c.sender.SendCommand(&routing.Command{Kind: routing.KindSubscribe, Subscribe: &scoped}); err != nil {
		log.Printf("%s: failed to send Subscribe: %s", c.logPrefix, err.Error())
	}
}

// invoked on own strand
func (t *subscriptionTable) flushPendingForService(c *Client, key serviceKey) {
	for sk, sub := range t.pendingOut {
		if sk.Service != key.Service || sk.Instance != key.Instance {
			continue
		}
		c.sendSubscribe(sub)
	}
}

// invoked on own strand, called from toRegistered
func (t *subscriptionTable) flushAllPending(c *Client) {
	for sk, sub := range t.pendingOut {
		if _, known := c.localProviders[serviceKey{Service: sk.Service, Instance: sk.Instance}]; known {
			c.sendSubscribe(sub)
		}
	}
}

// invoked on own strand
func (t *subscriptionTable) onAck(ack *routing.SubscribeAck) {
	key := subKey{Service: ack.Service, Instance: ack.Instance, Eventgroup: ack.Eventgroup, Event: ack.Event}
	t.confirmedOut[key] = true
}

// invoked on own strand
func (t *subscriptionTable) onNack(nack *routing.SubscribeNack) {
	key := subKey{Service: nack.Service, Instance: nack.Instance, Eventgroup: nack.Eventgroup, Event: nack.Event}
	delete(t.confirmedOut, key)
}

// invoked on own strand. Walks only the remote-subscriber counter table,
// issuing a real Unsubscribe per tracked (eventgroup, client) so the
// routing host stops forwarding to subscribers this process can no longer
// serve, then drops the table. Local subscription state in incomingSubs is
// untouched: a local peer's subscription survives a suspend/resume cycle.
func (t *subscriptionTable) suspendAll(c *Client) {
	for ek, clients := range t.remoteSubscribers {
		for client := range clients {
			c.sender.SendCommand(&routing.Command{
				Kind: routing.KindUnsubscribe,
				Unsubscribe: &routing.Unsubscribe{
					Service:    ek.Service,
					Instance:   ek.Instance,
					Eventgroup: ek.Eventgroup,
					PendingID:  routing.LocalPendingID,
					Client:     client,
				},
			})
		}
	}
	t.remoteSubscribers = make(map[eventgroupKey]map[uint16]bool)
}

// invoked on own strand
func (t *subscriptionTable) flushPendingIncoming(c *Client, client uint16) {
	pending := t.pendingIncoming[client]
	if len(pending) == 0 {
		return
	}
	delete(t.pendingIncoming, client)
	for _, sub := range pending {
		c.onSubscribeFromPeerOrHost(&sub)
	}
}

// invoked on own strand. Handles an inbound Subscribe naming an event this
// client provides, whether the original subscriber is a remote process
// (ordinary pending id) or a peer attached through our own local server
// (routing.LocalPendingID).
func (c *Client) onSubscribeFromPeerOrHost(sub *routing.Subscribe) {
	if sub.Client != c.selfClient && !c.knownClients[sub.Client] {
		c.subs.pendingIncoming[sub.Client] = append(c.subs.pendingIncoming[sub.Client], *sub)
		return
	}

	accepted := c.host.AcceptSubscribe(sub.Service, sub.Instance, sub.Eventgroup, sub.Client)
	if !accepted {
		c.sender.SendCommand(&routing.Command{
			Kind: routing.KindSubscribeNack,
			SubscribeNack: &routing.SubscribeNack{
				Service:    sub.Service,
				Instance:   sub.Instance,
				Eventgroup: sub.Eventgroup,
				Event:      sub.Event,
				PendingID:  sub.PendingID,
			},
		})
		return
	}

	if sub.PendingID != routing.LocalPendingID {
		c.subs.addRemoteSubscriber(sub)
	}

	ik := incomingKey{Client: sub.Client, Service: sub.Service, Instance: sub.Instance, Eventgroup: sub.Eventgroup}
	notified, found := c.subs.incomingSubs[ik]
	if !found {
		notified = make(map[uint16]bool)
		c.subs.incomingSubs[ik] = notified
	}

	if !notified[sub.Event] {
		notified[sub.Event] = true
		c.replayFieldValues(sub.Client, sub.Service, sub.Instance)
	}

	c.sender.SendCommand(&routing.Command{
		Kind: routing.KindSubscribeAck,
		SubscribeAck: &routing.SubscribeAck{
			Service:    sub.Service,
			Instance:   sub.Instance,
			Eventgroup: sub.Eventgroup,
			Event:      sub.Event,
			PendingID:  sub.PendingID,
		},
	})
}

// invoked on own strand. A remote subscriber is releasing a subscription
// against an event this client provides; only the remote-subscriber
// counter is adjusted, local subscription state is left alone.
func (c *Client) onUnsubscribeFromPeerOrHost(unsub *routing.Unsubscribe) {
	if unsub == nil {
		return
	}
	c.subs.removeRemoteSubscriber(unsub.Service, unsub.Instance, unsub.Eventgroup, unsub.Client)
}

// invoked on own strand. Replays every cached field value for
// (service,instance) to the newly accepted subscriber, generalized from the
// single-event replay the distilled behavior describes to all cached field
// values known for that service instance.
func (c *Client) replayFieldValues(client, service, instance uint16) {
	for fk, payload := range c.subs.fieldCache {
		if fk.Service != service || fk.Instance != instance {
			continue
		}
		c.sendNotifyOneTo(client, instance, fk.Event, payload, true)
	}
}

// NotifyEvent is called by the provider side to publish a new event value:
// it caches the value for field events (so late subscribers can be
// replayed), delivers to every locally connected subscriber unconditionally,
// and only forwards to the routing host when a remote subscriber is
// actually on record for (service, instance).
func (c *Client) NotifyEvent(service, instance, event uint16, payload []byte, reliable, isField bool) {
	c.arb.Dispatch(func() {
		if isField {
			c.subs.fieldCache[fieldKey{Service: service, Instance: instance, Event: event}] = payload
		}

		send := &routing.Send{Instance: instance, Reliable: reliable, SomeIP: payload}
		c.fanOutToLocalSubscribers(service, instance, send)

		if !c.subs.hasRemoteSubscribers(service, instance) {
			return
		}

		c.sender.SendCommand(&routing.Command{
			Kind: routing.KindNotify,
			Notify: &routing.Notify{
				Instance: instance,
				Reliable: reliable,
				SomeIP:   payload,
			},
		})
	})
}

// invoked on own strand
func (c *Client) sendNotifyOneTo(client, instance, event uint16, payload []byte, reliable bool) {
	c.sender.SendCommand(&routing.Command{
		Kind: routing.KindNotifyOne,
		NotifyOne: &routing.NotifyOne{
			Instance: instance,
			Reliable: reliable,
			Client:   client,
			SomeIP:   payload,
		},
	})
}
