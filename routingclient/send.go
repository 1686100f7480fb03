package routingclient

import (
	"log"

	"github.com/skylinelabs/someip-routingcore/routing"
	"github.com/skylinelabs/someip-routingcore/wire"
)

// SendLocal is called by the peer server when a connected local peer
// transmits a SOME/IP message; fromClient is the peer's own registered
// client id, checked against Host.SecurityAllows before the message is
// dispatched.
func (c *Client) SendLocal(fromClient uint16, someip []byte, instance uint16, reliable bool) {
	scoped := append([]byte(nil), someip...)
	c.arb.Dispatch(func() {
		if !c.host.SecurityAllows(fromClient) {
			log.Printf("%s: security denied send from client=%d", c.logPrefix, fromClient)
			return
		}
		c.dispatchSend(scoped, instance, reliable)
	})
}

// invoked on own strand. Received from the routing host: an embedded
// SOME/IP message this client must route to a local peer or the host.
func (c *Client) onSend(send *routing.Send) {
	if send == nil {
		return
	}
	c.dispatchSend(send.SomeIP, send.Instance, send.Reliable)
}

// invoked on own strand. Request routes to the known local provider or
// falls back to the routing host; Response/Error routes to the client id
// embedded in the header.
func (c *Client) dispatchSend(someip []byte, instance uint16, reliable bool) {
	h, err := wire.DecodeHeader(someip)
	if err != nil {
		log.Printf("%s: dropping malformed someip for send: %s", c.logPrefix, err.Error())
		return
	}

	mt := h.MessageType()
	switch mt {
	case wire.MTRequest, wire.MTRequestNoReturn:
		c.dispatchRequest(h, someip, instance, reliable)
	case wire.MTResponse, wire.MTError:
		c.dispatchToClient(h.Client, h, someip, instance, reliable)
	default:
		// notifications travel over Notify/NotifyOne, not Send
		log.Printf("%s: unexpected message type=%s in Send dispatch", c.logPrefix, mt)
	}
}

// invoked on own strand
func (c *Client) dispatchRequest(h wire.Header, someip []byte, instance uint16, reliable bool) {
	key := serviceKey{Service: h.Service, Instance: instance}
	provider, found := c.localProviders[key]
	if !found {
		c.forwardToSender(h, someip, instance, reliable)
		return
	}
	c.dispatchToClient(provider, h, someip, instance, reliable)
}

// invoked on own strand
func (c *Client) dispatchToClient(client uint16, h wire.Header, someip []byte, instance uint16, reliable bool) {
	if !c.host.SecurityAllows(client) {
		log.Printf("%s: security denied dispatch to client=%d", c.logPrefix, client)
		return
	}

	send := &routing.Send{Instance: instance, Reliable: reliable, SomeIP: someip}

	if client == c.selfClient {
		c.host.DeliverLocal(client, &wire.Message{Header: h, Payload: payloadOf(h, someip)})
		return
	}

	if c.peers.writeToPeer(client, send) {
		return
	}

	c.forwardToSender(h, someip, instance, reliable)
}

// invoked on own strand
func (c *Client) forwardToSender(h wire.Header, someip []byte, instance uint16, reliable bool) {
	err := c.sender.SendCommand(&routing.Command{
		Kind: routing.KindSend,
		Send: &routing.Send{Instance: instance, Reliable: reliable, SomeIP: someip},
	})
	if err != nil {
		log.Printf("%s: failed to forward send to routing host: %s", c.logPrefix, err.Error())
	}
}

func payloadOf(h wire.Header, someip []byte) []byte {
	if len(someip) <= wire.HeaderSize {
		return nil
	}
	return someip[wire.HeaderSize:]
}

// invoked on own strand. Delivers send to every locally connected peer on
// record as subscribed to (service, instance), returning true if at least
// one accepted it. Shared by inbound Notify handling and the provider-side
// NotifyEvent path so both fan out to local subscribers the same way.
func (c *Client) fanOutToLocalSubscribers(service, instance uint16, send *routing.Send) bool {
	delivered := false
	for ik := range c.subs.incomingSubs {
		if ik.Service != service || ik.Instance != instance {
			continue
		}
		if ik.Client == c.selfClient {
			continue
		}
		if c.peers.writeToPeer(ik.Client, send) {
			delivered = true
		}
	}
	return delivered
}

// invoked on own strand. A Notify from the routing host means some remote
// provider published an event this client (or a connected local peer)
// subscribes to; fan it out to every local peer known to be subscribed,
// falling back to the host for any event this process consumes directly.
func (c *Client) onNotify(notify *routing.Notify) {
	if notify == nil {
		return
	}
	h, err := wire.DecodeHeader(notify.SomeIP)
	if err != nil {
		log.Printf("%s: dropping malformed notify: %s", c.logPrefix, err.Error())
		return
	}

	send := &routing.Send{Instance: notify.Instance, Reliable: notify.Reliable, SomeIP: notify.SomeIP}
	if !c.fanOutToLocalSubscribers(h.Service, notify.Instance, send) {
		c.host.DeliverLocal(c.selfClient, &wire.Message{Header: h, Payload: payloadOf(h, notify.SomeIP)})
	}
}

// invoked on own strand. NotifyOne from the routing host targets exactly
// one subscriber; deliver locally if it is a connected peer, else hand to
// the host.
func (c *Client) onNotifyOneFromHost(one *routing.NotifyOne) {
	if one == nil {
		return
	}
	h, err := wire.DecodeHeader(one.SomeIP)
	if err != nil {
		log.Printf("%s: dropping malformed notifyone: %s", c.logPrefix, err.Error())
		return
	}

	send := &routing.Send{Instance: one.Instance, Reliable: one.Reliable, SomeIP: one.SomeIP}
	if one.Client != c.selfClient && c.peers.writeToPeer(one.Client, send) {
		return
	}

	c.host.DeliverLocal(one.Client, &wire.Message{Header: h, Payload: payloadOf(h, one.SomeIP)})
}
