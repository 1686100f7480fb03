package routingclient

import (
	"log"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/routing"
)

// OfferService records an offering and sends it immediately if Registered,
// otherwise it is picked up by the next registration-complete flush or the
// debounce timer below.
func (c *Client) OfferService(service, instance uint16, major uint8, minor uint32, reliable bool) {
	c.arb.Dispatch(func() {
		key := serviceKey{Service: service, Instance: instance}
		offer := routing.OfferService{
			ServiceTuple: routing.ServiceTuple{Service: service, Instance: instance, Major: major, Minor: minor},
			Reliable:     reliable,
		}
		c.offered[key] = offer

		if c.state == StateRegistered {
			c.sendOffer(offer)
			return
		}
		c.queueOfferDebounce(offer)
	})
}

// StopOfferService withdraws a previously offered service.
func (c *Client) StopOfferService(service, instance uint16, major uint8, minor uint32) {
	c.arb.Dispatch(func() {
		key := serviceKey{Service: service, Instance: instance}
		delete(c.offered, key)

		if c.state != StateRegistered {
			return
		}
		c.sender.SendCommand(&routing.Command{
			Kind: routing.KindStopOfferService,
			StopOfferService: &routing.StopOfferService{
				ServiceTuple: routing.ServiceTuple{Service: service, Instance: instance, Major: major, Minor: minor},
			},
		})
	})
}

// RequestService increments the local requester count for (service,
// instance); the wire-level RequestService is only sent on the 0->1
// transition, so repeated local requesters for the same service collapse
// to a single wire-level request.
func (c *Client) RequestService(service, instance uint16, major uint8, minor uint32) {
	c.arb.Dispatch(func() {
		key := serviceKey{Service: service, Instance: instance}
		entry, found := c.requested[key]
		if !found {
			entry = &requestEntry{tuple: routing.ServiceTuple{Service: service, Instance: instance, Major: major, Minor: minor}}
			c.requested[key] = entry
		}
		entry.count++

		if entry.count != 1 {
			return
		}

		if c.state == StateRegistered {
			c.sendRequest(key, entry.tuple)
			return
		}
		c.queueRequestDebounce(key)
	})
}

// ReleaseService decrements the requester count; ReleaseService is sent to
// the routing host only once the last local requester releases.
func (c *Client) ReleaseService(service, instance uint16) {
	c.arb.Dispatch(func() {
		key := serviceKey{Service: service, Instance: instance}
		entry, found := c.requested[key]
		if !found {
			return
		}
		if entry.count > 0 {
			entry.count--
		}
		if entry.count > 0 {
			return
		}
		delete(c.requested, key)

		if c.state != StateRegistered {
			return
		}
		c.sender.SendCommand(&routing.Command{
			Kind:           routing.KindReleaseService,
			ReleaseService: &routing.ReleaseService{Service: service, Instance: instance},
		})
	})
}

// RegisterEvent records a provided or consumed event so it can be
// re-registered after reconnect.
func (c *Client) RegisterEvent(service, instance, event uint16, isField, isProvided bool) {
	c.arb.Dispatch(func() {
		key := eventKey{Service: service, Instance: instance, Event: event}
		reg := routing.RegisterEvents{
			ServiceTuple: routing.ServiceTuple{Service: service, Instance: instance},
			Event:        event,
			IsField:      isField,
			IsProvided:   isProvided,
		}
		c.events[key] = reg

		if c.state == StateRegistered {
			c.sender.SendCommand(&routing.Command{Kind: routing.KindRegisterEvents, RegisterEvents: &reg})
		}
	})
}

func (c *Client) UnregisterEvent(service, instance, event uint16) {
	c.arb.Dispatch(func() {
		delete(c.events, eventKey{Service: service, Instance: instance, Event: event})

		if c.state != StateRegistered {
			return
		}
		c.sender.SendCommand(&routing.Command{
			Kind:            routing.KindUnregisterEvent,
			UnregisterEvent: &routing.UnregisterEvent{Service: service, Instance: instance, Event: event},
		})
	})
}

// invoked on own strand
func (c *Client) sendOffer(offer routing.OfferService) {
	if err := c.sender.SendCommand(&routing.Command{Kind: routing.KindOfferService, OfferService: &offer}); err != nil {
		log.Printf("%s: failed to send OfferService: %s", c.logPrefix, err.Error())
	}
}

// invoked on own strand
func (c *Client) sendRequest(key serviceKey, tuple routing.ServiceTuple) {
	if err := c.sender.SendCommand(&routing.Command{Kind: routing.KindRequestService, RequestService: &routing.RequestService{ServiceTuple: tuple}}); err != nil {
		log.Printf("%s: failed to send RequestService: %s", c.logPrefix, err.Error())
	}
}

// invoked on own strand
func (c *Client) flushOffers() {
	for _, offer := range c.offered {
		c.sendOffer(offer)
	}
}

// invoked on own strand
func (c *Client) flushRequests() {
	for key, entry := range c.requested {
		c.sendRequest(key, entry.tuple)
	}
}

// invoked on own strand
func (c *Client) flushEvents() {
	for _, reg := range c.events {
		scoped := reg
		c.sender.SendCommand(&routing.Command{Kind: routing.KindRegisterEvents, RegisterEvents: &scoped})
	}
}

// invoked on own strand
func (c *Client) queueOfferDebounce(offer routing.OfferService) {
	c.offerDebounce = append(c.offerDebounce, offer)
	c.armOfferDebounce()
}

// invoked on own strand
func (c *Client) queueRequestDebounce(key serviceKey) {
	c.requestDebounce = append(c.requestDebounce, key)
	c.armRequestDebounce()
}

// invoked on own strand
func (c *Client) armOfferDebounce() {
	if c.offerArmed {
		return
	}
	c.offerArmed = true
	c.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupOfferDebounce},
				c.cfg.OfferRequestDebounce,
				func() {
					// invoked on own strand
					c.offerArmed = false
					c.fireOfferDebounce()
				},
				nil,
			),
		},
	)
}

// invoked on own strand
func (c *Client) fireOfferDebounce() {
	pending := c.offerDebounce
	c.offerDebounce = nil

	if c.state != StateRegistered {
		// still mid-handshake: keep for the next flush and re-arm
		c.offerDebounce = pending
		if len(pending) > 0 {
			c.armOfferDebounce()
		}
		return
	}

	for _, offer := range pending {
		c.sendOffer(offer)
	}
}

// invoked on own strand
func (c *Client) armRequestDebounce() {
	if c.requestArmed {
		return
	}
	c.requestArmed = true
	c.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupRequestDebounce},
				c.cfg.OfferRequestDebounce,
				func() {
					// invoked on own strand
					c.requestArmed = false
					c.fireRequestDebounce()
				},
				nil,
			),
		},
	)
}

// invoked on own strand
func (c *Client) fireRequestDebounce() {
	pending := c.requestDebounce
	c.requestDebounce = nil

	if c.state != StateRegistered {
		c.requestDebounce = pending
		if len(pending) > 0 {
			c.armRequestDebounce()
		}
		return
	}

	for _, key := range pending {
		entry, found := c.requested[key]
		if !found {
			continue
		}
		c.sendRequest(key, entry.tuple)
	}
}

// invoked on own strand
func (c *Client) onAddServiceInstance(entry routing.RoutingInfoEntry) {
	for _, tuple := range entry.Services {
		key := serviceKey{Service: tuple.Service, Instance: tuple.Instance}
		c.localProviders[key] = entry.Client

		c.subs.flushPendingForService(c, key)

		if entry.Client == c.selfClient {
			c.resendProvidedEvents(key)
		}
	}
}

// invoked on own strand
func (c *Client) onDeleteServiceInstance(entry routing.RoutingInfoEntry) {
	for _, tuple := range entry.Services {
		key := serviceKey{Service: tuple.Service, Instance: tuple.Instance}
		if c.localProviders[key] == entry.Client {
			delete(c.localProviders, key)
		}
	}
}

// invoked on own strand. Re-sends already-offered events for a service this
// client itself provides so a newly reattached routing host recovers
// cached field values without the provider reissuing OfferService.
func (c *Client) resendProvidedEvents(key serviceKey) {
	hasProvidedEvent := false
	for ek, reg := range c.events {
		if ek.Service == key.Service && ek.Instance == key.Instance && reg.IsProvided {
			hasProvidedEvent = true
			break
		}
	}
	if !hasProvidedEvent {
		return
	}

	c.sender.SendCommand(&routing.Command{
		Kind:                 routing.KindResendProvidedEvents,
		ResendProvidedEvents: &routing.ResendProvidedEvents{Client: c.selfClient},
	})
}
