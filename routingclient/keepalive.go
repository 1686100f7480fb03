package routingclient

import (
	"log"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/routing"
)

// invoked on own strand. Arms the periodic probe, then leaves the actual
// send to the timer callback, so a future cross-strand lock around the
// send path never has to be held across the re-arm itself.
func (c *Client) armKeepalive() {
	c.keepaliveArmed = true
	c.keepaliveAwaitingPong = false
	c.scheduleKeepaliveProbe()
}

func (c *Client) scheduleKeepaliveProbe() {
	c.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupKeepalive},
				c.cfg.KeepaliveInterval,
				func() {
					// invoked on own strand
					c.onKeepaliveTick()
				},
				nil,
			),
		},
	)
}

// invoked on own strand
func (c *Client) onKeepaliveTick() {
	if !c.keepaliveArmed {
		return
	}

	if c.keepaliveAwaitingPong {
		log.Printf("%s: keepalive pong not received, declaring routing host unreachable", c.logPrefix)
		c.cancelKeepalive()
		c.toDeregistered()
		c.sender.Stop()
		c.sender.Connect()
		return
	}

	c.keepaliveAwaitingPong = true
	err := c.sender.SendCommand(&routing.Command{Kind: routing.KindPing, Ping: &routing.Ping{}})
	if err != nil {
		log.Printf("%s: failed to send Ping: %s", c.logPrefix, err.Error())
	}
	c.scheduleKeepaliveProbe()
}

// invoked on own strand
func (c *Client) onPong() {
	c.keepaliveAwaitingPong = false
}

// invoked on own strand
func (c *Client) cancelKeepalive() {
	if !c.keepaliveArmed {
		return
	}
	c.keepaliveArmed = false
	c.keepaliveAwaitingPong = false
	c.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{Group: GroupKeepalive},
	)
}
