// Package metrics provides small atomic counters used across components
// to track completion, drop, and error rates. It intentionally stays
// inside the standard library: every counter here is read by local log
// lines, not scraped by an external collector, so wiring a full metrics
// client buys nothing.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing count safe for concurrent use
// from multiple arbiter strands.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc() {
	c.v.Add(1)
}

func (c *Counter) Add(n int64) {
	c.v.Add(n)
}

func (c *Counter) Load() int64 {
	return c.v.Load()
}
