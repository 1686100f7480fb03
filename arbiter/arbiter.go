// Package arbiter provides the strand primitive used throughout this
// module: a single goroutine onto which state transitions, timers, and
// socket completions are serialized so that a component's internal state
// is never observed or mutated by two goroutines at once.
//
// The primitive itself is github.com/Meander-Cloud/go-arbiter's generic
// Arbiter[G], the externalized twin of the single-goroutine dispatch
// pattern built on top of go-schedule; this package is a thin alias over
// it rather than a reimplementation, so every component below picks its
// own small Group enum without depending on go-arbiter directly.
package arbiter

import (
	extarbiter "github.com/Meander-Cloud/go-arbiter/arbiter"
)

// Arbiter wraps go-arbiter's generic strand type. G is the timer-group key a
// caller uses to arm/cancel go-schedule TimerAsync events on the returned
// Scheduler. The installed go-arbiter version backs its event queue with an
// unbounded dynamic channel and an untyped Dispatch, so this wrapper exposes
// Dispatch with the error-returning shape every caller in this module
// expects; the underlying queue never rejects a post, so that error is
// always nil.
type Arbiter[G comparable] struct {
	*extarbiter.Arbiter[G]
}

// NewArbiter starts a new strand with its own scheduler goroutine.
func NewArbiter[G comparable](eventChannelLength uint16, logPrefix string, logDebug bool) *Arbiter[G] {
	return &Arbiter[G]{
		Arbiter: extarbiter.New[G](&extarbiter.Options[G]{
			LogPrefix: logPrefix,
			LogDebug:  logDebug,
		}),
	}
}

// Dispatch posts f onto the strand.
func (a *Arbiter[G]) Dispatch(f func()) error {
	a.Arbiter.Dispatch(f)
	return nil
}
