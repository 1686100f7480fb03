// Package tpreassembly holds partial SOME/IP-TP segments per remote
// stream and emits a full SOME/IP message once the final segment arrives
// at the expected offset. Its strand and per-context idle timer follow
// the same arbiter.Arbiter[G] plus go-schedule TimerAsync/ReleaseGroupEvent
// pattern as train.Scheduler, except here the timer-group key doubles as
// the reassembly context key itself, since every concurrent stream needs
// its own independently cancelable eviction timer.
package tpreassembly

import (
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/arbiter"
	"github.com/skylinelabs/someip-routingcore/metrics"
	"github.com/skylinelabs/someip-routingcore/wire"
)

// Key identifies one reassembly context: a specific remote peer's
// (service, method, client, session) TP stream.
type Key struct {
	Remote  string
	Service uint16
	Method  uint16
	Client  uint16
	Session uint16
}

type reassemblyContext struct {
	header wire.Header // first segment's header, template for the completed message
	buf    []byte
}

// Metrics counts reassembler outcomes.
type Metrics struct {
	Completed  metrics.Counter
	Evicted    metrics.Counter
	OutOfOrder metrics.Counter
	Duplicate  metrics.Counter
}

func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"completed":    m.Completed.Load(),
		"evicted":      m.Evicted.Load(),
		"out_of_order": m.OutOfOrder.Load(),
		"duplicate":    m.Duplicate.Load(),
	}
}

// Reassembler tracks in-flight TP contexts on its own strand.
type Reassembler struct {
	arb *arbiter.Arbiter[Key]

	idleTimeout time.Duration
	contexts    map[Key]*reassemblyContext

	Metrics Metrics

	logPrefix string
}

func NewReassembler(eventChannelLength uint16, idleTimeout time.Duration, logPrefix string, logDebug bool) *Reassembler {
	logPrefix = logPrefix + ":tpreassembly"
	return &Reassembler{
		arb:         arbiter.NewArbiter[Key](eventChannelLength, logPrefix, logDebug),
		idleTimeout: idleTimeout,
		contexts:    make(map[Key]*reassemblyContext),
		logPrefix:   logPrefix,
	}
}

func (r *Reassembler) Shutdown() {
	r.arb.Shutdown()
}

// Accept admits one TP segment, blocking the calling goroutine until it
// has been processed on the reassembler's strand. The returned message is
// non-nil only when this segment completed its stream; out-of-order and
// duplicate segments are silently dropped, matching the discard-on-gap
// rule for TP contexts.
func (r *Reassembler) Accept(key Key, h wire.Header, offset uint32, more bool, payload []byte) (*wire.Message, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	type outcome struct {
		msg *wire.Message
	}
	resultCh := make(chan outcome, 1)

	err := r.arb.Dispatch(func() {
		msg := r.acceptOnStrand(key, h, offset, more, buf)
		resultCh <- outcome{msg}
	})
	if err != nil {
		return nil, err
	}

	res := <-resultCh
	return res.msg, nil
}

// invoked on arbiter goroutine
func (r *Reassembler) acceptOnStrand(key Key, h wire.Header, offset uint32, more bool, payload []byte) *wire.Message {
	ctx, found := r.contexts[key]

	switch {
	case !found && offset != 0:
		r.Metrics.OutOfOrder.Inc()
		return nil
	case !found:
		ctx = &reassemblyContext{header: h}
		r.contexts[key] = ctx
	case offset < uint32(len(ctx.buf)):
		r.Metrics.Duplicate.Inc()
		r.discard(key)
		return nil
	case offset != uint32(len(ctx.buf)):
		r.Metrics.OutOfOrder.Inc()
		r.discard(key)
		return nil
	}

	ctx.buf = append(ctx.buf, payload...)
	r.rearmIdleTimer(key)

	if more {
		return nil
	}

	delete(r.contexts, key)
	r.cancelIdleTimer(key)

	outHeader := ctx.header
	outHeader.MessageTypeRaw = wire.WithoutTPFlag(ctx.header.MessageTypeRaw)
	outHeader.Length = 8 + uint32(len(ctx.buf))

	r.Metrics.Completed.Inc()

	return &wire.Message{Header: outHeader, Payload: ctx.buf}
}

// invoked on arbiter goroutine
func (r *Reassembler) discard(key Key) {
	delete(r.contexts, key)
	r.cancelIdleTimer(key)
}

// invoked on arbiter goroutine
func (r *Reassembler) rearmIdleTimer(key Key) {
	r.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Key]{
			Group: key,
		},
	)

	r.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Key]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Key{key},
				r.idleTimeout,
				func() {
					// invoked on arbiter goroutine
					r.evictOnTimeout(key)
				},
				nil,
			),
		},
	)
}

// invoked on arbiter goroutine
func (r *Reassembler) cancelIdleTimer(key Key) {
	r.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Key]{
			Group: key,
		},
	)
}

// invoked on arbiter goroutine
func (r *Reassembler) evictOnTimeout(key Key) {
	if _, found := r.contexts[key]; !found {
		// context already completed or discarded before this timer fired
		return
	}
	delete(r.contexts, key)
	r.Metrics.Evicted.Inc()
}
