// Package train batches outgoing messages into "trains" under
// per-(service,method) debounce and max-retention timing before handing
// bytes to a transport. The admission algorithm and its single dispatch
// timer run on one arbiter strand per Scheduler, so state is never
// touched by more than one goroutine at a time.
package train

import (
	"container/heap"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/arbiter"
	"github.com/skylinelabs/someip-routingcore/config"
)

var (
	ErrQueueFull = fmt.Errorf("train: queue full")
	ErrTooLarge  = fmt.Errorf("train: message too large")
)

// infiniteDuration seeds a fresh train's minimal debounce/retention before
// any passenger has contributed a real value, so the first passenger's own
// debounce and retention become the train's minima.
const infiniteDuration = time.Duration(math.MaxInt64)

// Gate reports whether the underlying transport can currently accept more
// bytes. A Scheduler consults it before admitting a message.
type Gate interface {
	Blocked() bool
	WouldExceed(additional int) bool
}

// Sink hands a departed train's buffer to its transport, or a run of
// SOME/IP-TP segments that must reach the wire spaced by separationTime
// rather than merged into train admission.
type Sink interface {
	DispatchTrain(buf []byte) error
	DispatchSegments(segments [][]byte, separationTime time.Duration) error
}

// train is one outbound batch: an ordered byte buffer plus the set of
// (service, method) passengers already riding it, a departure deadline,
// and the minimum debounce/retention over its passengers so far.
type train struct {
	seq        uint64
	buf        []byte
	passengers map[config.MethodKey]struct{}
	departure  time.Time

	minimalDebounce     time.Duration
	minimalMaxRetention time.Duration
}

type heapEntry struct {
	departure time.Time
	seq       uint64
	t         *train
}

// trainHeap orders departed-but-not-yet-sent trains by departure time,
// breaking ties on admission order.
type trainHeap []*heapEntry

func (h trainHeap) Len() int { return len(h) }
func (h trainHeap) Less(i, j int) bool {
	if h[i].departure.Equal(h[j].departure) {
		return h[i].seq < h[j].seq
	}
	return h[i].departure.Before(h[j].departure)
}
func (h trainHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *trainHeap) Push(x any) {
	*h = append(*h, x.(*heapEntry))
}
func (h *trainHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Scheduler owns a single in-flight "current" train plus a heap of
// trains that have departed admission but not yet been handed to sink.
// All fields below are touched only on the arbiter strand.
type Scheduler struct {
	arb *arbiter.Arbiter[Group]

	methodConfig   func(service, method uint16) config.MethodConfig
	maxMessageSize uint32
	gate           Gate
	sink           Sink

	nextSeq uint64
	current *train
	trains  trainHeap

	hasLastDeparture bool
	lastDeparture    time.Time

	timerArmed bool

	logPrefix string
}

func NewScheduler(cfg *config.Config, gate Gate, sink Sink) *Scheduler {
	logPrefix := cfg.LogPrefix + ":train"
	return &Scheduler{
		arb:            arbiter.NewArbiter[Group](cfg.EventChannelLength, logPrefix, cfg.LogDebug),
		methodConfig:   cfg.MethodConfigFor,
		maxMessageSize: cfg.MaxMessageSize,
		gate:           gate,
		sink:           sink,
		logPrefix:      logPrefix,
	}
}

func (s *Scheduler) Shutdown() {
	s.arb.Shutdown()
}

// Enqueue admits data, the wire-encoded form of a (service, method)
// message, into the current train. If data exceeds the configured max
// message size, it is split into SOME/IP-TP segments and handed directly
// to the sink spaced by the method's separation time, bypassing train
// admission entirely so segment pacing never competes with an unrelated
// passenger's debounce/retention timing; if TP is not enabled for this
// method, ErrTooLarge is returned instead.
func (s *Scheduler) Enqueue(service, method uint16, data []byte) error {
	mc := s.methodConfig(service, method)

	if uint32(len(data)) > s.maxMessageSize {
		if !mc.TPEnabled {
			return ErrTooLarge
		}
		segments, err := segmentMessage(data, mc.MaxSegmentLength)
		if err != nil {
			return err
		}

		resultCh := make(chan error, 1)
		err = s.arb.Dispatch(func() {
			resultCh <- s.admitSegmentsOnStrand(segments, mc.SeparationTime)
		})
		if err != nil {
			return err
		}
		return <-resultCh
	}

	resultCh := make(chan error, 1)
	err := s.arb.Dispatch(func() {
		resultCh <- s.admitOnStrand(config.MethodKey{Service: service, Method: method}, data, mc)
	})
	if err != nil {
		return err
	}
	return <-resultCh
}

// invoked on arbiter goroutine
func (s *Scheduler) admitOnStrand(key config.MethodKey, data []byte, mc config.MethodConfig) error {
	if s.gate != nil && (s.gate.Blocked() || s.gate.WouldExceed(len(data))) {
		return ErrQueueFull
	}

	s.cancelTimer()

	now := time.Now().UTC()
	s.admitOne(key, data, mc.MinimalDebounceTime, mc.MinimalMaxRetentionTime, now)
	s.rearmTimer(now)

	return nil
}

// invoked on arbiter goroutine. Flushes whatever train is currently
// admitting (so segments never share a buffer with an unrelated
// passenger), then hands the segments straight to the sink.
func (s *Scheduler) admitSegmentsOnStrand(segments [][]byte, separationTime time.Duration) error {
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	if s.gate != nil && (s.gate.Blocked() || s.gate.WouldExceed(total)) {
		return ErrQueueFull
	}

	if s.current != nil && len(s.current.passengers) > 0 {
		s.cancelTimer()
		t := s.current
		s.current = nil
		s.fire(t, time.Now().UTC())
		s.rearmTimer(time.Now().UTC())
	}

	return s.sink.DispatchSegments(segments, separationTime)
}

// invoked on arbiter goroutine
func (s *Scheduler) admitOne(key config.MethodKey, data []byte, debounce, retention time.Duration, now time.Time) {
	if s.current == nil {
		s.current = s.newTrain()
	}
	t := s.current

	var mustDepart bool
	switch {
	case len(t.passengers) == 0:
		t.departure = now.Add(retention)
		mustDepart = s.timingFeasible(t, debounce, retention, now)
	case hasPassenger(t, key):
		mustDepart = true
	case len(t.buf)+len(data) > int(s.maxMessageSize):
		mustDepart = true
	default:
		mustDepart = s.timingFeasible(t, debounce, retention, now)
	}

	if mustDepart {
		if now.Before(t.departure) {
			t.departure = now
		}
		s.scheduleDispatch(t)

		t = s.newTrain()
		t.departure = now.Add(retention)
		s.current = t
	}

	t.buf = append(t.buf, data...)
	t.passengers[key] = struct{}{}
	if debounce < t.minimalDebounce {
		t.minimalDebounce = debounce
	}
	if retention < t.minimalMaxRetention {
		t.minimalMaxRetention = retention
	}
}

func hasPassenger(t *train, key config.MethodKey) bool {
	_, found := t.passengers[key]
	return found
}

// timingFeasible applies the ordered timing-feasibility checks against t,
// advancing its departure in place when a tighter retention allows it.
// Returns true if the passenger cannot ride t. On an empty train the
// retention-vs-infiniteDuration check always returns true; admitOne then
// drops that empty train and seats the passenger on a fresh one with the
// same departure.
func (s *Scheduler) timingFeasible(t *train, debounce, retention time.Duration, now time.Time) bool {
	if debounce > t.minimalMaxRetention {
		return true
	}
	if now.Add(debounce).After(t.departure) {
		return true
	}
	if retention < t.minimalDebounce {
		return true
	}
	if now.Add(retention).Before(t.departure) {
		t.departure = now.Add(retention)
	}
	return false
}

func (s *Scheduler) newTrain() *train {
	s.nextSeq++
	return &train{
		seq:                 s.nextSeq,
		passengers:          make(map[config.MethodKey]struct{}),
		minimalDebounce:     infiniteDuration,
		minimalMaxRetention: infiniteDuration,
	}
}

// scheduleDispatch moves t out of the "current" slot and into the
// departure-ordered heap, raising its departure if the last actual
// transmission was recent enough that t.minimal_debounce has not yet
// elapsed.
func (s *Scheduler) scheduleDispatch(t *train) {
	if len(t.passengers) == 0 {
		// never admitted a passenger, nothing to send
		return
	}

	if s.hasLastDeparture {
		adjusted := s.lastDeparture.Add(t.minimalDebounce)
		if adjusted.After(t.departure) {
			t.departure = adjusted
		}
	}

	heap.Push(&s.trains, &heapEntry{departure: t.departure, seq: t.seq, t: t})
}

func (s *Scheduler) earliestDeparture() (time.Time, bool) {
	var earliest time.Time
	found := false

	if s.current != nil && len(s.current.passengers) > 0 {
		earliest = s.current.departure
		found = true
	}
	if len(s.trains) > 0 && (!found || s.trains[0].departure.Before(earliest)) {
		earliest = s.trains[0].departure
		found = true
	}

	return earliest, found
}

// invoked on arbiter goroutine
func (s *Scheduler) cancelTimer() {
	if !s.timerArmed {
		return
	}

	s.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: GroupDispatch,
		},
	)
	s.timerArmed = false
}

// invoked on arbiter goroutine
func (s *Scheduler) rearmTimer(now time.Time) {
	earliest, found := s.earliestDeparture()
	if !found {
		return
	}

	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}

	s.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupDispatch},
				wait,
				func() {
					// invoked on arbiter goroutine
					s.timerArmed = false
					s.onDispatchTimer()
				},
				nil,
			),
		},
	)
	s.timerArmed = true
}

// invoked on arbiter goroutine
func (s *Scheduler) onDispatchTimer() {
	now := time.Now().UTC()

	for {
		if len(s.trains) > 0 && !s.trains[0].departure.After(now) {
			entry := heap.Pop(&s.trains).(*heapEntry)
			s.fire(entry.t, now)
			continue
		}
		if s.current != nil && len(s.current.passengers) > 0 && !s.current.departure.After(now) {
			t := s.current
			s.current = nil
			s.fire(t, now)
			continue
		}
		break
	}

	s.rearmTimer(now)
}

// invoked on arbiter goroutine
func (s *Scheduler) fire(t *train, now time.Time) {
	s.lastDeparture = now
	s.hasLastDeparture = true

	if err := s.sink.DispatchTrain(t.buf); err != nil {
		log.Printf("%s: failed to dispatch train: %s", s.logPrefix, err.Error())
	}
}
