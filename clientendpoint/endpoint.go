// Package clientendpoint implements the state machine, send queue, and
// reconnect/backoff policy shared by outbound client endpoints: the
// Closed/Connecting/Connected/Established lifecycle, a byte-budgeted send
// queue feeding a train.Scheduler, and the exponential reconnect backoff
// applied after repeated dial failures. Actual socket I/O for a single
// connect attempt is delegated to a Dialer so this core stays transport
// agnostic; wire framing for the commands it exchanges is routing.Command.
package clientendpoint

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/skylinelabs/someip-routingcore/arbiter"
	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/routing"
	"github.com/skylinelabs/someip-routingcore/train"
)

const writeDeadline = 3 * time.Second

// queueEntry is one send-queue slot: the already-framed bytes to write,
// plus the minimum gap to hold before draining the next entry. Ordinary
// commands and trains carry a zero separationTime; SOME/IP-TP segments
// carry their method's configured pacing.
type queueEntry struct {
	buf            []byte
	separationTime time.Duration
}

// Handler receives lifecycle and inbound command notifications. Every
// method runs on Core's own strand.
type Handler interface {
	OnEstablished()
	OnClosed(wasNotConnected bool)
	OnMaxReconnectsReached()
	OnCommand(cmd *routing.Command)
}

// Core is one outbound socket: its state machine, its send queue, and the
// train.Scheduler batching (service,method) traffic bound for it.
type Core struct {
	arb *arbiter.Arbiter[Group]

	cfg       *config.Config
	handler   Handler
	dialer    Dialer
	scheduler *train.Scheduler

	instance uint16
	reliable bool

	state          State
	conn           net.Conn
	connGeneration uint64
	stopping       bool
	wasNotConnected bool

	sendingBlocked atomic.Bool
	queueBytes     atomic.Uint32
	queue          []queueEntry

	consecutiveFailures uint32

	watchdogArmed  bool
	reconnectArmed bool

	logPrefix string
}

func NewCore(cfg *config.Config, instance uint16, reliable bool, handler Handler) *Core {
	logPrefix := fmt.Sprintf("%s:clientendpoint:%d", cfg.LogPrefix, instance)

	e := &Core{
		cfg:       cfg,
		handler:   handler,
		dialer:    NewDialer(cfg),
		instance:  instance,
		reliable:  reliable,
		state:     StateClosed,
		logPrefix: logPrefix,
	}
	e.arb = arbiter.NewArbiter[Group](cfg.EventChannelLength, logPrefix, cfg.LogDebug)
	e.scheduler = train.NewScheduler(cfg, e, e)
	return e
}

func (e *Core) Shutdown() {
	e.Stop()
	e.scheduler.Shutdown()
	e.arb.Shutdown()
}

// Connect starts (or restarts, after a prior Stop) the dial cycle.
func (e *Core) Connect() {
	e.arb.Dispatch(func() {
		if e.state != StateClosed {
			return
		}
		e.stopping = false
		e.sendingBlocked.Store(false)
		e.beginConnect()
	})
}

// Stop blocks sends, drains the queue, cancels all timers, and closes the
// active connection without attempting to reconnect.
func (e *Core) Stop() {
	done := make(chan struct{})
	err := e.arb.Dispatch(func() {
		defer close(done)
		e.stopping = true
		e.sendingBlocked.Store(true)
		e.purgeQueueLocked()
		e.cancelWatchdog()
		e.cancelReconnect()
		e.closeConnLocked()
		e.state = StateClosed
	})
	if err == nil {
		<-done
	}
}

// SendMessage admits a SOME/IP message into the train scheduler; it
// eventually reaches the wire wrapped in a routing.Send command.
func (e *Core) SendMessage(service, method uint16, someip []byte) error {
	return e.scheduler.Enqueue(service, method, someip)
}

// SendCommand writes cmd immediately, bypassing train batching. Used for
// control-plane commands (AssignClient, Ping, Subscribe, ...).
func (e *Core) SendCommand(cmd *routing.Command) error {
	wire, err := encodeCommand(routing.SenderApplication, cmd)
	if err != nil {
		return err
	}
	return e.arb.Dispatch(func() {
		e.pushQueue(wire, 0)
	})
}

// --- train.Gate ---

func (e *Core) Blocked() bool {
	return e.sendingBlocked.Load()
}

func (e *Core) WouldExceed(additional int) bool {
	return uint32(additional)+e.queueBytes.Load() > e.cfg.SendQueueByteLimit
}

// --- train.Sink ---

// DispatchTrain is invoked on the Scheduler's own strand; it hands off to
// Core's strand before touching any Core-owned state.
func (e *Core) DispatchTrain(buf []byte) error {
	return e.arb.Dispatch(func() {
		cmd := &routing.Command{
			Kind: routing.KindSend,
			Send: &routing.Send{
				Instance: e.instance,
				Reliable: e.reliable,
				SomeIP:   buf,
			},
		}
		wire, err := encodeCommand(routing.SenderApplication, cmd)
		if err != nil {
			log.Printf("%s: failed to encode train: %s", e.logPrefix, err.Error())
			return
		}
		e.pushQueue(wire, 0)
	})
}

// DispatchSegments is invoked on the Scheduler's own strand for SOME/IP-TP
// segments: each is queued with the method's configured separation time
// instead of going through ordinary train admission, so pacing between
// segments survives independently of any other passenger's debounce or
// retention timing.
func (e *Core) DispatchSegments(segments [][]byte, separationTime time.Duration) error {
	return e.arb.Dispatch(func() {
		for _, seg := range segments {
			cmd := &routing.Command{
				Kind: routing.KindSend,
				Send: &routing.Send{
					Instance: e.instance,
					Reliable: e.reliable,
					SomeIP:   seg,
				},
			}
			wire, err := encodeCommand(routing.SenderApplication, cmd)
			if err != nil {
				log.Printf("%s: failed to encode segment: %s", e.logPrefix, err.Error())
				continue
			}
			e.pushQueue(wire, separationTime)
		}
	})
}

func encodeCommand(sender routing.SenderID, cmd *routing.Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := routing.WriteCommand(&buf, sender, cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// invoked on arbiter goroutine
func (e *Core) pushQueue(wire []byte, separationTime time.Duration) {
	if e.sendingBlocked.Load() {
		return
	}
	e.queue = append(e.queue, queueEntry{buf: wire, separationTime: separationTime})
	e.queueBytes.Add(uint32(len(wire)))
	e.drainQueue()
}

// invoked on arbiter goroutine. Ordinary entries drain back-to-back;
// an entry carrying a separation time holds the strand for that long
// before the next entry goes out, pacing SOME/IP-TP segments the way
// their method configuration requires.
func (e *Core) drainQueue() {
	if e.state != StateEstablished {
		return
	}
	for len(e.queue) > 0 {
		head := e.queue[0]
		if err := e.writeConn(head.buf); err != nil {
			e.handleTransportError(err)
			return
		}
		e.queue = e.queue[1:]
		e.queueBytes.Add(^uint32(len(head.buf) - 1))
		if head.separationTime > 0 {
			time.Sleep(head.separationTime)
		}
	}
}

func (e *Core) writeConn(buf []byte) error {
	if e.conn == nil {
		return fmt.Errorf("clientendpoint: write with no active connection")
	}
	if err := e.conn.SetWriteDeadline(time.Now().UTC().Add(writeDeadline)); err != nil {
		return err
	}
	_, err := e.conn.Write(buf)
	return err
}

// invoked on arbiter goroutine
func (e *Core) purgeQueueLocked() {
	for _, entry := range e.queue {
		e.queueBytes.Add(^uint32(len(entry.buf) - 1))
	}
	e.queue = nil
}

// invoked on arbiter goroutine
func (e *Core) closeConnLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
		e.connGeneration++
	}
}

// invoked on arbiter goroutine
func (e *Core) handleTransportError(err error) {
	switch classifyError(err, e.stopping) {
	case errClassAborted:
		e.closeConnLocked()
		e.state = StateClosed
		e.handler.OnClosed(e.wasNotConnected)
	case errClassNoPermission:
		e.purgeQueueLocked()
		e.wasNotConnected = true
		e.closeConnLocked()
		e.state = StateClosed
		e.handler.OnClosed(e.wasNotConnected)
		e.toConnecting()
	default:
		e.wasNotConnected = true
		e.closeConnLocked()
		e.state = StateClosed
		e.handler.OnClosed(e.wasNotConnected)
		e.toConnecting()
	}
}

// invoked on arbiter goroutine
func (e *Core) toConnecting() {
	e.scheduleReconnect()
}

// invoked on arbiter goroutine
func (e *Core) beginConnect() {
	e.reconnectArmed = false
	e.state = StateConnecting
	e.connGeneration++
	gen := e.connGeneration

	e.armWatchdog()

	dialTimeout := time.Duration(e.cfg.TcpDialTimeout) * time.Second
	go e.connectAttempt(gen, dialTimeout)
}

func (e *Core) connectAttempt(generation uint64, timeout time.Duration) {
	conn, err := e.dialer.Dial(timeout)
	e.arb.Dispatch(func() {
		e.onDialResult(generation, conn, err)
	})
}

// invoked on arbiter goroutine
func (e *Core) onDialResult(generation uint64, conn net.Conn, err error) {
	if generation != e.connGeneration {
		if conn != nil {
			conn.Close()
		}
		return
	}

	e.cancelWatchdog()

	if err != nil {
		e.consecutiveFailures++

		if e.cfg.MaxReconnectAttempts > 0 && e.consecutiveFailures >= e.cfg.MaxReconnectAttempts {
			e.state = StateClosed
			e.handler.OnMaxReconnectsReached()
			return
		}

		e.scheduleReconnect()
		return
	}

	e.consecutiveFailures = 0
	e.conn = conn
	e.state = StateEstablished
	e.handler.OnEstablished()

	e.wasNotConnected = false
	e.drainQueue()

	go e.readLoop(generation, conn)
}

var allowedSenders = map[routing.SenderID]struct{}{
	routing.SenderRoutingHost: {},
}

func (e *Core) readLoop(generation uint64, conn net.Conn) {
	for {
		cmd, _, err := routing.ReadCommand(conn, allowedSenders)
		if err != nil {
			e.arb.Dispatch(func() {
				if generation != e.connGeneration {
					return
				}
				e.handleTransportError(err)
			})
			return
		}

		received := cmd
		e.arb.Dispatch(func() {
			if generation != e.connGeneration {
				return
			}
			e.handler.OnCommand(received)
		})
	}
}

// invoked on arbiter goroutine
func (e *Core) currentBackoff() time.Duration {
	wait := e.cfg.ReconnectInitialWindow
	if e.consecutiveFailures <= e.cfg.ReconnectBackoffAfter {
		return wait
	}

	doublings := e.consecutiveFailures - e.cfg.ReconnectBackoffAfter
	for i := uint32(0); i < doublings; i++ {
		wait *= 2
		if wait >= e.cfg.ReconnectMaxWindow {
			return e.cfg.ReconnectMaxWindow
		}
	}
	return wait
}

// invoked on arbiter goroutine
func (e *Core) scheduleReconnect() {
	wait := e.currentBackoff()

	e.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupReconnect},
				wait,
				func() {
					// invoked on arbiter goroutine
					e.reconnectArmed = false
					e.beginConnect()
				},
				nil,
			),
		},
	)
	e.reconnectArmed = true
}

// invoked on arbiter goroutine
func (e *Core) cancelReconnect() {
	if !e.reconnectArmed {
		return
	}
	e.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: GroupReconnect,
		},
	)
	e.reconnectArmed = false
}

// invoked on arbiter goroutine
func (e *Core) armWatchdog() {
	e.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{GroupConnectWatchdog},
				e.cfg.ConnectWatchdog,
				func() {
					// invoked on arbiter goroutine
					e.watchdogArmed = false
					e.onDialResult(e.connGeneration, nil, fmt.Errorf("clientendpoint: connect watchdog expired"))
				},
				nil,
			),
		},
	)
	e.watchdogArmed = true
}

// invoked on arbiter goroutine
func (e *Core) cancelWatchdog() {
	if !e.watchdogArmed {
		return
	}
	e.arb.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: GroupConnectWatchdog,
		},
	)
	e.watchdogArmed = false
}
