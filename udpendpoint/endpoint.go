// Package udpendpoint implements the connection-less SOME/IP transport: a
// unicast socket and an optional multicast socket multiplexed behind one
// logical endpoint, per-target send queues with TP separation timing,
// inbound datagram validation, SOME/IP-TP hand-off to a tpreassembly
// reassembler, client tracking for routing local responses, and a
// two-phase asynchronous shutdown. Its strand follows the same
// arbiter.Arbiter[G] discipline as train.Scheduler, keyed here by
// destination address so each target gets its own cancelable separation
// timer.
package udpendpoint

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/skylinelabs/someip-routingcore/arbiter"
	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/metrics"
	"github.com/skylinelabs/someip-routingcore/tpreassembly"
	"github.com/skylinelabs/someip-routingcore/wire"
)

// Handler receives messages and error notifications from the endpoint.
// Every method runs on the endpoint's own strand.
type Handler interface {
	OnMessage(remote string, msg *wire.Message)
	OnMalformed(remote string, reason wire.ValidationError)
	OnOwnMulticast(remote string, msg *wire.Message)
}

// Metrics counts endpoint-level inbound/outbound outcomes.
type Metrics struct {
	Malformed     metrics.Counter
	TPDropped     metrics.Counter
	SDGuardDrop   metrics.Counter
	OutOfSubnet   metrics.Counter
	QueueOverflow metrics.Counter
}

func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"malformed":      m.Malformed.Load(),
		"tp_dropped":     m.TPDropped.Load(),
		"sd_guard_drop":  m.SDGuardDrop.Load(),
		"out_of_subnet":  m.OutOfSubnet.Load(),
		"queue_overflow": m.QueueOverflow.Load(),
	}
}

type clientTrackKey struct {
	Service uint16
	Method  uint16
	Client  uint16
}

// Endpoint multiplexes one unicast and one optional multicast socket.
type Endpoint struct {
	arb *arbiter.Arbiter[targetKey]

	cfg         *config.Config
	handler     Handler
	reassembler *tpreassembly.Reassembler

	socketGeneration uint64

	unicastConn *net.UDPConn
	localAddr   *net.UDPAddr
	localNet    *net.IPNet

	multicastConn      *net.UDPConn
	multicastTransport multicastTransport
	joinedGroups       map[string]*joinedGroup

	targets map[targetKey]*targetQueue

	clients map[clientTrackKey]map[uint16]string

	stopRequested    bool
	restartRequested bool
	unicastDone      bool
	multicastDone    bool
	phase            shutdownPhase

	Metrics Metrics

	logPrefix string
}

func NewEndpoint(cfg *config.Config, handler Handler, reassembler *tpreassembly.Reassembler) *Endpoint {
	logPrefix := cfg.LogPrefix + ":udpendpoint"
	return &Endpoint{
		arb:         arbiter.NewArbiter[targetKey](cfg.EventChannelLength, logPrefix, cfg.LogDebug),
		cfg:         cfg,
		handler:     handler,
		reassembler: reassembler,
		targets:     make(map[targetKey]*targetQueue),
		clients:     make(map[clientTrackKey]map[uint16]string),
		phase:       phaseIdle,
		logPrefix:   logPrefix,
	}
}

func (e *Endpoint) Shutdown() {
	e.Stop(false)
	e.arb.Shutdown()
}

// Init opens the unicast socket (and multicast socket, if configured) and
// begins receiving.
func (e *Endpoint) Init() error {
	return e.runSync(e.initLocked)
}

// Stop cancels both sockets; restart re-runs Init once both cancels
// complete.
func (e *Endpoint) Stop(restart bool) {
	done := make(chan struct{})
	err := e.arb.Dispatch(func() {
		defer close(done)
		e.restartRequested = restart
		e.stopRequested = true
		e.phase = phaseWaitingFirstCancel
		e.cancelSocketsLocked()
	})
	if err == nil {
		<-done
	}
}

func (e *Endpoint) runSync(f func() error) error {
	resultCh := make(chan error, 1)
	err := e.arb.Dispatch(func() {
		resultCh <- f()
	})
	if err != nil {
		return err
	}
	return <-resultCh
}

// invoked on arbiter goroutine
func (e *Endpoint) initLocked() error {
	e.socketGeneration++
	gen := e.socketGeneration

	addr, err := net.ResolveUDPAddr("udp", e.cfg.UnicastAddress)
	if err != nil {
		return fmt.Errorf("udpendpoint: resolve unicast address: %w", err)
	}

	pc, err := listenConfig.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return fmt.Errorf("udpendpoint: listen unicast: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("udpendpoint: unexpected packet conn type %T", pc)
	}

	if e.cfg.UnicastDevice != "" {
		if err := bindToDevice(conn, e.cfg.UnicastDevice); err != nil {
			log.Printf("%s: failed to bind unicast socket to device %s: %s", e.logPrefix, e.cfg.UnicastDevice, err.Error())
		}
	}
	setReceiveBuffer(conn, e.cfg.ReceiveBufferSize)

	e.unicastConn = conn
	e.localAddr = conn.LocalAddr().(*net.UDPAddr)
	e.localNet = localNetwork(e.localAddr.IP)

	if err := setOutboundMulticastInterface(conn, e.localAddr); err != nil {
		log.Printf("%s: failed to set outbound multicast interface: %s", e.logPrefix, err.Error())
	}

	e.unicastDone = false
	e.multicastDone = true

	if len(e.cfg.MulticastGroups) > 0 {
		if err := e.initMulticastLocked(); err != nil {
			log.Printf("%s: failed to init multicast: %s", e.logPrefix, err.Error())
		} else {
			e.multicastDone = false
		}
	}

	go e.unicastReadLoop(gen, conn)
	if e.multicastConn != nil {
		go e.multicastReadLoop(gen)
	}

	return nil
}

func setOutboundMulticastInterface(conn *net.UDPConn, local *net.UDPAddr) error {
	ifi := interfaceForAddr(local.IP)
	if ifi == nil {
		return nil
	}
	if local.IP.To4() != nil {
		return ipv4.NewPacketConn(conn).SetMulticastInterface(ifi)
	}
	return ipv6.NewPacketConn(conn).SetMulticastInterface(ifi)
}

func interfaceForAddr(ip net.IP) *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.Equal(ip) {
				return &ifaces[i]
			}
		}
	}
	return nil
}

// invoked on arbiter goroutine
func (e *Endpoint) initMulticastLocked() error {
	first, err := net.ResolveUDPAddr("udp", net.JoinHostPort(e.cfg.MulticastGroups[0], portString(e.localAddr.Port)))
	if err != nil {
		return fmt.Errorf("udpendpoint: resolve multicast group: %w", err)
	}
	isV6 := first.IP.To4() == nil

	bindAddr := "0.0.0.0"
	if isV6 {
		bindAddr = "::"
	}

	pc, err := listenConfig.ListenPacket(context.Background(), "udp", net.JoinHostPort(bindAddr, portString(e.localAddr.Port)))
	if err != nil {
		return fmt.Errorf("udpendpoint: listen multicast: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("udpendpoint: unexpected multicast packet conn type %T", pc)
	}
	setReceiveBuffer(conn, e.cfg.ReceiveBufferSize)

	var ifi *net.Interface
	if e.cfg.MulticastDevice != "" {
		if found, err := net.InterfaceByName(e.cfg.MulticastDevice); err == nil {
			ifi = found
		}
	}

	var transport multicastTransport
	if isV6 {
		transport = &v6Transport{pc: ipv6.NewPacketConn(conn)}
	} else {
		transport = &v4Transport{pc: ipv4.NewPacketConn(conn)}
	}
	if err := transport.SetControlMessage(); err != nil {
		log.Printf("%s: failed to enable multicast control messages: %s", e.logPrefix, err.Error())
	}

	e.multicastConn = conn
	e.multicastTransport = transport
	e.joinedGroups = make(map[string]*joinedGroup)

	for _, group := range e.cfg.MulticastGroups {
		groupAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(group, portString(e.localAddr.Port)))
		if err != nil {
			log.Printf("%s: bad multicast group %s: %s", e.logPrefix, group, err.Error())
			continue
		}
		if err := transport.JoinGroup(ifi, groupAddr); err != nil {
			log.Printf("%s: failed to join multicast group %s: %s", e.logPrefix, group, err.Error())
			continue
		}
		e.joinedGroups[groupAddr.IP.String()] = &joinedGroup{addr: groupAddr}
	}

	return nil
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

func (e *Endpoint) unicastReadLoop(generation uint64, conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			e.arb.Dispatch(func() {
				if generation != e.socketGeneration {
					return
				}
				e.onUnicastCanceled()
			})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		e.arb.Dispatch(func() {
			if generation != e.socketGeneration {
				return
			}
			e.handleInbound(remote, data, false)
		})
	}
}

func (e *Endpoint) multicastReadLoop(generation uint64) {
	buf := make([]byte, 65536)
	for {
		n, src, dst, err := e.multicastTransport.ReadFrom(buf)
		if err != nil {
			e.arb.Dispatch(func() {
				if generation != e.socketGeneration {
					return
				}
				e.onMulticastCanceled()
			})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		srcAddr, _ := src.(*net.UDPAddr)
		dstAddr, _ := dst.(*net.UDPAddr)

		e.arb.Dispatch(func() {
			if generation != e.socketGeneration {
				return
			}
			e.markGroupReceived(dstAddr)
			e.handleInbound(srcAddr, data, true)
		})
	}
}

// invoked on arbiter goroutine
func (e *Endpoint) markGroupReceived(dst *net.UDPAddr) {
	if dst == nil {
		return
	}
	if g, found := e.joinedGroups[dst.IP.String()]; found {
		g.hasReceived = true
	}
}

// invoked on arbiter goroutine
func (e *Endpoint) onUnicastCanceled() {
	e.unicastConn = nil
	e.unicastDone = true
	e.advanceShutdown()
}

// invoked on arbiter goroutine
func (e *Endpoint) onMulticastCanceled() {
	e.multicastConn = nil
	e.multicastTransport = nil
	e.multicastDone = true
	e.advanceShutdown()
}

// invoked on arbiter goroutine
func (e *Endpoint) cancelSocketsLocked() {
	if e.unicastConn != nil {
		e.unicastConn.Close()
	} else {
		e.unicastDone = true
	}
	if e.multicastConn != nil {
		e.multicastConn.Close()
	} else {
		e.multicastDone = true
	}
	e.advanceShutdown()
}

// invoked on arbiter goroutine
func (e *Endpoint) advanceShutdown() {
	if !e.stopRequested {
		return
	}

	if e.unicastDone && e.multicastDone {
		e.shutdownAndCloseLocked()
		return
	}

	if e.unicastDone {
		e.phase = phaseWaitingMulticastCancel
	} else if e.multicastDone {
		e.phase = phaseWaitingUnicastCancel
	}
}

// invoked on arbiter goroutine
func (e *Endpoint) shutdownAndCloseLocked() {
	e.phase = phaseIdle
	e.stopRequested = false
	e.targets = make(map[targetKey]*targetQueue)

	if !e.restartRequested {
		return
	}
	e.restartRequested = false

	if err := e.initLocked(); err != nil {
		log.Printf("%s: restart failed: %s", e.logPrefix, err.Error())
	}
}

// LocalAddr returns the bound unicast address, useful after binding to
// port 0 for an ephemeral port.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	resultCh := make(chan *net.UDPAddr, 1)
	err := e.arb.Dispatch(func() {
		resultCh <- e.localAddr
	})
	if err != nil {
		return nil
	}
	return <-resultCh
}

// SendTo queues buf for delivery to addr, subject to separationTime
// pacing against the target's last send.
func (e *Endpoint) SendTo(addr *net.UDPAddr, buf []byte, separationTime time.Duration) error {
	return e.arb.Dispatch(func() {
		e.enqueueSend(addr, buf, separationTime)
	})
}

// invoked on arbiter goroutine
func (e *Endpoint) enqueueSend(addr *net.UDPAddr, buf []byte, separationTime time.Duration) {
	key := keyForAddr(addr)
	tq, found := e.targets[key]
	if !found {
		tq = newTargetQueue(addr)
		e.targets[key] = tq
	}
	tq.separationTime = separationTime

	limit := e.cfg.SendQueueTargetByteLimit
	if limit > 0 && tq.queueBytes+uint32(len(buf)) > limit {
		e.Metrics.QueueOverflow.Inc()
		return
	}

	tq.push(buf)
	e.pumpTarget(key, tq)
}

// invoked on arbiter goroutine
func (e *Endpoint) pumpTarget(key targetKey, tq *targetQueue) {
	if tq.sending || tq.empty() {
		return
	}

	if tq.separationTime > 0 && tq.hasLastSent {
		wait := tq.separationTime - time.Now().UTC().Sub(tq.lastSent)
		if wait > 0 {
			e.armSeparationTimer(key, tq, wait)
			return
		}
	}

	e.dispatchSend(key, tq)
}

// invoked on arbiter goroutine
func (e *Endpoint) armSeparationTimer(key targetKey, tq *targetQueue, wait time.Duration) {
	if tq.timerArmed {
		return
	}
	tq.timerArmed = true

	e.arb.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[targetKey]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]targetKey{key},
				wait,
				func() {
					// invoked on arbiter goroutine
					tq.timerArmed = false
					e.dispatchSend(key, tq)
				},
				nil,
			),
		},
	)
}

// invoked on arbiter goroutine
func (e *Endpoint) dispatchSend(key targetKey, tq *targetQueue) {
	head := tq.pop()
	if head == nil {
		return
	}
	if e.unicastConn == nil {
		return
	}

	tq.sending = true
	conn := e.unicastConn
	addr := tq.addr

	go func() {
		_, err := conn.WriteToUDP(head, addr)
		e.arb.Dispatch(func() {
			e.onSendComplete(key, tq, err)
		})
	}()
}

// invoked on arbiter goroutine
func (e *Endpoint) onSendComplete(key targetKey, tq *targetQueue, err error) {
	tq.sending = false

	if tq.separationTime > 0 {
		tq.lastSent = time.Now().UTC()
		tq.hasLastSent = true
	} else {
		tq.hasLastSent = false
	}

	if err != nil {
		log.Printf("%s: send to %s failed: %s", e.logPrefix, tq.addr.String(), err.Error())
	}

	if tq.empty() {
		delete(e.targets, key)
		return
	}
	e.pumpTarget(key, tq)
}

// invoked on arbiter goroutine. A single UDP datagram routinely carries
// more than one concatenated SOME/IP message (SD and RPC traffic get
// batched this way), so this walks the whole buffer, decoding and
// validating each message independently, rather than stopping after the
// first.
func (e *Endpoint) handleInbound(remote *net.UDPAddr, data []byte, isMulticast bool) {
	remoteStr := remote.String()
	isSD := e.isServiceDiscoveryPort()

	isOwnMulticast := false
	if isMulticast {
		if remote.IP.Equal(e.localAddr.IP) {
			if !e.cfg.ReceiveOwnMulticast {
				return
			}
			isOwnMulticast = true
		} else if !sameSubnet(e.localNet, remote.IP) {
			e.Metrics.OutOfSubnet.Inc()
			return
		}
	}

	offset := 0
	for offset < len(data) {
		remaining := data[offset:]

		h, err := wire.DecodeHeader(remaining)
		if err != nil {
			e.Metrics.Malformed.Inc()
			if !isSD {
				e.handler.OnMalformed(remoteStr, wire.ValidationShort)
			}
			return
		}

		switch wire.ValidateInbound(h, len(remaining), isSD) {
		case wire.ValidationOK:
		case wire.ValidationWrongProtocolVersion:
			e.Metrics.Malformed.Inc()
			e.sendErrorEcho(remote, remaining)
			return
		case wire.ValidationBadMessageSize, wire.ValidationShort, wire.ValidationTruncated:
			e.Metrics.Malformed.Inc()
			if !isSD {
				e.handler.OnMalformed(remoteStr, wire.ValidationBadMessageSize)
			}
			return
		case wire.ValidationTPOnServiceDiscovery:
			e.Metrics.SDGuardDrop.Inc()
			return
		default:
			e.Metrics.Malformed.Inc()
			return
		}

		messageSize := int(h.MessageSize())
		payload := remaining[wire.HeaderSize:messageSize]

		if isOwnMulticast {
			e.handler.OnOwnMulticast(remoteStr, buildMessage(h, payload))
			offset += messageSize
			continue
		}

		if h.IsTP() {
			mc := e.cfg.MethodConfigFor(h.Service, h.Method)
			if !mc.TPEnabled {
				e.Metrics.TPDropped.Inc()
				offset += messageSize
				continue
			}
			tpHeader, err := wire.DecodeTPSegmentHeader(payload)
			if err != nil {
				e.Metrics.Malformed.Inc()
				return
			}

			msg, err := e.reassembler.Accept(
				tpreassembly.Key{
					Remote:  remoteStr,
					Service: h.Service,
					Method:  h.Method,
					Client:  h.Client,
					Session: h.Session,
				},
				h,
				tpHeader.Offset,
				tpHeader.More,
				payload[wire.TPHeaderSize:],
			)
			if err == nil && msg != nil {
				e.trackClient(msg.Header, remoteStr)
				e.handler.OnMessage(remoteStr, msg)
			}
			offset += messageSize
			continue
		}

		msg := &wire.Message{Header: h, Payload: payload}
		e.trackClient(h, remoteStr)
		e.handler.OnMessage(remoteStr, msg)

		offset += messageSize
	}
}

func buildMessage(h wire.Header, payload []byte) *wire.Message {
	return &wire.Message{Header: h, Payload: payload}
}

func (e *Endpoint) isServiceDiscoveryPort() bool {
	return e.localAddr != nil && e.localAddr.Port == int(e.cfg.ServiceDiscoveryPort)
}

// invoked on arbiter goroutine
func (e *Endpoint) sendErrorEcho(remote *net.UDPAddr, data []byte) {
	n := wire.HeaderSize + 8
	if n > len(data) {
		n = len(data)
	}
	echo := make([]byte, n)
	copy(echo, data[:n])
	e.enqueueSend(remote, echo, 0)
}

// invoked on arbiter goroutine
func (e *Endpoint) trackClient(h wire.Header, remote string) {
	if h.Client == wire.ClientRouting {
		return
	}
	key := clientTrackKey{Service: h.Service, Method: h.Method, Client: h.Client}
	sessions, found := e.clients[key]
	if !found {
		sessions = make(map[uint16]string)
		e.clients[key] = sessions
	}
	sessions[h.Session] = remote
}

// LookupClient returns the remote address a (service,method,client,session)
// request arrived from, so a local provider's response can be routed back.
func (e *Endpoint) LookupClient(service, method, client, session uint16) (string, bool) {
	type result struct {
		remote string
		found  bool
	}
	resultCh := make(chan result, 1)

	err := e.arb.Dispatch(func() {
		sessions, found := e.clients[clientTrackKey{Service: service, Method: method, Client: client}]
		if !found {
			resultCh <- result{}
			return
		}
		remote, found := sessions[session]
		resultCh <- result{remote: remote, found: found}
	})
	if err != nil {
		return "", false
	}

	res := <-resultCh
	return res.remote, res.found
}

// ClearServiceTracking drops client tracking for a (service,method) whose
// offering has ended; the map otherwise lives for the offering's duration.
func (e *Endpoint) ClearServiceTracking(service, method uint16) {
	e.arb.Dispatch(func() {
		for key := range e.clients {
			if key.Service == service && key.Method == method {
				delete(e.clients, key)
			}
		}
	})
}
