// Command routingcored runs the SOME/IP transport/routing core as a
// standalone process: a UDP endpoint on the vehicle network (C4) and a
// routing-manager client (C5) that registers this process with the
// central routing host and dispatches traffic to locally connected peers.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/routingclient"
	"github.com/skylinelabs/someip-routingcore/tpreassembly"
	"github.com/skylinelabs/someip-routingcore/udpendpoint"
	"github.com/skylinelabs/someip-routingcore/wire"
)

// daemon wires the UDP endpoint and the routing-manager client together:
// network traffic for a service this process provides is handed to the
// routing client as if it arrived from a local peer, and anything the
// routing client needs to deliver locally is logged here in place of a
// real application callback.
type daemon struct {
	logPrefix string

	udp    *udpendpoint.Endpoint
	router *routingclient.Client
}

func newDaemon(cfg *config.Config) *daemon {
	d := &daemon{logPrefix: cfg.LogPrefix}

	reassembler := tpreassembly.NewReassembler(cfg.EventChannelLength, config.TPContextIdleTimeout, cfg.LogPrefix, cfg.LogDebug)
	d.udp = udpendpoint.NewEndpoint(cfg, d, reassembler)
	d.router = routingclient.NewClient(cfg, d)

	return d
}

func (d *daemon) start() error {
	if err := d.udp.Init(); err != nil {
		return err
	}
	d.router.Start()
	return nil
}

func (d *daemon) shutdown() {
	d.router.Shutdown()
	d.udp.Shutdown()
}

// --- udpendpoint.Handler ---

func (d *daemon) OnMessage(remote string, msg *wire.Message) {
	d.router.SendLocal(msg.Header.Client, msg.Encode(), 0, false)
}

func (d *daemon) OnMalformed(remote string, reason wire.ValidationError) {
	log.Printf("%s: malformed datagram from %s: %s", d.logPrefix, remote, reason)
}

func (d *daemon) OnOwnMulticast(remote string, msg *wire.Message) {
	// loop of our own multicast send, expected and otherwise uninteresting
}

// --- routingclient.Host ---

func (d *daemon) OnRegistered() {
	log.Printf("%s: registered with routing host", d.logPrefix)
}

func (d *daemon) OnDeregistered() {
	log.Printf("%s: deregistered from routing host", d.logPrefix)
}

func (d *daemon) AcceptSubscribe(service, instance, eventgroup, client uint16) bool {
	return true
}

func (d *daemon) SecurityAllows(client uint16) bool {
	return true
}

func (d *daemon) DeliverLocal(client uint16, msg *wire.Message) {
	log.Printf("%s: deliver local client=%d service=%#x method=%#x", d.logPrefix, client, msg.Header.Service, msg.Header.Method)
}

func defaultConfig() *config.Config {
	host := os.Getenv("ROUTINGCORE_HOST")
	if host == "" {
		host = "vehicle"
	}
	instance := os.Getenv("ROUTINGCORE_INSTANCE")
	if instance == "" {
		instance = "1"
	}
	unicastAddress := os.Getenv("ROUTINGCORE_UNICAST_ADDRESS")
	if unicastAddress == "" {
		unicastAddress = "0.0.0.0:30501"
	}
	routingHostAddress := os.Getenv("ROUTINGCORE_ROUTING_HOST_ADDRESS")
	if routingHostAddress == "" {
		routingHostAddress = "127.0.0.1:30490"
	}

	return &config.Config{
		Host:                 host,
		Instance:             instance,
		EventChannelLength:   config.EventChannelLength,
		UnicastAddress:       unicastAddress,
		ReceiveBufferSize:    config.UDPReceiveBufferSize,
		MaxMessageSize:       config.DefaultMaxMessageSize,
		ServiceDiscoveryPort: 30490,
		SendQueueByteLimit:   config.SendQueueByteLimit,

		RoutingHostAddress: routingHostAddress,
		LocalServerAddress: "127.0.0.1:0",

		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,
		TcpReconnectLogEvery: 10,

		ConnectWatchdog:        config.ClientEndpointConnectWatchdog,
		ReconnectInitialWindow: config.ClientEndpointReconnectInitial,
		ReconnectMaxWindow:     config.ClientEndpointReconnectMax,
		ReconnectBackoffAfter:  config.ClientEndpointBackoffAfter,

		RegistrationWatchdog: config.RegistrationWatchdog,
		KeepaliveEnabled:     true,
		KeepaliveInterval:    config.KeepaliveInterval,
		OfferRequestDebounce: config.OfferRequestDebounce,

		LogPrefix: "routingcored",
		LogDebug:  false,
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("routingcored: invalid config: %s", err.Error())
	}

	d := newDaemon(cfg)
	if err := d.start(); err != nil {
		log.Fatalf("routingcored: failed to start: %s", err.Error())
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Printf("routingcored: received signal %s, shutting down", sig.String())

	done := make(chan struct{})
	go func() {
		d.shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("routingcored: shutdown timed out")
	}
}
