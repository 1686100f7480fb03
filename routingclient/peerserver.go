package routingclient

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/skylinelabs/someip-routingcore/config"
	"github.com/skylinelabs/someip-routingcore/routing"
)

const peerWriteDeadline = 3 * time.Second

// peerServer is the local server endpoint created once AssignClientAck
// establishes this process's client id. Other local applications on the
// same host dial in here so traffic destined for them does not need a
// round trip through the central routing host. It wires
// github.com/Meander-Cloud/go-transport/tcp's persistent listener
// directly, serving routing.Command envelopes instead of raw bytes.
type peerServer struct {
	cfg    *config.Config
	client *Client

	mutex   sync.Mutex
	started bool
	srv     *tcp.TcpServer
	peers   map[uint16]net.Conn

	listener net.Listener
	port     uint16
}

func newPeerServer(cfg *config.Config, client *Client) *peerServer {
	return &peerServer{
		cfg:    cfg,
		client: client,
		peers:  make(map[uint16]net.Conn),
	}
}

// Close implements the tcp.Protocol interface go-transport/tcp.Options
// expects; it is invoked by the tcp.Server on shutdown to release
// protocol-level state once the listener is closed.
func (p *peerServer) Close() {
	p.closeAllExceptRouting()
}

// ReadLoop implements the tcp.Protocol interface go-transport/tcp.Options
// expects; peerServer is its own protocol handler rather than a separate
// wrapper type.
func (p *peerServer) ReadLoop(conn net.Conn) {
	descriptor := conn.RemoteAddr().String()
	log.Printf("%s: peer server: new connection from %s", p.client.logPrefix, descriptor)

	var registeredClient uint16
	var haveClient bool

	defer func() {
		if haveClient {
			p.mutex.Lock()
			delete(p.peers, registeredClient)
			p.mutex.Unlock()
		}
		conn.Close()
		log.Printf("%s: peer server: closed connection from %s", p.client.logPrefix, descriptor)
	}()

	for {
		cmd, _, err := routing.ReadCommand(conn, peerAllowedSenders)
		if err != nil {
			return
		}

		if cmd.Kind == routing.KindRegisterApplication && cmd.RegisterApplication != nil {
			registeredClient = cmd.RegisterApplication.Client
			haveClient = true
			p.mutex.Lock()
			p.peers[registeredClient] = conn
			p.mutex.Unlock()
			continue
		}

		if cmd.Kind == routing.KindSend && cmd.Send != nil {
			p.client.SendLocal(registeredClient, cmd.Send.SomeIP, cmd.Send.Instance, cmd.Send.Reliable)
			continue
		}

		p.client.arb.Dispatch(func() {
			p.client.handleCommand(cmd)
		})
	}
}

var peerAllowedSenders = map[routing.SenderID]struct{}{
	routing.SenderApplication: {},
}

func (p *peerServer) ensureStarted() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		return nil
	}

	if p.cfg.UseLocalStream {
		return p.startUnixLocked()
	}
	return p.startTCPLocked()
}

func (p *peerServer) startUnixLocked() error {
	ln, err := net.Listen("unix", p.cfg.LocalStreamPath)
	if err != nil {
		return err
	}
	p.listener = ln
	p.started = true
	go p.acceptLoop(ln)
	return nil
}

func (p *peerServer) startTCPLocked() error {
	address := p.cfg.LocalServerAddress
	if address == "" {
		address = "127.0.0.1:0"
	}

	options := &tcp.Options{
		Address:           address,
		KeepAliveInterval: time.Second * time.Duration(p.cfg.TcpKeepAliveInterval),
		KeepAliveCount:    p.cfg.TcpKeepAliveCount,
		DialTimeout:       time.Second * time.Duration(p.cfg.TcpDialTimeout),
		ReconnectInterval: time.Second * time.Duration(p.cfg.TcpReconnectInterval),
		ReconnectLogEvery: p.cfg.TcpReconnectLogEvery,
		Protocol:          p,
		LogPrefix:         fmt.Sprintf("%s:peerserver", p.cfg.LogPrefix),
		LogDebug:          p.cfg.LogDebug,
	}

	srv, err := tcp.NewTcpServer(options)
	if err != nil {
		return err
	}
	p.srv = srv
	p.started = true
	return nil
}

func (p *peerServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go p.ReadLoop(conn)
	}
}

func (p *peerServer) localPort() uint16 {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.listener != nil {
		if addr, ok := p.listener.Addr().(*net.TCPAddr); ok {
			return uint16(addr.Port)
		}
	}
	return p.port
}

// writeToPeer delivers a routing.Send to a connected local peer, returning
// false if no such peer is currently connected.
func (p *peerServer) writeToPeer(client uint16, send *routing.Send) bool {
	p.mutex.Lock()
	conn, found := p.peers[client]
	p.mutex.Unlock()
	if !found {
		return false
	}

	var buf bytes.Buffer
	cmd := &routing.Command{Kind: routing.KindSend, Send: send}
	if err := routing.WriteCommand(&buf, routing.SenderRoutingHost, cmd); err != nil {
		return false
	}

	conn.SetWriteDeadline(time.Now().UTC().Add(peerWriteDeadline))
	_, err := conn.Write(buf.Bytes())
	return err == nil
}

func (p *peerServer) closeAllExceptRouting() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for client, conn := range p.peers {
		conn.Close()
		delete(p.peers, client)
	}
}

func (p *peerServer) shutdown() {
	p.mutex.Lock()
	started := p.started
	srv := p.srv
	ln := p.listener
	p.mutex.Unlock()

	if !started {
		return
	}
	if srv != nil {
		srv.Shutdown()
	}
	if ln != nil {
		ln.Close()
	}
}
