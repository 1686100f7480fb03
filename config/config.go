package config

import (
	"fmt"
	"log"
	"time"
)

// defaults for when not provided in Config
const (
	EventChannelLength uint16 = 1024

	DefaultMaxMessageSize uint32        = 1400
	DefaultMaxSegmentLen  uint32        = 1392
	DefaultMinDebounce    time.Duration = 0
	DefaultMaxRetention   time.Duration = time.Millisecond * 200
	TPContextIdleTimeout  time.Duration = time.Second * 5

	ClientEndpointConnectWatchdog  time.Duration = time.Second * 5
	ClientEndpointReconnectInitial time.Duration = time.Millisecond * 500
	ClientEndpointReconnectMax     time.Duration = time.Second * 30
	ClientEndpointBackoffAfter     uint32        = 30

	SendQueueByteLimit uint32 = 1 << 20 // 1 MiB

	RegistrationWatchdog time.Duration = time.Second * 3
	KeepaliveInterval    time.Duration = time.Second * 2
	OfferRequestDebounce time.Duration = time.Millisecond * 500

	UDPReceiveBufferSize int = 1 << 20
)

// MethodKey identifies a (service, method) pair for per-method timing and
// TP configuration lookups.
type MethodKey struct {
	Service uint16
	Method  uint16
}

// MethodConfig carries the debounce/retention/TP parameters
// attaches to a (service, method) pair.
type MethodConfig struct {
	MinimalDebounceTime     time.Duration
	MinimalMaxRetentionTime time.Duration

	TPEnabled        bool
	MaxSegmentLength uint32
	SeparationTime   time.Duration
}

// Config is the single configuration object threaded through every
// component constructor in this module.
type Config struct {
	Host     string
	Instance string

	EventChannelLength uint16

	// UDP endpoint (C4)
	UnicastAddress    string
	UnicastDevice     string
	ReceiveBufferSize int
	MaxMessageSize    uint32

	// service-discovery port, used to gate TP-on-SD and tolerate
	// non-SD traffic on the SD socket
	ServiceDiscoveryPort uint16

	ReceiveOwnMulticast bool

	// multicast group memberships joined at init and re-joined on restart
	MulticastGroups []string
	MulticastDevice string

	SendQueueTargetByteLimit uint32
	SeparationTimeDefault    time.Duration

	SendQueueByteLimit uint32

	// routing-manager client (C5) / client endpoint (C2)
	RoutingHostAddress string
	LocalStreamPath    string
	UseLocalStream     bool

	// local peer-server acceptor (C5), used when UseLocalStream is false
	LocalServerAddress string

	TcpKeepAliveInterval uint16
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16
	TcpReconnectInterval uint16
	TcpReconnectLogEvery uint32

	ConnectWatchdog        time.Duration
	ReconnectInitialWindow time.Duration
	ReconnectMaxWindow     time.Duration
	ReconnectBackoffAfter  uint32
	MaxReconnectAttempts   uint32 // 0 == unlimited

	RegistrationWatchdog time.Duration
	KeepaliveEnabled     bool
	KeepaliveInterval    time.Duration
	OfferRequestDebounce time.Duration

	// per-(service,method) train scheduler and TP configuration
	Methods map[MethodKey]MethodConfig

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.UnicastAddress == "" {
		err := fmt.Errorf("invalid UnicastAddress=%s", c.UnicastAddress)
		log.Printf("%s", err.Error())
		return err
	}

	if c.MaxMessageSize == 0 {
		err := fmt.Errorf("invalid MaxMessageSize=%d", c.MaxMessageSize)
		log.Printf("%s", err.Error())
		return err
	}

	if c.SendQueueByteLimit == 0 {
		err := fmt.Errorf("invalid SendQueueByteLimit=%d", c.SendQueueByteLimit)
		log.Printf("%s", err.Error())
		return err
	}

	if !c.UseLocalStream && c.RoutingHostAddress == "" {
		err := fmt.Errorf("invalid RoutingHostAddress=%s", c.RoutingHostAddress)
		log.Printf("%s", err.Error())
		return err
	}

	if c.UseLocalStream && c.LocalStreamPath == "" {
		err := fmt.Errorf("invalid LocalStreamPath=%s", c.LocalStreamPath)
		log.Printf("%s", err.Error())
		return err
	}

	if c.TcpKeepAliveInterval == 0 {
		err := fmt.Errorf("invalid TcpKeepAliveInterval=%d", c.TcpKeepAliveInterval)
		log.Printf("%s", err.Error())
		return err
	}

	if c.TcpKeepAliveCount == 0 {
		err := fmt.Errorf("invalid TcpKeepAliveCount=%d", c.TcpKeepAliveCount)
		log.Printf("%s", err.Error())
		return err
	}

	if c.TcpDialTimeout == 0 {
		err := fmt.Errorf("invalid TcpDialTimeout=%d", c.TcpDialTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	if c.TcpReconnectInterval == 0 {
		err := fmt.Errorf("invalid TcpReconnectInterval=%d", c.TcpReconnectInterval)
		log.Printf("%s", err.Error())
		return err
	}

	if c.RegistrationWatchdog == 0 {
		err := fmt.Errorf("invalid RegistrationWatchdog=%s", c.RegistrationWatchdog)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// MethodConfigFor returns the configured timing/TP parameters for
// (service, method), or conservative defaults if unconfigured.
func (c *Config) MethodConfigFor(service, method uint16) MethodConfig {
	if c.Methods != nil {
		if mc, found := c.Methods[MethodKey{Service: service, Method: method}]; found {
			return mc
		}
	}
	return MethodConfig{
		MinimalDebounceTime:     DefaultMinDebounce,
		MinimalMaxRetentionTime: DefaultMaxRetention,
		TPEnabled:               false,
		MaxSegmentLength:        DefaultMaxSegmentLen,
		SeparationTime:          0,
	}
}
