// Package netstack implements a minimal Ethernet/ARP/IPv4/ICMP stack on top
// of a polled network device.
//
// The goals are:
//   - Minimal correctness for ARP resolution with a TTL'd cache, IPv4
//     send/receive with header validation, and ICMP echo (ping).
//   - A single polling entry point: "blocking" operations (ARP resolve,
//     ping) are loops around Poll bounded by a clock deadline, not
//     scheduler suspensions.
//   - Explicit wire codecs over byte slices; no structs overlaid on
//     buffers.
//
// Notes and limitations:
//   - No IPv6, no IP fragmentation/reassembly.
//   - TCP and UDP are recognized on receive and dropped.
//   - One ping may be in flight at a time; starting another overwrites it.
package netstack

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Header sizes and limits (bytes).
const (
	ethernetHeaderLen = 14
	etherMTU          = 1500
	maxFrameLen       = 1518
	ipv4HeaderLen     = 20
	icmpHeaderLen     = 8
)

type etherType uint16

const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// IPv4 protocol numbers the stack recognizes.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case icmpProtocolNumber:
		return "icmp"
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var (
	// ErrNoDevice reports a stack constructed without a usable device.
	ErrNoDevice = errors.New("netstack: no device")
	// ErrInvalidArgument rejects oversize, empty or nil payloads.
	ErrInvalidArgument = errors.New("netstack: invalid argument")
	// ErrTimeout reports an ARP resolution or ping that exceeded its
	// deadline.
	ErrTimeout = errors.New("netstack: timeout")
	// ErrHostUnreachable reports a send whose next hop never resolved.
	ErrHostUnreachable = errors.New("netstack: host unreachable")
)

// IPv4 is an address in network byte order.
type IPv4 [4]byte

// ParseIPv4 parses dotted-quad notation.
func ParseIPv4(s string) (IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return IPv4{}, fmt.Errorf("%w: bad ipv4 address %q", ErrInvalidArgument, s)
	}
	var a IPv4
	copy(a[:], ip.To4())
	return a, nil
}

func (a IPv4) String() string {
	return net.IP(a[:]).String()
}

// masked applies a netmask byte-wise.
func (a IPv4) masked(m IPv4) IPv4 {
	var out IPv4
	for i := range a {
		out[i] = a[i] & m[i]
	}
	return out
}

var ipv4Broadcast = IPv4{255, 255, 255, 255}

// NetDevice is the link-layer device the stack runs on. The virtio driver
// satisfies it; tests use scripted in-memory devices.
type NetDevice interface {
	MAC() net.HardwareAddr
	MTU() uint16
	LinkUp() bool

	// Send transmits one Ethernet frame, returning bytes sent.
	Send(frame []byte) (int, error)
	// Recv copies at most one pending frame into buf; 0 means none.
	Recv(buf []byte) (int, error)
}

// Stats counts frames through the interface.
type Stats struct {
	RxFrames     uint64
	RxDropped    uint64
	TxFrames     uint64
	ARPRequests  uint64
	EchoRequests uint64
	EchoReplies  uint64
}

// Stack is one network interface instance with its ARP cache and ping
// state. All mutable state sits behind one mutex so that poll-context and
// interrupt-context callers cannot interleave destructively; the mutex is
// never held across device I/O or a Poll iteration.
type Stack struct {
	dev   NetDevice
	log   *slog.Logger
	clock Clock

	// mac is fixed at construction and read without locking.
	mac net.HardwareAddr

	arpTimeoutMillis  uint64
	pingTimeoutMillis uint64

	mu      sync.Mutex
	ip      IPv4
	netmask IPv4
	gateway IPv4
	arp     arpCache
	ping    pingState
	ipID    uint16
	stats   Stats

	captureMu sync.Mutex
	capture   *packetCapture

	rxBuf [maxFrameLen]byte
}

// New builds a stack over dev with the given configuration. The device's
// MAC becomes the interface MAC.
func New(dev NetDevice, cfg Config, log *slog.Logger) (*Stack, error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	ip, err := ParseIPv4(cfg.IP)
	if err != nil {
		return nil, err
	}
	netmask, err := ParseIPv4(cfg.Netmask)
	if err != nil {
		return nil, err
	}
	gateway, err := ParseIPv4(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		dev:               dev,
		log:               log,
		clock:             newSystemClock(),
		mac:               dev.MAC(),
		ip:                ip,
		netmask:           netmask,
		gateway:           gateway,
		arpTimeoutMillis:  cfg.ARPTimeoutMillis,
		pingTimeoutMillis: cfg.PingTimeoutMillis,
	}
	s.arp = arpCache{ttlMillis: cfg.ARPCacheTTLMillis, evict: oldestEntry}
	s.ping.id = pingInitialID

	if cfg.GatewayMAC != "" {
		mac, err := net.ParseMAC(cfg.GatewayMAC)
		if err != nil || len(mac) != 6 {
			return nil, fmt.Errorf("%w: bad gateway mac %q", ErrInvalidArgument, cfg.GatewayMAC)
		}
		var m [6]byte
		copy(m[:], mac)
		s.arp.add(gateway, m, s.clock.NowMillis())
	}

	s.log.Info("netstack: interface up",
		"mac", s.mac.String(),
		"ip", s.ip.String(),
		"netmask", s.netmask.String(),
		"gateway", s.gateway.String(),
		"link", dev.LinkUp())
	return s, nil
}

// SetClock replaces the time source. Intended for tests that simulate
// deadlines instead of sleeping through them.
func (s *Stack) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

// SetAddresses reconfigures the interface addressing.
func (s *Stack) SetAddresses(ip, netmask, gateway IPv4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ip = ip
	s.netmask = netmask
	s.gateway = gateway
}

// MAC returns the interface hardware address.
func (s *Stack) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), s.mac...)
}

// IP returns the interface address.
func (s *Stack) IP() IPv4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

// Stats returns a copy of the interface counters.
func (s *Stack) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
