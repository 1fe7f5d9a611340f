// Package peer runs a gVisor network stack as a remote host on the
// simulated link. It answers ARP for its address and echoes ICMP pings
// natively, giving integration tests and the demo command an independent
// implementation to converse with.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const nicID tcpip.NICID = 1

// Peer is one gVisor-backed host with a single IPv4 address.
type Peer struct {
	log    *slog.Logger
	gs     *stack.Stack
	ch     *channel.Endpoint
	cancel context.CancelFunc
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("peer: %s is not an ipv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New starts a peer with the given MAC and address. Every frame the peer
// emits is handed to out from a dedicated goroutine; frames from the link
// enter through InjectFrame.
func New(log *slog.Logger, mac net.HardwareAddr, ip net.IP, prefixLen int, out func(frame []byte)) (*Peer, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("peer: mac must be 6 bytes")
	}
	addr, err := addrFrom4(ip)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		log:    log,
		ch:     channel.New(256, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac))),
		cancel: cancel,
	}

	ep := ethernet.New(p.ch)
	p.gs = stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
	})
	if err := p.gs.CreateNIC(nicID, ep); err != nil {
		cancel()
		return nil, fmt.Errorf("peer: create nic: %s", err)
	}
	if err := p.gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		cancel()
		return nil, fmt.Errorf("peer: add address: %s", err)
	}
	// Everything is on-link; the peer never routes through a gateway.
	p.gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         nicID,
	}})

	go func() {
		for {
			pkt := p.ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			out(frame)
		}
	}()

	return p, nil
}

// InjectFrame delivers one Ethernet frame from the link into the peer.
func (p *Peer) InjectFrame(frame []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the ethertype out of the frame;
	// the protocol argument is unused.
	p.ch.InjectInbound(0, pkt)
	pkt.DecRef()
}

// Close stops the peer's output pump.
func (p *Peer) Close() {
	p.cancel()
	p.ch.Close()
}
