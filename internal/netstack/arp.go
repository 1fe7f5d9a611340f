package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ARP wire constants (Ethernet + IPv4 only).
const (
	arpPacketLen        = 28
	arpHardwareEthernet = 1
	arpOpRequest        = 1
	arpOpReply          = 2
)

const arpCacheSize = 16

type arpEntry struct {
	ip        IPv4
	mac       [6]byte
	timestamp uint64
	valid     bool
}

// evictionPolicy picks the slot to overwrite when the cache is full. It is
// only consulted with every slot valid.
type evictionPolicy func(entries []arpEntry) int

// oldestEntry is the default policy: the slot with the smallest timestamp,
// ties broken by first-found.
func oldestEntry(entries []arpEntry) int {
	slot := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].timestamp < entries[slot].timestamp {
			slot = i
		}
	}
	return slot
}

// arpCache is a fixed-capacity IP-to-MAC table with lazy TTL expiry: an
// entry past its TTL is reported absent and invalidated on lookup, never
// swept in the background.
type arpCache struct {
	ttlMillis uint64
	evict     evictionPolicy
	entries   [arpCacheSize]arpEntry
}

func (c *arpCache) lookup(ip IPv4, now uint64) ([6]byte, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || e.ip != ip {
			continue
		}
		if now-e.timestamp > c.ttlMillis {
			e.valid = false
			return [6]byte{}, false
		}
		return e.mac, true
	}
	return [6]byte{}, false
}

// add inserts or refreshes a mapping. An existing entry for the same IP is
// preferred over an empty slot, so one IP never occupies two slots.
func (c *arpCache) add(ip IPv4, mac [6]byte, now uint64) {
	slot := -1
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].ip == ip {
			slot = i
			break
		}
		if slot < 0 && !c.entries[i].valid {
			slot = i
		}
	}
	if slot < 0 {
		slot = c.evict(c.entries[:])
	}
	c.entries[slot] = arpEntry{ip: ip, mac: mac, timestamp: now, valid: true}
}

func (c *arpCache) validCount() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].valid {
			n++
		}
	}
	return n
}

////////////////////////////////////////////////////////////////////////////////
// Wire codec and stack operations.
////////////////////////////////////////////////////////////////////////////////

func buildARPPacket(op uint16, senderMAC [6]byte, senderIP IPv4, targetMAC [6]byte, targetIP IPv4) []byte {
	p := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(p[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(p[2:4], uint16(etherTypeIPv4))
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], op)
	copy(p[8:14], senderMAC[:])
	copy(p[14:18], senderIP[:])
	copy(p[18:24], targetMAC[:])
	copy(p[24:28], targetIP[:])
	return p
}

// sendARPRequest broadcasts a who-has for ip.
func (s *Stack) sendARPRequest(ip IPv4) error {
	var selfMAC [6]byte
	copy(selfMAC[:], s.mac)

	s.mu.Lock()
	local := s.ip
	s.stats.ARPRequests++
	s.mu.Unlock()

	packet := buildARPPacket(arpOpRequest, selfMAC, local, [6]byte{}, ip)
	_, err := s.Send(broadcastMAC, uint16(etherTypeARP), packet)
	return err
}

// ResolveARP returns the MAC for ip, consulting the cache first. On a miss
// it sends exactly one request and polls until the mapping appears or
// timeoutMillis elapses; the request is never retransmitted within the
// wait. A zero timeout uses the configured default.
func (s *Stack) ResolveARP(ip IPv4, timeoutMillis uint64) (net.HardwareAddr, error) {
	if timeoutMillis == 0 {
		timeoutMillis = s.arpTimeoutMillis
	}

	s.mu.Lock()
	mac, ok := s.arp.lookup(ip, s.clock.NowMillis())
	s.mu.Unlock()
	if ok {
		return net.HardwareAddr(mac[:]), nil
	}

	if err := s.sendARPRequest(ip); err != nil {
		return nil, err
	}

	start := s.clock.NowMillis()
	for s.clock.NowMillis()-start < timeoutMillis {
		s.Poll()

		s.mu.Lock()
		mac, ok = s.arp.lookup(ip, s.clock.NowMillis())
		s.mu.Unlock()
		if ok {
			return net.HardwareAddr(mac[:]), nil
		}
		s.clock.Idle()
	}
	return nil, fmt.Errorf("%w: arp resolve %s", ErrTimeout, ip.String())
}

// handleARP validates an inbound ARP packet, learns the sender mapping
// unconditionally (gratuitous learning, independent of opcode), and
// answers requests addressed to the local IP with a unicast reply.
func (s *Stack) handleARP(payload []byte) {
	if len(payload) < arpPacketLen {
		return
	}
	if binary.BigEndian.Uint16(payload[0:2]) != arpHardwareEthernet ||
		binary.BigEndian.Uint16(payload[2:4]) != uint16(etherTypeIPv4) ||
		payload[4] != 6 || payload[5] != 4 {
		return
	}

	var senderMAC [6]byte
	copy(senderMAC[:], payload[8:14])
	var senderIP, targetIP IPv4
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	s.mu.Lock()
	s.arp.add(senderIP, senderMAC, s.clock.NowMillis())
	local := s.ip
	s.mu.Unlock()

	op := binary.BigEndian.Uint16(payload[6:8])
	if op != arpOpRequest || targetIP != local {
		// Replies are fully handled by the cache update above.
		return
	}

	var selfMAC [6]byte
	copy(selfMAC[:], s.mac)
	reply := buildARPPacket(arpOpReply, selfMAC, local, senderMAC, senderIP)
	if _, err := s.Send(net.HardwareAddr(senderMAC[:]), uint16(etherTypeARP), reply); err != nil {
		s.log.Debug("netstack: arp reply failed", "err", err)
	}
}
