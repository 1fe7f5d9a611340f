package netstack

import (
	"encoding/binary"
	"fmt"
)

const (
	ipVersionIHL = 0x45 // IPv4, 20-byte header, no options
	ipDefaultTTL = 64
	ipFlagDF     = 0x4000
)

// Checksum is the Internet checksum: one's-complement sum of 16-bit words
// with any trailing odd byte treated as the high half of a zero-padded
// final word, folded to 16 bits and complemented. Recomputing it over a
// header that already carries its own checksum yields zero.
func Checksum(data []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// SendIPv4 wraps payload in a 20-byte IPv4 header and transmits it toward
// dst, returning the packet length (header plus payload) on success. The
// next hop is dst itself when it shares the interface subnet, else the
// configured gateway; the hop's MAC is resolved via ARP with the
// configured timeout, and resolution failure surfaces as
// ErrHostUnreachable. DF is always set: payloads over MTU-20 are a caller
// error, never fragmented.
func (s *Stack) SendIPv4(dst IPv4, protocol uint8, payload []byte) (int, error) {
	if len(payload) == 0 || len(payload) > etherMTU-ipv4HeaderLen {
		return 0, fmt.Errorf("%w: ipv4 payload length %d", ErrInvalidArgument, len(payload))
	}

	s.mu.Lock()
	id := s.ipID
	s.ipID++
	local, mask, gateway := s.ip, s.netmask, s.gateway
	s.mu.Unlock()

	packet := make([]byte, ipv4HeaderLen+len(payload))
	packet[0] = ipVersionIHL
	packet[1] = 0 // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(ipv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(packet[4:6], id)
	binary.BigEndian.PutUint16(packet[6:8], ipFlagDF)
	packet[8] = ipDefaultTTL
	packet[9] = protocol
	copy(packet[12:16], local[:])
	copy(packet[16:20], dst[:])
	binary.BigEndian.PutUint16(packet[10:12], Checksum(packet[:ipv4HeaderLen]))
	copy(packet[ipv4HeaderLen:], payload)

	nextHop := dst
	if dst.masked(mask) != local.masked(mask) {
		nextHop = gateway
	}

	mac, err := s.ResolveARP(nextHop, s.arpTimeoutMillis)
	if err != nil {
		return 0, fmt.Errorf("%w: next hop %s", ErrHostUnreachable, nextHop.String())
	}

	return s.Send(mac, uint16(etherTypeIPv4), packet)
}

// handleIPv4 validates an inbound packet and dispatches its payload by
// protocol number. Anything malformed, misaddressed or unsupported is
// dropped without a response.
func (s *Stack) handleIPv4(payload []byte) {
	if len(payload) < ipv4HeaderLen {
		return
	}
	if payload[0]>>4 != 4 {
		return
	}
	headerLen := int(payload[0]&0x0f) * 4
	if headerLen < ipv4HeaderLen || headerLen > len(payload) {
		return
	}
	if Checksum(payload[:headerLen]) != 0 {
		return
	}
	totalLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if totalLen > len(payload) || totalLen < headerLen {
		return
	}

	var dst, src IPv4
	copy(dst[:], payload[16:20])
	copy(src[:], payload[12:16])

	s.mu.Lock()
	local := s.ip
	s.mu.Unlock()
	if dst != local && dst != ipv4Broadcast {
		return
	}

	body := payload[headerLen:totalLen]
	switch protocolNumber(payload[9]) {
	case icmpProtocolNumber:
		s.handleICMP(src, body)
	case tcpProtocolNumber, udpProtocolNumber:
		// Recognized but unimplemented; sockets live above this core.
	default:
	}
}
