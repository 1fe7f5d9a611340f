package netstack

import (
	"encoding/binary"
	"fmt"
)

// ICMP message types.
const (
	icmpEchoReply       = 0
	icmpDestUnreachable = 3
	icmpEchoRequest     = 8
	icmpTimeExceeded    = 11
)

// icmpPacketBufLen caps echo messages. Payloads that would overflow it are
// silently truncated rather than rejected.
const icmpPacketBufLen = 64

const pingInitialID = 0x1234

var defaultPingPayload = []byte("vnet ping")

// pingState is the single in-flight echo record. Starting a new ping
// while one is outstanding overwrites it; a late reply for the old one
// then matches nothing and is ignored.
type pingState struct {
	id        uint16
	seq       uint16
	target    IPv4
	sendTime  uint64
	waiting   bool
	received  bool
	rttMillis uint64
}

// PingStatus is the non-blocking view of the in-flight ping.
type PingStatus int

const (
	PingWaiting PingStatus = iota
	PingReceived
	PingTimedOut
)

func (p PingStatus) String() string {
	switch p {
	case PingWaiting:
		return "waiting"
	case PingReceived:
		return "received"
	case PingTimedOut:
		return "timed out"
	}
	return fmt.Sprintf("unknown ping status %d", int(p))
}

// buildEcho assembles an echo request or reply. The payload is copied
// verbatim up to the packet buffer capacity and silently truncated past
// it.
func buildEcho(icmpType uint8, id, seq uint16, payload []byte) []byte {
	if len(payload) > icmpPacketBufLen-icmpHeaderLen {
		payload = payload[:icmpPacketBufLen-icmpHeaderLen]
	}
	p := make([]byte, icmpHeaderLen+len(payload))
	p[0] = icmpType
	p[1] = 0 // code
	binary.BigEndian.PutUint16(p[4:6], id)
	binary.BigEndian.PutUint16(p[6:8], seq)
	copy(p[icmpHeaderLen:], payload)
	binary.BigEndian.PutUint16(p[2:4], Checksum(p))
	return p
}

// SendEchoRequest transmits one echo request without touching the ping
// state machine.
func (s *Stack) SendEchoRequest(dst IPv4, id, seq uint16, payload []byte) (int, error) {
	s.mu.Lock()
	s.stats.EchoRequests++
	s.mu.Unlock()
	return s.SendIPv4(dst, uint8(icmpProtocolNumber), buildEcho(icmpEchoRequest, id, seq, payload))
}

// handleICMP processes one inbound ICMP message from src. Requests are
// answered; replies complete the in-flight ping only when id, sequence
// and source all match; unreachable/time-exceeded notices fail an active
// wait. Anything else, or a bad checksum, is dropped.
func (s *Stack) handleICMP(src IPv4, payload []byte) {
	if len(payload) < icmpHeaderLen {
		return
	}
	if Checksum(payload) != 0 {
		return
	}

	switch payload[0] {
	case icmpEchoRequest:
		id := binary.BigEndian.Uint16(payload[4:6])
		seq := binary.BigEndian.Uint16(payload[6:8])
		reply := buildEcho(icmpEchoReply, id, seq, payload[icmpHeaderLen:])

		s.mu.Lock()
		s.stats.EchoReplies++
		s.mu.Unlock()
		if _, err := s.SendIPv4(src, uint8(icmpProtocolNumber), reply); err != nil {
			s.log.Debug("netstack: echo reply failed", "dst", src.String(), "err", err)
		}

	case icmpEchoReply:
		id := binary.BigEndian.Uint16(payload[4:6])
		seq := binary.BigEndian.Uint16(payload[6:8])

		s.mu.Lock()
		if s.ping.waiting && id == s.ping.id && seq == s.ping.seq && src == s.ping.target {
			s.ping.received = true
			s.ping.rttMillis = s.clock.NowMillis() - s.ping.sendTime
			s.ping.waiting = false
		}
		s.mu.Unlock()

	case icmpDestUnreachable, icmpTimeExceeded:
		s.mu.Lock()
		if s.ping.waiting {
			s.ping.waiting = false
			s.ping.received = false
		}
		s.mu.Unlock()
	}
}

// StartPing transmits one echo request to dst and arms the in-flight
// record without waiting for the reply; pair it with PingCheck. Only one
// ping can be outstanding, so starting another overwrites the previous
// record and any late reply for it is ignored.
func (s *Stack) StartPing(dst IPv4) error {
	s.mu.Lock()
	s.ping.seq++
	id := s.ping.id
	seq := s.ping.seq
	s.ping.target = dst
	s.ping.sendTime = s.clock.NowMillis()
	s.ping.waiting = true
	s.ping.received = false
	s.ping.rttMillis = 0
	s.mu.Unlock()

	if _, err := s.SendEchoRequest(dst, id, seq, defaultPingPayload); err != nil {
		s.mu.Lock()
		s.ping.waiting = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ping sends one echo request to dst and polls until the matching reply
// arrives or the configured timeout elapses. Returns the measured RTT in
// milliseconds.
func (s *Stack) Ping(dst IPv4) (uint64, error) {
	if err := s.StartPing(dst); err != nil {
		return 0, err
	}

	for {
		s.mu.Lock()
		waiting := s.ping.waiting
		received := s.ping.received
		rtt := s.ping.rttMillis
		elapsed := s.clock.NowMillis() - s.ping.sendTime
		s.mu.Unlock()

		if received {
			return rtt, nil
		}
		if !waiting || elapsed >= s.pingTimeoutMillis {
			break
		}

		s.Poll()
		s.clock.Idle()
	}

	s.mu.Lock()
	s.ping.waiting = false
	received := s.ping.received
	rtt := s.ping.rttMillis
	s.mu.Unlock()
	if received {
		return rtt, nil
	}
	return 0, fmt.Errorf("%w: ping %s", ErrTimeout, dst.String())
}

// PingCheck is the non-blocking companion of Ping: it reports a completed
// ping immediately, expires the wait once the deadline passes without
// polling further, and otherwise drives one poll iteration.
func (s *Stack) PingCheck() PingStatus {
	s.mu.Lock()
	if s.ping.received {
		s.mu.Unlock()
		return PingReceived
	}
	if !s.ping.waiting {
		s.mu.Unlock()
		return PingTimedOut
	}
	if s.clock.NowMillis()-s.ping.sendTime > s.pingTimeoutMillis {
		s.ping.waiting = false
		s.mu.Unlock()
		return PingTimedOut
	}
	s.mu.Unlock()

	s.Poll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ping.received {
		return PingReceived
	}
	return PingWaiting
}

// PingRTT returns the RTT of the last completed ping.
func (s *Stack) PingRTT() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ping.rttMillis
}
