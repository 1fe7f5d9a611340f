package netstack

import (
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
)

var (
	testStackMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	testPeerMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}

	testLocalIP = IPv4{10, 0, 2, 15}
	testPeerIP  = IPv4{10, 0, 2, 99}
	testGwIP    = IPv4{10, 0, 2, 2}
)

// fakeClock is a manually driven time source. Idle advances it by step, so
// blocking waits progress toward their deadline without real sleeping.
type fakeClock struct {
	now  uint64
	step uint64
}

func (c *fakeClock) NowMillis() uint64 { return c.now }
func (c *fakeClock) Idle()             { c.now += c.step }

// testDevice is a scripted link: frames the stack sends are recorded and
// optionally answered by onSend, frames queued with inject come back out of
// Recv one at a time.
type testDevice struct {
	mac     net.HardwareAddr
	linkUp  bool
	sent    [][]byte
	inbound [][]byte
	onSend  func(d *testDevice, frame []byte)
}

func newLinkDevice() *testDevice {
	return &testDevice{mac: testStackMAC, linkUp: true}
}

func (d *testDevice) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

func (d *testDevice) MTU() uint16  { return 1500 }
func (d *testDevice) LinkUp() bool { return d.linkUp }

func (d *testDevice) Send(frame []byte) (int, error) {
	cp := append([]byte(nil), frame...)
	d.sent = append(d.sent, cp)
	if d.onSend != nil {
		d.onSend(d, cp)
	}
	return len(frame), nil
}

func (d *testDevice) Recv(buf []byte) (int, error) {
	if len(d.inbound) == 0 {
		return 0, nil
	}
	frame := d.inbound[0]
	d.inbound = d.inbound[1:]
	return copy(buf, frame), nil
}

func (d *testDevice) inject(frame []byte) {
	d.inbound = append(d.inbound, append([]byte(nil), frame...))
}

func newTestStack(t *testing.T) (*Stack, *testDevice, *fakeClock) {
	t.Helper()
	dev := newLinkDevice()
	s, err := New(dev, Config{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := &fakeClock{step: 10}
	s.SetClock(clk)
	return s, dev, clk
}

////////////////////////////////////////////////////////////////////////////////
// Frame builders and parsers shared by the protocol tests.
////////////////////////////////////////////////////////////////////////////////

func ethFrame(dst, src [6]byte, ethType uint16, payload []byte) []byte {
	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], ethType)
	copy(frame[ethernetHeaderLen:], payload)
	return frame
}

func parseEth(t *testing.T, frame []byte) (dst, src [6]byte, ethType uint16, payload []byte) {
	t.Helper()
	if len(frame) < ethernetHeaderLen {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	return dst, src, binary.BigEndian.Uint16(frame[12:14]), frame[ethernetHeaderLen:]
}

func buildIPv4(src, dst IPv4, protocol uint8, payload []byte) []byte {
	p := make([]byte, ipv4HeaderLen+len(payload))
	p[0] = ipVersionIHL
	binary.BigEndian.PutUint16(p[2:4], uint16(len(p)))
	binary.BigEndian.PutUint16(p[6:8], ipFlagDF)
	p[8] = ipDefaultTTL
	p[9] = protocol
	copy(p[12:16], src[:])
	copy(p[16:20], dst[:])
	binary.BigEndian.PutUint16(p[10:12], Checksum(p[:ipv4HeaderLen]))
	copy(p[ipv4HeaderLen:], payload)
	return p
}

// stackMAC6 is the interface MAC as a fixed array for frame builders.
func stackMAC6() [6]byte {
	var m [6]byte
	copy(m[:], testStackMAC)
	return m
}

// answerARP makes the peer respond to ARP requests for its address.
func answerARP(d *testDevice, frame []byte) bool {
	if len(frame) < ethernetHeaderLen+arpPacketLen {
		return false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != uint16(etherTypeARP) {
		return false
	}
	payload := frame[ethernetHeaderLen:]
	if binary.BigEndian.Uint16(payload[6:8]) != arpOpRequest {
		return false
	}
	var target IPv4
	copy(target[:], payload[24:28])
	if target != testPeerIP {
		return false
	}
	reply := buildARPPacket(arpOpReply, testPeerMAC, testPeerIP, stackMAC6(), testLocalIP)
	d.inject(ethFrame(stackMAC6(), testPeerMAC, uint16(etherTypeARP), reply))
	return true
}

// answerEcho makes the peer answer echo requests addressed to it. Returns
// true when the frame was an echo request it replied to.
func answerEcho(d *testDevice, frame []byte) bool {
	if len(frame) < ethernetHeaderLen+ipv4HeaderLen+icmpHeaderLen {
		return false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != uint16(etherTypeIPv4) {
		return false
	}
	packet := frame[ethernetHeaderLen:]
	if packet[9] != uint8(icmpProtocolNumber) {
		return false
	}
	var dst IPv4
	copy(dst[:], packet[16:20])
	if dst != testPeerIP {
		return false
	}
	icmp := packet[ipv4HeaderLen:]
	if icmp[0] != icmpEchoRequest {
		return false
	}

	id := binary.BigEndian.Uint16(icmp[4:6])
	seq := binary.BigEndian.Uint16(icmp[6:8])
	reply := buildEcho(icmpEchoReply, id, seq, icmp[icmpHeaderLen:])
	d.inject(ethFrame(stackMAC6(), testPeerMAC, uint16(etherTypeIPv4),
		buildIPv4(testPeerIP, testLocalIP, uint8(icmpProtocolNumber), reply)))
	return true
}
