package netstack

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Send builds an Ethernet frame around payload and transmits it. Returns
// the payload length on success.
func (s *Stack) Send(dst net.HardwareAddr, ethType uint16, payload []byte) (int, error) {
	if len(dst) != 6 || len(payload) == 0 || len(payload) > etherMTU {
		return 0, fmt.Errorf("%w: payload length %d", ErrInvalidArgument, len(payload))
	}

	var frame [maxFrameLen]byte
	copy(frame[0:6], dst)
	copy(frame[6:12], s.mac)
	binary.BigEndian.PutUint16(frame[12:14], ethType)
	copy(frame[ethernetHeaderLen:], payload)

	total := ethernetHeaderLen + len(payload)
	s.writeCapture(frame[:total])
	if _, err := s.dev.Send(frame[:total]); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.stats.TxFrames++
	s.mu.Unlock()
	return len(payload), nil
}

// Poll drains at most one received frame from the device and dispatches it
// by ethertype. Returns true when a frame was consumed, so callers can loop
// until the device is idle. Frames shorter than an Ethernet header and
// unknown ethertypes are dropped silently: on a shared medium those are
// background noise, not errors.
func (s *Stack) Poll() bool {
	n, err := s.dev.Recv(s.rxBuf[:])
	if err != nil {
		s.log.Debug("netstack: recv failed", "err", err)
		return false
	}
	if n == 0 {
		return false
	}

	s.mu.Lock()
	s.stats.RxFrames++
	s.mu.Unlock()

	if n < ethernetHeaderLen {
		s.mu.Lock()
		s.stats.RxDropped++
		s.mu.Unlock()
		return true
	}

	frame := s.rxBuf[:n]
	s.writeCapture(frame)

	ethType := etherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[ethernetHeaderLen:]

	switch ethType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(payload)
	default:
		s.log.Debug("netstack: ignoring frame", "etherType", ethType.String())
	}
	return true
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture.
////////////////////////////////////////////////////////////////////////////////

type packetCapture struct {
	w *pcapgo.Writer
}

// OpenPacketCapture mirrors every frame the interface sends or receives
// into out as a classic pcap stream.
func (s *Stack) OpenPacketCapture(out io.Writer) error {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(uint32(maxFrameLen), layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("netstack: write pcap header: %w", err)
	}
	s.captureMu.Lock()
	s.capture = &packetCapture{w: w}
	s.captureMu.Unlock()
	return nil
}

// ClosePacketCapture detaches the capture stream.
func (s *Stack) ClosePacketCapture() {
	s.captureMu.Lock()
	s.capture = nil
	s.captureMu.Unlock()
}

func (s *Stack) writeCapture(frame []byte) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.capture == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := s.capture.w.WritePacket(ci, frame); err != nil {
		s.log.Debug("netstack: packet capture failed", "err", err)
		s.capture = nil
	}
}
