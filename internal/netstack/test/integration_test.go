// End-to-end test: the virtio-net driver probed against the in-process
// device model, the stack on top of the driver, and a gVisor host on the
// far side of the link answering ARP and ICMP for real.
package test

import (
	"bytes"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"

	"github.com/tinyrange/vnet/internal/dma"
	"github.com/tinyrange/vnet/internal/netstack"
	"github.com/tinyrange/vnet/internal/peer"
	"github.com/tinyrange/vnet/internal/vdev"
	"github.com/tinyrange/vnet/internal/virtio"
)

var (
	guestMAC  = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	hostMAC   = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	hostIP    = net.IPv4(10, 0, 2, 2)
	gatewayIP = netstack.IPv4{10, 0, 2, 2}
)

// peerBackend forwards guest transmissions into the gVisor host. It is set
// after construction because the device model and the peer reference each
// other.
type peerBackend struct {
	host *peer.Peer
}

func (b *peerBackend) HandleTx(frame []byte) error {
	b.host.InjectFrame(frame)
	return nil
}

func newLink(t *testing.T, cfg netstack.Config) *netstack.Stack {
	t.Helper()

	mem, err := dma.NewArena(0x8000_0000, 1<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	backend := &peerBackend{}
	model := vdev.New(mem, guestMAC, backend, slog.Default())

	host, err := peer.New(slog.Default(), hostMAC, hostIP, 24, model.InjectRx)
	if err != nil {
		t.Fatalf("peer.New: %v", err)
	}
	t.Cleanup(host.Close)
	backend.host = host

	dev, err := virtio.Probe(model, mem, slog.Default())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	s, err := netstack.New(dev, cfg, slog.Default())
	if err != nil {
		t.Fatalf("netstack.New: %v", err)
	}
	return s
}

func TestResolveGateway(t *testing.T) {
	s := newLink(t, netstack.Config{})

	mac, err := s.ResolveARP(gatewayIP, 0)
	if err != nil {
		t.Fatalf("ResolveARP: %v", err)
	}
	if !bytes.Equal(mac, hostMAC) {
		t.Fatalf("gateway resolved to %s, want %s", mac, hostMAC)
	}
}

func TestPingGateway(t *testing.T) {
	s := newLink(t, netstack.Config{})

	start := time.Now()
	rtt, err := s.Ping(gatewayIP)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if elapsed := uint64(time.Since(start) / time.Millisecond); rtt > elapsed+1 {
		t.Fatalf("rtt %dms exceeds wall time %dms", rtt, elapsed)
	}

	stats := s.Stats()
	if stats.EchoRequests != 1 || stats.ARPRequests != 1 {
		t.Fatalf("stats = %+v, want one request each", stats)
	}

	// The second ping reuses the ARP mapping.
	if _, err := s.Ping(gatewayIP); err != nil {
		t.Fatalf("second Ping: %v", err)
	}
	if s.Stats().ARPRequests != 1 {
		t.Fatalf("second ping re-resolved ARP: %+v", s.Stats())
	}
}

func TestPingUnknownHostTimesOut(t *testing.T) {
	// 10.0.2.90 is on-subnet but nobody answers for it. Short timeouts
	// keep the test from sitting through ten real seconds.
	s := newLink(t, netstack.Config{
		ARPTimeoutMillis:  200,
		PingTimeoutMillis: 200,
	})

	if _, err := s.Ping(netstack.IPv4{10, 0, 2, 90}); err == nil {
		t.Fatal("ping to a silent host succeeded")
	}
}

func TestPingCapturedToPcap(t *testing.T) {
	s := newLink(t, netstack.Config{})

	var out bytes.Buffer
	if err := s.OpenPacketCapture(&out); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ping(gatewayIP); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	s.ClosePacketCapture()

	r, err := pcapgo.NewReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("pcap reader: %v", err)
	}
	frames := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		frames++
	}
	// ARP request/reply plus echo request/reply.
	if frames < 4 {
		t.Fatalf("capture holds %d frames, want at least 4", frames)
	}
}
