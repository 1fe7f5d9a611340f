// vnetping brings up the whole simulated link end to end: DMA arena,
// virtio-net device model, a gVisor host on the far side, the driver, and
// the stack, then pings the host and prints round-trip times.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/tinyrange/vnet/internal/dma"
	"github.com/tinyrange/vnet/internal/netstack"
	"github.com/tinyrange/vnet/internal/peer"
	"github.com/tinyrange/vnet/internal/vdev"
	"github.com/tinyrange/vnet/internal/virtio"
)

var (
	configPath = flag.String("config", "", "interface configuration file (yaml)")
	target     = flag.String("target", "", "address to ping (default: the gateway)")
	count      = flag.Int("count", 4, "number of echo requests")
	interval   = flag.Duration("interval", time.Second, "delay between requests")
	pcapPath   = flag.String("pcap", "", "write link traffic to this pcap file")
	arenaSize  = flag.Int("arena", 1<<20, "shared memory arena size in bytes")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
)

type hostBackend struct {
	host *peer.Peer
}

func (b *hostBackend) HandleTx(frame []byte) error {
	b.host.InjectFrame(frame)
	return nil
}

func run() error {
	if *count <= 0 {
		return fmt.Errorf("count must be positive")
	}

	cfg := netstack.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = netstack.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	gatewayIP, err := netstack.ParseIPv4(cfg.Gateway)
	if err != nil {
		return err
	}
	dst := gatewayIP
	if *target != "" {
		if dst, err = netstack.ParseIPv4(*target); err != nil {
			return err
		}
	}

	log := slog.Default()

	mem, err := dma.NewArena(0x8000_0000, *arenaSize)
	if err != nil {
		return err
	}

	backend := &hostBackend{}
	model := vdev.New(mem, net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, backend, log)

	// The far side of the link is a gVisor stack holding the gateway
	// address, so pings to the gateway are answered by a real peer.
	host, err := peer.New(log, net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02},
		net.IP(gatewayIP[:]), 24, model.InjectRx)
	if err != nil {
		return err
	}
	defer host.Close()
	backend.host = host

	dev, err := virtio.Probe(model, mem, log)
	if err != nil {
		return err
	}

	s, err := netstack.New(dev, cfg, log)
	if err != nil {
		return err
	}

	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := s.OpenPacketCapture(f); err != nil {
			return err
		}
		defer s.ClosePacketCapture()
	}

	fmt.Printf("PING %s from %s\n", dst.String(), s.IP().String())
	received := 0
	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		rtt, err := s.Ping(dst)
		if err != nil {
			fmt.Printf("no reply from %s: %v\n", dst.String(), err)
			continue
		}
		received++
		fmt.Printf("reply from %s: seq=%d time=%dms\n", dst.String(), i+1, rtt)
	}

	stats := s.Stats()
	fmt.Printf("--- %s ping statistics ---\n", dst.String())
	fmt.Printf("%d transmitted, %d received, %d%% loss\n",
		*count, received, 100*(*count-received)/(*count))
	log.Debug("interface counters",
		"rxFrames", stats.RxFrames,
		"txFrames", stats.TxFrames,
		"arpRequests", stats.ARPRequests)

	if received == 0 {
		return fmt.Errorf("no replies from %s", dst.String())
	}
	return nil
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}
