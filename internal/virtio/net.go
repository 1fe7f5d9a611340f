package virtio

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/vnet/internal/dma"
)

const (
	// Queue indices for the single RX/TX pair.
	QueueRX = 0
	QueueTX = 1

	// QueueSize is the preferred ring size; the device may cap it lower.
	QueueSize = 256

	// NumRXBuffers is the fixed receive pool size. Every buffer is either
	// posted to the device or being drained; none sit idle.
	NumRXBuffers = 64

	// MaxPacketSize is the largest frame accepted on either path
	// (Ethernet frame + VLAN headroom).
	MaxPacketSize = 1526

	// HeaderSize is the virtio-net header prepended to every frame.
	// MRG_RXBUF is not negotiated, so the 10-byte layout applies.
	HeaderSize = 10

	// txSpinBudget bounds the synchronous wait for a TX completion.
	txSpinBudget = 1_000_000
)

// Stats carries the driver packet counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	RxErrors  uint64
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
}

type rxBuffer struct {
	region  dma.Region
	descIdx uint16
	inUse   bool
}

// Device is a probed and running virtio-net device. The datapath is fully
// polled; Recv drains at most one frame per call.
type Device struct {
	t   Transport
	mem *dma.Arena
	log *slog.Logger

	features uint64
	mac      net.HardwareAddr
	mtu      uint16
	linkUp   bool

	rxq *Queue
	txq *Queue

	rxBufs [NumRXBuffers]rxBuffer

	// Single in-flight transmit: Send is synchronous, so one header
	// region and one frame region are reused for every packet.
	txHdr  dma.Region
	txData dma.Region

	stats Stats
}

// Probe runs the virtio initialization handshake against the transport and
// brings the device to DRIVER_OK with both queues configured and the full
// RX pool posted.
func Probe(t Transport, mem *dma.Arena, log *slog.Logger) (*Device, error) {
	if t == nil || mem == nil {
		return nil, ErrNoDevice
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Device{t: t, mem: mem, log: log}

	if t.Read32(RegMagicValue) != MagicValue {
		return nil, fmt.Errorf("%w: bad magic", ErrNoDevice)
	}
	if t.Read32(RegDeviceID) != DeviceIDNet {
		return nil, fmt.Errorf("%w: device id %d", ErrNoDevice, t.Read32(RegDeviceID))
	}

	// Reset, then acknowledge in the order the spec requires.
	t.Write32(RegStatus, 0)
	status := uint32(StatusAcknowledge)
	t.Write32(RegStatus, status)
	status |= StatusDriver
	t.Write32(RegStatus, status)

	t.Write32(RegDeviceFeaturesSel, 0)
	devFeatures := uint64(t.Read32(RegDeviceFeatures))
	t.Write32(RegDeviceFeaturesSel, 1)
	devFeatures |= uint64(t.Read32(RegDeviceFeatures)) << 32

	// Accept only what we understand. Offload features stay unnegotiated;
	// the header is always GSO_NONE.
	var accepted uint64
	for _, f := range []uint64{FeatureNetMAC, FeatureNetStatus, FeatureNetMTU} {
		if devFeatures&f != 0 {
			accepted |= f
		}
	}
	d.features = accepted

	t.Write32(RegDriverFeaturesSel, 0)
	t.Write32(RegDriverFeatures, uint32(accepted))
	t.Write32(RegDriverFeaturesSel, 1)
	t.Write32(RegDriverFeatures, uint32(accepted>>32))

	status |= StatusFeaturesOK
	t.Write32(RegStatus, status)
	if t.Read32(RegStatus)&StatusFeaturesOK == 0 {
		t.Write32(RegStatus, StatusFailed)
		return nil, fmt.Errorf("%w: features not accepted", ErrBadDevice)
	}

	d.readConfig()

	var err error
	if d.rxq, err = d.setupQueue(QueueRX); err != nil {
		return nil, err
	}
	if d.txq, err = d.setupQueue(QueueTX); err != nil {
		return nil, err
	}

	d.txHdr, err = mem.Alloc(HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: alloc tx header: %w", err)
	}
	d.txData, err = mem.Alloc(MaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: alloc tx buffer: %w", err)
	}

	for i := range d.rxBufs {
		d.rxBufs[i].region, err = mem.Alloc(HeaderSize + MaxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("virtio: alloc rx buffer %d: %w", i, err)
		}
	}

	status |= StatusDriverOK
	t.Write32(RegStatus, status)
	if t.Read32(RegStatus)&StatusDriverOK == 0 {
		return nil, fmt.Errorf("%w: driver not accepted", ErrBadDevice)
	}

	d.postRXBuffers()

	d.log.Info("virtio-net: device up",
		"mac", d.mac.String(),
		"mtu", d.mtu,
		"features", fmt.Sprintf("0x%x", d.features),
		"rxQueue", d.rxq.Size(),
		"txQueue", d.txq.Size())
	return d, nil
}

func (d *Device) readConfig() {
	d.mac = make(net.HardwareAddr, 6)
	if d.features&FeatureNetMAC != 0 {
		for i := 0; i < 6; i++ {
			d.mac[i] = d.t.ReadConfig8(cfgMAC + uint32(i))
		}
	} else {
		// Locally administered fallback.
		copy(d.mac, []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	}

	d.mtu = 1500
	if d.features&FeatureNetMTU != 0 {
		d.mtu = uint16(d.t.ReadConfig8(cfgMTU)) | uint16(d.t.ReadConfig8(cfgMTU+1))<<8
	}

	d.linkUp = true
	if d.features&FeatureNetStatus != 0 {
		status := uint16(d.t.ReadConfig8(cfgStatus)) | uint16(d.t.ReadConfig8(cfgStatus+1))<<8
		d.linkUp = status&netStatusLinkUp != 0
	}
}

func (d *Device) setupQueue(idx uint32) (*Queue, error) {
	d.t.Write32(RegQueueSel, idx)
	max := d.t.Read32(RegQueueNumMax)
	if max == 0 {
		return nil, fmt.Errorf("%w: queue %d unavailable", ErrBadDevice, idx)
	}
	size := uint16(QueueSize)
	if max < uint32(size) {
		size = uint16(max)
	}

	q, err := NewQueue(d.mem, size)
	if err != nil {
		return nil, err
	}

	d.t.Write32(RegQueueNum, uint32(size))
	d.t.Write32(RegQueueDescLow, uint32(q.DescAddr()))
	d.t.Write32(RegQueueDescHigh, uint32(q.DescAddr()>>32))
	d.t.Write32(RegQueueAvailLow, uint32(q.AvailAddr()))
	d.t.Write32(RegQueueAvailHigh, uint32(q.AvailAddr()>>32))
	d.t.Write32(RegQueueUsedLow, uint32(q.UsedAddr()))
	d.t.Write32(RegQueueUsedHigh, uint32(q.UsedAddr()>>32))
	d.t.Write32(RegQueueReady, 1)
	return q, nil
}

// postRXBuffers posts every idle receive buffer to the RX ring and kicks
// the device if anything was posted.
func (d *Device) postRXBuffers() {
	posted := 0
	for i := range d.rxBufs {
		rb := &d.rxBufs[i]
		if rb.inUse {
			continue
		}
		head, err := d.rxq.PostChain([]ChainBuf{{
			Region:  rb.region,
			Len:     HeaderSize + MaxPacketSize,
			DeviceW: true,
		}})
		if err != nil {
			break
		}
		rb.descIdx = head
		rb.inUse = true
		posted++
	}
	if posted > 0 {
		d.t.Write32(RegQueueNotify, QueueRX)
	}
}

// MAC returns the interface hardware address reported by the device.
func (d *Device) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

// MTU returns the device MTU advice (1500 when the feature is absent).
func (d *Device) MTU() uint16 { return d.mtu }

// Features returns the negotiated feature bits.
func (d *Device) Features() uint64 { return d.features }

// Stats returns a copy of the packet counters.
func (d *Device) Stats() Stats { return d.stats }

// LinkUp re-reads link state from config space when the STATUS feature was
// negotiated, else reports the link as permanently up.
func (d *Device) LinkUp() bool {
	if d.features&FeatureNetStatus != 0 {
		status := uint16(d.t.ReadConfig8(cfgStatus)) | uint16(d.t.ReadConfig8(cfgStatus+1))<<8
		d.linkUp = status&netStatusLinkUp != 0
	}
	return d.linkUp
}

// AckInterrupt acknowledges any pending interrupt cause. Harmless to call
// when nothing is pending; the polled datapath calls it opportunistically.
func (d *Device) AckInterrupt() {
	if cause := d.t.Read32(RegInterruptStatus); cause != 0 {
		d.t.Write32(RegInterruptAck, cause)
	}
}

// Send transmits one frame and waits for the device to consume it. The
// frame travels as a two-descriptor chain: the 10-byte virtio-net header
// (always GSO_NONE, no checksum offload) followed by the frame bytes.
func (d *Device) Send(frame []byte) (int, error) {
	if len(frame) == 0 || len(frame) > MaxPacketSize {
		d.stats.TxErrors++
		return 0, fmt.Errorf("%w: frame length %d", ErrInvalidArgument, len(frame))
	}

	var hdr [HeaderSize]byte // flags=0, gso_type=GSO_NONE, rest zero
	if _, err := d.mem.WriteAt(hdr[:], int64(d.txHdr.Addr)); err != nil {
		d.stats.TxErrors++
		return 0, err
	}
	if _, err := d.mem.WriteAt(frame, int64(d.txData.Addr)); err != nil {
		d.stats.TxErrors++
		return 0, err
	}

	head, err := d.txq.PostChain([]ChainBuf{
		{Region: d.txHdr, Len: HeaderSize},
		{Region: d.txData, Len: uint32(len(frame))},
	})
	if err != nil {
		d.stats.TxErrors++
		return 0, err
	}
	d.t.Write32(RegQueueNotify, QueueTX)

	for spin := 0; spin < txSpinBudget; spin++ {
		d.AckInterrupt()
		if id, _, ok := d.txq.PopUsed(); ok {
			d.txq.FreeChain(id)
			d.stats.TxPackets++
			d.stats.TxBytes += uint64(len(frame))
			return len(frame), nil
		}
	}

	// The chain stays with the device; reclaiming it here would break the
	// descriptor ownership invariant.
	d.stats.TxErrors++
	return 0, fmt.Errorf("%w: tx completion for descriptor %d", ErrTimeout, head)
}

// Poll reports whether a received frame is waiting in the used ring.
func (d *Device) Poll() bool {
	return d.rxq.Pending()
}

// Recv drains at most one completed receive buffer into buf, strips the
// virtio-net header and reposts the buffer. Returns 0 when no frame is
// pending. Frames longer than buf are truncated and counted as dropped.
func (d *Device) Recv(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidArgument
	}

	d.AckInterrupt()

	head, written, ok := d.rxq.PopUsed()
	if !ok {
		return 0, nil
	}

	var rb *rxBuffer
	for i := range d.rxBufs {
		if d.rxBufs[i].inUse && d.rxBufs[i].descIdx == head {
			rb = &d.rxBufs[i]
			break
		}
	}
	if rb == nil {
		// Completion for a descriptor we never posted.
		d.rxq.FreeChain(head)
		d.stats.RxErrors++
		return 0, fmt.Errorf("%w: unknown rx descriptor %d", ErrBadDevice, head)
	}

	n := 0
	if written > HeaderSize {
		n = int(written) - HeaderSize
		if n > len(buf) {
			n = len(buf)
			d.stats.RxDropped++
		}
		if _, err := d.mem.ReadAt(buf[:n], int64(rb.region.Addr+HeaderSize)); err != nil {
			n = 0
			d.stats.RxErrors++
		}
	}

	rb.inUse = false
	d.rxq.FreeChain(head)
	d.postRXBuffers()

	if n > 0 {
		d.stats.RxPackets++
		d.stats.RxBytes += uint64(n)
	}
	return n, nil
}
