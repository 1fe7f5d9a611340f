// Package vdev is an in-process virtio-net device model: the device end of
// the MMIO register window and the split virtqueues the driver package
// talks to. Tests and the demo command use it in place of real hardware.
//
// Frames the guest transmits are handed to a Backend; frames from the
// outside world enter through InjectRx and are delivered once the guest
// has receive buffers posted.
package vdev

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/vnet/internal/dma"
	"github.com/tinyrange/vnet/internal/virtio"
)

const (
	queueCount  = 2
	queueNumMax = 256
	vendorID    = 0x554d4551 // "QEMU"
	version     = 2

	// Backpressure bound for frames awaiting guest RX buffers.
	maxPendingRx = 256
)

// Backend consumes frames the guest transmits.
type Backend interface {
	HandleTx(frame []byte) error
}

// DiscardBackend drops every transmitted frame.
type DiscardBackend struct{}

func (DiscardBackend) HandleTx([]byte) error { return nil }

type vqState struct {
	size      uint16
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	lastAvail uint16
	usedIdx   uint16
}

func (q *vqState) reset() {
	*q = vqState{}
}

// Device is one virtio-net device model. It implements virtio.Transport.
type Device struct {
	mu      sync.Mutex
	mem     dma.Memory
	log     *slog.Logger
	backend Backend

	mac    [6]byte
	mtu    uint16
	linkUp bool

	status         uint32
	deviceFeatSel  uint32
	driverFeatSel  uint32
	driverFeatures [2]uint32
	queueSel       uint32
	intrStatus     uint32

	queues  [queueCount]vqState
	pending [][]byte

	txFrames int
	rxFrames int
}

// New builds a device model over the given memory. The backend may be nil,
// in which case transmitted frames are discarded.
func New(mem dma.Memory, mac net.HardwareAddr, backend Backend, log *slog.Logger) *Device {
	if len(mac) != 6 {
		panic("vdev: mac must be 6 bytes")
	}
	if backend == nil {
		backend = DiscardBackend{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		mem:     mem,
		log:     log,
		backend: backend,
		mtu:     1500,
		linkUp:  true,
	}
	copy(d.mac[:], mac)
	return d
}

// SetLinkUp changes the link state reported through config space.
func (d *Device) SetLinkUp(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkUp = up
}

func (d *Device) deviceFeatures() uint64 {
	return virtio.FeatureNetMAC | virtio.FeatureNetStatus | virtio.FeatureNetMTU |
		uint64(1)<<32 // VIRTIO_F_VERSION_1
}

// Read32 implements virtio.Transport.
func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegMagicValue:
		return virtio.MagicValue
	case virtio.RegVersion:
		return version
	case virtio.RegDeviceID:
		return virtio.DeviceIDNet
	case virtio.RegVendorID:
		return vendorID
	case virtio.RegDeviceFeatures:
		if d.deviceFeatSel == 0 {
			return uint32(d.deviceFeatures())
		}
		return uint32(d.deviceFeatures() >> 32)
	case virtio.RegQueueNumMax:
		if d.queueSel < queueCount {
			return queueNumMax
		}
		return 0
	case virtio.RegInterruptStatus:
		return d.intrStatus
	case virtio.RegStatus:
		return d.status
	}
	return 0
}

// Write32 implements virtio.Transport.
func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegDeviceFeaturesSel:
		d.deviceFeatSel = v
	case virtio.RegDriverFeaturesSel:
		d.driverFeatSel = v
	case virtio.RegDriverFeatures:
		if d.driverFeatSel < 2 {
			d.driverFeatures[d.driverFeatSel] = v
		}
	case virtio.RegQueueSel:
		d.queueSel = v
	case virtio.RegQueueNum:
		if q := d.selected(); q != nil {
			q.size = uint16(v)
		}
	case virtio.RegQueueReady:
		if q := d.selected(); q != nil {
			q.ready = v != 0
		}
	case virtio.RegQueueDescLow:
		if q := d.selected(); q != nil {
			q.descAddr = q.descAddr&^uint64(0xffffffff) | uint64(v)
		}
	case virtio.RegQueueDescHigh:
		if q := d.selected(); q != nil {
			q.descAddr = q.descAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case virtio.RegQueueAvailLow:
		if q := d.selected(); q != nil {
			q.availAddr = q.availAddr&^uint64(0xffffffff) | uint64(v)
		}
	case virtio.RegQueueAvailHigh:
		if q := d.selected(); q != nil {
			q.availAddr = q.availAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case virtio.RegQueueUsedLow:
		if q := d.selected(); q != nil {
			q.usedAddr = q.usedAddr&^uint64(0xffffffff) | uint64(v)
		}
	case virtio.RegQueueUsedHigh:
		if q := d.selected(); q != nil {
			q.usedAddr = q.usedAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case virtio.RegQueueNotify:
		// TX frames are dispatched to the backend outside the lock so a
		// backend may loop frames straight back via InjectRx.
		frames := d.handleNotify(v)
		if len(frames) > 0 {
			d.mu.Unlock()
			for _, frame := range frames {
				if err := d.backend.HandleTx(frame); err != nil {
					d.log.Debug("vdev: backend rejected frame", "err", err)
				}
			}
			d.mu.Lock()
		}
	case virtio.RegInterruptAck:
		d.intrStatus &^= v
	case virtio.RegStatus:
		if v == 0 {
			d.resetLocked()
		}
		d.status = v
	}
}

// ReadConfig8 implements virtio.Transport. Layout: mac[6], status u16,
// max_virtqueue_pairs u16, mtu u16, all little-endian.
func (d *Device) ReadConfig8(off uint32) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cfg [12]byte
	copy(cfg[0:6], d.mac[:])
	var status uint16
	if d.linkUp {
		status = 1
	}
	binary.LittleEndian.PutUint16(cfg[6:8], status)
	binary.LittleEndian.PutUint16(cfg[8:10], 1)
	binary.LittleEndian.PutUint16(cfg[10:12], d.mtu)
	if int(off) >= len(cfg) {
		return 0
	}
	return cfg[off]
}

func (d *Device) selected() *vqState {
	if d.queueSel >= queueCount {
		return nil
	}
	return &d.queues[d.queueSel]
}

func (d *Device) resetLocked() {
	for i := range d.queues {
		d.queues[i].reset()
	}
	d.intrStatus = 0
	d.pending = nil
	d.driverFeatures = [2]uint32{}
}

func (d *Device) handleNotify(queue uint32) [][]byte {
	switch queue {
	case virtio.QueueRX:
		d.flushPendingLocked()
		return nil
	case virtio.QueueTX:
		return d.drainTxLocked()
	default:
		return nil
	}
}

// InjectRx queues one frame for delivery into the guest's receive ring.
// Frames beyond the pending bound are dropped, mirroring what a saturated
// NIC does when the guest is slow to replenish buffers.
func (d *Device) InjectRx(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) >= maxPendingRx {
		d.log.Debug("vdev: rx backlog full, dropping frame", "len", len(frame))
		return
	}
	d.pending = append(d.pending, append([]byte(nil), frame...))
	d.flushPendingLocked()
}

// TxFrames and RxFrames report how many frames crossed the device.
func (d *Device) TxFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txFrames
}

func (d *Device) RxFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxFrames
}

////////////////////////////////////////////////////////////////////////////////
// Device-side ring walking.
////////////////////////////////////////////////////////////////////////////////

type descriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (d *Device) readDescriptor(q *vqState, idx uint16) (descriptor, error) {
	if idx >= q.size {
		return descriptor{}, fmt.Errorf("vdev: descriptor index %d out of bounds (size %d)", idx, q.size)
	}
	var buf [16]byte
	if _, err := d.mem.ReadAt(buf[:], int64(q.descAddr+uint64(idx)*16)); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// popAvail returns the next unconsumed avail-ring head, if any.
func (d *Device) popAvail(q *vqState) (uint16, bool, error) {
	if !q.ready || q.size == 0 {
		return 0, false, nil
	}
	var idxBuf [2]byte
	if _, err := d.mem.ReadAt(idxBuf[:], int64(q.availAddr+2)); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if q.lastAvail == availIdx {
		return 0, false, nil
	}

	slot := q.lastAvail % q.size
	var headBuf [2]byte
	if _, err := d.mem.ReadAt(headBuf[:], int64(q.availAddr+4+uint64(slot)*2)); err != nil {
		return 0, false, err
	}
	q.lastAvail++
	return binary.LittleEndian.Uint16(headBuf[:]), true, nil
}

func (d *Device) putUsed(q *vqState, head uint16, length uint32) error {
	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if _, err := d.mem.WriteAt(elem[:], int64(base)); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if _, err := d.mem.WriteAt(idxBuf[:], int64(q.usedAddr+2)); err != nil {
		return err
	}
	d.intrStatus |= 1
	return nil
}

// drainTxLocked consumes every posted TX chain: strip the virtio-net
// header, report the chain used, and return the frames for dispatch to
// the backend once the lock is released.
func (d *Device) drainTxLocked() [][]byte {
	q := &d.queues[virtio.QueueTX]
	var frames [][]byte
	for {
		head, ok, err := d.popAvail(q)
		if err != nil {
			d.log.Debug("vdev: tx avail read failed", "err", err)
			return frames
		}
		if !ok {
			return frames
		}

		var packet []byte
		total := uint32(0)
		idx := head
		for hop := uint16(0); hop < q.size; hop++ {
			desc, err := d.readDescriptor(q, idx)
			if err != nil {
				d.log.Debug("vdev: tx descriptor read failed", "err", err)
				break
			}
			if desc.flags&virtio.DescFWrite == 0 && desc.length > 0 {
				buf := make([]byte, desc.length)
				if _, err := d.mem.ReadAt(buf, int64(desc.addr)); err != nil {
					d.log.Debug("vdev: tx payload read failed", "err", err)
					break
				}
				packet = append(packet, buf...)
				total += desc.length
			}
			if desc.flags&virtio.DescFNext == 0 {
				break
			}
			idx = desc.next
		}

		if len(packet) > virtio.HeaderSize {
			d.txFrames++
			frames = append(frames, packet[virtio.HeaderSize:])
		}
		if err := d.putUsed(q, head, total); err != nil {
			d.log.Debug("vdev: tx used write failed", "err", err)
			return frames
		}
	}
}

// flushPendingLocked delivers queued RX frames into posted guest buffers.
func (d *Device) flushPendingLocked() {
	q := &d.queues[virtio.QueueRX]
	for len(d.pending) > 0 {
		head, ok, err := d.popAvail(q)
		if err != nil || !ok {
			return
		}
		desc, err := d.readDescriptor(q, head)
		if err != nil || desc.flags&virtio.DescFWrite == 0 {
			// Unusable buffer; report it consumed with nothing written.
			d.putUsed(q, head, 0) //nolint:errcheck
			continue
		}

		frame := d.pending[0]
		need := uint32(virtio.HeaderSize + len(frame))
		if need > desc.length {
			d.log.Debug("vdev: rx buffer too small, dropping frame",
				"need", need, "have", desc.length)
			d.pending = d.pending[1:]
			d.putUsed(q, head, 0) //nolint:errcheck
			continue
		}

		var hdr [virtio.HeaderSize]byte
		if _, err := d.mem.WriteAt(hdr[:], int64(desc.addr)); err != nil {
			return
		}
		if _, err := d.mem.WriteAt(frame, int64(desc.addr+virtio.HeaderSize)); err != nil {
			return
		}
		d.pending = d.pending[1:]
		d.rxFrames++
		if err := d.putUsed(q, head, need); err != nil {
			return
		}
	}
}
