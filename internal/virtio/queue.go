package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vnet/internal/dma"
)

const descEntrySize = 16

// ChainBuf describes one buffer of a descriptor chain to be posted.
type ChainBuf struct {
	Region  dma.Region
	Len     uint32
	DeviceW bool // device writes into this buffer (RX)
}

// Queue is the driver side of one split virtqueue. It owns the descriptor
// table, the available ring and the free-descriptor list; the device owns
// the used ring. Free descriptors are threaded through the Next field of
// the table itself and handed out LIFO.
//
// Every descriptor index is in exactly one place at any time: on the free
// list, referenced by one avail-ring entry the device has not consumed, or
// referenced by one used-ring entry the driver has not reclaimed. NumFree
// plus descriptors owned by the device always equals the queue size.
type Queue struct {
	size uint16
	mem  *dma.Arena

	desc  dma.Region
	avail dma.Region
	used  dma.Region

	freeHead uint16
	numFree  uint16
	lastUsed uint16
	availIdx uint16
}

// NewQueue allocates the three rings for a queue of the given size (which
// must be a power of two) and links every descriptor onto the free list.
func NewQueue(mem *dma.Arena, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}

	desc, err := mem.Alloc(int(size) * descEntrySize)
	if err != nil {
		return nil, fmt.Errorf("virtio: alloc descriptor table: %w", err)
	}
	// flags u16 + idx u16 + ring entries + used_event u16
	avail, err := mem.Alloc(6 + 2*int(size))
	if err != nil {
		return nil, fmt.Errorf("virtio: alloc avail ring: %w", err)
	}
	// flags u16 + idx u16 + 8-byte used elements + avail_event u16
	used, err := mem.Alloc(6 + 8*int(size))
	if err != nil {
		return nil, fmt.Errorf("virtio: alloc used ring: %w", err)
	}

	q := &Queue{
		size:    size,
		mem:     mem,
		desc:    desc,
		avail:   avail,
		used:    used,
		numFree: size,
	}
	for i := uint16(0); i < size-1; i++ {
		q.writeDesc(i, 0, 0, 0, i+1)
	}
	q.writeDesc(size-1, 0, 0, 0, 0)
	return q, nil
}

// Size returns the queue capacity in descriptors.
func (q *Queue) Size() uint16 { return q.size }

// NumFree returns the number of descriptors on the free list.
func (q *Queue) NumFree() uint16 { return q.numFree }

// DescAddr, AvailAddr and UsedAddr report the bus addresses the device is
// programmed with.
func (q *Queue) DescAddr() uint64  { return q.desc.Addr }
func (q *Queue) AvailAddr() uint64 { return q.avail.Addr }
func (q *Queue) UsedAddr() uint64  { return q.used.Addr }

func (q *Queue) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	var buf [descEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	q.mem.WriteAt(buf[:], int64(q.desc.Addr+uint64(idx)*descEntrySize)) //nolint:errcheck
}

func (q *Queue) readDesc(idx uint16) (addr uint64, length uint32, flags, next uint16) {
	var buf [descEntrySize]byte
	q.mem.ReadAt(buf[:], int64(q.desc.Addr+uint64(idx)*descEntrySize)) //nolint:errcheck
	return binary.LittleEndian.Uint64(buf[0:8]),
		binary.LittleEndian.Uint32(buf[8:12]),
		binary.LittleEndian.Uint16(buf[12:14]),
		binary.LittleEndian.Uint16(buf[14:16])
}

// AllocDesc takes one descriptor off the free list.
func (q *Queue) AllocDesc() (uint16, error) {
	if q.numFree == 0 {
		return 0, ErrQueueFull
	}
	idx := q.freeHead
	_, _, _, next := q.readDesc(idx)
	q.freeHead = next
	q.numFree--
	return idx, nil
}

// FreeDesc returns one descriptor to the head of the free list.
func (q *Queue) FreeDesc(idx uint16) {
	q.writeDesc(idx, 0, 0, 0, q.freeHead)
	q.freeHead = idx
	q.numFree++
}

// PostChain allocates descriptors for the given buffers, links them into a
// chain and publishes the head on the available ring. On allocation failure
// every descriptor taken so far goes back to the free list and ErrQueueFull
// is returned; the caller treats that as transient backpressure.
//
// The descriptor contents are fully written before the avail index is
// advanced, so the device can never observe a published head whose chain is
// still being assembled.
func (q *Queue) PostChain(bufs []ChainBuf) (uint16, error) {
	if len(bufs) == 0 {
		return 0, ErrInvalidArgument
	}

	idxs := make([]uint16, 0, len(bufs))
	for range bufs {
		idx, err := q.AllocDesc()
		if err != nil {
			for _, i := range idxs {
				q.FreeDesc(i)
			}
			return 0, err
		}
		idxs = append(idxs, idx)
	}

	for i, b := range bufs {
		var flags uint16
		next := uint16(0)
		if i < len(bufs)-1 {
			flags |= DescFNext
			next = idxs[i+1]
		}
		if b.DeviceW {
			flags |= DescFWrite
		}
		q.writeDesc(idxs[i], b.Region.Addr, b.Len, flags, next)
	}

	q.pushAvail(idxs[0])
	return idxs[0], nil
}

func (q *Queue) pushAvail(head uint16) {
	slot := q.availIdx % q.size
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], head)
	q.mem.WriteAt(buf[:], int64(q.avail.Addr+4+uint64(slot)*2)) //nolint:errcheck

	// Ring entry first, then the index the device polls on.
	q.availIdx++
	binary.LittleEndian.PutUint16(buf[:], q.availIdx)
	q.mem.WriteAt(buf[:], int64(q.avail.Addr+2)) //nolint:errcheck
}

// PopUsed reclaims one completion from the used ring, returning the head
// descriptor id and the byte count the device reported. It does not free
// the chain; callers do that once they are done with the buffers.
func (q *Queue) PopUsed() (head uint16, written uint32, ok bool) {
	// Device-written index is read before the element it guards.
	var idxBuf [2]byte
	q.mem.ReadAt(idxBuf[:], int64(q.used.Addr+2)) //nolint:errcheck
	deviceIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if q.lastUsed == deviceIdx {
		return 0, 0, false
	}

	slot := q.lastUsed % q.size
	var elem [8]byte
	q.mem.ReadAt(elem[:], int64(q.used.Addr+4+uint64(slot)*8)) //nolint:errcheck
	head = uint16(binary.LittleEndian.Uint32(elem[0:4]))
	written = binary.LittleEndian.Uint32(elem[4:8])
	q.lastUsed++
	return head, written, true
}

// FreeChain walks a chain starting at head and returns every descriptor to
// the free list.
func (q *Queue) FreeChain(head uint16) {
	idx := head
	for i := uint16(0); i < q.size; i++ {
		_, _, flags, next := q.readDesc(idx)
		q.FreeDesc(idx)
		if flags&DescFNext == 0 {
			return
		}
		idx = next
	}
}

// Pending reports whether the used ring holds completions the driver has
// not reclaimed yet.
func (q *Queue) Pending() bool {
	var idxBuf [2]byte
	q.mem.ReadAt(idxBuf[:], int64(q.used.Addr+2)) //nolint:errcheck
	return q.lastUsed != binary.LittleEndian.Uint16(idxBuf[:])
}
