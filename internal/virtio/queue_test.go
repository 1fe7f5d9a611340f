package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vnet/internal/dma"
)

func testArena(t *testing.T) *dma.Arena {
	t.Helper()
	mem, err := dma.NewArena(0x4000_0000, 1<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return mem
}

// deviceComplete plays the device side of a queue: it marks head used with
// the given byte count by writing the used element and then the used index,
// straight into the arena.
func deviceComplete(t *testing.T, mem *dma.Arena, q *Queue, slot, head uint16, written uint32) {
	t.Helper()
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if _, err := mem.WriteAt(elem[:], int64(q.UsedAddr()+4+uint64(slot%q.Size())*8)); err != nil {
		t.Fatalf("write used element: %v", err)
	}
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], slot+1)
	if _, err := mem.WriteAt(idx[:], int64(q.UsedAddr()+2)); err != nil {
		t.Fatalf("write used index: %v", err)
	}
}

func TestNewQueueRejectsBadSize(t *testing.T) {
	mem := testArena(t)
	for _, size := range []uint16{0, 3, 6, 100} {
		if _, err := NewQueue(mem, size); err == nil {
			t.Errorf("NewQueue(%d) should have failed", size)
		}
	}
}

func TestAllocDescLIFO(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 8)
	if err != nil {
		t.Fatal(err)
	}

	// The free list is threaded in order at construction.
	for want := uint16(0); want < 3; want++ {
		got, err := q.AllocDesc()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("AllocDesc = %d, want %d", got, want)
		}
	}

	// A freed descriptor is handed out again first.
	q.FreeDesc(1)
	got, err := q.AllocDesc()
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("AllocDesc after FreeDesc(1) = %d, want 1", got)
	}
	if q.NumFree() != 5 {
		t.Fatalf("NumFree = %d, want 5", q.NumFree())
	}
}

func TestAllocDescExhaustion(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := q.AllocDesc(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.AllocDesc(); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("AllocDesc on empty free list = %v, want ErrQueueFull", err)
	}
}

func TestPostChainRollsBackOnFailure(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 4)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := mem.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	// Leave only one free descriptor, then ask for a two-buffer chain.
	for i := 0; i < 3; i++ {
		if _, err := q.AllocDesc(); err != nil {
			t.Fatal(err)
		}
	}
	if q.NumFree() != 1 {
		t.Fatalf("NumFree = %d, want 1", q.NumFree())
	}

	_, err = q.PostChain([]ChainBuf{
		{Region: buf, Len: 32},
		{Region: buf, Len: 32},
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("PostChain = %v, want ErrQueueFull", err)
	}
	if q.NumFree() != 1 {
		t.Fatalf("NumFree after rollback = %d, want 1", q.NumFree())
	}
}

func TestPostChainPublishesRing(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	a, err := mem.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mem.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}

	head, err := q.PostChain([]ChainBuf{
		{Region: a, Len: 10},
		{Region: b, Len: 100, DeviceW: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.NumFree() != 6 {
		t.Fatalf("NumFree = %d, want 6", q.NumFree())
	}

	// First descriptor: chained, read-only, pointing at a.
	addr, length, flags, next := q.readDesc(head)
	if addr != a.Addr || length != 10 {
		t.Fatalf("head desc = (0x%x, %d), want (0x%x, 10)", addr, length, a.Addr)
	}
	if flags != DescFNext {
		t.Fatalf("head flags = 0x%x, want DescFNext", flags)
	}

	// Second descriptor: terminal, device-writable, pointing at b.
	addr, length, flags, _ = q.readDesc(next)
	if addr != b.Addr || length != 100 {
		t.Fatalf("tail desc = (0x%x, %d), want (0x%x, 100)", addr, length, b.Addr)
	}
	if flags != DescFWrite {
		t.Fatalf("tail flags = 0x%x, want DescFWrite", flags)
	}

	// Avail ring: index advanced to 1, slot 0 carries the head.
	var idx [2]byte
	mem.ReadAt(idx[:], int64(q.AvailAddr()+2)) //nolint:errcheck
	if got := binary.LittleEndian.Uint16(idx[:]); got != 1 {
		t.Fatalf("avail idx = %d, want 1", got)
	}
	var slot [2]byte
	mem.ReadAt(slot[:], int64(q.AvailAddr()+4)) //nolint:errcheck
	if got := binary.LittleEndian.Uint16(slot[:]); got != head {
		t.Fatalf("avail ring[0] = %d, want %d", got, head)
	}
}

func TestPopUsedAndFreeChain(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := mem.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, ok := q.PopUsed(); ok {
		t.Fatal("PopUsed on idle queue reported a completion")
	}

	head, err := q.PostChain([]ChainBuf{
		{Region: buf, Len: 10},
		{Region: buf, Len: 100},
	})
	if err != nil {
		t.Fatal(err)
	}

	deviceComplete(t, mem, q, 0, head, 42)

	if !q.Pending() {
		t.Fatal("Pending = false with a completion outstanding")
	}
	got, written, ok := q.PopUsed()
	if !ok || got != head || written != 42 {
		t.Fatalf("PopUsed = (%d, %d, %v), want (%d, 42, true)", got, written, ok, head)
	}
	if q.Pending() {
		t.Fatal("Pending = true after the completion was reclaimed")
	}

	q.FreeChain(head)
	if q.NumFree() != q.Size() {
		t.Fatalf("NumFree after FreeChain = %d, want %d", q.NumFree(), q.Size())
	}
}

// TestQueueWraparound cycles a small queue well past 65536/size to cover
// index wrap in both rings.
func TestQueueWraparound(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 4)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := mem.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 1000; i++ {
		head, err := q.PostChain([]ChainBuf{{Region: buf, Len: 64, DeviceW: true}})
		if err != nil {
			t.Fatalf("iteration %d: PostChain: %v", i, err)
		}
		deviceComplete(t, mem, q, uint16(i), head, 64)
		got, _, ok := q.PopUsed()
		if !ok || got != head {
			t.Fatalf("iteration %d: PopUsed = (%d, %v), want (%d, true)", i, got, ok, head)
		}
		q.FreeChain(head)

		if q.NumFree() != q.Size() {
			t.Fatalf("iteration %d: NumFree = %d, want %d", i, q.NumFree(), q.Size())
		}
	}
}

// TestDescriptorConservation keeps several chains in flight at once and
// checks that free plus device-owned descriptors always totals the queue
// size.
func TestDescriptorConservation(t *testing.T) {
	mem := testArena(t)
	q, err := NewQueue(mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := mem.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	var heads []uint16
	for i := 0; i < 4; i++ {
		head, err := q.PostChain([]ChainBuf{
			{Region: buf, Len: 32},
			{Region: buf, Len: 32},
		})
		if err != nil {
			t.Fatal(err)
		}
		heads = append(heads, head)
		owned := uint16(2 * (i + 1))
		if q.NumFree()+owned != q.Size() {
			t.Fatalf("after post %d: NumFree %d + owned %d != size %d",
				i, q.NumFree(), owned, q.Size())
		}
	}

	for i, head := range heads {
		deviceComplete(t, mem, q, uint16(i), head, 0)
		got, _, ok := q.PopUsed()
		if !ok || got != head {
			t.Fatalf("PopUsed = (%d, %v), want (%d, true)", got, ok, head)
		}
		q.FreeChain(head)
	}
	if q.NumFree() != q.Size() {
		t.Fatalf("NumFree = %d, want %d", q.NumFree(), q.Size())
	}
}
