package pslab

import (
	"testing"
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
)

// fakeFrame wraps a page-aligned Go buffer as a PhysicalFrame whose
// Address().ToVirtual() round-trips back to buf's own address,
// regardless of mem.PhysicalMappedBase's absolute value (both ends of
// the translation are modular arithmetic over uintptr/PhysicalAddress).
func fakeFrame(buf []byte, pageCount uint64) pmm.PhysicalFrame {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	phys := mem.PhysicalAddress(addr) - mem.PhysicalMappedBase
	return pmm.FromUnallocated(phys, pageCount)
}

// pageAligned returns a pageCount-page, page-aligned slice, carved out
// of a larger buffer so alignment can be guaranteed without relying on
// a real allocator.
func pageAligned(t *testing.T, pageCount uint64) []byte {
	t.Helper()
	raw := make([]byte, (pageCount+1)*uint64(mem.PageSize))
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	off := aligned - base
	return raw[off : off+uintptr(pageCount)*uintptr(mem.PageSize)]
}

func withFakeFrames(t *testing.T) {
	t.Helper()
	orig := allocateFrameFn
	t.Cleanup(func() { allocateFrameFn = orig })
	allocateFrameFn = func(pageCount uint64) (pmm.PhysicalFrame, *kernel.Error) {
		return fakeFrame(pageAligned(t, pageCount), pageCount), nil
	}
}

// TestAllocateAndFree exercises the common path: carving a slot out of a
// freshly created region, then returning it.
func TestAllocateAndFree(t *testing.T) {
	withFakeFrames(t)

	slab := New[int]()
	alloc, ok := slab.Allocate(42)
	if !ok {
		t.Fatal("expected Allocate to succeed against a fresh slab")
	}
	if got := *alloc.Get(); got != 42 {
		t.Errorf("expected slot value 42; got %d", got)
	}
	alloc.Free()
}

// TestAllocateReusesRegion checks that a second allocation doesn't carve
// a new region while the first still has free slots.
func TestAllocateReusesRegion(t *testing.T) {
	withFakeFrames(t)

	slab := New[int]()
	a, ok := slab.Allocate(1)
	if !ok {
		t.Fatal("expected first Allocate to succeed")
	}
	b, ok := slab.Allocate(2)
	if !ok {
		t.Fatal("expected second Allocate to succeed")
	}

	_, aRef := a.Detach()
	_, bRef := b.Detach()
	if aRef.Region() != bRef.Region() {
		t.Error("expected both slots to come from the same region")
	}

	aRef.Release()
	bRef.Release()
}

// TestDetachFromDetachedRoundTrip verifies Detach/FromDetached preserve
// the slot's value and refcounting through the round trip.
func TestDetachFromDetachedRoundTrip(t *testing.T) {
	withFakeFrames(t)

	slab := New[int]()
	alloc, ok := slab.Allocate(7)
	if !ok {
		t.Fatal("expected Allocate to succeed")
	}

	data, ref := alloc.Detach()
	if *data != 7 {
		t.Errorf("expected detached value 7; got %d", *data)
	}

	reconstituted := FromDetached[int](data, ref)
	reconstituted.Free()
}

// TestAllocateAfterRegionTornDown checks that once a region's sole slot
// is allocated and freed, the slab can still serve further allocations
// by creating a fresh region.
func TestAllocateAfterRegionTornDown(t *testing.T) {
	withFakeFrames(t)

	slab := New[int]()
	alloc, ok := slab.Allocate(1)
	if !ok {
		t.Fatal("expected Allocate to succeed")
	}
	alloc.Free()

	alloc2, ok := slab.Allocate(2)
	if !ok {
		t.Fatal("expected Allocate to succeed after the prior region was torn down")
	}
	alloc2.Free()
}

// TestFillingRegionThenDrainingItTearsDownBoth documents a deliberate
// choice: a region's refcount starts at 1 and that opening reference is
// handed straight to whichever allocation is the region's first (the
// same thing the allocation-count the region was sized for plus one more
// does to force a second region to link). Every slot after that takes
// its own reference on top, so freeing every outstanding slot in a
// region - including its first - always drives that region's count to 0
// and tears it down; there is no separate, slab-held reference that
// outlives a full drain. Filling the first region completely, forcing a
// second to link, then freeing every slot from both therefore leaves
// neither region behind: the next allocation must link a brand new one.
func TestFillingRegionThenDrainingItTearsDownBoth(t *testing.T) {
	withFakeFrames(t)

	slab := New[uint64]()
	entrySize := slotSize[uint64]()
	usable := uint64(mem.PageSize) - regionHeaderReserve
	perRegion := usable / uint64(entrySize)

	allocs := make([]Allocation[uint64], 0, perRegion+1)
	for i := uint64(0); i < perRegion+1; i++ {
		a, ok := slab.Allocate(i)
		if !ok {
			t.Fatalf("unexpected allocation failure filling slot %d", i)
		}
		allocs = append(allocs, a)
	}

	first := allocs[0]
	_, firstRegionRef := first.Detach()
	firstRegion := firstRegionRef.Region()

	last := allocs[len(allocs)-1]
	_, lastRegionRef := last.Detach()
	lastRegion := lastRegionRef.Region()

	if firstRegion == lastRegion {
		t.Fatal("expected the (perRegion+1)-th allocation to link a second region")
	}

	firstRegionRef.Release()
	lastRegionRef.Release()
	for _, a := range allocs[1 : len(allocs)-1] {
		a.Free()
	}

	again, ok := slab.Allocate(0)
	if !ok {
		t.Fatal("expected Allocate to succeed after both regions were fully drained")
	}
	_, againRef := again.Detach()
	if r := againRef.Region(); r == firstRegion || r == lastRegion {
		t.Error("expected a fully drained region to be torn down rather than kept alive at refcount 1")
	}
	againRef.Release()
}
