package vmm

import (
	"testing"
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/boot"
	"github.com/anillo-os/anillo-os/kernel/cpu"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
)

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

// fakeFrame wraps a page-aligned Go buffer as a PhysicalFrame whose
// Address().ToVirtual() round-trips back to buf's own address,
// regardless of mem.PhysicalMappedBase's absolute value.
func fakeFrame(buf []byte, pageCount uint64) pmm.PhysicalFrame {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	phys := mem.PhysicalAddress(addr) - mem.PhysicalMappedBase
	return pmm.FromUnallocated(phys, pageCount)
}

// withFakeFrames makes every allocateFrameFn call (the root-table frame
// and every virtual free-block header frame a region grows) hand back a
// fresh Go-owned buffer instead of requiring a live PMM region.
func withFakeFrames(t *testing.T) {
	t.Helper()
	orig := allocateFrameFn
	t.Cleanup(func() { allocateFrameFn = orig })
	allocateFrameFn = func(pageCount uint64) (pmm.PhysicalFrame, *kernel.Error) {
		return fakeFrame(pageAligned(t, pageCount), pageCount), nil
	}
}

func TestNewAssignsUniqueIncreasingIDs(t *testing.T) {
	withFakeFrames(t)

	a, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID() <= a.ID() {
		t.Errorf("expected strictly increasing address space IDs; got %d then %d", a.ID(), b.ID())
	}

	a.Release()
	b.Release()
}

func TestAllocateAndFreeLowerHalf(t *testing.T) {
	withFakeFrames(t)

	as, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	addr, err := as.Allocate(4, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr == 0 {
		t.Error("expected a nonzero virtual address")
	}

	as.Free(addr, 4, false)
	as.Release()
}

func TestAllocateAlignedRespectsAlignment(t *testing.T) {
	withFakeFrames(t)

	as, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const alignmentPow = 14 // 16 KiB, 4 pages
	addr, err := as.AllocateAligned(2, alignmentPow, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr%(uint64(1)<<alignmentPow) != 0 {
		t.Errorf("expected address %#x to be aligned to 2^%d", addr, alignmentPow)
	}

	as.Free(addr, 2, true)
	as.Release()
}

func TestAllocateGrowsMultipleRegionsAsNeeded(t *testing.T) {
	withFakeFrames(t)

	as, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	size := defaultRegionPageCount()
	first, err := as.Allocate(size, false)
	if err != nil {
		t.Fatalf("unexpected error on first allocation: %v", err)
	}
	second, err := as.Allocate(size, false)
	if err != nil {
		t.Fatalf("unexpected error forcing a second region to grow: %v", err)
	}
	if len(as.lowerHalf) < 2 {
		t.Errorf("expected at least 2 lower-half regions after exhausting the first; got %d", len(as.lowerHalf))
	}

	as.Free(first, size, false)
	as.Free(second, size, false)
	as.Release()
}

// TestLowerHalfWatermarkDescendsMonotonicallyAcrossRegions documents
// next_lower_half_top's invariant (spec.md §6, scenario S6): each new
// lower-half region links below every region already carved out, so the
// watermark only ever moves down, and no resulting region's pages cross
// into the reserved upper-half L4 indices.
func TestLowerHalfWatermarkDescendsMonotonicallyAcrossRegions(t *testing.T) {
	withFakeFrames(t)

	as, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	size := defaultRegionPageCount()
	watermarks := make([]uint64, 0, 3)
	addrs := make([]uint64, 0, 3)
	watermarks = append(watermarks, as.nextLowerHalfTop)

	for i := 0; i < 3; i++ {
		addr, err := as.Allocate(size, false)
		if err != nil {
			t.Fatalf("unexpected error on allocation %d: %v", i, err)
		}
		addrs = append(addrs, addr)
		watermarks = append(watermarks, as.nextLowerHalfTop)
	}

	for i := 1; i < len(watermarks); i++ {
		if watermarks[i] >= watermarks[i-1] {
			t.Errorf("expected nextLowerHalfTop to strictly decrease; step %d went from %#x to %#x", i, watermarks[i-1], watermarks[i])
		}
	}

	regionBytes := size * uint64(mem.PageSize)
	for i, addr := range addrs {
		if rangeIsReserved(addr, regionBytes) {
			t.Errorf("lower-half region %d at %#x (size %#x) overlaps a reserved L4 index", i, addr, regionBytes)
		}
	}

	for i := len(addrs) - 1; i >= 0; i-- {
		as.Free(addrs[i], size, false)
	}
	as.Release()
}

func TestActivateLoadsRootTableOnCPU(t *testing.T) {
	withFakeFrames(t)
	origSwitch := cpu.SwitchPDT
	t.Cleanup(func() { cpu.SwitchPDT = origSwitch })

	var switchedTo uintptr
	cpu.SwitchPDT = func(root uintptr) { switchedTo = root }

	as, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	as.Activate()
	if switchedTo != uintptr(as.RootTableAddress()) {
		t.Errorf("expected Activate to switch to the address space's root table address %#x; got %#x", as.RootTableAddress(), switchedTo)
	}

	as.Release()
}

func TestInitializeWithoutSegmentsKeepsDefaultKernelL4Index(t *testing.T) {
	orig := kernelL4Start
	t.Cleanup(func() { kernelL4Start = orig })

	Initialize(boot.KernelImageInfo{})
	if kernelL4Start != uint64(mem.PhysicalMemoryL4Index) {
		t.Errorf("expected an empty segment list to leave kernelL4Start unchanged; got %d", kernelL4Start)
	}
}
