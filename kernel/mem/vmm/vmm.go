// Package vmm is the virtual-memory counterpart to kernel/mem/pmm: it
// manages per-address-space buddy regions over virtual addresses
// instead of physical ones, split into a lower half and a higher half
// of the canonical 48-bit address space, with a handful of L4 indices
// excluded from allocation entirely (spec.md §4.8).
//
// Reusing kernel/mem/region for the buddy bookkeeping is the whole
// point of that package's Hooks seam: virtual memory isn't mapped yet,
// so a region here can't write a FreeBlock header directly into the
// block it describes the way kernel/mem/pmm does. Instead it borrows a
// physical frame per free block to hold the header, exactly as
// spec.md §4.2/§4.7 describe.
package vmm

import (
	"sync/atomic"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/boot"
	"github.com/anillo-os/anillo-os/kernel/cpu"
	"github.com/anillo-os/anillo-os/kernel/errors"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
	"github.com/anillo-os/anillo-os/kernel/mem/region"
	"github.com/anillo-os/anillo-os/kernel/sync"
)

// l4Span is the byte range a single L4 page-table entry covers: 512
// GiB, i.e. 2^27 pages of 4 KiB (spec.md's original_source L4_ORDER).
const l4Span = uint64(1) << 39

// l4Index extracts the 9-bit L4 page-table index from a canonical
// virtual address. This works regardless of the address's sign
// extension in bits 48-63, since those always mirror bit 47, which is
// itself part of the index for addresses >= 2^47.
func l4Index(addr uint64) uint64 { return (addr >> 39) & 0x1ff }

// l4Base returns the canonical base address of L4 index idx.
func l4Base(idx uint64) uint64 {
	base := idx * l4Span
	if idx >= 256 {
		base |= 0xFFFF_0000_0000_0000
	}
	return base
}

// kernelL4Start is KERNEL_L4_START (spec.md §6): the L4 index the
// kernel image occupies, derived from the boot-supplied KernelImageInfo
// the one time Initialize runs. Until then it defaults to the same
// index as the physical map, which conveniently makes it a no-op
// exclusion (already covered by PhysicalMemoryL4Index) rather than an
// uninitialized zero that would wrongly reserve all of the lower half.
var kernelL4Start uint64 = uint64(mem.PhysicalMemoryL4Index)

// Initialize records the kernel image's L4 index so address spaces
// created afterward exclude it from allocation. Must run once, before
// any AddressSpace is created, per spec.md §9's "Global state" rule.
func Initialize(kernelImage boot.KernelImageInfo) {
	if len(kernelImage.Segments) > 0 {
		kernelL4Start = l4Index(uint64(kernelImage.Segments[0].VirtStart))
	}
}

func reservedL4Indices() [2]uint64 {
	return [2]uint64{uint64(mem.PhysicalMemoryL4Index), kernelL4Start}
}

func rangeIsReserved(start uint64, byteLen uint64) bool {
	reserved := reservedL4Indices()
	for idx := l4Index(start); idx <= l4Index(start+byteLen-1); idx++ {
		for _, r := range reserved {
			if idx == r {
				return true
			}
		}
	}
	return false
}

func alignDown(v, alignment uint64) uint64 { return v &^ (alignment - 1) }

// vmmHeaderReserve mirrors pmm's headerSlack: the bytes of a
// bookkeeping frame left over for bitmap space after a real embedded
// RegionHeader has taken its share (spec.md §4.8's
// "BITMAP_SPACE"). See DESIGN.md for why this port keeps that
// bookkeeping as ordinary Go fields rather than bytes carved out of
// the frame, while still reserving the frame itself so accounting
// matches a real layout.
const vmmHeaderReserve = uint64(mem.PageSize) - 64

// defaultRegionPageCount is DEFAULT_REGION_SIZE (spec.md §4.8,
// original_source vmm.rs): the largest power-of-two page count whose
// bitmap fits in the space one frame leaves over after its header.
func defaultRegionPageCount() uint64 {
	bits := vmmHeaderReserve * 8
	return mem.PageCountOfOrder(mem.OrderOfPageCountFloor(bits))
}

// VRegion pairs a buddy region with the virtual range it's responsible
// for. Bounds come straight off the embedded region.Region rather than a
// second copy of PageCount.
type VRegion struct {
	region *region.Region
}

var nextAddressSpaceID uint64

// allocateFrameFn backs the root-table frame and every virtual
// free-block header frame. A package variable rather than a direct
// pmm.Allocate call so tests can supply frames over plain Go-owned
// memory instead of requiring a live PMM region, matching the teacher's
// reserveRegionFn/mapFn mocking pattern.
var allocateFrameFn = pmm.Allocate

// AddressSpace is one page-table root plus the two buddy-region lists
// (lower half, higher half) that hand out virtual ranges within it
// (spec.md §4.8). The zero value is not valid; construct one with New.
type AddressSpace struct {
	lock sync.SpinLock

	id             uint64
	rootTableFrame pmm.PhysicalFrame

	higherHalf        []*VRegion
	nextHigherHalfTop uint64
	lowerHalf         []*VRegion
	nextLowerHalfTop  uint64
}

// New allocates a fresh address space: a dedicated root-page-table
// frame and two empty region lists, with watermarks seeded just below
// the reserved top-of-higher-half and top-of-lower-half slots.
func New() (*AddressSpace, *kernel.Error) {
	frame, err := allocateFrameFn(1)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		id:                atomic.AddUint64(&nextAddressSpaceID, 1) - 1,
		rootTableFrame:    frame,
		nextHigherHalfTop: l4Base(uint64(mem.PhysicalMemoryL4Index)),
		nextLowerHalfTop:  256 * l4Span,
	}, nil
}

// ID returns the address space's process-wide monotonic identifier.
func (as *AddressSpace) ID() uint64 { return as.id }

// RootTableAddress returns the physical address of the address space's
// root page table.
func (as *AddressSpace) RootTableAddress() mem.PhysicalAddress {
	return as.rootTableFrame.Address()
}

// Activate loads this address space's root page table on the calling
// CPU, so its mappings take effect for subsequent memory accesses.
func (as *AddressSpace) Activate() {
	cpu.SwitchPDT(uintptr(as.RootTableAddress()))
}

func (as *AddressSpace) halfList(higherHalf bool) *[]*VRegion {
	if higherHalf {
		return &as.higherHalf
	}
	return &as.lowerHalf
}

func (as *AddressSpace) watermark(higherHalf bool) *uint64 {
	if higherHalf {
		return &as.nextHigherHalfTop
	}
	return &as.nextLowerHalfTop
}

// regionHooks builds the Hooks a virtual buddy region needs: per spec.md
// §4.2/§4.7, inserting a free block borrows a physical frame to hold
// its header (virtual memory isn't mapped yet), and removing one
// releases that frame.
func regionHooks() region.Hooks {
	return region.Hooks{
		HeaderAddress: func(blockAddr uint64, order uint) uintptr {
			frame, err := allocateFrameFn(1)
			if err != nil {
				kernel.Panic(kernel.NewError("vmm", "out of physical memory for a virtual free-block header"))
			}
			addr, _ := frame.Detach()
			return addr.ToVirtual()
		},
		ReleaseHeader: func(blockAddr uint64, order uint, headerAddr uintptr) {
			physAddr := mem.PhysicalAddress(headerAddr) - mem.PhysicalMappedBase
			f := pmm.FromAllocated(physAddr, 1)
			f.Free()
		},
	}
}

// allocateRegionLocked grows the address space by one new buddy region
// of at least minPages, placed at the current watermark (aligned down
// to both its own size and alignmentPow), skipping any placement that
// would overlap a reserved L4 index. Must be called with as.lock held.
func (as *AddressSpace) allocateRegionLocked(minPages uint64, alignmentPow uint, higherHalf bool) (*VRegion, *kernel.Error) {
	size := defaultRegionPageCount()
	if minPages > size {
		order := mem.OrderOfPageCountCeil(minPages)
		if order == mem.InvalidOrder {
			return nil, kernel.NewError("vmm", errors.ErrInvalidParamValue.Error())
		}
		size = mem.PageCountOfOrder(order)
	}

	alignBytes := uint64(1) << alignmentPow
	if alignBytes < uint64(mem.PageSize) {
		alignBytes = uint64(mem.PageSize)
	}
	regionBytes := size * uint64(mem.PageSize)
	if alignBytes < regionBytes {
		alignBytes = regionBytes
	}

	top := as.watermark(higherHalf)
	start := alignDown(*top-regionBytes, alignBytes)
	for rangeIsReserved(start, regionBytes) {
		if start < regionBytes {
			return nil, kernel.NewError("vmm", errors.ErrAddressSpaceExhausted.Error())
		}
		start = alignDown(start-regionBytes, alignBytes)
	}

	r := region.New(start, size, regionHooks())
	r.InsertFreeBlock(start, mem.OrderOfPageCountFloor(size))

	vr := &VRegion{region: r}
	list := as.halfList(higherHalf)
	*list = append(*list, vr)
	*top = start

	return vr, nil
}

// findOrAllocateRegion searches existing regions for a candidate of at
// least minOrder, aligned to alignmentPow, before growing by one region
// (spec.md §4.8 find_or_allocate_region).
func (as *AddressSpace) findOrAllocateRegion(minOrder uint, alignmentPow uint, higherHalf bool) (*region.Region, region.Candidate, *kernel.Error) {
	list := *as.halfList(higherHalf)
	regions := make([]*region.Region, len(list))
	for i, vr := range list {
		regions[i] = vr.region
	}

	var bestRegion *region.Region
	var best region.Candidate
	found := false
	for _, r := range regions {
		c, ok := r.FindCandidateBlock(minOrder, alignmentPow)
		if !ok {
			continue
		}
		if !found || c.BlockOrder < best.BlockOrder {
			best, bestRegion, found = c, r, true
		}
	}
	if found {
		return bestRegion, best, nil
	}

	vr, err := as.allocateRegionLocked(mem.PageCountOfOrder(minOrder), alignmentPow, higherHalf)
	if err != nil {
		return nil, region.Candidate{}, err
	}
	c, ok := vr.region.FindCandidateBlock(minOrder, alignmentPow)
	if !ok {
		return nil, region.Candidate{}, kernel.NewError("vmm", errors.ErrAllocationFailed.Error())
	}
	return vr.region, c, nil
}

// AllocateAligned reserves pageCount contiguous virtual pages aligned
// to 2^alignmentPow bytes from the requested half, returning their
// base address.
func (as *AddressSpace) AllocateAligned(pageCount uint64, alignmentPow uint, higherHalf bool) (uint64, *kernel.Error) {
	if pageCount == 0 {
		pageCount = 1
	}
	minOrder := mem.OrderOfPageCountCeil(pageCount)
	if minOrder == mem.InvalidOrder {
		return 0, kernel.NewError("vmm", errors.ErrInvalidParamValue.Error())
	}

	g := as.lock.Acquire()
	defer g.Release()

	r, c, err := as.findOrAllocateRegion(minOrder, alignmentPow, higherHalf)
	if err != nil {
		return 0, err
	}
	return r.AllocateCandidate(minOrder, c), nil
}

// Allocate reserves pageCount contiguous virtual pages from the
// requested half with no particular alignment.
func (as *AddressSpace) Allocate(pageCount uint64, higherHalf bool) (uint64, *kernel.Error) {
	return as.AllocateAligned(pageCount, mem.PageShift, higherHalf)
}

// Free returns a previously allocated virtual range to its owning
// half's region list.
func (as *AddressSpace) Free(addr uint64, pageCount uint64, higherHalf bool) {
	order := mem.OrderOfPageCountCeil(pageCount)

	g := as.lock.Acquire()
	defer g.Release()

	for _, vr := range *as.halfList(higherHalf) {
		if addr >= vr.region.StartAddress && addr < vr.region.StartAddress+vr.region.PageCount*uint64(mem.PageSize) {
			vr.region.Free(addr, order)
			return
		}
	}
	kernel.Panic(kernel.NewError("vmm", "free: address does not belong to any region in this half"))
}

// Release tears down the address space: it drops both region lists and
// then frees the root table frame. The physical frames that hold the
// regions' free-block headers are not returned to the PMM.
func (as *AddressSpace) Release() {
	g := as.lock.Acquire()
	as.higherHalf = nil
	as.lowerHalf = nil
	g.Release()

	as.rootTableFrame.Free()
}
