// Package region implements the generic buddy-block tracker that backs
// both the physical frame allocator (kernel/mem/pmm) and the virtual
// address-space allocator (kernel/mem/vmm): a bitmap of page occupancy
// plus one doubly-linked free list per order (spec.md §4.2).
//
// A Region owns no memory of its own. Callers supply Hooks that tell it
// where to park the FreeBlock header for a given free block — directly
// inside the block for identity-mapped physical memory, or in a borrowed
// backing frame for virtual memory that isn't mapped yet — which is what
// lets the same bisection/coalescing logic serve both allocators.
package region

import (
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/sync"
)

// FreeBlock is the header written at the front of every free block. Its
// address is always the byte address of the block it describes, which
// for virtual regions differs from the header's own storage address.
type FreeBlock struct {
	next, prev *FreeBlock
	Address    uint64
}

type bucket struct {
	head, tail *FreeBlock
	count      uint64
}

func (b *bucket) pushFront(fb *FreeBlock) {
	fb.prev = nil
	fb.next = b.head
	if b.head != nil {
		b.head.prev = fb
	} else {
		b.tail = fb
	}
	b.head = fb
	b.count++
}

func (b *bucket) remove(fb *FreeBlock) {
	if fb.prev != nil {
		fb.prev.next = fb.next
	} else {
		b.head = fb.next
	}
	if fb.next != nil {
		fb.next.prev = fb.prev
	} else {
		b.tail = fb.prev
	}
	fb.next, fb.prev = nil, nil
	b.count--
}

// Hooks lets a caller bridge FreeBlock storage and accounting to its own
// domain (physical identity map vs. unmapped virtual ranges).
type Hooks struct {
	// HeaderAddress returns the writable virtual address at which the
	// FreeBlock header for the free block at blockAddr (order-sized)
	// should be written, allocating backing storage if needed. Nil
	// means "write directly at blockAddr" (the physical/identity case).
	HeaderAddress func(blockAddr uint64, order uint) uintptr

	// ReleaseHeader is invoked with the header's storage address
	// after a block has been removed from its free list, letting a
	// virtual region release the backing frame HeaderAddress
	// allocated. May be nil.
	ReleaseHeader func(blockAddr uint64, order uint, headerAddr uintptr)

	// AfterInsert, AfterAllocateRemove and AfterFreeBuddyRemove are
	// accounting callbacks: the PMM uses them to keep FRAMES_IN_USE in
	// sync without duplicating bitmap-walking logic (spec.md §4.3).
	AfterInsert          func(blockAddr uint64, order uint)
	AfterAllocateRemove  func(blockAddr uint64, order uint)
	AfterFreeBuddyRemove func(blockAddr uint64, order uint)
}

// Stats tracks region-lifetime counters surfaced for debugging
// (SPEC_FULL.md §C: region debug dump).
type Stats struct {
	FreeCount       uint64
	MergesPerformed uint64
	SplitsPerformed uint64
}

// Region is a span of page-granular address space, of any page count,
// tracked with a bitmap plus per-order free lists.
type Region struct {
	lock sync.SpinLock

	StartAddress uint64
	PageCount    uint64
	hooks        Hooks

	buckets [mem.MaxOrder]bucket
	bitmap  []uint64

	stats Stats
}

// New creates a Region governing [startAddress, startAddress+pageCount*PageSize)
// with every page initially marked in-use and no free blocks. Callers
// populate it with InsertFreeBlock (for pre-existing free ranges) afterward.
func New(startAddress uint64, pageCount uint64, hooks Hooks) *Region {
	words := (pageCount + 63) / 64
	r := &Region{
		StartAddress: startAddress,
		PageCount:    pageCount,
		hooks:        hooks,
		bitmap:       make([]uint64, words),
	}
	for i := range r.bitmap {
		r.bitmap[i] = ^uint64(0)
	}
	return r
}

func (r *Region) pageIndex(addr uint64) uint64 {
	return (addr - r.StartAddress) / uint64(mem.PageSize)
}

func (r *Region) bitSet(pageIdx uint64) bool {
	return r.bitmap[pageIdx/64]&(1<<(pageIdx%64)) != 0
}

func (r *Region) setBit(pageIdx uint64) {
	r.bitmap[pageIdx/64] |= 1 << (pageIdx % 64)
}

func (r *Region) clearBit(pageIdx uint64) {
	r.bitmap[pageIdx/64] &^= 1 << (pageIdx % 64)
}

// BlockIsInUse reports whether the page at addr is currently marked
// allocated. Per spec.md §4.2, only a block's first page bit is
// authoritative for this query.
func (r *Region) BlockIsInUse(addr uint64) bool {
	g := r.lock.Acquire()
	defer g.Release()
	return r.bitSet(r.pageIndex(addr))
}

func (r *Region) headerPtr(addr uint64, order uint) (*FreeBlock, uintptr) {
	var hdrAddr uintptr
	if r.hooks.HeaderAddress != nil {
		hdrAddr = r.hooks.HeaderAddress(addr, order)
	} else {
		// The no-hook default treats addr as already a directly
		// dereferenceable (virtual) address; callers tracking
		// physical memory pass StartAddress/block addresses through
		// the linear physical map (mem.PhysicalMappedBase) rather
		// than raw physical addresses, so no further translation
		// belongs here.
		hdrAddr = uintptr(addr)
	}
	return (*FreeBlock)(unsafe.Pointer(hdrAddr)), hdrAddr
}

// insertFreeBlockLocked writes a FreeBlock header for the block at addr/order,
// pushes it onto buckets[order], and clears its bitmap bit. Must be
// called with the region lock held by the caller's higher-level
// operation (Free, AllocateCandidate's sibling re-insertion).
func (r *Region) insertFreeBlockLocked(addr uint64, order uint) {
	fb, _ := r.headerPtr(addr, order)
	fb.Address = addr
	r.buckets[order].pushFront(fb)
	r.clearBit(r.pageIndex(addr))
	r.stats.FreeCount++
	if r.hooks.AfterInsert != nil {
		r.hooks.AfterInsert(addr, order)
	}
}

// InsertFreeBlock is the public, locking entry point used by callers
// seeding a region with pre-existing free ranges (PMM.Initialize).
func (r *Region) InsertFreeBlock(addr uint64, order uint) {
	g := r.lock.Acquire()
	defer g.Release()
	r.insertFreeBlockLocked(addr, order)
}

// removeFreeBlockLocked unlinks fb from buckets[order], sets its bitmap
// bit, and fires the release/accounting hooks.
func (r *Region) removeFreeBlockLocked(fb *FreeBlock, order uint, afterAllocate bool) {
	addr := fb.Address
	hdrAddr := uintptr(unsafe.Pointer(fb))
	r.buckets[order].remove(fb)
	r.setBit(r.pageIndex(addr))
	r.stats.FreeCount--
	if r.hooks.ReleaseHeader != nil {
		r.hooks.ReleaseHeader(addr, order, hdrAddr)
	}
	if afterAllocate {
		if r.hooks.AfterAllocateRemove != nil {
			r.hooks.AfterAllocateRemove(addr, order)
		}
	} else if r.hooks.AfterFreeBuddyRemove != nil {
		r.hooks.AfterFreeBuddyRemove(addr, order)
	}
}

// removeFirstFreeBlockLocked pops the head of buckets[order], if any.
func (r *Region) removeFirstFreeBlockLocked(order uint, afterAllocate bool) (*FreeBlock, bool) {
	fb := r.buckets[order].head
	if fb == nil {
		return nil, false
	}
	r.removeFreeBlockLocked(fb, order, afterAllocate)
	return fb, true
}

// FindBuddy returns the address of addr's buddy block at the given
// order and whether that buddy lies within the region at all (a block
// at the region's high edge may have no in-region buddy).
func (r *Region) FindBuddy(addr uint64, order uint) (uint64, bool) {
	blockSize := uint64(mem.ByteCountOfOrder(order))
	offset := addr - r.StartAddress
	buddyOffset := offset ^ blockSize
	if buddyOffset+blockSize > r.PageCount*uint64(mem.PageSize) {
		return 0, false
	}
	return r.StartAddress + buddyOffset, true
}

// Free returns the page-aligned block at addr/order to the region,
// coalescing with its buddy repeatedly while the buddy is itself free
// and unsplit (spec.md §4.2 "coalescing-on-free"). Freeing a block whose
// bitmap bit is already clear halts the kernel through kernel.Panic.
func (r *Region) Free(addr uint64, order uint) {
	g := r.lock.Acquire()
	defer g.Release()

	if !r.bitSet(r.pageIndex(addr)) {
		kernel.Panic(kernel.NewError("region", "free: block is already free"))
	}

	for order+1 < mem.MaxOrder {
		buddyAddr, ok := r.FindBuddy(addr, order)
		if !ok {
			break
		}
		if r.bitSet(r.pageIndex(buddyAddr)) {
			break // buddy in use (or doesn't exist as a whole free block)
		}
		fb := r.findBucketEntry(order, buddyAddr)
		if fb == nil {
			break // buddy page is free but not a whole same-order block
		}
		r.removeFreeBlockLocked(fb, order, false)
		r.stats.MergesPerformed++
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}
	r.insertFreeBlockLocked(addr, order)
}

func (r *Region) findBucketEntry(order uint, addr uint64) *FreeBlock {
	for fb := r.buckets[order].head; fb != nil; fb = fb.next {
		if fb.Address == addr {
			return fb
		}
	}
	return nil
}

// Candidate is the result of a successful FindCandidateBlock search: the
// free block actually sitting in a bucket (BlockAddress/BlockOrder) and
// the minOrder-sized, alignment-satisfying address within it that
// AllocateCandidate will ultimately hand back (TargetAddress).
type Candidate struct {
	BlockAddress  uint64
	BlockOrder    uint
	TargetAddress uint64
}

// searchAligned walks the buddy subtree rooted at addr/order looking for
// the coarsest-possible position that already satisfies alignBytes; once
// found, a minOrder-sized block planted at that address is valid,
// because alignment depends only on the starting address, not the chunk
// size carved from it.
func searchAligned(addr uint64, order, minOrder uint, alignBytes uint64) (uint64, bool) {
	if addr%alignBytes == 0 {
		return addr, true
	}
	if order <= minOrder {
		return 0, false
	}
	half := uint64(mem.ByteCountOfOrder(order - 1))
	if s, ok := searchAligned(addr, order-1, minOrder, alignBytes); ok {
		return s, true
	}
	return searchAligned(addr+half, order-1, minOrder, alignBytes)
}

// FindCandidateBlock scans buckets[minOrder:] in ascending order and
// returns the first bucket's front block that contains a minOrder-sized
// sub-block aligned to 2^alignmentPow bytes (spec.md §4.2/§4.3). Only the
// front block of each bucket is examined; blocks behind it are not
// searched. It does not remove anything from the free lists; call
// AllocateCandidate to commit the split.
func (r *Region) FindCandidateBlock(minOrder uint, alignmentPow uint) (Candidate, bool) {
	g := r.lock.Acquire()
	defer g.Release()

	alignBytes := uint64(1) << alignmentPow
	for order := minOrder; order < mem.MaxOrder; order++ {
		fb := r.buckets[order].head
		if fb == nil {
			continue
		}
		target, ok := searchAligned(fb.Address, order, minOrder, alignBytes)
		if !ok {
			continue
		}
		return Candidate{BlockAddress: fb.Address, BlockOrder: order, TargetAddress: target}, true
	}
	return Candidate{}, false
}

// AllocateCandidate commits a Candidate returned by FindCandidateBlock:
// it removes the found free block from its bucket, iteratively bisects
// it down to minOrder (re-inserting every sibling not on the path to
// TargetAddress as a free block of its own order), and returns
// TargetAddress as now allocated.
func (r *Region) AllocateCandidate(minOrder uint, c Candidate) uint64 {
	g := r.lock.Acquire()
	defer g.Release()

	fb := r.findBucketEntry(c.BlockOrder, c.BlockAddress)
	if fb == nil {
		panic(kernel.NewError("region", "allocate_candidate: stale candidate"))
	}
	r.removeFreeBlockLocked(fb, c.BlockOrder, true)

	cur, curOrder := c.BlockAddress, c.BlockOrder
	for curOrder > minOrder {
		half := uint64(mem.ByteCountOfOrder(curOrder - 1))
		var siblingAddr uint64
		if c.TargetAddress < cur+half {
			siblingAddr = cur + half
		} else {
			siblingAddr = cur
			cur = cur + half
		}
		curOrder--
		r.insertFreeBlockLocked(siblingAddr, curOrder)
		r.stats.SplitsPerformed++
	}
	return cur
}

// AllocateAligned scans regions in order, finds the candidate with the
// smallest block order across all of them, and commits it. This is the
// cross-region half of spec.md §4.3's allocate_aligned.
func AllocateAligned(regions []*Region, minOrder uint, alignmentPow uint) (uint64, *Region, bool) {
	var bestRegion *Region
	var best Candidate
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
	if !found {
		return 0, nil, false
	}
	return bestRegion.AllocateCandidate(minOrder, best), bestRegion, true
}

// Stats returns a snapshot of the region's lifetime counters.
func (r *Region) Stats() Stats {
	g := r.lock.Acquire()
	defer g.Release()
	return r.stats
}

// FreeBlockCount returns the number of free blocks currently tracked at
// the given order, used by tests to assert on bucket shape.
func (r *Region) FreeBlockCount(order uint) uint64 {
	g := r.lock.Acquire()
	defer g.Release()
	return r.buckets[order].count
}

// FreeBlockAddresses returns the addresses currently free at the given
// order, in bucket (front-to-back) order. Intended for tests and the
// debug dump (SPEC_FULL.md §C), not hot paths.
func (r *Region) FreeBlockAddresses(order uint) []uint64 {
	g := r.lock.Acquire()
	defer g.Release()
	addrs := make([]uint64, 0, r.buckets[order].count)
	for fb := r.buckets[order].head; fb != nil; fb = fb.next {
		addrs = append(addrs, fb.Address)
	}
	return addrs
}
