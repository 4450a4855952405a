// Package pslab implements a physical slab allocator: fixed-size slots
// for a single type T, carved out of whole physical frames (spec.md
// §4.4). It exists so frequently-allocated small kernel structures (most
// notably ArcFrameInner and Mapping) don't each need a dedicated frame.
package pslab

import (
	"sync/atomic"
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
	"github.com/anillo-os/anillo-os/kernel/sync"
)

// freeNode is written directly into an unused slot's bytes; this is the
// same "header lives in the free block" trick kernel/mem/region uses,
// safe here because slab regions are carved from the PMM's identity map
// and never relocated.
type freeNode struct {
	next *freeNode
}

// regionHeaderReserve approximates the bookkeeping a PSlabRegion would
// cost if, like the original, it were embedded at the front of its own
// backing frame. This port keeps that bookkeeping as an ordinary Go
// struct instead (see DESIGN.md) so the region's spin lock and frame
// handle stay visible to the Go GC, but still reserves the same slack so
// entry counts match a real embedded-header layout.
const regionHeaderReserve = 96

// allocateFrameFn backs every new region's physical frame. A package
// variable rather than a direct pmm.Allocate call so tests can supply a
// frame over plain Go-owned memory instead of requiring a live PMM
// region, matching the teacher's reserveRegionFn/mapFn mocking pattern
// (kernel/mem/pmm/allocator/bitmap_allocator.go).
var allocateFrameFn = pmm.Allocate

// Region is one physical-frame-backed arena of same-sized slots.
// Exported so PointerOps implementations can store a *Region alongside
// their payload for the intrusive bridge.
type Region struct {
	next, prev *Region
	counter    int64
	frame      pmm.PhysicalFrame
	lock       sync.SpinLock
	firstFree  *freeNode
}

func (r *Region) pop() unsafe.Pointer {
	g := r.lock.Acquire()
	defer g.Release()
	if r.firstFree == nil {
		return nil
	}
	n := r.firstFree
	r.firstFree = n.next
	return unsafe.Pointer(n)
}

func (r *Region) push(ptr unsafe.Pointer) {
	g := r.lock.Acquire()
	defer g.Release()
	node := (*freeNode)(ptr)
	node.next = r.firstFree
	r.firstFree = node
}

func tryAcquireRef(r *Region) bool {
	for {
		cur := atomic.LoadInt64(&r.counter)
		if cur == 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.counter, cur, cur+1) {
			return true
		}
	}
}

// PSlab is a slab allocator for type T. For the memory subsystem's own
// internal needs, PSlabs are package-level variables with static
// lifetime (the ArcFrameInner and Mapping slabs).
type PSlab[T any] struct {
	lock    sync.SpinLock
	regions *Region
}

// New creates an empty slab; regions are created lazily on first
// allocation.
func New[T any]() *PSlab[T] {
	return &PSlab[T]{}
}

func slotSize[T any]() uintptr {
	var node freeNode
	nodeSize := unsafe.Sizeof(node)
	var val T
	valSize := unsafe.Sizeof(val)
	if valSize > nodeSize {
		return valSize
	}
	return nodeSize
}

func (s *PSlab[T]) unlink(r *Region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		s.regions = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.next, r.prev = nil, nil
}

func (s *PSlab[T]) newRegion() (Ref[T], bool) {
	entrySize := slotSize[T]()
	usable := uint64(mem.PageSize) - regionHeaderReserve
	entryCount := usable / uint64(entrySize)
	if entryCount == 0 {
		return Ref[T]{}, false
	}

	frame, err := allocateFrameFn(1)
	if err != nil {
		return Ref[T]{}, false
	}

	r := &Region{frame: frame, counter: 1}
	dataBase := frame.Address().ToVirtual()
	var prev *freeNode
	for i := uint64(0); i < entryCount; i++ {
		addr := dataBase + uintptr(entrySize)*uintptr(i)
		node := (*freeNode)(unsafe.Pointer(addr))
		node.next = nil
		if prev != nil {
			prev.next = node
		} else {
			r.firstFree = node
		}
		prev = node
	}

	g := s.lock.Acquire()
	r.next = s.regions
	if s.regions != nil {
		s.regions.prev = r
	}
	s.regions = r
	g.Release()

	return Ref[T]{region: r, slab: s}, true
}

// findRegion snapshots the current region list under the slab lock, then
// tries each region (CAS-incrementing its refcount, skipping ones at 0
// — being torn down) looking for a free slot.
func (s *PSlab[T]) findRegion() (unsafe.Pointer, Ref[T], bool) {
	g := s.lock.Acquire()
	var snapshot []*Region
	for r := s.regions; r != nil; r = r.next {
		snapshot = append(snapshot, r)
	}
	g.Release()

	for _, r := range snapshot {
		if !tryAcquireRef(r) {
			continue
		}
		ref := Ref[T]{region: r, slab: s}
		if ptr := r.pop(); ptr != nil {
			return ptr, ref, true
		}
		ref.Release()
	}
	return nil, Ref[T]{}, false
}

// Allocate carves a slot for value out of an existing region with room,
// or creates a new region if every existing one is full.
func (s *PSlab[T]) Allocate(value T) (Allocation[T], bool) {
	ptr, ref, ok := s.findRegion()
	if !ok {
		newRef, created := s.newRegion()
		if !created {
			return Allocation[T]{}, false
		}
		p := newRef.region.pop()
		if p == nil {
			newRef.Release()
			return Allocation[T]{}, false
		}
		ptr, ref = p, newRef
	}

	data := (*T)(ptr)
	*data = value
	return Allocation[T]{data: data, ref: ref}, true
}

// Ref is a refcounted handle on a live Region, keeping its backing frame
// alive. Cloning increments the count (relaxed, per spec.md §4.4);
// Release decrements it and, on the last reference, unlinks the region
// and frees its frame. Go's atomic package is already sequentially
// consistent, so no explicit acquire fence is needed on the destructor
// path the way the original's Rust implementation uses one.
type Ref[T any] struct {
	region *Region
	slab   *PSlab[T]
}

// Region exposes the backing Region, used by intrusive owners to
// implement IntrusiveOwner.SlabRegion.
func (r Ref[T]) Region() *Region { return r.region }

// Clone adds a reference.
func (r Ref[T]) Clone() Ref[T] {
	atomic.AddInt64(&r.region.counter, 1)
	return r
}

// Release drops a reference, tearing down the region and its backing
// frame when the count reaches zero.
func (r Ref[T]) Release() {
	if r.region == nil {
		return
	}
	if atomic.AddInt64(&r.region.counter, -1) != 0 {
		return
	}
	g := r.slab.lock.Acquire()
	r.slab.unlink(r.region)
	g.Release()
	r.region.frame.Free()
}

// Allocation is a move-only handle on one live slot, pairing the typed
// pointer with the Ref that keeps its region alive.
type Allocation[T any] struct {
	data *T
	ref  Ref[T]
}

// Get returns the slot's payload pointer.
func (a *Allocation[T]) Get() *T { return a.data }

// Detach splits the allocation into its raw parts without freeing
// anything, handing the caller responsibility for eventually calling
// FromDetached or an equivalent bridge (PointerOps) to reconstitute it.
func (a *Allocation[T]) Detach() (*T, Ref[T]) {
	data, ref := a.data, a.ref
	a.data, a.ref = nil, Ref[T]{}
	return data, ref
}

// FromDetached reconstitutes an Allocation from parts obtained from a
// previous call to Detach on some Allocation for the same slot.
func FromDetached[T any](data *T, ref Ref[T]) Allocation[T] {
	return Allocation[T]{data: data, ref: ref}
}

// Free returns the slot to its region's free list and releases the
// embedded region reference. A zero-value (already-detached) allocation
// is a no-op.
func (a *Allocation[T]) Free() {
	if a.data == nil {
		return
	}
	a.ref.region.push(unsafe.Pointer(a.data))
	a.ref.Release()
	a.data = nil
}

// IntrusiveOwner constrains the pointer type of a slab element that
// supports the forge/revive bridge PointerOps implements (SPEC_FULL.md
// §C): objects that are themselves linked directly into an external
// intrusive list, rather than always being reached through an
// Allocation[T] handle.
type IntrusiveOwner[T any] interface {
	*T
	SlabRegion() *Region
}

// PointerOps bridges a raw *T, obtained from or destined for an external
// intrusive list, back to a properly refcounted Allocation[T].
type PointerOps[T any, PT IntrusiveOwner[T]] struct {
	slab *PSlab[T]
}

// NewPointerOps binds a PointerOps bridge to the slab that owns T's
// regions.
func NewPointerOps[T any, PT IntrusiveOwner[T]](slab *PSlab[T]) PointerOps[T, PT] {
	return PointerOps[T, PT]{slab: slab}
}

// FromRaw forges an Allocation[T] out of a raw pointer previously
// produced by ToRaw, reviving the reference it represents.
func (o PointerOps[T, PT]) FromRaw(raw *T) Allocation[T] {
	region := PT(raw).SlabRegion()
	return Allocation[T]{data: raw, ref: Ref[T]{region: region, slab: o.slab}}
}

// ToRaw detaches an Allocation[T] into a raw pointer, deliberately
// leaking the embedded reference: the caller's intrusive list now holds
// the ownership share that FromRaw will later revive.
func (o PointerOps[T, PT]) ToRaw(a Allocation[T]) *T {
	data, _ := a.Detach()
	return data
}
