// Package mapping implements the logical, page-count-addressed region
// type that composes physical frames and other mappings into a single
// lazily-bound address range (spec.md §4.7). A Mapping is a tiled
// sequence of Portions, each backed by an owned frame, a borrowed
// (unowned) frame range, or a sub-range of another Mapping; it is
// shared via ArcFrame the same way the teacher shares its page tables.
package mapping

import (
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/errors"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/arcframe"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
	"github.com/anillo-os/anillo-os/kernel/mem/pslab"
	"github.com/anillo-os/anillo-os/kernel/sync"
)

// Flags carries per-mapping hints. Only ZeroOnDemand exists today
// (spec.md §4.7); it's a bitmask (not a bool) because the original
// reserves the rest of the word for future hints.
type Flags uint64

// ZeroOnDemand asks BindNew to clear every page it allocates before
// handing the mapping back.
const ZeroOnDemand Flags = 1 << 0

// BindError is the small, comparable-with-== enum every bind operation
// returns, distinct from *kernel.Error because callers are expected to
// switch on it directly (spec.md §6, SPEC_FULL.md §A.2).
type BindError uint8

const (
	BindErrNone BindError = iota
	BindErrUnknown
	BindErrAllocationFailure
	BindErrOutOfBoundsDestination
	BindErrOutOfBoundsSource
	BindErrAlreadyBound
)

func (e BindError) Error() string {
	switch e {
	case BindErrNone:
		return "no error"
	case BindErrAllocationFailure:
		return "allocation failure"
	case BindErrOutOfBoundsDestination:
		return "destination range out of bounds"
	case BindErrOutOfBoundsSource:
		return "source range out of bounds"
	case BindErrAlreadyBound:
		return "destination range already bound"
	default:
		return "unknown bind error"
	}
}

// maxBindValue enforces spec.md §4.7 invariant 4 ("all counts <=
// u32::MAX") on every page-count/offset argument crossing the API.
const maxBindValue = uint64(^uint32(0))

// maxIndirectDepth bounds the chain walk BindIndirect performs to
// reject multi-hop cycles (SPEC_FULL.md §D; spec.md §9 flags the
// source as not detecting cycles at all, so this is a conservative
// superset of that behavior, not a port of anything in original_source).
const maxIndirectDepth = 64

type portionKind uint8

const (
	portionOwnedFrame portionKind = iota
	portionUnownedFrame
	portionMappingBacked
)

// Portion is one tile of a Mapping's logical page range. Allocated out
// of the package-wide portion slab (spec.md §9 "Global state":
// MAPPING_PORTION_SLAB), mirroring the teacher/original's intent to
// keep frequently-allocated bookkeeping objects out of per-call frame
// allocations.
type Portion struct {
	kind portionKind

	// OwnedFrame: physStart/totalPages describe the whole owned frame
	// range this portion is responsible for freeing; srcPageOffset is
	// where within that range the visible mapped pages begin (spec.md
	// §3: "OwnedFrame { phys_start, total_pages, src_page_offset }").
	// UnownedFrame reuses physStart/totalPages directly as the borrowed
	// range's base and length, with srcPageOffset always 0.
	physStart     mem.PhysicalAddress
	totalPages    uint64
	srcPageOffset uint64

	// MappingBacked: target keeps the referenced Mapping's ArcFrame
	// alive for as long as this portion exists.
	target           Mapping
	targetPageOffset uint64

	pageOffset uint64 // offset, in pages, within the owning Mapping
	pageCount  uint64 // length, in pages, of this tile
}

// physAddress returns the physical address of this portion's first
// visible mapped page (as opposed to the first page of the owned
// range it was carved from, for OwnedFrame backings with a nonzero
// srcPageOffset).
func (p *Portion) physAddress() mem.PhysicalAddress {
	return p.physStart.Add(mem.Size(p.srcPageOffset) * mem.PageSize)
}

// innerMapping is the shared state behind a Mapping handle.
type innerMapping struct {
	pageCount uint64
	flags     Flags

	lock     sync.SpinLock
	portions []pslab.Allocation[Portion]
}

var (
	mappingSlab        = pslab.New[arcframe.Inner[innerMapping]]()
	mappingPortionSlab = pslab.New[Portion]()
)

// allocateFrameFn backs every fresh page BindNew attaches. A package
// variable rather than a direct pmm.Allocate call so tests can supply
// frames over plain Go-owned memory instead of requiring a live PMM
// region, matching the teacher's reserveRegionFn/mapFn mocking pattern.
var allocateFrameFn = pmm.Allocate

// Mapping is a cloneable, refcounted handle on a logical page-count
// range. The zero value is not valid; construct one with New.
type Mapping struct {
	inner arcframe.ArcFrame[innerMapping]
}

// New allocates a Mapping of the given logical length. Construction
// goes through the module-wide mapping slab first, falling back to a
// dedicated frame if the slab can't produce a slot (spec.md §4.7,
// §4.5's NewInFrameOrSlab).
func New(pageCount uint64, flags Flags) (Mapping, *kernel.Error) {
	if pageCount > maxBindValue {
		return Mapping{}, kernel.NewError("mapping", errors.ErrInvalidParamValue.Error())
	}
	af, err := arcframe.NewInFrameOrSlab(innerMapping{pageCount: pageCount, flags: flags}, mappingSlab)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{inner: af}, nil
}

// Valid reports whether this handle still refers to a live mapping.
func (m Mapping) Valid() bool { return m.inner.Valid() }

// PageCount returns the mapping's total logical length in pages.
func (m Mapping) PageCount() uint64 { return m.inner.Get().pageCount }

// Clone returns a new handle sharing the same underlying mapping.
func (m Mapping) Clone() Mapping { return Mapping{inner: m.inner.Clone()} }

func (m Mapping) sameUnderlying(other Mapping) bool {
	return m.inner.Get() == other.inner.Get()
}

// PortionCount returns the number of portions currently bound, for
// tests and diagnostics.
func (m Mapping) PortionCount() int {
	in := m.inner.Get()
	g := in.lock.Acquire()
	defer g.Release()
	return len(in.portions)
}

func overlaps(aOffset, aCount, bOffset, bCount uint64) bool {
	return aOffset < bOffset+bCount && bOffset < aOffset+aCount
}

// checkDestination validates and locks in a [offset, offset+count)
// destination range against spec.md §4.7 invariants 1 and 3, returning
// the already-acquired portions-list guard for the caller to extend
// under. The caller must Release the guard exactly once.
func (m Mapping) checkDestination(in *innerMapping, offset, count uint64) (sync.Guard, BindError) {
	if offset > maxBindValue || count > maxBindValue {
		return sync.Guard{}, BindErrUnknown
	}
	if offset+count > in.pageCount {
		return sync.Guard{}, BindErrOutOfBoundsDestination
	}

	g := in.lock.Acquire()
	for _, alloc := range in.portions {
		p := alloc.Get()
		if overlaps(offset, count, p.pageOffset, p.pageCount) {
			g.Release()
			return sync.Guard{}, BindErrAlreadyBound
		}
	}
	return g, BindErrNone
}

func (m Mapping) insertPortion(in *innerMapping, p Portion) (*Portion, bool) {
	alloc, ok := mappingPortionSlab.Allocate(p)
	if !ok {
		return nil, false
	}
	in.portions = append(in.portions, alloc)
	return alloc.Get(), true
}

// BindNew allocates pageCount fresh, individually-owned physical pages
// and attaches them as OwnedFrame portions starting at pageOffset, one
// portion per page (spec.md §4.7, confirmed by §8 S3: binding 2 pages
// yields a 2-entry portion list). zeroed forces each page to be cleared
// before it's attached; a page is also cleared when the mapping was
// created with ZeroOnDemand, whatever zeroed says.
//
// On any failure partway through, every portion this call inserted is
// removed and every frame it allocated is freed (spec.md §4.7, §7).
func (m Mapping) BindNew(pageCount, pageOffset uint64, zeroed bool) BindError {
	in := m.inner.Get()

	g, bindErr := m.checkDestination(in, pageOffset, pageCount)
	if bindErr != BindErrNone {
		return bindErr
	}

	inserted := make([]*Portion, 0, pageCount)
	frames := make([]pmm.PhysicalFrame, 0, pageCount)

	rollback := func() {
		toFree := in.portions[len(in.portions)-len(inserted):]
		in.portions = in.portions[:len(in.portions)-len(inserted)]
		g.Release()
		for i := range toFree {
			toFree[i].Free()
		}
		for _, f := range frames {
			f.Free()
		}
	}

	for i := uint64(0); i < pageCount; i++ {
		frame, err := allocateFrameFn(1)
		if err != nil {
			rollback()
			return BindErrAllocationFailure
		}
		frames = append(frames, frame)

		if zeroed || in.flags&ZeroOnDemand != 0 {
			zeroPage(frame.Address())
		}

		addr, count := frame.Detach()
		p, ok := m.insertPortion(in, Portion{
			kind:       portionOwnedFrame,
			physStart:  addr,
			totalPages: count,
			pageOffset: pageOffset + i,
			pageCount:  1,
		})
		if !ok {
			// frames still holds an undetached copy of this frame
			// (appended before Detach mutated the local variable), so
			// rollback's frees below cover it too.
			rollback()
			return BindErrAllocationFailure
		}
		inserted = append(inserted, p)
	}

	g.Release()
	return BindErrNone
}

// BindExisting attaches an already-allocated physical range to
// [bindOffset, bindOffset+pageCount) of m, reading from srcOffset
// pages into frame. It takes ownership of frame: if frame is owned,
// the new portion owns the range (freed when the mapping drops);
// otherwise the range is recorded as an UnownedFrame and is never
// freed by this mapping.
//
// Unsafe: the caller must guarantee the physical range genuinely
// belongs to (or is validly borrowed from) frame and is not otherwise
// aliased in a way that would violate the owning mapping's assumptions
// (spec.md §4.7).
func (m Mapping) BindExisting(pageCount, bindOffset, srcOffset uint64, frame pmm.PhysicalFrame) BindError {
	if srcOffset > maxBindValue || pageCount > maxBindValue {
		return BindErrUnknown
	}
	if srcOffset+pageCount > frame.PageCount() {
		return BindErrOutOfBoundsSource
	}

	in := m.inner.Get()
	g, bindErr := m.checkDestination(in, bindOffset, pageCount)
	if bindErr != BindErrNone {
		return bindErr
	}

	owned := frame.Owned()
	addr, totalPages := frame.Detach()

	var portion Portion
	if owned {
		portion = Portion{
			kind:          portionOwnedFrame,
			physStart:     addr,
			totalPages:    totalPages,
			srcPageOffset: srcOffset,
			pageOffset:    bindOffset,
			pageCount:     pageCount,
		}
	} else {
		portion = Portion{
			kind:       portionUnownedFrame,
			physStart:  addr.Add(mem.Size(srcOffset) * mem.PageSize),
			totalPages: pageCount,
			pageOffset: bindOffset,
			pageCount:  pageCount,
		}
	}

	if _, ok := m.insertPortion(in, portion); !ok {
		g.Release()
		if owned {
			f := pmm.FromAllocated(addr, totalPages)
			f.Free()
		}
		return BindErrAllocationFailure
	}

	g.Release()
	return BindErrNone
}

// BindIndirect attaches [bindOffset, bindOffset+pageCount) of m to the
// range [srcOffset, srcOffset+pageCount) of other, keeping a reference
// to other alive for as long as the resulting portion exists.
//
// Unsafe: callers must not build bind chains across mappings that are
// already torn down or whose srcOffset range is concurrently rebound
// out from under this portion (spec.md §4.7, §9).
func (m Mapping) BindIndirect(pageCount, bindOffset, srcOffset uint64, other Mapping) BindError {
	if srcOffset > maxBindValue || pageCount > maxBindValue {
		return BindErrUnknown
	}
	if m.sameUnderlying(other) || wouldCycle(m.inner.Get(), other, 0) {
		return BindErrUnknown
	}
	if srcOffset+pageCount > other.PageCount() {
		return BindErrOutOfBoundsSource
	}

	in := m.inner.Get()
	g, bindErr := m.checkDestination(in, bindOffset, pageCount)
	if bindErr != BindErrNone {
		return bindErr
	}

	if _, ok := m.insertPortion(in, Portion{
		kind:             portionMappingBacked,
		target:           other.Clone(),
		targetPageOffset: srcOffset,
		pageOffset:       bindOffset,
		pageCount:        pageCount,
	}); !ok {
		g.Release()
		return BindErrAllocationFailure
	}

	g.Release()
	return BindErrNone
}

// wouldCycle reports whether binding origin indirectly through other
// would eventually lead back to origin, walking at most maxIndirectDepth
// hops of other's own indirect portions.
func wouldCycle(origin *innerMapping, other Mapping, depth int) bool {
	if depth >= maxIndirectDepth {
		return false
	}
	if other.inner.Get() == origin {
		return true
	}

	in := other.inner.Get()
	g := in.lock.Acquire()
	var targets []Mapping
	for _, alloc := range in.portions {
		if p := alloc.Get(); p.kind == portionMappingBacked {
			targets = append(targets, p.target)
		}
	}
	g.Release()

	for _, t := range targets {
		if wouldCycle(origin, t, depth+1) {
			return true
		}
	}
	return false
}

// Release tears down the mapping: on the last outstanding reference, it
// frees every OwnedFrame portion's backing pages, releases every
// MappingBacked portion's reference to its target, and returns every
// portion's slab slot, before the mapping's own storage is freed
// (spec.md §4.7; R2's FRAMES_IN_USE round-trip depends on this running
// exactly once, on the final reference).
func (m *Mapping) Release() {
	m.inner.ReleaseWithFinalizer(func(in *innerMapping) {
		g := in.lock.Acquire()
		portions := in.portions
		in.portions = nil
		g.Release()

		for _, alloc := range portions {
			releasePortion(alloc.Get())
			alloc.Free()
		}
	})
}

func releasePortion(p *Portion) {
	switch p.kind {
	case portionOwnedFrame:
		f := pmm.FromAllocated(p.physStart, p.totalPages)
		f.Free()
	case portionUnownedFrame:
		// Foreign memory: this mapping never owned it.
	case portionMappingBacked:
		p.target.Release()
	}
}

func zeroPage(addr mem.PhysicalAddress) {
	const words = int(mem.PageSize) / 8
	base := (*[words]uint64)(unsafe.Pointer(addr.ToVirtual()))
	for i := range base {
		base[i] = 0
	}
}
