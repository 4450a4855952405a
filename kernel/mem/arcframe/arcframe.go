// Package arcframe implements ArcFrame[T]: an atomically refcounted box
// whose storage lives either in a dedicated physical frame or in a slot
// of a PSlab[Inner[T]] (spec.md §4.5). It's the building block Mapping
// uses to share ownership of its inner state.
package arcframe

import (
	"sync/atomic"
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/errors"
	"github.com/anillo-os/anillo-os/kernel/mem"
	"github.com/anillo-os/anillo-os/kernel/mem/pmm"
	"github.com/anillo-os/anillo-os/kernel/mem/pslab"
)

type backingKind uint8

const (
	backingIndividual backingKind = iota
	backingSlab
)

// Inner holds the refcount, the content, and the backing-storage
// handle needed to release it. Exported so ArcFrame can be instantiated
// over a PSlab[Inner[T]] (the slab-backed construction path allocates
// slots of this very type).
type Inner[T any] struct {
	counter int64
	kind    backingKind
	frame   pmm.PhysicalFrame
	slabRef pslab.Ref[Inner[T]]
	Content T
}

// ArcFrame is a cloneable, atomically refcounted handle on a T living in
// physical memory.
type ArcFrame[T any] struct {
	inner *Inner[T]
}

// allocateFrameFn backs NewInFrame's dedicated allocation. A package
// variable rather than a direct pmm.Allocate call so tests can supply a
// frame over plain Go-owned memory instead of requiring a live PMM
// region, matching the teacher's reserveRegionFn/mapFn mocking pattern.
var allocateFrameFn = pmm.Allocate

// NewInFrame allocates enough contiguous pages for an Inner[T] and
// writes it with refcount 1, backed by its own dedicated PhysicalFrame.
func NewInFrame[T any](value T) (ArcFrame[T], *kernel.Error) {
	pageCount := mem.Size(unsafe.Sizeof(Inner[T]{})).Pages()
	if pageCount == 0 {
		pageCount = 1
	}
	frame, err := allocateFrameFn(pageCount)
	if err != nil {
		return ArcFrame[T]{}, err
	}
	inner := (*Inner[T])(unsafe.Pointer(frame.Address().ToVirtual()))
	*inner = Inner[T]{counter: 1, kind: backingIndividual, frame: frame, Content: value}
	return ArcFrame[T]{inner: inner}, nil
}

// NewInSlab allocates a slot from slab, detaches it, and stores the
// slab reference inline rather than handing back a separate
// Allocation[Inner[T]] the caller would have to keep alive.
func NewInSlab[T any](value T, slab *pslab.PSlab[Inner[T]]) (ArcFrame[T], bool) {
	alloc, ok := slab.Allocate(Inner[T]{})
	if !ok {
		return ArcFrame[T]{}, false
	}
	data, ref := alloc.Detach()
	data.counter = 1
	data.kind = backingSlab
	data.slabRef = ref
	data.Content = value
	return ArcFrame[T]{inner: data}, true
}

// NewInFrameOrSlab tries the slab first and falls back to a dedicated
// frame if the slab can't produce a slot (SPEC_FULL.md §C). This is the
// constructor Mapping actually calls; the two explicit
// constructors above exist for callers (and tests) that need to pin a
// specific backing strategy.
func NewInFrameOrSlab[T any](value T, slab *pslab.PSlab[Inner[T]]) (ArcFrame[T], *kernel.Error) {
	if af, ok := NewInSlab(value, slab); ok {
		return af, nil
	}
	af, err := NewInFrame(value)
	if err != nil {
		return ArcFrame[T]{}, kernel.NewError("arcframe", errors.ErrAllocationFailed.Error())
	}
	return af, nil
}

// Get returns a pointer to the shared content.
func (a ArcFrame[T]) Get() *T {
	return &a.inner.Content
}

// Clone adds a reference (relaxed fetch-add, per spec.md §4.5) and
// returns a new handle over the same Inner.
func (a ArcFrame[T]) Clone() ArcFrame[T] {
	atomic.AddInt64(&a.inner.counter, 1)
	return a
}

// Valid reports whether this handle still refers to a live Inner (false
// after Release).
func (a ArcFrame[T]) Valid() bool { return a.inner != nil }

// Release drops a reference. On the last reference (fetch-sub to 0), it
// drops the backing storage — freeing the dedicated frame, or returning
// the slab slot and releasing the slab region reference.
func (a *ArcFrame[T]) Release() {
	a.ReleaseWithFinalizer(nil)
}

// ReleaseWithFinalizer drops a reference like Release, but on the last
// reference runs finalize against the live content before the backing
// storage is torn down ("drop the content in place, then drop the
// backing enum", spec.md §4.5). Types whose Content embeds other owned
// resources (Mapping's portion list) use this instead of Release so their own teardown only ever runs
// once, on the reference that actually reaches zero.
func (a *ArcFrame[T]) ReleaseWithFinalizer(finalize func(*T)) {
	if a.inner == nil {
		return
	}
	inner := a.inner
	a.inner = nil

	if atomic.AddInt64(&inner.counter, -1) != 0 {
		return
	}

	if finalize != nil {
		finalize(&inner.Content)
	}

	switch inner.kind {
	case backingIndividual:
		inner.frame.Free()
	case backingSlab:
		alloc := pslab.FromDetached[Inner[T]](inner, inner.slabRef)
		alloc.Free()
	}
}
