package mapping

import (
	"testing"
	"unsafe"

	"github.com/anillo-os/anillo-os/kernel"
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

func withFakeFrames(t *testing.T) {
	t.Helper()
	orig := allocateFrameFn
	t.Cleanup(func() { allocateFrameFn = orig })
	allocateFrameFn = func(pageCount uint64) (pmm.PhysicalFrame, *kernel.Error) {
		return fakeFrame(pageAligned(t, pageCount), pageCount), nil
	}
}

func TestNewAndBasics(t *testing.T) {
	m, err := New(4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Valid() {
		t.Error("expected a freshly created Mapping to be valid")
	}
	if got := m.PageCount(); got != 4 {
		t.Errorf("expected PageCount() == 4; got %d", got)
	}
	if got := m.PortionCount(); got != 0 {
		t.Errorf("expected a new Mapping to have no portions; got %d", got)
	}
	m.Release()
}

func TestBindNewCreatesOnePortionPerPage(t *testing.T) {
	withFakeFrames(t)

	m, err := New(4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindErr := m.BindNew(2, 0, false); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}
	if got := m.PortionCount(); got != 2 {
		t.Errorf("expected binding 2 pages to yield a 2-entry portion list; got %d", got)
	}

	m.Release()
}

func TestBindNewRejectsOverlap(t *testing.T) {
	withFakeFrames(t)

	m, err := New(4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindErr := m.BindNew(2, 0, false); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error on first bind: %v", bindErr)
	}
	if bindErr := m.BindNew(1, 1, false); bindErr != BindErrAlreadyBound {
		t.Errorf("expected BindErrAlreadyBound for an overlapping bind; got %v", bindErr)
	}

	m.Release()
}

func TestBindNewRejectsOutOfBounds(t *testing.T) {
	withFakeFrames(t)

	m, err := New(2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindErr := m.BindNew(1, 2, false); bindErr != BindErrOutOfBoundsDestination {
		t.Errorf("expected BindErrOutOfBoundsDestination; got %v", bindErr)
	}

	m.Release()
}

func TestBindNewZeroedClearsPages(t *testing.T) {
	withFakeFrames(t)

	buf := pageAligned(t, 1)
	for i := range buf {
		buf[i] = 0xAA
	}
	orig := allocateFrameFn
	t.Cleanup(func() { allocateFrameFn = orig })
	allocateFrameFn = func(pageCount uint64) (pmm.PhysicalFrame, *kernel.Error) {
		return fakeFrame(buf, pageCount), nil
	}

	m, err := New(1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bindErr := m.BindNew(1, 0, true); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected zeroed page; byte %d was %#x", i, b)
			break
		}
	}

	m.Release()
}

func TestBindExistingUnownedNeverFreed(t *testing.T) {
	m, err := New(2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf := pageAligned(t, 1)
	frame := fakeFrame(buf, 1)

	if bindErr := m.BindExisting(1, 0, 0, frame); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}
	if got := m.PortionCount(); got != 1 {
		t.Errorf("expected 1 portion; got %d", got)
	}

	// Releasing the mapping must not try to free foreign memory back to
	// a PMM region it never came from.
	m.Release()
}

func TestBindExistingRejectsOutOfBoundsSource(t *testing.T) {
	m, err := New(2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf := pageAligned(t, 1)
	frame := fakeFrame(buf, 1)

	if bindErr := m.BindExisting(2, 0, 0, frame); bindErr != BindErrOutOfBoundsSource {
		t.Errorf("expected BindErrOutOfBoundsSource; got %v", bindErr)
	}

	m.Release()
}

func TestBindIndirectSharesTargetAndRejectsSelfCycle(t *testing.T) {
	withFakeFrames(t)

	target, err := New(4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bindErr := target.BindNew(4, 0, false); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}

	m, err := New(2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindErr := m.BindIndirect(2, 0, 0, target); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}
	if got := m.PortionCount(); got != 1 {
		t.Errorf("expected 1 indirect portion; got %d", got)
	}

	if bindErr := m.BindIndirect(1, 0, 0, m); bindErr != BindErrUnknown {
		t.Errorf("expected binding a mapping indirectly to itself to be rejected; got %v", bindErr)
	}

	m.Release()
	target.Release()
}

func TestBindIndirectRejectsOutOfBoundsSource(t *testing.T) {
	withFakeFrames(t)

	target, err := New(1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bindErr := target.BindNew(1, 0, false); bindErr != BindErrNone {
		t.Fatalf("unexpected bind error: %v", bindErr)
	}

	m, err := New(2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindErr := m.BindIndirect(2, 0, 0, target); bindErr != BindErrOutOfBoundsSource {
		t.Errorf("expected BindErrOutOfBoundsSource; got %v", bindErr)
	}

	m.Release()
	target.Release()
}

func TestCloneKeepsUnderlyingAliveUntilLastRelease(t *testing.T) {
	withFakeFrames(t)

	m, err := New(1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clone := m.Clone()

	m.Release()
	if got := clone.PageCount(); got != 1 {
		t.Errorf("expected the clone to still report PageCount() == 1 after the original was released; got %d", got)
	}
	clone.Release()
}
