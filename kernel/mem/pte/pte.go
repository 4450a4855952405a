// Package pte is the architecture-specific page-table leaf abstraction
// (spec.md §4.6): a single machine word per entry, polymorphic over
// whether it's a Table descender or a Regular/Large/VeryLarge page
// mapping, plus the virtual/physical decomposition that walks it.
//
// The entry layout itself follows the teacher's pageTableEntry
// (kernel/mem/vmm, formerly src/gopheros/kernel/mem/vmm/pte.go): a bare
// uintptr with bitmask flags and a frame-address mask, rather than a Go
// struct — the hardware defines this layout, a struct would just be an
// indirection over the same bits.
package pte

import (
	"github.com/anillo-os/anillo-os/kernel"
	"github.com/anillo-os/anillo-os/kernel/cpu"
	"github.com/anillo-os/anillo-os/kernel/mem"
)

// ErrInvalidMapping is returned by VirtToPhys when the walk hits a
// not-present entry before reaching a leaf.
var ErrInvalidMapping = kernel.NewError("pte", "virtual address does not point to a mapped physical page")

// Kind classifies what an Entry's non-flag bits mean.
type Kind uint8

const (
	// Table means "descends to the next-level table" (valid at any
	// level above 1).
	Table Kind = iota
	// Regular is a single base-page mapping (level 1 only).
	Regular
	// Large is a level-2 huge page mapping (level-2 "non-Table").
	Large
	// VeryLarge is a level-3 huge page mapping (level-3 "non-Table").
	VeryLarge
)

// Entry is one page-table slot: an architecture-encoded word carrying a
// physical frame address plus flag bits.
type Entry uintptr

// NewEntry builds a present entry pointing at physAddr, shaped
// according to kind (Large/VeryLarge entries set the architecture's
// "big page" bit so the MMU treats them as huge-page leaves rather than
// table descenders).
func NewEntry(physAddr mem.PhysicalAddress, kind Kind) Entry {
	e := Entry(physAddr) & physAddrMask
	e.SetFlags(flagPresent)
	if kind == Large || kind == VeryLarge {
		e.SetFlags(flagBigPage)
	}
	return e
}

// AsWritable marks the entry read-write.
func (e *Entry) AsWritable(writable bool) {
	if writable {
		e.SetFlags(flagWritable)
	} else {
		e.ClearFlags(flagWritable)
	}
}

// AsCacheable toggles the entry's cache-disable bit.
func (e *Entry) AsCacheable(cacheable bool) {
	if cacheable {
		e.ClearFlags(flagCacheDisable)
	} else {
		e.SetFlags(flagCacheDisable)
	}
}

// AsPresent toggles the present bit.
func (e *Entry) AsPresent(present bool) {
	if present {
		e.SetFlags(flagPresent)
	} else {
		e.ClearFlags(flagPresent)
	}
}

// AsPrivileged marks the entry accessible only from supervisor level
// when privileged is true (clears the "user accessible" bit).
func (e *Entry) AsPrivileged(privileged bool) {
	if privileged {
		e.ClearFlags(flagUserAccessible)
	} else {
		e.SetFlags(flagUserAccessible)
	}
}

// HasFlags reports whether every bit in flags is set.
func (e Entry) HasFlags(flags Entry) bool { return uintptr(e)&uintptr(flags) == uintptr(flags) }

// SetFlags sets the given bits.
func (e *Entry) SetFlags(flags Entry) { *e = Entry(uintptr(*e) | uintptr(flags)) }

// ClearFlags clears the given bits.
func (e *Entry) ClearFlags(flags Entry) { *e = Entry(uintptr(*e) &^ uintptr(flags)) }

// Address returns the physical frame address this entry points at.
func (e Entry) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(e & physAddrMask)
}

// Present reports whether the entry is marked present.
func (e Entry) Present() bool { return e.HasFlags(flagPresent) }

// EntryType classifies e given the table level it was found at (1-4).
// A Table-kind entry at level > 1 descends to the next table; any other
// present entry at level 2 or 3 is a Large/VeryLarge mapping; at level 1
// it's always Regular.
func (e Entry) EntryType(level uint8) Kind {
	if level == 1 {
		return Regular
	}
	if e.HasFlags(flagBigPage) {
		if level == 2 {
			return Large
		}
		return VeryLarge
	}
	return Table
}

// levelShift returns the bit shift for the page-table index at the
// given 1-based level (1 = innermost).
func levelShift(level uint8) uint {
	return mem.PageShift + 9*(uint(level)-1)
}

// levelIndex extracts the 9-bit page-table index for virtAddr at level.
func levelIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> levelShift(level)) & 0x1ff
}

// Levels splits a canonical virtual address into its four page-table
// indices (L4, L3, L2, L1) and the in-page byte offset.
type Levels struct {
	L4, L3, L2, L1 uintptr
	Offset         uintptr
}

// Decompose splits virtAddr (spec.md §4.6: "a 48-bit canonical address
// is split into (L4, L3, L2, L1, offset)").
func Decompose(virtAddr uintptr) Levels {
	return Levels{
		L4:     levelIndex(virtAddr, 4),
		L3:     levelIndex(virtAddr, 3),
		L2:     levelIndex(virtAddr, 2),
		L1:     levelIndex(virtAddr, 1),
		Offset: virtAddr & (uintptr(mem.PageSize) - 1),
	}
}

// TableReader abstracts "read the live entry at this table-relative
// index", letting VirtToPhys walk whatever page-table representation
// the caller has mapped in (kernel/mem/vmm owns the actual tables).
type TableReader interface {
	// ReadEntry returns the entry at index within the table rooted at
	// tableAddr (a physical address, mapped through the linear map by
	// the caller).
	ReadEntry(tableAddr mem.PhysicalAddress, index uintptr) Entry
}

// VirtToPhys walks the live table rooted at root using reader,
// terminating early at a Large/VeryLarge entry and composing the
// remaining offset accordingly.
func VirtToPhys(root mem.PhysicalAddress, virtAddr uintptr, reader TableReader) (mem.PhysicalAddress, *kernel.Error) {
	levels := Decompose(virtAddr)
	indices := [4]uintptr{levels.L4, levels.L3, levels.L2, levels.L1}

	table := root
	for i, level := 0, uint8(4); level >= 1; i, level = i+1, level-1 {
		entry := reader.ReadEntry(table, indices[i])
		if !entry.Present() {
			return 0, ErrInvalidMapping
		}
		switch entry.EntryType(level) {
		case Table:
			table = entry.Address()
			continue
		case Large, VeryLarge:
			remainderShift := levelShift(level)
			remainderMask := uintptr(1)<<remainderShift - 1
			return entry.Address().Add(mem.Size(virtAddr & remainderMask)), nil
		case Regular:
			return entry.Address().Add(mem.Size(levels.Offset)), nil
		}
	}
	return 0, ErrInvalidMapping
}

// RootPageTablePointerPhys returns the CPU's current root page table
// physical address, read through kernel/cpu's activePDT stand-in (the
// teacher's bodyless, assembly-linked activePDT in
// kernel/mem/vmm/pdt.go, with no .s source in the retrieved pack).
var RootPageTablePointerPhys = func() mem.PhysicalAddress {
	return mem.PhysicalAddress(cpu.ActivePDT())
}

// SynchronizeAfterTableModification flushes whatever cached
// translations the CPU may hold for a table that was just mutated,
// via kernel/cpu's FlushTLB stand-in.
var SynchronizeAfterTableModification = func() {
	cpu.FlushTLB()
}
