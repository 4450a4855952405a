// Package irq models the small slice of interrupt-frame state the memory
// subsystem's fault classification needs. Full interrupt dispatch (vector
// table, gate descriptors, handler registration) is out of scope per
// spec.md §1 — only the page-fault error-code taxonomy is needed so the
// VMM's lazy/zeroed-mapping story has a concrete caller-facing type,
// grounded on kernel/mem/vmm/vmm.go's pageFaultHandler.
package irq

// FaultKind classifies why a page fault occurred, decoded from the
// architecture's page-fault error code.
type FaultKind uint8

const (
	FaultReadNotPresent FaultKind = iota
	FaultReadProtection
	FaultWriteNotPresent
	FaultWriteProtection
	FaultUserMode
	FaultReservedBit
	FaultInstructionFetch
	FaultUnknown
)

// ClassifyFault decodes an x86_64-style page-fault error code into a
// FaultKind. The bit layout (present/write/user/reserved/fetch) matches
// the one the teacher's vmm.nonRecoverablePageFault switches on.
func ClassifyFault(errorCode uint64) FaultKind {
	const (
		bitPresent  = 1 << 0
		bitWrite    = 1 << 1
		bitUser     = 1 << 2
		bitReserved = 1 << 3
		bitFetch    = 1 << 4
	)

	switch {
	case errorCode&bitReserved != 0:
		return FaultReservedBit
	case errorCode&bitFetch != 0:
		return FaultInstructionFetch
	case errorCode&bitUser != 0:
		return FaultUserMode
	case errorCode&bitWrite != 0 && errorCode&bitPresent != 0:
		return FaultWriteProtection
	case errorCode&bitWrite != 0:
		return FaultWriteNotPresent
	case errorCode&bitPresent != 0:
		return FaultReadProtection
	case errorCode == 0:
		return FaultReadNotPresent
	default:
		return FaultUnknown
	}
}

// String names a FaultKind for diagnostics.
func (k FaultKind) String() string {
	switch k {
	case FaultReadNotPresent:
		return "read from non-present page"
	case FaultReadProtection:
		return "page protection violation (read)"
	case FaultWriteNotPresent:
		return "write to non-present page"
	case FaultWriteProtection:
		return "page protection violation (write)"
	case FaultUserMode:
		return "page-fault in user-mode"
	case FaultReservedBit:
		return "page table has reserved bit set"
	case FaultInstructionFetch:
		return "instruction fetch"
	default:
		return "unknown"
	}
}
