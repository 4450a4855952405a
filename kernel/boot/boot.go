// Package boot describes the external-input boundary of the memory
// subsystem: the memory map and kernel image layout handed to us by the
// boot-entry shim (spec.md §6). Unlike the teacher's hal/multiboot, which
// parses a live multiboot2 info structure, this package only needs to
// model the shape of that input — the boot-entry shim itself is out of
// scope (spec.md §1).
package boot

// RegionKind classifies a MemoryRegion the way the bootloader reports it.
// Only General is consumed by PMM seeding; every other kind is reserved
// to its respective owner and skipped.
type RegionKind uint8

const (
	RegionNone RegionKind = iota
	RegionGeneral
	RegionNVRAM
	RegionHardwareReserved
	RegionACPIReclaim
	RegionPALCode
	RegionKernelReserved
	RegionKernelStack
)

// String names a RegionKind for diagnostics.
func (k RegionKind) String() string {
	switch k {
	case RegionGeneral:
		return "general"
	case RegionNVRAM:
		return "nvram"
	case RegionHardwareReserved:
		return "hardware-reserved"
	case RegionACPIReclaim:
		return "acpi-reclaim"
	case RegionPALCode:
		return "pal-code"
	case RegionKernelReserved:
		return "kernel-reserved"
	case RegionKernelStack:
		return "kernel-stack"
	default:
		return "none"
	}
}

// MemoryRegion is one entry of the memory map handed to us at boot.
type MemoryRegion struct {
	Kind      RegionKind
	PhysStart uintptr
	VirtStart uintptr
	PageCount uint64
}

// Segment describes one loaded segment of the kernel image, used to keep
// the physical-memory linear map from overlapping the kernel's own
// already-mapped virtual range.
type Segment struct {
	VirtStart  uintptr
	PhysStart  uintptr
	PageCount  uint64
	Writable   bool
	Executable bool
}

// KernelImageInfo anchors the kernel's loaded location so the VMM can
// install the physical-memory linear map and the kernel's own mapping
// into the same address space without colliding.
type KernelImageInfo struct {
	PhysicalBaseAddress uintptr
	Size                uint64
	Segments            []Segment
}

// MemoryMap is the full set of regions reported by the bootloader.
type MemoryMap []MemoryRegion

// VisitGeneral calls fn for every region of kind RegionGeneral, in the
// order supplied by the bootloader. It stops early if fn returns false.
func (m MemoryMap) VisitGeneral(fn func(*MemoryRegion) bool) {
	for i := range m {
		if m[i].Kind != RegionGeneral {
			continue
		}
		if !fn(&m[i]) {
			return
		}
	}
}

// TotalGeneralPages sums the page count of every RegionGeneral entry,
// without applying the zero-page or minimum-size filtering the PMM
// applies during seeding.
func (m MemoryMap) TotalGeneralPages() uint64 {
	var total uint64
	m.VisitGeneral(func(r *MemoryRegion) bool {
		total += r.PageCount
		return true
	})
	return total
}
