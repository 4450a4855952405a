package pte

// Entry bit layout. spec.md §1 treats the concrete page-table entry
// encoding as out of scope ("the CPU-specific page-table entry
// encodings, treated here as a polymorphic leaf") — these positions
// follow the x86_64/AArch64-compatible convention the teacher's own
// pdt.go flags use (present/writable/user/cache-disable low in the
// word, the big-page bit at bit 7, the frame address page-aligned),
// which is also shape-compatible with AArch64's block-descriptor
// layout at the granularity this package cares about (present vs.
// not, block vs. table, cacheable vs. not).
const (
	flagPresent        = Entry(1 << 0)
	flagWritable       = Entry(1 << 1)
	flagUserAccessible = Entry(1 << 2)
	flagCacheDisable   = Entry(1 << 4)
	flagBigPage        = Entry(1 << 7)

	// physAddrMask keeps the physical frame address component of an
	// entry, masking off the low-order flag bits and any bits beyond
	// the architectures' 52-bit physical address width.
	physAddrMask = Entry(0x000F_FFFF_FFFF_F000)
)
