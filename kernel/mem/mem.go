// Package mem defines the arch-neutral units the rest of the memory
// subsystem is built on: byte sizes, page counts, and the buddy order
// arithmetic of spec.md §4.1. It mirrors kernel/mem/mem.go in the teacher
// kernel, generalized from a single MaxPageOrder(9) to the full
// MaxOrder(32) buddy scheme spec.md calls for.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// MaxOrder is the number of distinct buddy orders a region can track
// (orders 0..MaxOrder-1). spec.md §3 fixes this at 32.
const MaxOrder = 32

// InvalidOrder is the sentinel returned when no order in range
// [0, MaxOrder) can represent a requested page count.
const InvalidOrder = ^uint(0)

// Pages returns the number of whole pages required to store a block of
// this size, rounding up to the next page boundary.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s + pageSizeMinus1) &^ pageSizeMinus1 >> PageShift)
}

// Order returns the smallest PageOrder whose block size is at least s.
func (s Size) Order() PageOrder {
	return PageOrder(OrderOfPageCountCeil(s.Pages()))
}

// PageOrder represents a power-of-two multiple of the base page size
// (PageSize); PageOrder(0) is one page, PageOrder(k) is 2^k pages.
type PageOrder uint

// PageCount returns the number of pages a block of this order spans.
func (o PageOrder) PageCount() uint64 {
	return PageCountOfOrder(uint(o))
}

// ByteSize returns the size in bytes of a block of this order.
func (o PageOrder) ByteSize() Size {
	return ByteCountOfOrder(uint(o))
}
