//go:build arm64

package mem

const (
	// PageShift is log2(PageSize) on aarch64, matching the 4KiB
	// granule configuration used by original_source/ferro/src/memory/aarch64.rs.
	PageShift = 12

	// PageSize is the base page size in bytes on aarch64.
	PageSize = Size(1 << PageShift)

	// VirtAddrBits is the number of significant bits in a canonical
	// aarch64 virtual address under the 4KiB-granule, 4-level
	// translation regime.
	VirtAddrBits = 48
)
