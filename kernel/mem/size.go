// Package mem provides the shared types and constants that the kernel memory
// allocators build on.
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

// Pages returns the number of whole pages required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s + pageSizeMinus1) &^ pageSizeMinus1 >> PageShift)
}

// RoundUp returns the smallest multiple of unit that can store this size.
// unit must be a power of two.
func (s Size) RoundUp(unit Size) Size {
	return (s + unit - 1) &^ (unit - 1)
}
