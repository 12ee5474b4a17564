package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new allocation. The consumer commits it with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free range the allocation will be carved from. Once committed,
	// it identifies the allocation itself.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation, which may be larger than what was originally requested
	Size int
	// Offset is the offset in bytes at which the allocation will start
	Offset int
}
