package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/remotevec/memutils"
)

// BlockMetadata represents a single large region of memory within some system. It manages
// suballocations within the region, allowing allocations to be requested, resized and freed, as well as
// enumerated and queried. It never touches the memory itself: offsets and sizes are all it knows.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the size in
	// bytes of the region it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive. When the
	// implementation is functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation
	AllocationCount() int
	// SumFreeSize returns the number of free bytes in the region
	SumFreeSize() int
	// IsEmpty will return true if this region has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationSize returns the size in bytes of a live allocation, after rounding
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)

	// AddDetailedStatistics sums this region's allocation statistics into the provided memutils.DetailedStatistics
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this region's allocation statistics into the provided memutils.Statistics
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where the implementation
	// would place an allocation of allocSize bytes. The boolean return is false when no free range is large
	// enough. The request can be passed to Alloc to commit the allocation.
	CreateAllocationRequest(allocSize int, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object. The implementation must return an error if the request is no
	// longer valid.
	Alloc(request AllocationRequest, userData any) error
	// TryResize changes the size of a live allocation without moving it, using the free range that physically
	// follows it. It returns false, leaving the allocation untouched, when that range is too small.
	TryResize(allocHandle BlockAllocationHandle, newSize int) (bool, error)
	// Free frees a suballocation within the region, causing it to become a free range once again.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
