package metadata

// AllocationStrategy exposes options for choosing the location of a new allocation. If none is
// chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation- not necessarily in terms of the smallest offset, but the one that is easiest
	// and fastest to find to minimize allocation time, possibly at the expense of allocation quality.
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
