package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the memory an allocator currently holds. A block is a region reserved from the
// system (a heap buffer, a mapping, an arena region) and an allocation is a range handed out to a caller.
// Allocators that hand out whole blocks report the same count for both.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// WriteJson populates a json object with these statistics
func (s *Statistics) WriteJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// WriteJson populates a json object with these statistics. Min values are omitted while nothing has
// been counted, since they still hold their math.MaxInt sentinel.
func (s *DetailedStatistics) WriteJson(json *jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	json.Maybe("AllocationSizeMin", s.AllocationCount > 0).Int(s.AllocationSizeMin)
	json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	json.Maybe("UnusedRangeSizeMin", s.UnusedRangeCount > 0).Int(s.UnusedRangeSizeMin)
	json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
}

// OperationCounters tracks how many times each allocator entry point has succeeded over the allocator's
// lifetime. Relocations counts the reallocations that returned a different address than they were given.
type OperationCounters struct {
	Allocations   int
	Reallocations int
	Relocations   int
	Frees         int
}

func (c *OperationCounters) Add(other OperationCounters) {
	c.Allocations += other.Allocations
	c.Reallocations += other.Reallocations
	c.Relocations += other.Relocations
	c.Frees += other.Frees
}

// WriteJson populates a json object with these counters
func (c *OperationCounters) WriteJson(json *jwriter.ObjectState) {
	json.Name("Allocations").Int(c.Allocations)
	json.Name("Reallocations").Int(c.Reallocations)
	json.Name("Relocations").Int(c.Relocations)
	json.Name("Frees").Int(c.Frees)
}
