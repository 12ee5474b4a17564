package alloc

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/remotevec/memutils"
)

//go:generate mockgen -source allocator.go -destination ./mocks/allocator.go -package mock_alloc

// Allocator is the backend a vector block is allocated, grown and released through. It behaves like
// the C allocator's malloc/realloc/free triple, with two differences: failures are reported as errors
// wrapping memutils.ErrOutOfMemory, and the allocator knows the size of everything it has handed out.
//
// Allocators are not safe for concurrent use.
type Allocator interface {
	// Allocate returns a pointer to at least size bytes, aligned to 8 bytes. The contents are unspecified.
	Allocate(size int) (unsafe.Pointer, error)
	// Reallocate resizes the allocation at ptr to size bytes, possibly moving it. The first min(old, new)
	// bytes are preserved; anything past the old size is unspecified. The returned pointer replaces ptr,
	// which must not be used again. On error the original allocation is untouched and still owned by the
	// caller.
	Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error)
	// Free releases the allocation at ptr. Freeing a pointer that is not live returns an error wrapping
	// memutils.ErrUnknownAllocation.
	Free(ptr unsafe.Pointer) error

	// AddStatistics sums the memory currently held by this allocator into stats
	AddStatistics(stats *memutils.Statistics)
	// Counters returns the number of successful calls to each entry point over the allocator's lifetime
	Counters() memutils.OperationCounters
}

// BuildStatsString writes an allocator's statistics and lifetime counters as a json object
func BuildStatsString(writer *jwriter.Writer, allocator Allocator) {
	obj := writer.Object()
	defer obj.End()

	WriteJson(&obj, allocator)
}

// WriteJson populates a json object with an allocator's statistics and lifetime counters
func WriteJson(json *jwriter.ObjectState, allocator Allocator) {
	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	statsObj := json.Name("Statistics").Object()
	stats.WriteJson(&statsObj)
	statsObj.End()

	counters := allocator.Counters()
	countersObj := json.Name("Counters").Object()
	counters.WriteJson(&countersObj)
	countersObj.End()
}
