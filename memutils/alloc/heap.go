package alloc

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/remotevec/memutils"
	"golang.org/x/exp/slog"
)

const wordSize = int(unsafe.Sizeof(uint64(0)))

// maxHeapAllocation is the largest buffer the allocator asks the runtime for. It is 2^47-1 bytes on
// 64-bit platforms, below the runtime's address space limit, and the full int range on 32-bit ones.
const maxHeapAllocation = math.MaxInt>>16 | math.MaxInt32

// HeapCreateOptions contains optional settings when creating a HeapAllocator
type HeapCreateOptions struct {
	// Limit is the maximum number of bytes the allocator will hold at once. Requests that would exceed it
	// fail with memutils.ErrOutOfMemory. Zero means no limit.
	Limit int
}

type heapAllocation struct {
	buffer []uint64
	size   int
}

// HeapAllocator hands out memory from the Go heap. Each allocation is a []uint64, which keeps it word
// aligned and marks it as pointer-free for the garbage collector; the allocator holds a reference to every
// live buffer until it is freed.
type HeapAllocator struct {
	logger *slog.Logger
	limit  int

	live      *swiss.Map[uintptr, heapAllocation]
	heldBytes int
	usedBytes int
	counters  memutils.OperationCounters
}

var _ Allocator = &HeapAllocator{}

// NewHeapAllocator creates a new HeapAllocator. A nil logger logs through slog.Default().
func NewHeapAllocator(logger *slog.Logger, options HeapCreateOptions) *HeapAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	return &HeapAllocator{
		logger: logger,
		limit:  options.Limit,
		live:   swiss.NewMap[uintptr, heapAllocation](16),
	}
}

func (a *HeapAllocator) reserve(size int, releasing int) ([]uint64, error) {
	if size > maxHeapAllocation-wordSize {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory,
			"heap allocator cannot reserve %d bytes, the maximum is %d", size, maxHeapAllocation-wordSize)
	}

	words := (size + wordSize - 1) / wordSize
	if a.limit > 0 && a.heldBytes-releasing+words*wordSize > a.limit {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory,
			"heap allocator holds %d of %d bytes and cannot reserve %d more", a.heldBytes, a.limit, words*wordSize-releasing)
	}

	return make([]uint64, words), nil
}

func (a *HeapAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	buffer, err := a.reserve(size, 0)
	if err != nil {
		return nil, err
	}

	ptr := unsafe.Pointer(&buffer[0])
	a.live.Put(uintptr(ptr), heapAllocation{buffer: buffer, size: size})
	a.heldBytes += len(buffer) * wordSize
	a.usedBytes += size
	a.counters.Allocations++

	return ptr, nil
}

func (a *HeapAllocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	key := uintptr(ptr)
	allocation, ok := a.live.Get(key)
	if !ok {
		return nil, cerrors.Wrapf(memutils.ErrUnknownAllocation, "heap allocator cannot reallocate %#x", key)
	}

	heldBytes := len(allocation.buffer) * wordSize
	if size <= heldBytes {
		// The buffer already has room: shrink or grow in place
		a.usedBytes += size - allocation.size
		allocation.size = size
		a.live.Put(key, allocation)
		a.counters.Reallocations++
		return ptr, nil
	}

	buffer, err := a.reserve(size, heldBytes)
	if err != nil {
		return nil, err
	}
	copy(buffer, allocation.buffer)

	newPtr := unsafe.Pointer(&buffer[0])
	a.live.Delete(key)
	a.live.Put(uintptr(newPtr), heapAllocation{buffer: buffer, size: size})
	a.heldBytes += len(buffer)*wordSize - heldBytes
	a.usedBytes += size - allocation.size
	a.counters.Reallocations++
	a.counters.Relocations++

	a.logger.Debug("HeapAllocator::Reallocate moved allocation", slog.Int("OldSize", allocation.size), slog.Int("NewSize", size))

	return newPtr, nil
}

func (a *HeapAllocator) Free(ptr unsafe.Pointer) error {
	key := uintptr(ptr)
	allocation, ok := a.live.Get(key)
	if !ok {
		return cerrors.Wrapf(memutils.ErrUnknownAllocation, "heap allocator cannot free %#x", key)
	}

	a.live.Delete(key)
	a.heldBytes -= len(allocation.buffer) * wordSize
	a.usedBytes -= allocation.size
	a.counters.Frees++

	return nil
}

func (a *HeapAllocator) AddStatistics(stats *memutils.Statistics) {
	count := a.live.Count()
	stats.BlockCount += count
	stats.AllocationCount += count
	stats.BlockBytes += a.heldBytes
	stats.AllocationBytes += a.usedBytes
}

func (a *HeapAllocator) Counters() memutils.OperationCounters {
	return a.counters
}
