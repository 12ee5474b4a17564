//go:build unix

package alloc

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/remotevec/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// MmapAllocator gives every allocation its own anonymous private mapping. Mappings live outside the Go
// heap, so the garbage collector never scans or moves them, and growing one can be done by the kernel
// without copying: on Linux Reallocate is a single mremap call.
type MmapAllocator struct {
	logger *slog.Logger

	live      *swiss.Map[uintptr, []byte]
	usedBytes int
	counters  memutils.OperationCounters
}

var _ Allocator = &MmapAllocator{}

// NewMmapAllocator creates a new MmapAllocator. A nil logger logs through slog.Default().
func NewMmapAllocator(logger *slog.Logger) (*MmapAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return &MmapAllocator{
		logger: logger,
		live:   swiss.NewMap[uintptr, []byte](16),
	}, nil
}

func mapError(err error, action string, size int) error {
	if cerrors.Is(err, unix.ENOMEM) {
		return cerrors.WithSecondaryError(
			cerrors.Wrapf(memutils.ErrOutOfMemory, "mmap allocator cannot %s %d bytes", action, size),
			err,
		)
	}

	return cerrors.Wrapf(err, "mmap allocator cannot %s %d bytes", action, size)
}

func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (a *MmapAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	data, err := mapAnonymous(size)
	if err != nil {
		return nil, mapError(err, "map", size)
	}

	ptr := unsafe.Pointer(&data[0])
	a.live.Put(uintptr(ptr), data)
	a.usedBytes += size
	a.counters.Allocations++

	return ptr, nil
}

func (a *MmapAllocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	key := uintptr(ptr)
	data, ok := a.live.Get(key)
	if !ok {
		return nil, cerrors.Wrapf(memutils.ErrUnknownAllocation, "mmap allocator cannot reallocate %#x", key)
	}

	newData, err := remap(data, size)
	if err != nil {
		return nil, mapError(err, "remap", size)
	}

	newPtr := unsafe.Pointer(&newData[0])
	a.live.Delete(key)
	a.live.Put(uintptr(newPtr), newData)
	a.usedBytes += len(newData) - len(data)
	a.counters.Reallocations++

	if newPtr != ptr {
		a.counters.Relocations++
		a.logger.Debug("MmapAllocator::Reallocate moved mapping", slog.Int("OldSize", len(data)), slog.Int("NewSize", size))
	}

	return newPtr, nil
}

func (a *MmapAllocator) Free(ptr unsafe.Pointer) error {
	key := uintptr(ptr)
	data, ok := a.live.Get(key)
	if !ok {
		return cerrors.Wrapf(memutils.ErrUnknownAllocation, "mmap allocator cannot free %#x", key)
	}

	err := unix.Munmap(data)
	if err != nil {
		return cerrors.Wrapf(err, "mmap allocator cannot unmap %d bytes", len(data))
	}

	a.live.Delete(key)
	a.usedBytes -= len(data)
	a.counters.Frees++

	return nil
}

// AddStatistics sums the live mappings into stats. BlockBytes is rounded up to whole pages.
func (a *MmapAllocator) AddStatistics(stats *memutils.Statistics) {
	pageSize := uint(unix.Getpagesize())

	a.live.Iter(func(_ uintptr, data []byte) bool {
		stats.BlockCount++
		stats.AllocationCount++
		stats.BlockBytes += memutils.AlignUp(len(data), pageSize)
		return false
	})
	stats.AllocationBytes += a.usedBytes
}

func (a *MmapAllocator) Counters() memutils.OperationCounters {
	return a.counters
}
