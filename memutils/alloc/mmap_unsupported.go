//go:build !unix

package alloc

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/remotevec/memutils"
	"golang.org/x/exp/slog"
)

// MmapAllocator is not available on this platform; NewMmapAllocator always fails
type MmapAllocator struct{}

var _ Allocator = &MmapAllocator{}

func NewMmapAllocator(logger *slog.Logger) (*MmapAllocator, error) {
	return nil, cerrors.Wrap(memutils.ErrUnsupported, "mmap allocator")
}

func (a *MmapAllocator) Allocate(size int) (unsafe.Pointer, error) {
	return nil, cerrors.Wrap(memutils.ErrUnsupported, "mmap allocator")
}

func (a *MmapAllocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return nil, cerrors.Wrap(memutils.ErrUnsupported, "mmap allocator")
}

func (a *MmapAllocator) Free(ptr unsafe.Pointer) error {
	return cerrors.Wrap(memutils.ErrUnsupported, "mmap allocator")
}

func (a *MmapAllocator) AddStatistics(stats *memutils.Statistics) {}

func (a *MmapAllocator) Counters() memutils.OperationCounters {
	return memutils.OperationCounters{}
}
