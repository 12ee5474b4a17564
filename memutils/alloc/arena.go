package alloc

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/remotevec/memutils"
	"github.com/vkngwrapper/remotevec/memutils/metadata"
	"golang.org/x/exp/slog"
)

// ArenaCreateOptions contains optional settings when creating an ArenaAllocator
type ArenaCreateOptions struct {
	// Strategy controls how the arena picks a free range for new allocations. The zero value behaves
	// like metadata.AllocationStrategyMinMemory.
	Strategy metadata.AllocationStrategy
}

type arenaAllocation struct {
	handle metadata.BlockAllocationHandle
	offset int
	size   int
}

// ArenaAllocator carves allocations out of a single region supplied by the caller, such as a shared
// memory segment or a file mapping. Placement is managed by TLSF metadata, which also lets Reallocate
// grow an allocation in place when the range following it is free.
//
// The arena never owns the region: it does not free it and the caller must keep it alive for as long
// as the arena is in use.
type ArenaAllocator struct {
	logger   *slog.Logger
	strategy metadata.AllocationStrategy

	region   []byte
	base     unsafe.Pointer
	metadata *metadata.TLSFBlockMetadata
	live     *swiss.Map[int, *arenaAllocation]
	counters memutils.OperationCounters
}

var _ Allocator = &ArenaAllocator{}

// NewArenaAllocator creates an ArenaAllocator managing region. The region must start on an 8-byte
// boundary; any trailing bytes past the last multiple of 8 are never handed out. A nil logger logs through
// slog.Default().
func NewArenaAllocator(logger *slog.Logger, region []byte, options ArenaCreateOptions) (*ArenaAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(region) < int(metadata.AllocationAlignment) {
		return nil, cerrors.Newf("arena region of %d bytes is too small", len(region))
	}

	base := unsafe.Pointer(&region[0])
	if !memutils.IsAligned(uintptr(base), uintptr(metadata.AllocationAlignment)) {
		return nil, cerrors.Newf("arena region at %#x is not aligned to %d bytes", uintptr(base), metadata.AllocationAlignment)
	}

	strategy := options.Strategy
	if strategy == 0 {
		strategy = metadata.AllocationStrategyMinMemory
	}

	blockMetadata := metadata.NewTLSFBlockMetadata()
	blockMetadata.Init(len(region))

	return &ArenaAllocator{
		logger:   logger,
		strategy: strategy,
		region:   region,
		base:     base,
		metadata: blockMetadata,
		live:     swiss.NewMap[int, *arenaAllocation](16),
	}, nil
}

// Region returns the region this arena was created with
func (a *ArenaAllocator) Region() []byte {
	return a.region
}

func (a *ArenaAllocator) allocate(size int) (*arenaAllocation, error) {
	success, request, err := a.metadata.CreateAllocationRequest(size, a.strategy)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory,
			"arena has %d free bytes of %d and no free range for %d", a.metadata.SumFreeSize(), a.metadata.Size(), size)
	}

	allocation := &arenaAllocation{
		handle: request.BlockAllocationHandle,
		offset: request.Offset,
		size:   size,
	}

	err = a.metadata.Alloc(request, allocation)
	if err != nil {
		return nil, err
	}

	a.live.Put(allocation.offset, allocation)
	return allocation, nil
}

func (a *ArenaAllocator) lookup(ptr unsafe.Pointer, action string) (*arenaAllocation, error) {
	offset := int(uintptr(ptr) - uintptr(a.base))
	allocation, ok := a.live.Get(offset)
	if !ok {
		return nil, cerrors.Wrapf(memutils.ErrUnknownAllocation, "arena cannot %s %#x", action, uintptr(ptr))
	}

	return allocation, nil
}

func (a *ArenaAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	allocation, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	a.counters.Allocations++
	return unsafe.Add(a.base, allocation.offset), nil
}

func (a *ArenaAllocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}

	allocation, err := a.lookup(ptr, "reallocate")
	if err != nil {
		return nil, err
	}

	resized, err := a.metadata.TryResize(allocation.handle, size)
	if err != nil {
		return nil, err
	}
	if resized {
		allocation.size = size
		a.counters.Reallocations++
		return ptr, nil
	}

	newAllocation, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	newPtr := unsafe.Add(a.base, newAllocation.offset)
	preserved := min(allocation.size, size)
	copy(a.region[newAllocation.offset:newAllocation.offset+preserved], a.region[allocation.offset:allocation.offset+preserved])

	err = a.release(allocation)
	if err != nil {
		return nil, err
	}

	a.counters.Reallocations++
	a.counters.Relocations++

	a.logger.Debug("ArenaAllocator::Reallocate moved allocation",
		slog.Int("OldOffset", allocation.offset),
		slog.Int("NewOffset", newAllocation.offset),
		slog.Int("OldSize", allocation.size),
		slog.Int("NewSize", size))

	return newPtr, nil
}

func (a *ArenaAllocator) release(allocation *arenaAllocation) error {
	err := a.metadata.Free(allocation.handle)
	if err != nil {
		return err
	}

	a.live.Delete(allocation.offset)
	return nil
}

func (a *ArenaAllocator) Free(ptr unsafe.Pointer) error {
	allocation, err := a.lookup(ptr, "free")
	if err != nil {
		return err
	}

	err = a.release(allocation)
	if err != nil {
		return err
	}

	a.counters.Frees++
	return nil
}

func (a *ArenaAllocator) AddStatistics(stats *memutils.Statistics) {
	a.metadata.AddStatistics(stats)
}

func (a *ArenaAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.metadata.AddDetailedStatistics(stats)
}

func (a *ArenaAllocator) Counters() memutils.OperationCounters {
	return a.counters
}

// Validate checks the consistency of the arena's metadata against its live allocations
func (a *ArenaAllocator) Validate() error {
	err := a.metadata.Validate()
	if err != nil {
		return err
	}

	if a.metadata.AllocationCount() != a.live.Count() {
		return errors.Errorf("arena metadata has %d allocations but %d are live", a.metadata.AllocationCount(), a.live.Count())
	}

	return a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		allocation, ok := userData.(*arenaAllocation)
		if !ok || allocation.handle != handle || allocation.offset != offset {
			return errors.Errorf("allocation at offset %d does not match its metadata", offset)
		}
		if allocation.size > size {
			return errors.Errorf("allocation at offset %d holds %d bytes in a range of %d", offset, allocation.size, size)
		}

		return nil
	})
}

// BuildStatsString writes the arena's detailed statistics, region layout and lifetime counters as a json
// object
func (a *ArenaAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)
	statsObj := obj.Name("Statistics").Object()
	stats.WriteJson(&statsObj)
	statsObj.End()

	regionObj := obj.Name("Region").Object()
	a.metadata.BlockJsonData(&regionObj)
	regionObj.End()

	countersObj := obj.Name("Counters").Object()
	a.counters.WriteJson(&countersObj)
	countersObj.End()
}

// Reset frees every allocation in the arena at once. Allocations that are still live are logged as
// unreleased memory and an error is returned, but the arena is emptied either way.
func (a *ArenaAllocator) Reset() error {
	if a.metadata.IsEmpty() {
		return nil
	}

	leaked := a.metadata.AllocationCount()
	a.metadata.DebugLogAllAllocations(a.logger, func(log *slog.Logger, offset int, size int, userData any) {
		log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed arena allocation",
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Int("requestedSize", userData.(*arenaAllocation).size),
		)
	})

	a.metadata.Clear()
	a.live = swiss.NewMap[int, *arenaAllocation](16)

	return errors.Errorf("%d allocations were not freed before the arena was reset", leaked)
}
