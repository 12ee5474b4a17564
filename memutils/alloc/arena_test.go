package alloc_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/remotevec/memutils"
	"github.com/vkngwrapper/remotevec/memutils/alloc"
	"github.com/vkngwrapper/remotevec/memutils/metadata"
)

func newArena(t *testing.T, size int) (*alloc.ArenaAllocator, []byte) {
	backing := make([]uint64, size/8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)

	arena, err := alloc.NewArenaAllocator(nil, region, alloc.ArenaCreateOptions{})
	require.NoError(t, err)
	return arena, region
}

func TestArenaCreateRejectsBadRegion(t *testing.T) {
	_, err := alloc.NewArenaAllocator(nil, make([]byte, 4), alloc.ArenaCreateOptions{})
	require.Error(t, err)

	backing := make([]uint64, 8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), 64)
	_, err = alloc.NewArenaAllocator(nil, region[1:], alloc.ArenaCreateOptions{})
	require.Error(t, err)
}

func TestArenaAllocateFree(t *testing.T) {
	arena, region := newArena(t, 1024)
	require.Equal(t, region, arena.Region())

	first, err := arena.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&region[0]), first)

	second, err := arena.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&region[64]), second)
	require.NoError(t, arena.Validate())

	var stats memutils.Statistics
	arena.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 2,
		BlockBytes:      1024,
		AllocationBytes: 168,
	}, stats)

	require.NoError(t, arena.Free(first))
	require.NoError(t, arena.Free(second))
	require.NoError(t, arena.Validate())

	err = arena.Free(second)
	require.True(t, errors.Is(err, memutils.ErrUnknownAllocation))

	require.Equal(t, memutils.OperationCounters{Allocations: 2, Frees: 2}, arena.Counters())
}

func TestArenaOutOfMemory(t *testing.T) {
	arena, _ := newArena(t, 256)

	ptr, err := arena.Allocate(200)
	require.NoError(t, err)

	_, err = arena.Allocate(100)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = arena.Reallocate(ptr, 512)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, arena.Validate())

	_, err = arena.Allocate(math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = arena.Reallocate(ptr, math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, arena.Validate())
}

func TestArenaReallocateInPlace(t *testing.T) {
	arena, _ := newArena(t, 1024)

	ptr, err := arena.Allocate(32)
	require.NoError(t, err)
	fill(ptr, 32, 5)

	grown, err := arena.Reallocate(ptr, 512)
	require.NoError(t, err)
	require.Equal(t, ptr, grown)
	requireFilled(t, grown, 32, 5)
	require.NoError(t, arena.Validate())

	require.Equal(t, memutils.OperationCounters{Allocations: 1, Reallocations: 1}, arena.Counters())
}

func TestArenaReallocateMoves(t *testing.T) {
	arena, region := newArena(t, 1024)

	ptr, err := arena.Allocate(32)
	require.NoError(t, err)
	fill(ptr, 32, 11)

	blocker, err := arena.Allocate(32)
	require.NoError(t, err)

	moved, err := arena.Reallocate(ptr, 128)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&region[64]), moved)
	requireFilled(t, moved, 32, 11)
	require.NoError(t, arena.Validate())

	err = arena.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrUnknownAllocation))

	require.NoError(t, arena.Free(blocker))
	require.NoError(t, arena.Free(moved))
	require.Equal(t, memutils.OperationCounters{
		Allocations:   2,
		Reallocations: 1,
		Relocations:   1,
		Frees:         2,
	}, arena.Counters())
}

func TestArenaReset(t *testing.T) {
	arena, _ := newArena(t, 1024)
	require.NoError(t, arena.Reset())

	_, err := arena.Allocate(64)
	require.NoError(t, err)
	_, err = arena.Allocate(64)
	require.NoError(t, err)

	err = arena.Reset()
	require.Error(t, err)
	require.NoError(t, arena.Validate())

	var stats memutils.Statistics
	arena.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	ptr, err := arena.Allocate(1024)
	require.NoError(t, err)
	require.NotNil(t, ptr)
}

func TestArenaMinTimeStrategy(t *testing.T) {
	backing := make([]uint64, 512)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), 4096)

	arena, err := alloc.NewArenaAllocator(nil, region, alloc.ArenaCreateOptions{
		Strategy: metadata.AllocationStrategyMinTime,
	})
	require.NoError(t, err)

	var live []unsafe.Pointer
	for i := 1; i <= 10; i++ {
		ptr, err := arena.Allocate(i * 24)
		require.NoError(t, err)
		live = append(live, ptr)
	}

	for i := 0; i < len(live); i += 2 {
		require.NoError(t, arena.Free(live[i]))
	}
	require.NoError(t, arena.Validate())

	for i := 0; i < 5; i++ {
		_, err := arena.Allocate(48)
		require.NoError(t, err)
	}
	require.NoError(t, arena.Validate())
}
