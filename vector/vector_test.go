package vector_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/remotevec/memutils"
	"github.com/vkngwrapper/remotevec/memutils/alloc"
	"github.com/vkngwrapper/remotevec/vector"
)

func newVector[T any](t *testing.T, options vector.CreateOptions[T]) *vector.Vector[T] {
	options.Flags |= vector.CreateValidateMutations

	v, err := vector.New[T](nil, options)
	require.NoError(t, err)
	return v
}

func TestVectorScenario(t *testing.T) {
	v := newVector[int](t, vector.CreateOptions[int]{})

	require.Equal(t, 0, v.Size())
	require.Equal(t, 1, v.Capacity())
	require.True(t, v.Empty())

	for _, value := range []int{1, 2, 3} {
		require.NoError(t, v.PushBack(value))
	}
	require.Equal(t, 3, v.Size())
	require.GreaterOrEqual(t, v.Capacity(), 4)
	require.Equal(t, []int{1, 2, 3}, v.Slice())

	require.NoError(t, v.Resize(1))
	require.Equal(t, 1, v.Size())
	require.Equal(t, 1, v.Capacity())
	require.Equal(t, 1, *v.Front())

	require.NoError(t, v.Resize(5))
	require.Equal(t, 5, v.Size())
	require.Equal(t, 5, v.Capacity())
	require.Equal(t, []int{1, 0, 0, 0, 0}, v.Slice())

	require.NoError(t, v.Destroy())
}

func TestVectorEmplaceBackOrder(t *testing.T) {
	v := newVector[point](t, vector.CreateOptions[point]{})

	for i := int32(0); i < 100; i++ {
		err := v.EmplaceBack(func(p *point) {
			p.X = i
			p.Y = -i
		})
		require.NoError(t, err)
	}

	require.Equal(t, 100, v.Size())
	for i, p := range v.All() {
		require.Equal(t, point{X: int32(i), Y: -int32(i)}, p)
	}

	require.NoError(t, v.Destroy())
}

func TestVectorGrowthIsLogarithmic(t *testing.T) {
	v := newVector[uint64](t, vector.CreateOptions[uint64]{})

	for i := uint64(0); i < 1000; i++ {
		require.NoError(t, v.PushBack(i))
	}

	require.Equal(t, 1024, v.Capacity())
	counters := v.Allocator().Counters()
	require.Equal(t, 1, counters.Allocations)
	require.Equal(t, 10, counters.Reallocations)

	require.NoError(t, v.Destroy())
	require.Equal(t, 1, v.Allocator().Counters().Frees)
}

func TestVectorReserve(t *testing.T) {
	v := newVector[int32](t, vector.CreateOptions[int32]{})

	for i := int32(0); i < 3; i++ {
		require.NoError(t, v.PushBack(i))
	}

	block := v.Block()
	reallocations := v.Allocator().Counters().Reallocations

	require.NoError(t, v.Reserve(v.Capacity()))
	require.NoError(t, v.Reserve(2))
	require.Same(t, block, v.Block())
	require.Equal(t, reallocations, v.Allocator().Counters().Reallocations)

	require.NoError(t, v.Reserve(100))
	require.GreaterOrEqual(t, v.Capacity(), 100)
	require.Equal(t, []int32{0, 1, 2}, v.Slice())

	require.NoError(t, v.Destroy())
}

func TestVectorPopBack(t *testing.T) {
	v := newVector[int](t, vector.CreateOptions[int]{})

	require.NoError(t, v.PushBack(10))
	require.NoError(t, v.PushBack(20))

	require.Equal(t, 20, *v.Back())
	require.NoError(t, v.PopBack())
	require.Equal(t, 1, v.Size())
	require.Equal(t, 10, *v.Back())

	require.NoError(t, v.PopBack())
	require.Panics(t, func() { _ = v.PopBack() })
	require.Panics(t, func() { v.Front() })

	require.NoError(t, v.Destroy())
}

func TestVectorErase(t *testing.T) {
	v := newVector[int](t, vector.CreateOptions[int]{})

	for i := 0; i < 5; i++ {
		require.NoError(t, v.PushBack(i))
	}

	capacity := v.Capacity()
	require.NoError(t, v.Erase())
	require.True(t, v.Empty())
	require.Equal(t, capacity, v.Capacity())

	require.NoError(t, v.Destroy())
}

func TestVectorSwap(t *testing.T) {
	left := newVector[int](t, vector.CreateOptions[int]{})
	right := newVector[int](t, vector.CreateOptions[int]{})

	for i := 0; i < 5; i++ {
		require.NoError(t, left.PushBack(i))
	}
	require.NoError(t, right.PushBack(99))

	leftAllocator := left.Allocator()
	leftCapacity := left.Capacity()

	left.Swap(right)

	require.Equal(t, []int{99}, left.Slice())
	require.Equal(t, 1, left.Capacity())
	require.Equal(t, []int{0, 1, 2, 3, 4}, right.Slice())
	require.Equal(t, leftCapacity, right.Capacity())
	require.Same(t, leftAllocator, right.Allocator())

	require.NoError(t, left.Destroy())
	require.NoError(t, right.Destroy())
}

func TestVectorDestroy(t *testing.T) {
	v := newVector[int](t, vector.CreateOptions[int]{})
	require.NoError(t, v.PushBack(1))

	require.NoError(t, v.Destroy())

	err := v.Destroy()
	require.True(t, errors.Is(err, memutils.ErrDestroyed))

	require.True(t, errors.Is(v.PushBack(2), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.EmplaceBack(nil), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.Reserve(4), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.Resize(4), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.Erase(), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.PopBack(), memutils.ErrDestroyed))
	require.True(t, errors.Is(v.Validate(), memutils.ErrDestroyed))

	require.Equal(t, 0, v.Size())
	require.Equal(t, 0, v.Capacity())
	require.Nil(t, v.Slice())
	require.Nil(t, v.Bytes())
	require.Nil(t, v.Block())
	require.Panics(t, func() { v.At(0) })

	var stats memutils.Statistics
	v.Allocator().AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{}, stats)
}

func TestVectorOversizedRequests(t *testing.T) {
	v := newVector[int64](t, vector.CreateOptions[int64]{})
	require.NoError(t, v.PushBack(7))

	require.True(t, errors.Is(v.Reserve(math.MaxInt/4), memutils.ErrOutOfMemory))
	require.True(t, errors.Is(v.Resize(math.MaxInt/4+1), memutils.ErrOutOfMemory))
	require.True(t, errors.Is(v.Reserve(vector.MaxCapacity[int64]()), memutils.ErrOutOfMemory))

	require.NoError(t, v.Validate())
	require.Equal(t, []int64{7}, v.Slice())
	require.Equal(t, 1, v.Capacity())

	require.NoError(t, v.Destroy())
}

func TestVectorResizeInvalid(t *testing.T) {
	v := newVector[int](t, vector.CreateOptions[int]{})
	require.NoError(t, v.PushBack(1))

	err := v.Resize(0)
	require.True(t, errors.Is(err, memutils.ErrInvalidLength))
	require.Equal(t, []int{1}, v.Slice())

	require.NoError(t, v.Destroy())
}

func TestVectorRelease(t *testing.T) {
	var released []int
	v := newVector[int](t, vector.CreateOptions[int]{
		Release: func(element *int) {
			released = append(released, *element)
		},
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, v.PushBack(i))
	}

	require.NoError(t, v.PopBack())
	require.Equal(t, []int{5}, released)

	require.NoError(t, v.Resize(2))
	require.Equal(t, []int{5, 3, 4}, released)

	// Growing releases nothing
	require.NoError(t, v.Resize(3))
	require.Equal(t, []int{5, 3, 4}, released)

	require.NoError(t, v.Erase())
	require.Equal(t, []int{5, 3, 4, 1, 2, 0}, released)

	require.NoError(t, v.PushBack(9))
	require.NoError(t, v.Destroy())
	require.Equal(t, []int{5, 3, 4, 1, 2, 0, 9}, released)
}

func TestVectorValidateMutations(t *testing.T) {
	v := newVector[int64](t, vector.CreateOptions[int64]{})
	require.NoError(t, v.PushBack(1))
	require.NoError(t, v.Reserve(4))

	header := unsafe.Slice((*uintptr)(v.Block().Base()), 3)
	header[2]++

	require.Error(t, v.Validate())
	require.Error(t, v.Erase())

	header[2]--
	require.NoError(t, v.Validate())
	require.NoError(t, v.Destroy())
}

func TestVectorCheckCorruption(t *testing.T) {
	v := newVector[int64](t, vector.CreateOptions[int64]{})
	require.NoError(t, v.PushBack(1))
	require.NoError(t, v.CheckCorruption())

	if memutils.DebugMargin == 0 {
		require.NoError(t, v.Destroy())
		return
	}

	margin := unsafe.Slice((*byte)(unsafe.Add(v.Block().Base(), len(v.Bytes()))), memutils.DebugMargin)
	margin[0] ^= 0xFF
	require.Error(t, v.CheckCorruption())

	margin[0] ^= 0xFF
	require.NoError(t, v.Destroy())
}

func TestVectorBuildStatsString(t *testing.T) {
	v := newVector[int64](t, vector.CreateOptions[int64]{})
	for i := int64(0); i < 3; i++ {
		require.NoError(t, v.PushBack(i))
	}

	writer := jwriter.NewWriter()
	v.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	var data struct {
		Destroyed   bool
		Size        int
		Capacity    int
		ElementSize int
		BlockBytes  int
		Allocator   struct {
			Statistics memutils.Statistics
			Counters   memutils.OperationCounters
		}
	}
	require.NoError(t, jsoniter.Unmarshal(writer.Bytes(), &data))

	require.False(t, data.Destroyed)
	require.Equal(t, 3, data.Size)
	require.Equal(t, 4, data.Capacity)
	require.Equal(t, 8, data.ElementSize)
	require.Equal(t, vector.HeaderSize+32, data.BlockBytes)
	require.Equal(t, 1, data.Allocator.Statistics.AllocationCount)
	require.Equal(t, vector.HeaderSize+32+memutils.DebugMargin, data.Allocator.Statistics.AllocationBytes)
	require.Equal(t, memutils.OperationCounters{Allocations: 1, Reallocations: 2, Relocations: 2}, data.Allocator.Counters)

	require.NoError(t, v.Destroy())
}

func TestVectorSharedArena(t *testing.T) {
	backing := make([]uint64, 1024)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), 8192)

	arena, err := alloc.NewArenaAllocator(nil, region, alloc.ArenaCreateOptions{})
	require.NoError(t, err)

	first := newVector[int32](t, vector.CreateOptions[int32]{Allocator: arena})
	second := newVector[int32](t, vector.CreateOptions[int32]{Allocator: arena})

	for i := int32(0); i < 200; i++ {
		require.NoError(t, first.PushBack(i))
		require.NoError(t, second.PushBack(-i))
		require.NoError(t, arena.Validate())
	}

	for i := 0; i < 200; i++ {
		require.Equal(t, int32(i), *first.At(i))
		require.Equal(t, -int32(i), *second.At(i))
	}

	require.Greater(t, arena.Counters().Relocations, 0)

	require.NoError(t, first.Destroy())
	require.NoError(t, second.Destroy())

	var stats memutils.Statistics
	arena.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, arena.Reset())
}

func TestVectorArenaOutOfMemory(t *testing.T) {
	backing := make([]uint64, 16)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), 128)

	arena, err := alloc.NewArenaAllocator(nil, region, alloc.ArenaCreateOptions{})
	require.NoError(t, err)

	v := newVector[int64](t, vector.CreateOptions[int64]{Allocator: arena})

	for {
		err = v.PushBack(int64(v.Size()))
		if err != nil {
			break
		}
	}

	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, v.Validate())
	for i, value := range v.All() {
		require.Equal(t, int64(i), value)
	}

	require.NoError(t, v.Destroy())
}
