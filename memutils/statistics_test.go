package memutils_test

import (
	"math"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/remotevec/memutils"
)

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)

	stats.AddAllocation(64)
	stats.AddAllocation(16)
	stats.AddUnusedRange(128)

	var other memutils.DetailedStatistics
	other.Clear()
	other.BlockCount = 1
	other.BlockBytes = 1024
	other.AddAllocation(256)
	other.AddUnusedRange(8)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 3,
			AllocationBytes: 336,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  16,
		AllocationSizeMax:  256,
		UnusedRangeSizeMin: 8,
		UnusedRangeSizeMax: 128,
	}, stats)
}

func TestDetailedStatisticsJsonOmitsEmptyMinimums(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 4096

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.WriteJson(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	var data map[string]int
	require.NoError(t, jsoniter.Unmarshal(writer.Bytes(), &data))

	require.Equal(t, map[string]int{
		"BlockCount":         1,
		"AllocationCount":    0,
		"BlockBytes":         4096,
		"AllocationBytes":    0,
		"UnusedRangeCount":   0,
		"AllocationSizeMax":  0,
		"UnusedRangeSizeMax": 0,
	}, data)
}

func TestOperationCounters(t *testing.T) {
	counters := memutils.OperationCounters{Allocations: 1, Reallocations: 4, Relocations: 2}
	counters.Add(memutils.OperationCounters{Allocations: 1, Frees: 2})

	require.Equal(t, memutils.OperationCounters{
		Allocations:   2,
		Reallocations: 4,
		Relocations:   2,
		Frees:         2,
	}, counters)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	counters.WriteJson(&obj)
	obj.End()

	var data map[string]int
	require.NoError(t, jsoniter.Unmarshal(writer.Bytes(), &data))
	require.Equal(t, map[string]int{
		"Allocations":   2,
		"Reallocations": 4,
		"Relocations":   2,
		"Frees":         2,
	}, data)
}
