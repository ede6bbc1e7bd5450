package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/metadata"
)

func allocWatermark(t *testing.T, md *metadata.WatermarkMetadata, size int, alignment uint, userData any) (metadata.BlockAllocationHandle, int) {
	success, req, err := md.CreateAllocationRequest(size, alignment)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, md.Alloc(req, userData))
	return req.BlockAllocationHandle, req.Offset
}

func TestWatermarkBasicAlloc(t *testing.T) {
	md := metadata.NewWatermarkMetadata()
	md.Init(100)
	require.True(t, md.IsEmpty())

	first, offset := allocWatermark(t, md, 10, 1, "first")
	require.Equal(t, 0, offset)

	second, offset := allocWatermark(t, md, 10, 16, "second")
	require.Equal(t, memutils.AlignUp(10+memutils.DebugMargin, 16), offset)
	require.Equal(t, offset+10+memutils.DebugMargin, md.Cursor())
	require.Equal(t, 2, md.AllocationCount())

	userData, err := md.AllocationUserData(second)
	require.NoError(t, err)
	require.Equal(t, "second", userData)

	offset, err = md.AllocationOffset(first)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.NoError(t, md.Validate())
}

func TestWatermarkNeverReclaims(t *testing.T) {
	md := metadata.NewWatermarkMetadata()
	md.Init(64)

	handle, _ := allocWatermark(t, md, 32, 1, nil)
	require.NoError(t, md.Free(handle))

	require.Equal(t, 32, md.FreedBytes())
	require.Equal(t, 32-memutils.DebugMargin, md.SumFreeSize())
	require.True(t, md.IsEmpty())

	success, _, err := md.CreateAllocationRequest(40, 1)
	require.NoError(t, err)
	require.False(t, success)

	require.Error(t, md.Free(handle))
	_, err = md.AllocationOffset(handle)
	require.Error(t, err)

	require.NoError(t, md.Validate())

	md.Clear()
	require.Equal(t, 0, md.Cursor())
	require.Equal(t, 0, md.FreedBytes())
	allocWatermark(t, md, 40, 1, nil)
}

func TestWatermarkStaleRequest(t *testing.T) {
	md := metadata.NewWatermarkMetadata()
	md.Init(64)

	success, first, err := md.CreateAllocationRequest(8, 1)
	require.NoError(t, err)
	require.True(t, success)

	success, second, err := md.CreateAllocationRequest(8, 1)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, md.Alloc(first, nil))
	require.Error(t, md.Alloc(second, nil))

	_, _, err = md.CreateAllocationRequest(8, 3)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestWatermarkStatistics(t *testing.T) {
	md := metadata.NewWatermarkMetadata()
	md.Init(100)

	first, _ := allocWatermark(t, md, 10, 1, nil)
	allocWatermark(t, md, 20, 1, nil)
	require.NoError(t, md.Free(first))

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	unused := 100 - 30 - 2*memutils.DebugMargin
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			Capacity:       100,
			Allocations:    1,
			AllocatedBytes: 20,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  20,
		AllocationSizeMax:  20,
		UnusedRangeSizeMin: unused,
		UnusedRangeSizeMax: unused,
	}, stats)

	var regions []bool
	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, free)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, regions)
}

func TestWatermarkEmptyStatistics(t *testing.T) {
	md := metadata.NewWatermarkMetadata()
	md.Init(50)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, 50, stats.UnusedRangeSizeMax)
	require.Equal(t, 1, md.FreeRegionsCount())
}
