package metadata

import (
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

type watermarkAllocation struct {
	handle   BlockAllocationHandle
	offset   int
	size     int
	userData any
	freed    bool
}

// WatermarkMetadata is a BlockMetadata implementation that places every allocation directly
// after the previous one and never reuses space. Frees are recorded, so that double frees
// and leaks can be diagnosed, but the memory they release is only recovered by Clear.
//
// This is the algorithm behind the bootstrap pool: it needs no bookkeeping memory of its
// own beyond a handle map, and its behavior is trivially predictable.
type WatermarkMetadata struct {
	BlockMetadataBase

	cursor     int
	allocCount int
	freedBytes int

	lastHandle  BlockAllocationHandle
	allocations *swiss.Map[BlockAllocationHandle, *watermarkAllocation]
	order       []*watermarkAllocation
}

var _ BlockMetadata = &WatermarkMetadata{}

func NewWatermarkMetadata() *WatermarkMetadata {
	return &WatermarkMetadata{}
}

func (m *WatermarkMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Cursor returns the offset at which the next allocation would begin, before alignment
func (m *WatermarkMetadata) Cursor() int { return m.cursor }

// FreedBytes returns the number of bytes released by Free that remain unusable
func (m *WatermarkMetadata) FreedBytes() int { return m.freedBytes }

func (m *WatermarkMetadata) AllocationCount() int { return m.allocCount }

// FreeRegionsCount returns 1 while there is room past the watermark and 0 otherwise
func (m *WatermarkMetadata) FreeRegionsCount() int {
	if m.cursor < m.size {
		return 1
	}
	return 0
}

func (m *WatermarkMetadata) SumFreeSize() int { return m.size - m.cursor }

func (m *WatermarkMetadata) IsEmpty() bool { return m.allocCount == 0 }

func (m *WatermarkMetadata) Validate() error {
	if m.cursor > m.size {
		return errors.Errorf("watermark %d is past the end of the arena (%d bytes)", m.cursor, m.size)
	}

	var liveCount, freedBytes int
	prevEnd := 0
	for _, alloc := range m.order {
		if alloc.offset < prevEnd {
			return errors.Errorf("allocation at offset %d overlaps the allocation before it, which ends at %d", alloc.offset, prevEnd)
		}
		prevEnd = alloc.offset + alloc.size + memutils.DebugMargin

		stored, ok := m.allocations.Get(alloc.handle)
		if !ok || stored != alloc {
			return errors.Errorf("allocation at offset %d is missing from the handle map", alloc.offset)
		}

		if alloc.freed {
			freedBytes += alloc.size
		} else {
			liveCount++
		}
	}

	if prevEnd > m.cursor {
		return errors.Errorf("last allocation ends at %d, past the watermark %d", prevEnd, m.cursor)
	}

	if m.allocations.Count() != len(m.order) {
		return errors.Errorf("handle map lists %d allocations but %d were issued", m.allocations.Count(), len(m.order))
	}

	if liveCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but there are %d live allocations", m.allocCount, liveCount)
	}

	if freedBytes != m.freedBytes {
		return errors.Errorf("the metadata lists %d freed bytes, but the freed allocations add up to %d", m.freedBytes, freedBytes)
	}

	return nil
}

func (m *WatermarkMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	var request AllocationRequest
	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, request, err
	}

	offset := memutils.AlignUp(m.cursor, allocAlignment)
	if offset+allocSize+memutils.DebugMargin > m.size {
		return false, request, nil
	}

	request.BlockAllocationHandle = m.lastHandle + 1
	request.Offset = offset
	request.Size = allocSize
	request.Type = AllocationRequestWatermark
	return true, request, nil
}

func (m *WatermarkMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestWatermark {
		return errors.Errorf("received a %s request", request.Type)
	}

	if request.BlockAllocationHandle != m.lastHandle+1 || request.Offset < m.cursor {
		return errors.New("allocation request is stale: another allocation was committed after it was created")
	}

	end := request.Offset + request.Size + memutils.DebugMargin
	if end > m.size {
		return errors.Errorf("allocation request ending at %d does not fit in %d bytes", end, m.size)
	}

	alloc := &watermarkAllocation{
		handle:   request.BlockAllocationHandle,
		offset:   request.Offset,
		size:     request.Size,
		userData: userData,
	}
	m.lastHandle = request.BlockAllocationHandle
	m.allocations.Put(alloc.handle, alloc)
	m.order = append(m.order, alloc)
	m.cursor = end
	m.allocCount++

	return nil
}

func (m *WatermarkMetadata) getLive(allocHandle BlockAllocationHandle) (*watermarkAllocation, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return nil, errors.Errorf("received a handle that was incompatible with this metadata: %d", allocHandle)
	}
	if alloc.freed {
		return nil, errors.Errorf("allocation %d has already been freed", allocHandle)
	}
	return alloc, nil
}

func (m *WatermarkMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, err := m.getLive(allocHandle)
	if err != nil {
		return err
	}

	alloc.freed = true
	alloc.userData = nil
	m.allocCount--
	m.freedBytes += alloc.size
	return nil
}

func (m *WatermarkMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	alloc, err := m.getLive(allocHandle)
	if err != nil {
		return 0, err
	}
	return alloc.offset, nil
}

func (m *WatermarkMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, err := m.getLive(allocHandle)
	if err != nil {
		return nil, err
	}
	return alloc.userData, nil
}

// VisitAllRegions reports freed allocations as free regions, even though they will not be
// reused, followed by the unused space past the watermark
func (m *WatermarkMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for _, alloc := range m.order {
		err := handleBlock(alloc.handle, alloc.offset, alloc.size, alloc.userData, alloc.freed)
		if err != nil {
			return err
		}
	}

	if m.cursor < m.size {
		return handleBlock(NoAllocation, m.cursor, m.size-m.cursor, nil, true)
	}

	return nil
}

func (m *WatermarkMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Capacity += m.size
	for _, alloc := range m.order {
		if !alloc.freed {
			stats.AddAllocation(alloc.size)
		}
	}

	if m.cursor < m.size {
		stats.AddUnusedRange(m.size - m.cursor)
	}
}

func (m *WatermarkMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += m.size
	stats.Allocations += m.allocCount
	for _, alloc := range m.order {
		if !alloc.freed {
			stats.AllocatedBytes += alloc.size
		}
	}
}

func (m *WatermarkMetadata) Clear() {
	m.cursor = 0
	m.allocCount = 0
	m.freedBytes = 0
	m.order = nil
	m.allocations = swiss.NewMap[BlockAllocationHandle, *watermarkAllocation](16)
}

func (m *WatermarkMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.blockJsonData(json, m.SumFreeSize(), m.allocCount, m.FreeRegionsCount())
	json.Name("Watermark").Int(m.cursor)
	json.Name("FreedBytes").Int(m.freedBytes)
}
