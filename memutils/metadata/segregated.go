package metadata

import (
	"math/bits"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

const (
	segSecondLevelBits  = 2
	segSecondLevelCount = 1 << segSecondLevelBits
	segFirstLevelCount  = 64

	// SegregatedGranularity is the unit every block size and offset is a multiple of
	SegregatedGranularity = 8
	// segMinSplitSize is the smallest remainder that is split off into its own free block
	segMinSplitSize = 2 * SegregatedGranularity
)

type segBlock struct {
	offset int
	size   int

	prevPhysical *segBlock
	nextPhysical *segBlock

	prevFree *segBlock
	nextFree *segBlock

	free     bool
	handle   BlockAllocationHandle
	userData any
}

// SegregatedMetadata is a two-level segregated fit BlockMetadata implementation. Free blocks are
// filed into lists by the position of their highest bit (first level) and the next two bits
// (second level); a pair of bitmaps finds the smallest non-empty list that is guaranteed to fit
// a request in constant time. Freed blocks are coalesced with free physical neighbors
// immediately, so no two adjacent blocks are ever both free.
type SegregatedMetadata struct {
	BlockMetadataBase

	allocCount int
	freeCount  int
	freeSize   int

	firstLevelMap  uint64
	secondLevelMap [segFirstLevelCount]uint8
	freeLists      [segFirstLevelCount * segSecondLevelCount]*segBlock

	lastHandle BlockAllocationHandle
	handles    *swiss.Map[BlockAllocationHandle, *segBlock]
	first      *segBlock
}

var _ BlockMetadata = &SegregatedMetadata{}

func NewSegregatedMetadata() *SegregatedMetadata {
	return &SegregatedMetadata{}
}

func segMapping(size int) (int, int) {
	firstLevel := bits.Len64(uint64(size)) - 1
	if firstLevel < segSecondLevelBits {
		return firstLevel, 0
	}
	secondLevel := (size >> (firstLevel - segSecondLevelBits)) & (segSecondLevelCount - 1)
	return firstLevel, secondLevel
}

// segMappingUp rounds size up to the next list boundary, so that every block filed in the
// returned list is large enough for size
func segMappingUp(size int) (int, int) {
	firstLevel := bits.Len64(uint64(size)) - 1
	if firstLevel >= segSecondLevelBits {
		size += (1 << (firstLevel - segSecondLevelBits)) - 1
	}
	return segMapping(size)
}

func (m *SegregatedMetadata) newBlock(offset, size int) *segBlock {
	m.lastHandle++
	block := &segBlock{
		offset: offset,
		size:   size,
		handle: m.lastHandle,
	}
	m.handles.Put(block.handle, block)
	return block
}

func (m *SegregatedMetadata) Init(size int) {
	size = memutils.AlignDown(size, SegregatedGranularity)
	m.BlockMetadataBase.Init(size)

	m.allocCount = 0
	m.freeCount = 0
	m.freeSize = 0
	m.firstLevelMap = 0
	m.secondLevelMap = [segFirstLevelCount]uint8{}
	m.freeLists = [segFirstLevelCount * segSecondLevelCount]*segBlock{}
	m.handles = swiss.NewMap[BlockAllocationHandle, *segBlock](32)
	m.first = nil

	if size > 0 {
		m.first = m.newBlock(0, size)
		m.insertFree(m.first)
	}
}

func (m *SegregatedMetadata) insertFree(block *segBlock) {
	firstLevel, secondLevel := segMapping(block.size)
	index := firstLevel*segSecondLevelCount + secondLevel

	block.prevFree = nil
	block.nextFree = m.freeLists[index]
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	}
	m.freeLists[index] = block
	m.secondLevelMap[firstLevel] |= 1 << secondLevel
	m.firstLevelMap |= 1 << firstLevel

	block.free = true
	m.freeCount++
	m.freeSize += block.size
}

func (m *SegregatedMetadata) removeFree(block *segBlock) {
	firstLevel, secondLevel := segMapping(block.size)
	index := firstLevel*segSecondLevelCount + secondLevel

	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		m.freeLists[index] = block.nextFree
		if block.nextFree == nil {
			m.secondLevelMap[firstLevel] &^= 1 << secondLevel
			if m.secondLevelMap[firstLevel] == 0 {
				m.firstLevelMap &^= 1 << firstLevel
			}
		}
	}

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}

	block.prevFree = nil
	block.nextFree = nil
	block.free = false
	m.freeCount--
	m.freeSize -= block.size
}

func (m *SegregatedMetadata) unlinkPhysical(block *segBlock) {
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block.nextPhysical
	} else {
		m.first = block.nextPhysical
	}

	if block.nextPhysical != nil {
		block.nextPhysical.prevPhysical = block.prevPhysical
	}

	m.handles.Delete(block.handle)
}

func (m *SegregatedMetadata) findFreeBlock(size int) *segBlock {
	firstLevel, secondLevel := segMappingUp(size)
	if firstLevel >= segFirstLevelCount {
		return nil
	}

	secondLevelMap := m.secondLevelMap[firstLevel] & (uint8(0xFF) << secondLevel)
	if secondLevelMap == 0 {
		firstLevelMap := m.firstLevelMap & (^uint64(0) << (firstLevel + 1))
		if firstLevelMap == 0 {
			return nil
		}

		firstLevel = bits.TrailingZeros64(firstLevelMap)
		secondLevelMap = m.secondLevelMap[firstLevel]
		if secondLevelMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	secondLevel = bits.TrailingZeros8(secondLevelMap)
	return m.freeLists[firstLevel*segSecondLevelCount+secondLevel]
}

// scanList walks the list a block of exactly size would be filed in, looking for one that
// fits with the requested alignment. It catches the cases findFreeBlock rounds past.
func (m *SegregatedMetadata) scanList(size int, alignment uint) *segBlock {
	firstLevel, secondLevel := segMapping(size)
	for block := m.freeLists[firstLevel*segSecondLevelCount+secondLevel]; block != nil; block = block.nextFree {
		if memutils.AlignUp(block.offset, alignment)+size <= block.offset+block.size {
			return block
		}
	}
	return nil
}

func (m *SegregatedMetadata) blockSize(allocSize int) int {
	return memutils.AlignUp(allocSize+memutils.DebugMargin, SegregatedGranularity)
}

func (m *SegregatedMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	var request AllocationRequest
	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment < SegregatedGranularity {
		allocAlignment = SegregatedGranularity
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, request, err
	}

	memutils.DebugValidate(m)

	size := m.blockSize(allocSize)
	needed := size + int(allocAlignment) - SegregatedGranularity
	if size > m.freeSize {
		return false, request, nil
	}

	block := m.findFreeBlock(needed)
	if block == nil {
		block = m.scanList(size, allocAlignment)
	}
	if block == nil {
		return false, request, nil
	}

	request.BlockAllocationHandle = block.handle
	request.Offset = memutils.AlignUp(block.offset, allocAlignment)
	request.Size = allocSize
	request.Type = AllocationRequestSegregated
	return true, request, nil
}

func (m *SegregatedMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestSegregated {
		return errors.Errorf("received a %s request", request.Type)
	}

	block, ok := m.handles.Get(request.BlockAllocationHandle)
	if !ok || !block.free {
		return errors.New("allocation request is stale: its free block no longer exists")
	}

	size := m.blockSize(request.Size)
	if request.Offset < block.offset || request.Offset+size > block.offset+block.size {
		return errors.Errorf("allocation request at offset %d does not fit in the free block at offset %d", request.Offset, block.offset)
	}

	m.removeFree(block)

	// The block before a free block is never free, so the padding can be filed as is
	if padding := request.Offset - block.offset; padding > 0 {
		padBlock := m.newBlock(block.offset, padding)
		padBlock.prevPhysical = block.prevPhysical
		padBlock.nextPhysical = block
		if block.prevPhysical != nil {
			block.prevPhysical.nextPhysical = padBlock
		} else {
			m.first = padBlock
		}
		block.prevPhysical = padBlock
		block.offset += padding
		block.size -= padding
		m.insertFree(padBlock)
	}

	if remainder := block.size - size; remainder >= segMinSplitSize {
		tail := m.newBlock(block.offset+size, remainder)
		tail.prevPhysical = block
		tail.nextPhysical = block.nextPhysical
		if block.nextPhysical != nil {
			block.nextPhysical.prevPhysical = tail
		}
		block.nextPhysical = tail
		block.size = size
		m.insertFree(tail)
	}

	block.userData = userData
	m.allocCount++

	return nil
}

func (m *SegregatedMetadata) getTaken(allocHandle BlockAllocationHandle) (*segBlock, error) {
	block, ok := m.handles.Get(allocHandle)
	if !ok {
		return nil, errors.Errorf("received a handle that was incompatible with this metadata: %d", allocHandle)
	}
	if block.free {
		return nil, errors.Errorf("block at offset %d is not allocated", block.offset)
	}
	return block, nil
}

func (m *SegregatedMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getTaken(allocHandle)
	if err != nil {
		return err
	}

	block.userData = nil
	m.allocCount--

	if prev := block.prevPhysical; prev != nil && prev.free {
		m.removeFree(prev)
		prev.size += block.size
		m.unlinkPhysical(block)
		block = prev
	}

	if next := block.nextPhysical; next != nil && next.free {
		m.removeFree(next)
		block.size += next.size
		m.unlinkPhysical(next)
	}

	m.insertFree(block)
	return nil
}

func (m *SegregatedMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getTaken(allocHandle)
	if err != nil {
		return 0, err
	}
	return block.offset, nil
}

func (m *SegregatedMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getTaken(allocHandle)
	if err != nil {
		return nil, err
	}
	return block.userData, nil
}

func (m *SegregatedMetadata) AllocationCount() int  { return m.allocCount }
func (m *SegregatedMetadata) FreeRegionsCount() int { return m.freeCount }
func (m *SegregatedMetadata) SumFreeSize() int      { return m.freeSize }
func (m *SegregatedMetadata) IsEmpty() bool         { return m.allocCount == 0 }

func (m *SegregatedMetadata) Validate() error {
	var offset, allocCount, freeCount, freeSize int

	for block := m.first; block != nil; block = block.nextPhysical {
		if block.offset != offset {
			return errors.Errorf("block at offset %d should begin at offset %d", block.offset, offset)
		}

		if block.size <= 0 || block.size%SegregatedGranularity != 0 {
			return errors.Errorf("block at offset %d has an invalid size %d", block.offset, block.size)
		}

		if block.nextPhysical != nil && block.nextPhysical.prevPhysical != block {
			return errors.Errorf("block at offset %d has a next physical block, but the reverse reference is broken", block.offset)
		}

		stored, ok := m.handles.Get(block.handle)
		if !ok || stored != block {
			return errors.Errorf("block at offset %d is missing from the handle map", block.offset)
		}

		if block.free {
			if block.nextPhysical != nil && block.nextPhysical.free {
				return errors.Errorf("free blocks at offsets %d and %d were not merged", block.offset, block.nextPhysical.offset)
			}
			freeCount++
			freeSize += block.size
		} else {
			allocCount++
		}

		offset += block.size
	}

	if offset != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, offset)
	}

	if m.handles.Count() != allocCount+freeCount {
		return errors.Errorf("the handle map has %d entries, but there are %d blocks", m.handles.Count(), allocCount+freeCount)
	}

	var listedCount int
	for index, block := range m.freeLists {
		firstLevel := index / segSecondLevelCount
		secondLevel := index % segSecondLevelCount
		listed := m.secondLevelMap[firstLevel]&(1<<secondLevel) != 0
		if listed != (block != nil) {
			return errors.Errorf("free list %d/%d does not match its bitmap", firstLevel, secondLevel)
		}

		for ; block != nil; block = block.nextFree {
			if !block.free {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if fl, sl := segMapping(block.size); fl != firstLevel || sl != secondLevel {
				return errors.Errorf("block at offset %d is filed in list %d/%d but belongs in %d/%d", block.offset, firstLevel, secondLevel, fl, sl)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next free block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}
			listedCount++
		}
	}

	for firstLevel := 0; firstLevel < segFirstLevelCount; firstLevel++ {
		if (m.firstLevelMap&(1<<firstLevel) != 0) != (m.secondLevelMap[firstLevel] != 0) {
			return errors.Errorf("first level bitmap disagrees with second level bitmap at level %d", firstLevel)
		}
	}

	if listedCount != freeCount || freeCount != m.freeCount {
		return errors.Errorf("free block counts disagree: %d listed, %d physical, %d recorded", listedCount, freeCount, m.freeCount)
	}

	if freeSize != m.freeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks added up to %d", m.freeSize, freeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks added up to %d", m.allocCount, allocCount)
	}

	return nil
}

func (m *SegregatedMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for block := m.first; block != nil; block = block.nextPhysical {
		err := handleBlock(block.handle, block.offset, block.size, block.userData, block.free)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *SegregatedMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Capacity += m.size
	for block := m.first; block != nil; block = block.nextPhysical {
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *SegregatedMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += m.size
	stats.Allocations += m.allocCount
	stats.AllocatedBytes += m.size - m.freeSize
}

func (m *SegregatedMetadata) Clear() {
	m.Init(m.size)
}

func (m *SegregatedMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.blockJsonData(json, m.freeSize, m.allocCount, m.freeCount)
}
