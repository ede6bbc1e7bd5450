package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/allocman/memutils"
)

// BlockMetadata tracks the suballocations of a single contiguous byte arena. It does not
// touch the arena itself: it only decides where allocations go and remembers them.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of
	// the size in bytes of the arena it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the arena was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions that can still be allocated from
	FreeRegionsCount() int
	// SumFreeSize returns the number of bytes that can still be allocated from. Implementations
	// that never reclaim freed memory do not count it here.
	SumFreeSize() int
	// IsEmpty will return true if this arena has no live suballocations
	IsEmpty() bool

	// CreateAllocationRequest works out where the implementation would place an allocation of
	// allocSize bytes aligned to allocAlignment. It returns false without an error if the
	// allocation does not fit. The request can be passed to Alloc to commit it.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must return an error if the request
	// is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// Free releases a live suballocation. The implementation must return an error if the handle
	// does not map to a live suballocation.
	Free(allocHandle BlockAllocationHandle) error

	// AllocationOffset returns the offset in bytes of a live suballocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData a live suballocation was committed with
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// VisitAllRegions calls handleBlock once for each allocation and free region in the arena,
	// in offset order
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AddDetailedStatistics sums this arena's allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this arena's allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this arena
	BlockJsonData(json *jwriter.ObjectState)
}

// BlockMetadataBase holds the state shared by BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the arena in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the arena in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) blockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
