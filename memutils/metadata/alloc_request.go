package metadata

// AllocationRequestType indicates which BlockMetadata implementation produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestWatermark indicates that the request was sourced from WatermarkMetadata
	AllocationRequestWatermark AllocationRequestType = iota
	// AllocationRequestSegregated indicates that the request was sourced from SegregatedMetadata
	AllocationRequestSegregated
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestWatermark:  "Watermark",
	AllocationRequestSegregated: "Segregated",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new allocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the region the allocation will be carved from
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset of the allocation within the arena
	Offset int
	// Size is the number of bytes the caller asked for
	Size int
	// Type identifies the BlockMetadata implementation used to generate this request
	Type AllocationRequestType
}
