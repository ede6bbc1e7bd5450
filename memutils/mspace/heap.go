package mspace

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/metadata"
)

// HeapAlignment is the alignment of every allocation returned by a Heap
const HeapAlignment uint = 8

// Heap is a self-hosted bookkeeping space that carves allocations out of a single arena
// with a two-level segregated fit allocator. Its own tracking structures live in the Go heap,
// so it never needs to call back into the Host.
type Heap struct {
	origin   memutils.Origin
	arena    *Arena
	metadata *metadata.SegregatedMetadata
}

var _ memutils.BookkeepingSpace = &Heap{}
var _ memutils.DetailedStatsWriter = &Heap{}
var _ memutils.Destroyer = &Heap{}

func NewHeap(arena *Arena) (*Heap, error) {
	if arena == nil || len(arena.Bytes) < metadata.SegregatedGranularity {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "heap arena is too small")
	}

	md := metadata.NewSegregatedMetadata()
	md.Init(len(arena.Bytes))

	return &Heap{
		origin:   memutils.NewOrigin(),
		arena:    arena,
		metadata: md,
	}, nil
}

func (h *Heap) Properties() memutils.Properties {
	return memutils.Properties{}
}

func (h *Heap) Allocate(host memutils.Host, bytes int) (memutils.Memory, error) {
	if bytes <= 0 {
		return memutils.Memory{}, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d bytes", bytes)
	}
	if h.arena.Bytes == nil {
		return memutils.Memory{}, errors.Wrap(memutils.ErrUninitialized, "heap arena was closed")
	}

	success, request, err := h.metadata.CreateAllocationRequest(bytes, HeapAlignment)
	if err != nil {
		return memutils.Memory{}, err
	}
	if !success {
		return memutils.Memory{}, errors.Wrapf(memutils.ErrOutOfMemory, "heap cannot fit %d bytes (%d free)", bytes, h.metadata.SumFreeSize())
	}

	err = h.metadata.Alloc(request, bytes)
	if err != nil {
		return memutils.Memory{}, err
	}

	offset := request.Offset
	data := h.arena.Bytes[offset : offset+bytes : offset+bytes]
	clear(data)
	memutils.WriteMagicValue(h.arena.Bytes, offset+bytes)

	memutils.DebugValidate(h)

	return memutils.Memory{
		Bytes:  data,
		Handle: uint64(request.BlockAllocationHandle),
		Origin: h.origin,
	}, nil
}

func (h *Heap) Free(host memutils.Host, mem memutils.Memory) error {
	if mem.Origin != h.origin {
		return errors.Wrapf(memutils.ErrInvalidArgument, "memory from origin %d was not issued by this heap", mem.Origin)
	}

	err := h.metadata.Free(metadata.BlockAllocationHandle(mem.Handle))
	if err != nil {
		return memutils.WithKind(memutils.ErrDoubleFree, err, "heap memory is not allocated")
	}

	memutils.DebugValidate(h)
	return nil
}

// Owns reports whether mem was issued by this heap
func (h *Heap) Owns(mem memutils.Memory) bool {
	return mem.Origin == h.origin
}

// Close releases the heap arena. Memory still allocated from the heap becomes invalid.
func (h *Heap) Close() error {
	return h.arena.Close()
}

// Destroy closes the heap once it has been detached from a manager
func (h *Heap) Destroy(host memutils.Host) error {
	return h.Close()
}

func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.metadata.AddStatistics(stats)
}

func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.metadata.AddDetailedStatistics(stats)
}

// Validate checks the allocator state and, when corruption detection is compiled in, the
// guard bytes after every allocation
func (h *Heap) Validate() error {
	err := h.metadata.Validate()
	if err != nil {
		return err
	}

	return h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		requested, _ := userData.(int)
		if !memutils.ValidateMagicValue(h.arena.Bytes, offset+requested) {
			return errors.Newf("heap allocation at offset %d overran its %d bytes", offset, requested)
		}
		return nil
	})
}

func (h *Heap) WriteDetailedStats(json *jwriter.ObjectState) {
	h.metadata.BlockJsonData(json)
}
