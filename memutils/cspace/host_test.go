package cspace

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

type fakeHost struct {
	allocs   int
	frees    int
	budget   int
	lastSlot memutils.Slot

	freedSlots  []memutils.Slot
	liveChunks  int
	freedChunks []memutils.Chunk
	chunkBudget int
}

func (h *fakeHost) AllocBookkeeping(bytes int) (memutils.Memory, error) {
	if h.budget > 0 && h.allocs >= h.budget {
		return memutils.Memory{}, errors.Wrap(memutils.ErrOutOfMemory, "fake host budget exhausted")
	}
	h.allocs++
	return memutils.Memory{Bytes: make([]byte, bytes), Handle: uint64(h.allocs)}, nil
}

func (h *fakeHost) FreeBookkeeping(mem memutils.Memory) {
	h.frees++
}

func (h *fakeHost) AllocSlot() (memutils.Slot, error) {
	h.lastSlot++
	return h.lastSlot, nil
}

func (h *fakeHost) FreeSlot(slot memutils.Slot) {
	h.freedSlots = append(h.freedSlots, slot)
}

func (h *fakeHost) AllocChunk(objType memutils.ObjectType, class memutils.SizeClass, slot memutils.Slot) (memutils.Chunk, error) {
	if h.chunkBudget < 0 || (h.chunkBudget > 0 && h.liveChunks >= h.chunkBudget) {
		return memutils.Chunk{}, errors.Wrap(memutils.ErrOutOfMemory, "fake host has no chunks left")
	}
	h.liveChunks++
	return memutils.Chunk{Type: objType, Class: class, Addr: uint64(slot) << 12, Bytes: 4096}, nil
}

func (h *fakeHost) FreeChunk(chunk memutils.Chunk) {
	h.liveChunks--
	h.freedChunks = append(h.freedChunks, chunk)
}
