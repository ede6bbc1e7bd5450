package utspace

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

type fakeHost struct {
	live   int
	budget int
}

func (h *fakeHost) AllocBookkeeping(bytes int) (memutils.Memory, error) {
	if h.budget > 0 && h.live >= h.budget {
		return memutils.Memory{}, errors.Wrap(memutils.ErrOutOfMemory, "fake host budget exhausted")
	}
	h.live++
	return memutils.Memory{Bytes: make([]byte, bytes)}, nil
}

func (h *fakeHost) FreeBookkeeping(mem memutils.Memory) {
	h.live--
}

func (h *fakeHost) AllocSlot() (memutils.Slot, error) {
	return 0, errors.New("fake host has no slots")
}

func (h *fakeHost) FreeSlot(slot memutils.Slot) {}

func (h *fakeHost) AllocChunk(objType memutils.ObjectType, class memutils.SizeClass, slot memutils.Slot) (memutils.Chunk, error) {
	return memutils.Chunk{}, errors.New("fake host has no object space")
}

func (h *fakeHost) FreeChunk(chunk memutils.Chunk) {}
