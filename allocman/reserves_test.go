package allocman

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/cspace"
	"github.com/vkngwrapper/allocman/memutils/mspace"
)

// nestedSlots behaves like a slot space that keeps one slot of its own for metadata: it takes
// that slot through the host while allocating and gives it back while freeing
type nestedSlots struct {
	*cspace.Bitmap
	held       []memutils.Slot
	nestedErrs []error
}

func (s *nestedSlots) Properties() memutils.Properties {
	return memutils.Properties{ManagerDependent: true}
}

func (s *nestedSlots) Allocate(host memutils.Host) (memutils.Slot, error) {
	if len(s.held) == 0 {
		slot, err := host.AllocSlot()
		if err != nil {
			s.nestedErrs = append(s.nestedErrs, err)
		} else {
			s.held = append(s.held, slot)
		}
	}
	return s.Bitmap.Allocate(host)
}

func (s *nestedSlots) Free(host memutils.Host, slot memutils.Slot) error {
	if len(s.held) > 0 {
		held := s.held[len(s.held)-1]
		s.held = s.held[:len(s.held)-1]
		host.FreeSlot(held)
	}
	return s.Bitmap.Free(host, slot)
}

// chattyHeap behaves like a bookkeeping space that keeps one allocation of its own for
// metadata, obtained and returned through the host
type chattyHeap struct {
	*mspace.Heap
	held       []memutils.Memory
	nestedErrs []error
}

func (h *chattyHeap) Properties() memutils.Properties {
	return memutils.Properties{ManagerDependent: true}
}

func (h *chattyHeap) Allocate(host memutils.Host, bytes int) (memutils.Memory, error) {
	if len(h.held) == 0 {
		mem, err := host.AllocBookkeeping(16)
		if err != nil {
			h.nestedErrs = append(h.nestedErrs, err)
		} else {
			h.held = append(h.held, mem)
		}
	}
	return h.Heap.Allocate(host, bytes)
}

func (h *chattyHeap) Free(host memutils.Host, mem memutils.Memory) error {
	if len(h.held) > 0 {
		held := h.held[len(h.held)-1]
		h.held = h.held[:len(h.held)-1]
		host.FreeBookkeeping(held)
	}
	return h.Heap.Free(host, mem)
}

func newTestBitmap(t *testing.T) *cspace.Bitmap {
	bitmap, err := cspace.NewBitmap(cspace.BitmapOptions{
		Root:      testRoot,
		Depth:     testDepth,
		FirstSlot: testFirstSlot,
		EndSlot:   testFirstSlot + 48,
	})
	require.NoError(t, err)
	return bitmap
}

func newTestHeap(t *testing.T, bytes int) *mspace.Heap {
	heap, err := mspace.NewHeap(mspace.NewArena(make([]byte, bytes)))
	require.NoError(t, err)
	return heap
}

func TestSlotReserveServesNestedAllocations(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	slots := &nestedSlots{Bitmap: newTestBitmap(t)}
	require.NoError(t, manager.AttachSlotSpace(slots))

	require.NoError(t, manager.ConfigureSlotReserve(2))

	// The first fill ran before anything was reserved, so the nested request had nothing to
	// draw on; the second drew on the slot the first one set aside
	require.Len(t, slots.nestedErrs, 1)
	require.ErrorIs(t, slots.nestedErrs[0], memutils.ErrOutOfSlots)
	require.Len(t, slots.held, 1)

	stats := managerStats(t, manager)
	require.Equal(t, 2, stats.ReservedSlots)
	require.Equal(t, 3, stats.Kinds[memutils.KindSlots].Allocations)

	var deferredDuringFree int
	manager.callbacks.Callbacks = &ObjectCallbackOptions{
		Free: func(manager *Manager, path memutils.Path, chunk memutils.Chunk, userData any) {
			deferredDuringFree = len(manager.deferredSlots)
		},
	}

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.Len(t, slots.nestedErrs, 1)

	// Freeing hands the held slot back while the slot space is busy, so it waits in the queue
	// until the operation ends
	require.NoError(t, manager.FreeObject(path, cookie))
	require.Equal(t, 1, deferredDuringFree)
	require.Empty(t, slots.held)

	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.DeferredFrees)
	require.Equal(t, 2, stats.ReservedSlots)
	require.Equal(t, 2, stats.Kinds[memutils.KindSlots].Allocations)

	// The next allocation takes its nested slot from the reserve, which is topped up afterward
	path, cookie, err = manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.Len(t, slots.nestedErrs, 1)
	require.Len(t, slots.held, 1)
	require.False(t, manager.usedReserve)

	stats = managerStats(t, manager)
	require.Equal(t, 2, stats.ReservedSlots)
	require.Equal(t, 4, stats.Kinds[memutils.KindSlots].Allocations)

	require.NoError(t, manager.FreeObject(path, cookie))

	require.NoError(t, manager.ConfigureSlotReserve(0))
	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.ReservedSlots)
	require.Equal(t, 0, stats.Kinds[memutils.KindSlots].Allocations)
}

func TestBookkeepingReserveServesNestedAllocations(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	heap := &chattyHeap{Heap: newTestHeap(t, 64*1024)}
	require.NoError(t, manager.AttachBookkeeping(heap))

	require.NoError(t, manager.ConfigureBookkeepingReserve(DefaultObjectRecordBytes, 2))
	require.Len(t, heap.nestedErrs, 1)
	require.ErrorIs(t, heap.nestedErrs[0], memutils.ErrOutOfMemory)
	require.Len(t, heap.held, 1)

	stats := managerStats(t, manager)
	require.Equal(t, 2, stats.ReservedMemory)
	require.Equal(t, 2*DefaultObjectRecordBytes, stats.ReservedMemoryBytes)

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.NoError(t, manager.FreeObject(path, cookie))
	require.Empty(t, heap.held)

	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.DeferredFrees)
	require.Equal(t, 2, stats.ReservedMemory)
	require.Equal(t, 2, stats.Kinds[memutils.KindBookkeeping].Allocations)

	// Removing the reserve returns its memory
	require.NoError(t, manager.ConfigureBookkeepingReserve(DefaultObjectRecordBytes, 0))
	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.ReservedMemory)
	require.Equal(t, 0, stats.Kinds[memutils.KindBookkeeping].Allocations)
}

func TestReservedMemoryUsesSmallestFit(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	require.NoError(t, manager.ConfigureBookkeepingReserve(128, 1))
	require.NoError(t, manager.ConfigureBookkeepingReserve(32, 1))
	require.NoError(t, manager.ConfigureBookkeepingReserve(64, 1))
	require.Equal(t, 32, manager.memoryReserves[0].bytes)
	require.Equal(t, 64, manager.memoryReserves[1].bytes)
	require.Equal(t, 128, manager.memoryReserves[2].bytes)

	mem, err := manager.takeReservedMemory(40)
	require.NoError(t, err)
	require.Len(t, mem.Bytes, 40)
	require.Empty(t, manager.memoryReserves[1].memory)
	require.Len(t, manager.memoryReserves[2].memory, 1)

	_, err = manager.takeReservedMemory(256)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.NoError(t, manager.freeBookkeeping(mem))
	full, err := manager.FillReserves()
	require.NoError(t, err)
	require.True(t, full)
}

func TestFillReservesReportsShortfall(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{PoolBytes: 256})

	require.NoError(t, manager.ConfigureBookkeepingReserve(64, 8))

	full, err := manager.FillReserves()
	require.False(t, full)
	require.ErrorIs(t, err, memutils.ErrBootstrapExhausted)

	stats := managerStats(t, manager)
	require.Greater(t, stats.ReservedMemory, 0)
	require.Less(t, stats.ReservedMemory, 8)

	err = manager.ConfigureBookkeepingReserve(0, 1)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = manager.ConfigureSlotReserve(-1)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestDisabledWatermark(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{
		Options: CreateOptions{Flags: CreateDisableWatermark},
	})

	slots := &nestedSlots{Bitmap: newTestBitmap(t)}
	require.NoError(t, manager.AttachSlotSpace(slots))
	require.NoError(t, manager.ConfigureSlotReserve(2))

	_, err := manager.FillReserves()
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	stats := managerStats(t, manager)
	require.Equal(t, 0, stats.ReservedSlots)

	// The busy slot space cannot be entered again and nothing is held back to serve it
	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.Len(t, slots.nestedErrs, 1)
	require.ErrorIs(t, slots.nestedErrs[0], memutils.ErrOutOfSlots)
	require.Empty(t, slots.held)

	require.NoError(t, manager.FreeObject(path, cookie))
}
