package allocman

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/cspace"
	"github.com/vkngwrapper/allocman/memutils/mspace"
	"github.com/vkngwrapper/allocman/memutils/utspace"
)

func newTestSplit(t *testing.T, setup ManagerSetup, recordBytes int) *utspace.Split {
	split, err := utspace.NewSplit(utspace.SplitOptions{
		Regions:     setup.resources().Untyped,
		RecordBytes: recordBytes,
	})
	require.NoError(t, err)
	return split
}

type liveObject struct {
	path   memutils.Path
	cookie memutils.Cookie
}

func TestAttachMigratesEverything(t *testing.T) {
	setup := ManagerSetup{Pages: 8}
	manager, kernel := readyManager(t, setup)

	var objects []liveObject
	for i := 0; i < 3; i++ {
		path, cookie, err := manager.AllocateObject(typeA, 0, nil)
		require.NoError(t, err)
		objects = append(objects, liveObject{path: path, cookie: cookie})
	}

	reservation, err := manager.Reserve(typeB, 0, 2)
	require.NoError(t, err)

	reservedPath, reservedCookie, err := manager.AllocateObject(typeB, 0, reservation)
	require.NoError(t, err)

	single, err := manager.AllocateSlot()
	require.NoError(t, err)

	require.NoError(t, manager.AttachBookkeeping(newTestHeap(t, 64*1024)))
	require.Equal(t, StatePartiallyAttached, manager.State())

	require.NoError(t, manager.AttachSlotSpace(newTestBitmap(t)))
	require.Equal(t, StatePartiallyAttached, manager.State())

	stats := managerStats(t, manager)
	require.Equal(t, 5, stats.Kinds[memutils.KindSlots].Allocations)
	require.False(t, stats.PoolRetired)

	split := newTestSplit(t, setup, 16)
	require.NoError(t, manager.AttachObjectSpace(split))
	require.Equal(t, StateFullyAttached, manager.State())

	stats = managerStats(t, manager)
	require.True(t, stats.PoolRetired)
	require.Equal(t, [memutils.KindCount]bool{true, true, true}, stats.Attached)
	require.Equal(t, 4, stats.Kinds[memutils.KindObjects].Allocations)
	require.Equal(t, 1, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 1, stats.Reservations)
	require.Equal(t, 1, reservation.Remaining())

	// Everything already handed out keeps working through the new backends
	err = manager.AttachSlotSpace(newTestBitmap(t))
	require.ErrorIs(t, err, memutils.ErrAlreadyAttached)

	fromReservation, fromReservationCookie, err := manager.AllocateObject(typeB, 0, reservation)
	require.NoError(t, err)
	require.Equal(t, 0, reservation.Remaining())

	fresh, freshCookie, err := manager.AllocateObject(typeA, 1, nil)
	require.NoError(t, err)
	object, ok := kernel.Lookup(fresh)
	require.True(t, ok)
	require.Equal(t, 2*pageBytes, object.Chunk.Bytes)
	require.Equal(t, split.Origin(), object.Chunk.Cookie.Origin())

	for _, live := range objects {
		require.NoError(t, manager.FreeObject(live.path, live.cookie))
	}
	require.NoError(t, manager.FreeObject(reservedPath, reservedCookie))
	require.NoError(t, manager.FreeObject(fromReservation, fromReservationCookie))
	require.Equal(t, 2, reservation.Remaining())

	require.NoError(t, manager.FreeObject(fresh, freshCookie))
	require.NoError(t, manager.FreeSlot(single))
	require.NoError(t, manager.Release(reservation))

	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.Kinds[memutils.KindSlots].Allocations)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].Allocations)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 0, kernel.Occupied())
	require.Equal(t, setup.Pages*pageBytes, split.FreeBytes())

	// The retired pool issues nothing, but it took back every record it had issued
	require.Equal(t, 0, stats.Pool.Allocations)
}

func TestAttachSlotSpaceOutsideNamespace(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)

	elsewhere, err := cspace.NewBitmap(cspace.BitmapOptions{
		Root:      testRoot,
		Depth:     testDepth,
		FirstSlot: 100,
		EndSlot:   200,
	})
	require.NoError(t, err)

	err = manager.AttachSlotSpace(elsewhere)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.Equal(t, StateBootstrapActive, manager.State())

	stats := managerStats(t, manager)
	require.False(t, stats.Attached[memutils.KindSlots])
	require.Equal(t, 1, stats.Kinds[memutils.KindSlots].Allocations)

	// The bitmap's own bookkeeping went back to the pool when the attach was undone
	require.Equal(t, 1, stats.Pool.Allocations)

	require.NoError(t, manager.FreeObject(path, cookie))
}

// failingAdopt adopts a fixed number of slots and then refuses
type failingAdopt struct {
	*cspace.Bitmap
	remaining int
	adopted   []memutils.Slot
	freed     []memutils.Slot
}

func (s *failingAdopt) Adopt(host memutils.Host, slot memutils.Slot) error {
	if s.remaining == 0 {
		return errors.New("adoption refused")
	}
	s.remaining--

	err := s.Bitmap.Adopt(host, slot)
	if err == nil {
		s.adopted = append(s.adopted, slot)
	}
	return err
}

func (s *failingAdopt) Free(host memutils.Host, slot memutils.Slot) error {
	s.freed = append(s.freed, slot)
	return s.Bitmap.Free(host, slot)
}

func TestAttachSlotSpaceRollsBack(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	var objects []liveObject
	for i := 0; i < 3; i++ {
		path, cookie, err := manager.AllocateObject(typeA, 0, nil)
		require.NoError(t, err)
		objects = append(objects, liveObject{path: path, cookie: cookie})
	}

	slots := &failingAdopt{Bitmap: newTestBitmap(t), remaining: 2}
	err := manager.AttachSlotSpace(slots)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.Contains(t, fmt.Sprintf("%+v", err), "adoption refused")
	require.Len(t, slots.adopted, 2)
	require.ElementsMatch(t, slots.adopted, slots.freed)
	require.Equal(t, StateBootstrapActive, manager.State())

	for _, live := range objects {
		require.NoError(t, manager.FreeObject(live.path, live.cookie))
	}

	// The bootstrap slots are still in charge and were not forgotten
	path, err := manager.AllocateSlot()
	require.NoError(t, err)
	require.True(t, path.Slot() >= testFirstSlot)
	require.NoError(t, manager.FreeSlot(path))
}

func TestAttachObjectSpaceRollsBack(t *testing.T) {
	setup := ManagerSetup{Pages: 4}
	manager, kernel := readyManager(t, setup)

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)

	reservation, err := manager.Reserve(typeA, 0, 1)
	require.NoError(t, err)

	elsewhere, err := utspace.NewSplit(utspace.SplitOptions{
		Regions: []memutils.Region{{Base: 0x900000, Bytes: 4 * pageBytes}},
	})
	require.NoError(t, err)

	err = manager.AttachObjectSpace(elsewhere)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.Equal(t, StateBootstrapActive, manager.State())
	require.Equal(t, 4*pageBytes, elsewhere.FreeBytes())

	// A space covering only some of the chunks is unwound the same way
	partial, err := utspace.NewSplit(utspace.SplitOptions{
		Regions: []memutils.Region{{Base: untypedBase, Bytes: pageBytes}},
	})
	require.NoError(t, err)

	err = manager.AttachObjectSpace(partial)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.Equal(t, pageBytes, partial.FreeBytes())

	stats := managerStats(t, manager)
	require.Equal(t, 1, stats.Kinds[memutils.KindObjects].Allocations)
	require.Equal(t, 1, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 1, reservation.Remaining())

	next, nextCookie, err := manager.AllocateObject(typeA, 0, reservation)
	require.NoError(t, err)
	object, ok := kernel.Lookup(next)
	require.True(t, ok)
	require.Equal(t, untypedBase+uint64(pageBytes), object.Chunk.Addr)

	require.NoError(t, manager.FreeObject(next, nextCookie))
	require.NoError(t, manager.FreeObject(path, cookie))
	require.NoError(t, manager.Release(reservation))
}

func TestAttachRejectsNilBackends(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	require.ErrorIs(t, manager.AttachSlotSpace(nil), memutils.ErrInvalidArgument)
	require.ErrorIs(t, manager.AttachObjectSpace(nil), memutils.ErrInvalidArgument)
	require.ErrorIs(t, manager.AttachBookkeeping(nil), memutils.ErrInvalidArgument)
	require.Equal(t, StateBootstrapActive, manager.State())
}

func TestAttachTwoLevelSlotSpace(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)

	// The two-level space creates its second-level tables through the host as slots run out
	twoLevel, err := cspace.NewTwoLevel(cspace.TwoLevelOptions{
		Root:         testRoot,
		LevelOneBits: 2,
		LevelTwoBits: 4,
		FirstIndex:   1,
	})
	require.NoError(t, err)

	err = manager.AttachSlotSpace(twoLevel)
	require.NoError(t, err)

	var objects []liveObject
	for i := 0; i < 20; i++ {
		path, cookie, err := manager.AllocateObject(typeA, 0, nil)
		require.NoError(t, err)
		objects = append(objects, liveObject{path: path, cookie: cookie})
	}
	require.Greater(t, twoLevel.Levels(), 1)

	for _, live := range objects {
		require.NoError(t, manager.FreeObject(live.path, live.cookie))
	}
	require.NoError(t, manager.FreeObject(path, cookie))
	require.NoError(t, manager.Validate())
}

func TestDetach(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	err := manager.Detach(memutils.KindSlots)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.NoError(t, manager.AttachBookkeeping(newTestHeap(t, 64*1024)))
	require.NoError(t, manager.AttachSlotSpace(newTestBitmap(t)))

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)

	err = manager.Detach(memutils.KindBookkeeping)
	require.ErrorIs(t, err, memutils.ErrInUse)
	err = manager.Detach(memutils.KindSlots)
	require.ErrorIs(t, err, memutils.ErrInUse)
	require.Equal(t, StatePartiallyAttached, manager.State())

	require.NoError(t, manager.FreeObject(path, cookie))

	// The bitmap keeps its table in the heap until it is destroyed
	err = manager.Detach(memutils.KindBookkeeping)
	require.ErrorIs(t, err, memutils.ErrInUse)

	require.NoError(t, manager.Detach(memutils.KindSlots))
	require.NoError(t, manager.Detach(memutils.KindBookkeeping))
	require.Equal(t, StateBootstrapActive, manager.State())

	// Bookkeeping is served by the pool again, but the bootstrap slots were handed over
	// for good
	_, err = manager.AllocateSlot()
	require.ErrorIs(t, err, memutils.ErrBootstrapExhausted)

	_, _, err = manager.AllocateObject(typeA, 0, nil)
	require.ErrorIs(t, err, memutils.ErrBootstrapExhausted)

	stats := managerStats(t, manager)
	require.Equal(t, 0, stats.LiveObjects)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].Allocations)
}

func TestDetachedObjectSpaceCanBeAttachedAgain(t *testing.T) {
	setup := ManagerSetup{Pages: 4}
	manager, kernel := readyManager(t, setup)

	split := newTestSplit(t, setup, 0)
	require.NoError(t, manager.AttachObjectSpace(split))

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.NoError(t, manager.FreeObject(path, cookie))

	require.NoError(t, manager.Detach(memutils.KindObjects))
	require.False(t, managerStats(t, manager).Attached[memutils.KindObjects])

	require.NoError(t, manager.AttachObjectSpace(split))
	path, cookie, err = manager.AllocateObject(typeA, 1, nil)
	require.NoError(t, err)
	object, ok := kernel.Lookup(path)
	require.True(t, ok)
	require.Equal(t, split.Origin(), object.Chunk.Cookie.Origin())
	require.NoError(t, manager.FreeObject(path, cookie))
	require.Equal(t, setup.Pages*pageBytes, split.FreeBytes())

	// A different object space may take over just the same
	require.NoError(t, manager.Detach(memutils.KindObjects))
	require.NoError(t, manager.AttachObjectSpace(newTestSplit(t, setup, 16)))
	require.Equal(t, StatePartiallyAttached, manager.State())
}

func TestAttachObjectSpaceRetriesAfterRollback(t *testing.T) {
	setup := ManagerSetup{Pages: 4}
	manager, _ := readyManager(t, setup)

	first, firstCookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	second, secondCookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)

	partial, err := utspace.NewSplit(utspace.SplitOptions{
		Regions: []memutils.Region{{Base: untypedBase, Bytes: pageBytes}},
	})
	require.NoError(t, err)

	err = manager.AttachObjectSpace(partial)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
	require.Equal(t, pageBytes, partial.FreeBytes())

	// Once the chunk it could not cover is gone, the same space attaches
	require.NoError(t, manager.FreeObject(second, secondCookie))
	require.NoError(t, manager.AttachObjectSpace(partial))
	require.Equal(t, 0, partial.FreeBytes())

	require.NoError(t, manager.FreeObject(first, firstCookie))
	require.Equal(t, pageBytes, partial.FreeBytes())
}

func TestDetachBookkeepingClosesHeap(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	arena, err := mspace.MapArena(64 * 1024)
	require.NoError(t, err)
	heap, err := mspace.NewHeap(arena)
	require.NoError(t, err)
	require.NoError(t, manager.AttachBookkeeping(heap))

	path, cookie, err := manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.NoError(t, manager.FreeObject(path, cookie))

	require.NoError(t, manager.Detach(memutils.KindBookkeeping))
	require.Nil(t, arena.Bytes)

	// Records come from the pool again
	path, cookie, err = manager.AllocateObject(typeA, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, managerStats(t, manager).Pool.Allocations)
	require.NoError(t, manager.FreeObject(path, cookie))
}

func TestSlotSpaceBookkeepingExhaustion(t *testing.T) {
	// The first-level table takes the whole pool, leaving nothing for a second-level table
	manager, _ := readyManager(t, ManagerSetup{PoolBytes: 8})

	twoLevel, err := cspace.NewTwoLevel(cspace.TwoLevelOptions{
		Root:         testRoot,
		LevelOneBits: 3,
		LevelTwoBits: 4,
		FirstIndex:   1,
	})
	require.NoError(t, err)
	require.NoError(t, manager.AttachSlotSpace(twoLevel))

	_, err = manager.AllocateSlot()
	require.ErrorIs(t, err, memutils.ErrOutOfSlots)
	require.NotErrorIs(t, err, memutils.ErrBootstrapExhausted)
	require.Equal(t, memutils.ErrOutOfSlots, memutils.KindOf(err))
	require.Contains(t, fmt.Sprintf("%+v", err), memutils.ErrBootstrapExhausted.Error())
	require.Equal(t, 0, twoLevel.Levels())
}
