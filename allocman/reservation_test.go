package allocman

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
)

func TestReservationIsExact(t *testing.T) {
	manager, kernel := readyManager(t, ManagerSetup{Pages: 4})

	reservation, err := manager.Reserve(typeA, 0, 3)
	require.NoError(t, err)
	require.True(t, reservation.Open())
	require.Equal(t, 3, reservation.Remaining())
	require.Equal(t, typeA, reservation.Type())
	require.Equal(t, memutils.SizeClass(0), reservation.Class())

	stats := managerStats(t, manager)
	require.Equal(t, 1, stats.Reservations)
	require.Equal(t, 3, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].Allocations)

	var paths []memutils.Path
	var cookies []memutils.Cookie
	for i := 0; i < 3; i++ {
		path, cookie, err := manager.AllocateObject(typeA, 0, reservation)
		require.NoError(t, err)
		require.Equal(t, 2-i, reservation.Remaining())
		paths = append(paths, path)
		cookies = append(cookies, cookie)
	}

	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 3, stats.Kinds[memutils.KindObjects].Allocations)

	// The reservation is spent, so the last page comes from the general pool
	path, cookie, err := manager.AllocateObject(typeA, 0, reservation)
	require.NoError(t, err)
	require.Equal(t, 0, reservation.Remaining())

	_, _, err = manager.AllocateObject(typeA, 0, reservation)
	require.ErrorIs(t, err, memutils.ErrBootstrapExhausted)

	require.NoError(t, manager.FreeObject(path, cookie))
	for i := range paths {
		require.NoError(t, manager.FreeObject(paths[i], cookies[i]))
	}

	// Chunks of objects made from an open reservation go back to it
	require.Equal(t, 3, reservation.Remaining())
	require.Equal(t, 4, kernel.Destroyed())

	require.NoError(t, manager.Release(reservation))
	require.False(t, reservation.Open())
	require.Equal(t, 0, reservation.Remaining())

	stats = managerStats(t, manager)
	require.Equal(t, 0, stats.Reservations)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].ReservedChunks)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].Allocations)
}

func TestReservationIsAtomic(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{Pages: 2})

	path, cookie, err := manager.AllocateObject(typeB, 0, nil)
	require.NoError(t, err)
	require.NoError(t, manager.FreeObject(path, cookie))

	_, err = manager.Reserve(typeA, 0, 3)
	require.ErrorIs(t, err, memutils.ErrInsufficientCapacity)
	require.Equal(t, memutils.ErrInsufficientCapacity, memutils.KindOf(err))

	stats := managerStats(t, manager)
	require.Equal(t, 0, stats.Reservations)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].ReservedChunks)

	// Both the recycled page and the untouched one are still available
	reservation, err := manager.Reserve(typeA, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 2, reservation.Remaining())
	require.NoError(t, manager.Release(reservation))
}

func TestReservationMismatchUsesGeneralPool(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{Pages: 4})

	reservation, err := manager.Reserve(typeA, 0, 1)
	require.NoError(t, err)

	path, cookie, err := manager.AllocateObject(typeB, 0, reservation)
	require.NoError(t, err)
	require.Equal(t, 1, reservation.Remaining())
	require.NoError(t, manager.FreeObject(path, cookie))

	path, cookie, err = manager.AllocateObject(typeA, 1, reservation)
	require.NoError(t, err)
	require.Equal(t, 1, reservation.Remaining())
	require.NoError(t, manager.FreeObject(path, cookie))

	require.Equal(t, 1, reservation.Remaining())
	require.NoError(t, manager.Release(reservation))
}

func TestReleasedReservationIsIgnored(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{Pages: 4})

	reservation, err := manager.Reserve(typeA, 0, 2)
	require.NoError(t, err)

	path, cookie, err := manager.AllocateObject(typeA, 0, reservation)
	require.NoError(t, err)

	require.NoError(t, manager.Release(reservation))
	err = manager.Release(reservation)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	// An object made from the reservation outlives it and frees into the general pool
	require.NoError(t, manager.FreeObject(path, cookie))
	require.Equal(t, 0, reservation.Remaining())

	path, cookie, err = manager.AllocateObject(typeA, 0, reservation)
	require.NoError(t, err)
	require.NoError(t, manager.FreeObject(path, cookie))

	stats := managerStats(t, manager)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].Allocations)
	require.Equal(t, 0, stats.Kinds[memutils.KindObjects].ReservedChunks)
}

func TestReservationOfAnotherManager(t *testing.T) {
	first, _ := readyManager(t, ManagerSetup{})
	second, _ := readyManager(t, ManagerSetup{})

	reservation, err := first.Reserve(typeA, 0, 1)
	require.NoError(t, err)

	_, _, err = second.AllocateObject(typeA, 0, reservation)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = second.Release(reservation)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = second.Release(nil)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.NoError(t, first.Release(reservation))
}

func TestReserveRejectsBadArguments(t *testing.T) {
	manager, _ := readyManager(t, ManagerSetup{})

	_, err := manager.Reserve(typeA, 0, -1)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	empty, err := manager.Reserve(typeA, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Remaining())
	require.NoError(t, manager.Release(empty))
}
