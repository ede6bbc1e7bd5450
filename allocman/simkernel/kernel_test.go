package simkernel

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
)

func chunkAt(addr uint64) memutils.Chunk {
	return memutils.Chunk{Type: 1, Class: 0, Addr: addr, Bytes: 4096}
}

func TestMaterializeAndDestroy(t *testing.T) {
	kernel := New()
	path := memutils.NewPath(1, 10, 64)

	require.NoError(t, kernel.Materialize(chunkAt(0x10000), path))
	require.Equal(t, 1, kernel.Occupied())

	object, ok := kernel.Lookup(path)
	require.True(t, ok)
	require.Equal(t, uint64(0x10000), object.Chunk.Addr)

	require.NoError(t, kernel.RevokeAndDestroy(path, chunkAt(0x10000)))
	require.Equal(t, 0, kernel.Occupied())
	require.Equal(t, 1, kernel.Materialized())
	require.Equal(t, 1, kernel.Destroyed())

	_, ok = kernel.Lookup(path)
	require.False(t, ok)
}

func TestMaterializeRejectsConflicts(t *testing.T) {
	kernel := New()
	path := memutils.NewPath(1, 10, 64)
	other := memutils.NewPath(1, 11, 64)

	require.NoError(t, kernel.Materialize(chunkAt(0x10000), path))

	err := kernel.Materialize(chunkAt(0x20000), path)
	require.ErrorIs(t, err, ErrSlotOccupied)

	err = kernel.Materialize(chunkAt(0x10000), other)
	require.ErrorIs(t, err, ErrChunkInUse)

	err = kernel.Materialize(chunkAt(0x10800), other)
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestRevokeRejectsMismatches(t *testing.T) {
	kernel := New()
	path := memutils.NewPath(1, 10, 64)

	err := kernel.RevokeAndDestroy(path, chunkAt(0x10000))
	require.ErrorIs(t, err, ErrSlotEmpty)

	require.NoError(t, kernel.Materialize(chunkAt(0x10000), path))
	err = kernel.RevokeAndDestroy(path, chunkAt(0x20000))
	require.ErrorIs(t, err, ErrWrongChunk)
	require.Equal(t, 1, kernel.Occupied())
}

func TestInjectedFailures(t *testing.T) {
	kernel := New()
	path := memutils.NewPath(1, 10, 64)
	injected := errors.New("injected")

	kernel.FailNextMaterialize(injected)
	require.ErrorIs(t, kernel.Materialize(chunkAt(0x10000), path), injected)
	require.Equal(t, 0, kernel.Occupied())

	require.NoError(t, kernel.Materialize(chunkAt(0x10000), path))

	kernel.FailNextRevoke(injected)
	require.ErrorIs(t, kernel.RevokeAndDestroy(path, chunkAt(0x10000)), injected)
	require.Equal(t, 1, kernel.Occupied())

	require.NoError(t, kernel.RevokeAndDestroy(path, chunkAt(0x10000)))

	var visited int
	kernel.Each(func(object Object) bool {
		visited++
		return true
	})
	require.Equal(t, 0, visited)
}
