package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/allocman/memutils"
)

func TestPropertiesReentry(t *testing.T) {
	strict := memutils.Properties{}
	require.True(t, strict.SelfHosted())
	require.True(t, strict.CanAllocate(0, 0))
	require.False(t, strict.CanAllocate(1, 0))
	require.False(t, strict.CanAllocate(0, 1))
	require.True(t, strict.CanFree(0, 0))
	require.False(t, strict.CanFree(1, 0))

	lenient := memutils.Properties{ManagerDependent: true, AllocCanAlloc: true, AllocCanFree: true}
	require.False(t, lenient.SelfHosted())
	require.True(t, lenient.CanAllocate(2, 0))
	require.False(t, lenient.CanAllocate(2, 1))
	require.True(t, lenient.CanFree(1, 0))
	require.False(t, lenient.CanFree(0, 1))
}
