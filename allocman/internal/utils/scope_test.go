package utils

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestScopeRollbackOrder(t *testing.T) {
	var order []int
	var scope Scope
	scope.OnRollback(func() error {
		order = append(order, 1)
		return nil
	})
	scope.OnRollback(func() error {
		order = append(order, 2)
		return errors.New("second step failed")
	})
	scope.OnRollback(func() error {
		order = append(order, 3)
		return nil
	})

	err := scope.Rollback()
	require.EqualError(t, err, "second step failed")
	require.Equal(t, []int{3, 2, 1}, order)

	require.NoError(t, scope.Rollback())
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestScopeCommit(t *testing.T) {
	var scope Scope
	scope.OnRollback(func() error {
		t.Fail()
		return nil
	})
	scope.Commit()
	require.NoError(t, scope.Rollback())
}

func TestGuard(t *testing.T) {
	var guard Guard
	require.False(t, guard.Held())
	require.True(t, guard.TryAcquire())
	require.False(t, guard.TryAcquire())
	require.True(t, guard.Held())
	guard.Release()
	require.True(t, guard.TryAcquire())
}
