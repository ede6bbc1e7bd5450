package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignUp64(value uint64, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// ChunkBytes returns the size in bytes of a chunk of the provided size class, for a backend
// whose smallest chunk spans 1<<minChunkBits bytes
func ChunkBytes(class SizeClass, minChunkBits int) int {
	return 1 << (minChunkBits + int(class))
}

// CheckSizeClass returns an error if class cannot be represented by a backend with the
// provided minimum chunk size
func CheckSizeClass(class SizeClass, minChunkBits int) error {
	if class > MaxSizeClass || minChunkBits+int(class) >= 63 {
		return cerrors.Wrapf(ErrInvalidArgument, "size class %d is out of range", class)
	}
	return nil
}
