//go:build unix

package mspace

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
	"golang.org/x/sys/unix"
)

// MapArena maps size bytes of anonymous, private memory for use as a heap arena
func MapArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "arena size %d must be positive", size)
	}

	bytes, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, memutils.WithKind(memutils.ErrOutOfMemory, err, "failed to map heap arena")
	}

	return &Arena{Bytes: bytes, release: unix.Munmap}, nil
}
