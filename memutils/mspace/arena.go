package mspace

// Arena is a contiguous run of process memory that a Heap carves bookkeeping allocations from
type Arena struct {
	Bytes []byte

	release func([]byte) error
}

// NewArena wraps memory owned by the caller. Close is a no-op for such arenas.
func NewArena(bytes []byte) *Arena {
	return &Arena{Bytes: bytes}
}

// Close returns the arena's memory to the operating system, if it came from there
func (a *Arena) Close() error {
	if a.release == nil || a.Bytes == nil {
		return nil
	}

	err := a.release(a.Bytes)
	a.Bytes = nil
	return err
}
