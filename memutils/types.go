package memutils

import (
	"fmt"
	"sync/atomic"
)

// Slot is the address of a single capability slot, relative to the root of the
// namespace it lives in
type Slot uint64

// Path is the fully resolved address of a slot: the namespace root it is looked up from,
// the slot address within that namespace, and the number of address bits to resolve.
// Paths are immutable and may be freely copied.
type Path struct {
	root  Slot
	slot  Slot
	depth uint8
}

// NewPath builds a Path. Slot spaces are the only expected callers.
func NewPath(root Slot, slot Slot, depth uint8) Path {
	return Path{root: root, slot: slot, depth: depth}
}

func (p Path) Root() Slot   { return p.root }
func (p Path) Slot() Slot   { return p.slot }
func (p Path) Depth() uint8 { return p.depth }

func (p Path) String() string {
	return fmt.Sprintf("%#x:%#x/%d", uint64(p.root), uint64(p.slot), p.depth)
}

// ObjectType is a caller-defined tag naming the kind of kernel object a chunk will be
// retyped into
type ObjectType uint32

// SizeClass is a power-of-two exponent. A chunk of class k spans 1<<(minChunkBits+k) bytes
// for the backend that issued it.
type SizeClass uint8

const (
	// MaxSizeClass is the largest size class any backend accepts
	MaxSizeClass SizeClass = 32
	// DefaultMinChunkBits is the chunk granularity used when none is configured: one page
	DefaultMinChunkBits int = 12
)

// Origin identifies a single backend instance. Cookies and bookkeeping memory are stamped
// with the origin of the backend that issued them.
type Origin uint32

var lastOrigin uint32

// NewOrigin returns a process-unique Origin. Zero is never returned.
func NewOrigin() Origin {
	return Origin(atomic.AddUint32(&lastOrigin, 1))
}

// Cookie is an opaque handle naming a chunk within the backend that issued it
type Cookie struct {
	origin     Origin
	index      uint32
	generation uint32
}

// MakeCookie builds a cookie. Only object spaces should need to call this.
func MakeCookie(origin Origin, index uint32, generation uint32) Cookie {
	return Cookie{origin: origin, index: index, generation: generation}
}

func (c Cookie) Origin() Origin     { return c.origin }
func (c Cookie) Index() uint32      { return c.index }
func (c Cookie) Generation() uint32 { return c.generation }
func (c Cookie) IsZero() bool       { return c.origin == 0 }

func (c Cookie) String() string {
	return fmt.Sprintf("cookie(%d:%d.%d)", c.origin, c.index, c.generation)
}

// Chunk describes a chunk of kernel-manageable memory
type Chunk struct {
	Cookie Cookie
	Type   ObjectType
	Class  SizeClass
	// Addr is the physical base address of the chunk. It is aligned to Bytes.
	Addr  uint64
	Bytes int
}

// Region is a contiguous run of untyped kernel memory
type Region struct {
	Base  uint64
	Bytes int
}

// End returns the address one past the end of the region
func (r Region) End() uint64 {
	return r.Base + uint64(r.Bytes)
}

// Memory is a bookkeeping allocation
type Memory struct {
	Bytes  []byte
	Handle uint64
	Origin Origin
}

// ReservationID names a reservation within the object space that created it
type ReservationID uint64

// Kind identifies one of the three resources the manager coordinates
type Kind uint32

const (
	KindSlots Kind = iota
	KindObjects
	KindBookkeeping

	KindCount = 3
)

var kindMapping = map[Kind]string{
	KindSlots:       "Slots",
	KindObjects:     "Objects",
	KindBookkeeping: "Bookkeeping",
}

func (k Kind) String() string {
	return kindMapping[k]
}
