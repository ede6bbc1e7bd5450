package memutils

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// Host is the view of the manager handed to backends while they run. Backends must
// never call the manager's public methods; every request for resources goes through the
// Host, which knows how to satisfy it without recursing into a backend that is already busy.
type Host interface {
	AllocBookkeeping(bytes int) (Memory, error)
	FreeBookkeeping(mem Memory)
	AllocSlot() (Slot, error)
	FreeSlot(slot Slot)
	// AllocChunk carves a chunk from the object space and retypes it into a kernel object
	// of objType placed in slot. The slot must have come from AllocSlot.
	AllocChunk(objType ObjectType, class SizeClass, slot Slot) (Chunk, error)
	// FreeChunk destroys the kernel object made by AllocChunk and returns its chunk
	FreeChunk(chunk Chunk)
}

// Properties declares how a backend interacts with the manager while it runs.
//
// ManagerDependent backends may call back into the Host from Allocate and Free; self-hosted
// backends never do. The remaining fields state which calls the backend tolerates while an
// earlier call on the same backend is still in progress. When a Host request would re-enter a
// backend in a way it does not tolerate, the manager serves the request from its watermark
// reserves (allocations) or queues it until the outermost operation completes (frees).
type Properties struct {
	ManagerDependent bool

	// AllocCanAlloc indicates that Allocate may be invoked while an Allocate is in progress
	AllocCanAlloc bool
	// AllocCanFree indicates that Free may be invoked while an Allocate is in progress
	AllocCanFree bool
	// FreeCanAlloc indicates that Allocate may be invoked while a Free is in progress
	FreeCanAlloc bool
	// FreeCanFree indicates that Free may be invoked while a Free is in progress
	FreeCanFree bool
}

// SelfHosted returns true if the backend never calls back into the Host from Allocate or Free
func (p Properties) SelfHosted() bool {
	return !p.ManagerDependent
}

// CanAllocate reports whether Allocate may be invoked given the number of Allocate and Free
// calls currently in progress on the backend
func (p Properties) CanAllocate(allocDepth, freeDepth int) bool {
	return (p.AllocCanAlloc || allocDepth == 0) && (p.FreeCanAlloc || freeDepth == 0)
}

// CanFree reports whether Free may be invoked given the number of Allocate and Free calls
// currently in progress on the backend
func (p Properties) CanFree(allocDepth, freeDepth int) bool {
	return (p.AllocCanFree || allocDepth == 0) && (p.FreeCanFree || freeDepth == 0)
}

// SlotSpace hands out capability slots
type SlotSpace interface {
	Properties() Properties
	// Init is called once, when the slot space is attached
	Init(host Host) error
	// Allocate returns a free slot, or an error rooted on ErrOutOfSlots
	Allocate(host Host) (Slot, error)
	// Free returns a slot to the slot space. Freeing a slot that is not allocated must
	// return an error rooted on ErrDoubleFree.
	Free(host Host, slot Slot) error
	// Adopt marks a slot that was issued by some other mechanism as allocated
	Adopt(host Host, slot Slot) error
	// MakePath resolves a slot to a path. It has no side effects.
	MakePath(slot Slot) Path
	// Contains reports whether slot lies within the range managed by this slot space
	Contains(slot Slot) bool
	AddStatistics(stats *Statistics)
}

// ObjectSpace hands out typed, power-of-two sized chunks of kernel memory, identified by
// cookies
type ObjectSpace interface {
	Properties() Properties
	// Init is called once, when the object space is attached
	Init(host Host) error
	// Allocate returns a chunk of exactly the requested class, or an error rooted on ErrOutOfMemory
	Allocate(host Host, objType ObjectType, class SizeClass) (Cookie, error)
	Free(host Host, cookie Cookie) error
	// Reserve sets count chunks aside for later consumption. It either reserves all of them or
	// none and returns an error rooted on ErrInsufficientCapacity.
	Reserve(host Host, objType ObjectType, class SizeClass, count int) (ReservationID, error)
	// Consume hands out one reserved chunk. It cannot fail while the reservation is open and
	// still has pending chunks.
	Consume(host Host, id ReservationID) (Cookie, error)
	// Restore places an allocated chunk of matching type and class back into an open reservation
	Restore(host Host, id ReservationID, cookie Cookie) error
	// Release closes a reservation, returning its pending chunks to the general pool
	Release(host Host, id ReservationID) error
	// Adopt registers a chunk that was carved by some other mechanism as allocated and returns
	// the cookie this object space will know it by
	Adopt(host Host, chunk Chunk) (Cookie, error)
	// Describe returns the chunk named by a live cookie
	Describe(cookie Cookie) (Chunk, error)
	AddStatistics(stats *Statistics)
}

// BookkeepingSpace supplies raw memory for the tracking structures of the manager and
// of the other backends
type BookkeepingSpace interface {
	Properties() Properties
	// Allocate returns bytes of memory, or an error rooted on ErrOutOfMemory
	Allocate(host Host, bytes int) (Memory, error)
	// Free releases memory returned by Allocate. Memory that this space did not issue, or that
	// was already freed, must produce an error rooted on ErrDoubleFree or ErrInvalidArgument.
	Free(host Host, mem Memory) error
	AddStatistics(stats *Statistics)
}

// Destroyer is implemented by backends that hold Host resources of their own, outside of the
// allocations they hand out. The manager calls Destroy when such a backend is detached or fails
// to attach. A backend that Destroy succeeded on may be initialized again.
type Destroyer interface {
	Destroy(host Host) error
}

// DetailedStatsWriter is implemented by backends that can describe their internal layout
// for detailed stats strings
type DetailedStatsWriter interface {
	WriteDetailedStats(json *jwriter.ObjectState)
}
