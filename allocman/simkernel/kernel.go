package simkernel

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/allocman/memutils"
)

var (
	// ErrSlotOccupied is returned when an object is materialized into a slot that already holds one
	ErrSlotOccupied = errors.New("slot is occupied")
	// ErrSlotEmpty is returned when destroying an object at a slot that holds none
	ErrSlotEmpty = errors.New("slot is empty")
	// ErrChunkInUse is returned when materializing into memory that already backs a live object
	ErrChunkInUse = errors.New("chunk already backs a live object")
	// ErrMisaligned is returned when a chunk is not aligned to its own size
	ErrMisaligned = errors.New("chunk is misaligned")
	// ErrWrongChunk is returned when destroying an object with a chunk other than the one it lives in
	ErrWrongChunk = errors.New("object does not live in the chunk provided")
)

// Object is a live object in the simulated kernel
type Object struct {
	Path  memutils.Path
	Chunk memutils.Chunk
}

// Kernel is an in-memory stand-in for the kernel object primitives. It tracks which slots are
// occupied and which memory has been retyped, and rejects anything a real kernel would reject.
// Failures can be injected to exercise rollback paths.
type Kernel struct {
	objects *swiss.Map[memutils.Path, Object]
	retyped *swiss.Map[uint64, memutils.Path]

	failMaterialize []error
	failRevoke      []error

	materialized int
	destroyed    int
}

func New() *Kernel {
	return &Kernel{
		objects: swiss.NewMap[memutils.Path, Object](64),
		retyped: swiss.NewMap[uint64, memutils.Path](64),
	}
}

// FailNextMaterialize causes the next call to Materialize to fail with err, without
// materializing anything. Calls queue up.
func (k *Kernel) FailNextMaterialize(err error) {
	k.failMaterialize = append(k.failMaterialize, err)
}

// FailNextRevoke causes the next call to RevokeAndDestroy to fail with err, leaving the object
// in place. Calls queue up.
func (k *Kernel) FailNextRevoke(err error) {
	k.failRevoke = append(k.failRevoke, err)
}

func popFailure(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}

	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (k *Kernel) Materialize(chunk memutils.Chunk, path memutils.Path) error {
	if err := popFailure(&k.failMaterialize); err != nil {
		return err
	}

	if chunk.Bytes <= 0 || chunk.Addr%uint64(chunk.Bytes) != 0 {
		return errors.Wrapf(ErrMisaligned, "chunk at %#x of %d bytes", chunk.Addr, chunk.Bytes)
	}

	if existing, ok := k.objects.Get(path); ok {
		return errors.Wrapf(ErrSlotOccupied, "%s holds an object in the chunk at %#x", path, existing.Chunk.Addr)
	}

	if owner, ok := k.retyped.Get(chunk.Addr); ok {
		return errors.Wrapf(ErrChunkInUse, "chunk at %#x backs the object at %s", chunk.Addr, owner)
	}

	k.objects.Put(path, Object{Path: path, Chunk: chunk})
	k.retyped.Put(chunk.Addr, path)
	k.materialized++
	return nil
}

func (k *Kernel) RevokeAndDestroy(path memutils.Path, chunk memutils.Chunk) error {
	if err := popFailure(&k.failRevoke); err != nil {
		return err
	}

	object, ok := k.objects.Get(path)
	if !ok {
		return errors.Wrapf(ErrSlotEmpty, "%s", path)
	}

	if object.Chunk.Addr != chunk.Addr {
		return errors.Wrapf(ErrWrongChunk, "the object at %s lives at %#x, not %#x", path, object.Chunk.Addr, chunk.Addr)
	}

	k.objects.Delete(path)
	k.retyped.Delete(chunk.Addr)
	k.destroyed++
	return nil
}

// Lookup returns the object at path, if there is one
func (k *Kernel) Lookup(path memutils.Path) (Object, bool) {
	return k.objects.Get(path)
}

// Occupied returns the number of live objects
func (k *Kernel) Occupied() int {
	return k.objects.Count()
}

// Materialized returns the number of objects ever materialized
func (k *Kernel) Materialized() int { return k.materialized }

// Destroyed returns the number of objects ever destroyed
func (k *Kernel) Destroyed() int { return k.destroyed }

// Each visits every live object until fn returns false
func (k *Kernel) Each(fn func(object Object) bool) {
	k.objects.Iter(func(_ memutils.Path, object Object) bool {
		return !fn(object)
	})
}
