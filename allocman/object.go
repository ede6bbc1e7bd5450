package allocman

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/allocman/internal/utils"
	"github.com/vkngwrapper/allocman/memutils"
	"golang.org/x/exp/slog"
)

// objectRecordLayoutBytes is the size of the record the manager writes into the bookkeeping
// memory of each live object
const objectRecordLayoutBytes = 25

// objectRecord tracks one live object. cookie is the cookie the client was given; chunk.Cookie
// names the chunk in the object space that currently owns it, which differs from cookie once
// the chunk has been migrated to an attached object space.
type objectRecord struct {
	path        memutils.Path
	slot        memutils.Slot
	cookie      memutils.Cookie
	chunk       memutils.Chunk
	reservation *Reservation
	memory      memutils.Memory
}

func (r *objectRecord) encode() {
	data := r.memory.Bytes
	binary.LittleEndian.PutUint64(data[0:], uint64(r.slot))
	binary.LittleEndian.PutUint32(data[8:], uint32(r.cookie.Origin()))
	binary.LittleEndian.PutUint32(data[12:], r.cookie.Index())
	binary.LittleEndian.PutUint32(data[16:], r.cookie.Generation())
	binary.LittleEndian.PutUint32(data[20:], uint32(r.chunk.Type))
	data[24] = byte(r.chunk.Class)
}

func (r *objectRecord) verify() error {
	data := r.memory.Bytes
	if len(data) < objectRecordLayoutBytes {
		return errors.Newf("record for %s has only %d bytes of bookkeeping memory", r.path, len(data))
	}

	slot := memutils.Slot(binary.LittleEndian.Uint64(data[0:]))
	cookie := memutils.MakeCookie(
		memutils.Origin(binary.LittleEndian.Uint32(data[8:])),
		binary.LittleEndian.Uint32(data[12:]),
		binary.LittleEndian.Uint32(data[16:]),
	)
	objType := memutils.ObjectType(binary.LittleEndian.Uint32(data[20:]))
	class := memutils.SizeClass(data[24])

	if slot != r.slot || cookie != r.cookie || objType != r.chunk.Type || class != r.chunk.Class {
		return errors.Newf("bookkeeping record for %s was overwritten", r.path)
	}
	return nil
}

func (m *Manager) rollback(scope *utils.Scope, operation string) {
	err := scope.Rollback()
	if err != nil {
		m.logError("failed to roll back "+operation, err)
	}
}

// takeChunk obtains a chunk for a new object. A supplied reservation is drawn on first, and
// the general pool is only used once the reservation has nothing left to give.
func (m *Manager) takeChunk(objType memutils.ObjectType, class memutils.SizeClass, reservation *Reservation) (memutils.Cookie, bool, error) {
	if reservation != nil && reservation.remaining > 0 {
		m.allocDepth[memutils.KindObjects]++
		cookie, err := m.objects.Consume(m.host, reservation.id)
		m.allocDepth[memutils.KindObjects]--
		if err != nil {
			return memutils.Cookie{}, false, errors.Wrapf(err, "failed to consume a chunk from reservation %d", reservation.key)
		}

		reservation.remaining--
		return cookie, true, nil
	}

	m.allocDepth[memutils.KindObjects]++
	cookie, err := m.objects.Allocate(m.host, objType, class)
	m.allocDepth[memutils.KindObjects]--
	if err != nil {
		return memutils.Cookie{}, false, m.resourceError(memutils.KindObjects, memutils.ErrOutOfMemory, err,
			"failed to allocate a chunk")
	}

	return cookie, false, nil
}

// returnChunk gives a chunk back to its reservation while the reservation is open, and to the
// general pool otherwise
func (m *Manager) returnChunk(cookie memutils.Cookie, reservation *Reservation) error {
	m.freeDepth[memutils.KindObjects]++
	defer func() { m.freeDepth[memutils.KindObjects]-- }()

	if reservation != nil && reservation.open {
		err := m.objects.Restore(m.host, reservation.id, cookie)
		if err != nil {
			return err
		}
		reservation.remaining++
		return nil
	}

	return m.objects.Free(m.host, cookie)
}

// AllocateObject obtains a chunk, a slot and a bookkeeping record, then asks the kernel to
// materialize an object of objType in the chunk, addressed by the slot. Either every step
// succeeds or everything acquired along the way is returned before the error is.
//
// objType - The type of kernel object to create
//
// class - The size class of the chunk the object lives in
//
// reservation - Optional. If the reservation is open, matches objType and class, and still
// holds chunks, one of them is used instead of a chunk from the general pool.
func (m *Manager) AllocateObject(objType memutils.ObjectType, class memutils.SizeClass, reservation *Reservation) (memutils.Path, memutils.Cookie, error) {
	err := m.enter("Manager::AllocateObject", "type", objType, "class", class)
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, err
	}
	defer m.exit()

	if reservation != nil {
		usable, err := reservation.usableFor(m, objType, class)
		if err != nil {
			return memutils.Path{}, memutils.Cookie{}, err
		}
		if !usable {
			reservation = nil
		}
	}

	var scope utils.Scope
	defer m.rollback(&scope, "object allocation")

	cookie, fromReservation, err := m.takeChunk(objType, class, reservation)
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, err
	}

	var owner *Reservation
	if fromReservation {
		owner = reservation
	}
	scope.OnRollback(func() error {
		return m.returnChunk(cookie, owner)
	})

	chunk, err := m.objects.Describe(cookie)
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, memutils.WithKind(memutils.ErrOutOfMemory, err,
			"object space could not describe the chunk it issued")
	}

	slot, err := m.allocSlot(m.watermarkEnabled())
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, err
	}
	scope.OnRollback(func() error {
		return m.freeSlot(slot)
	})
	path := m.slots.MakePath(slot)

	memory, err := m.allocBookkeeping(m.recordBytes, m.watermarkEnabled())
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, err
	}
	scope.OnRollback(func() error {
		return m.freeBookkeeping(memory)
	})

	record := &objectRecord{
		path:        path,
		slot:        slot,
		cookie:      cookie,
		chunk:       chunk,
		reservation: owner,
		memory:      memory,
	}
	record.encode()

	err = m.kernel.Materialize(chunk, path)
	if err != nil {
		return memutils.Path{}, memutils.Cookie{}, memutils.WithKind(memutils.ErrCreationFailed, err,
			"kernel failed to materialize object")
	}

	scope.Commit()
	m.records.Put(path, record)
	m.callbacks.Allocate(path, chunk)

	return path, cookie, nil
}

// FreeObject destroys the object at path and releases its slot, chunk and bookkeeping record.
// The pair must be exactly what AllocateObject returned; anything else is reported as
// memutils.ErrDoubleFree. If the kernel cannot destroy the object, nothing is released and
// memutils.ErrRevokeFailed is returned.
func (m *Manager) FreeObject(path memutils.Path, cookie memutils.Cookie) error {
	err := m.enter("Manager::FreeObject", "path", path, "cookie", cookie)
	if err != nil {
		return err
	}
	defer m.exit()

	record, ok := m.records.Get(path)
	if !ok {
		return errors.Wrapf(memutils.ErrDoubleFree, "no live object at %s", path)
	}
	if record.cookie != cookie {
		return errors.Wrapf(memutils.ErrDoubleFree, "the object at %s was not allocated as %s", path, cookie)
	}

	err = m.kernel.RevokeAndDestroy(path, record.chunk)
	if err != nil {
		return memutils.WithKind(memutils.ErrRevokeFailed, err, "kernel failed to destroy object")
	}

	m.records.Delete(path)

	var releaseErr error
	err = m.freeSlot(record.slot)
	if err != nil {
		releaseErr = errors.CombineErrors(releaseErr, errors.Wrap(err, "failed to free slot"))
	}

	err = m.returnChunk(record.chunk.Cookie, record.reservation)
	if err != nil {
		releaseErr = errors.CombineErrors(releaseErr, errors.Wrap(err, "failed to free chunk"))
	}

	err = m.freeBookkeeping(record.memory)
	if err != nil {
		releaseErr = errors.CombineErrors(releaseErr, errors.Wrap(err, "failed to free bookkeeping record"))
	}

	m.callbacks.Free(path, record.chunk)

	if releaseErr != nil {
		m.logError("object was destroyed but its resources were not all released", releaseErr,
			slog.String("path", path.String()))
		return errors.Wrapf(releaseErr, "object at %s was destroyed but its resources were not all released", path)
	}
	return nil
}

// LiveObjects returns the number of objects that have been allocated and not yet freed
func (m *Manager) LiveObjects() int {
	return m.records.Count()
}
