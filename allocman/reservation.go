package allocman

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

// Reservation is a standing promise that a number of chunks of one type and size class are set
// aside for the caller. Chunks are only drawn from it when it is passed to AllocateObject.
type Reservation struct {
	manager *Manager
	key     uint64

	space memutils.ObjectSpace
	id    memutils.ReservationID

	objType   memutils.ObjectType
	class     memutils.SizeClass
	remaining int
	open      bool
}

// Remaining returns the number of chunks still held by the reservation
func (r *Reservation) Remaining() int { return r.remaining }

// Open returns false once the reservation has been released
func (r *Reservation) Open() bool { return r.open }

func (r *Reservation) Type() memutils.ObjectType { return r.objType }
func (r *Reservation) Class() memutils.SizeClass { return r.class }

// usableFor reports whether chunks for an object of objType and class may be drawn from the
// reservation. Reservations of another manager are rejected outright.
func (r *Reservation) usableFor(m *Manager, objType memutils.ObjectType, class memutils.SizeClass) (bool, error) {
	if r.manager != m {
		return false, errors.Wrap(memutils.ErrInvalidArgument, "reservation belongs to another manager")
	}
	return r.open && r.objType == objType && r.class == class, nil
}

// Reserve sets count chunks of objType and class aside. Either all of them are reserved or
// none are, in which case an error rooted on memutils.ErrInsufficientCapacity is returned.
func (m *Manager) Reserve(objType memutils.ObjectType, class memutils.SizeClass, count int) (*Reservation, error) {
	err := m.enter("Manager::Reserve", "type", objType, "class", class, "count", count)
	if err != nil {
		return nil, err
	}
	defer m.exit()

	if count < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d chunks", count)
	}

	m.allocDepth[memutils.KindObjects]++
	id, err := m.objects.Reserve(m.host, objType, class, count)
	m.allocDepth[memutils.KindObjects]--
	if err != nil {
		if memutils.KindOf(err) != nil {
			return nil, errors.Wrap(err, "failed to create reservation")
		}
		return nil, memutils.WithKind(memutils.ErrInsufficientCapacity, err, "failed to create reservation")
	}

	m.lastReservation++
	reservation := &Reservation{
		manager:   m,
		key:       m.lastReservation,
		space:     m.objects,
		id:        id,
		objType:   objType,
		class:     class,
		remaining: count,
		open:      true,
	}
	m.reservations.Put(reservation.key, reservation)

	return reservation, nil
}

// Release closes a reservation. Chunks it still holds return to the general pool; objects
// that were allocated from it are unaffected and return their chunks to the general pool
// when freed.
func (m *Manager) Release(reservation *Reservation) error {
	err := m.enter("Manager::Release")
	if err != nil {
		return err
	}
	defer m.exit()

	if reservation == nil || reservation.manager != m {
		return errors.Wrap(memutils.ErrInvalidArgument, "reservation belongs to another manager")
	}
	if !reservation.open {
		return errors.Wrapf(memutils.ErrInvalidArgument, "reservation %d was already released", reservation.key)
	}

	m.freeDepth[memutils.KindObjects]++
	err = m.objects.Release(m.host, reservation.id)
	m.freeDepth[memutils.KindObjects]--
	if err != nil {
		return errors.Wrapf(err, "failed to release reservation %d", reservation.key)
	}

	reservation.open = false
	reservation.remaining = 0
	m.reservations.Delete(reservation.key)
	return nil
}
