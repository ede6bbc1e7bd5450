package allocman

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/allocman/allocman/internal/utils"
	"github.com/vkngwrapper/allocman/memutils"
)

func (m *Manager) checkAttach(kind memutils.Kind, backend any) error {
	if backend == nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot attach a nil %s backend", kind)
	}
	if m.attached[kind] {
		return errors.Wrapf(memutils.ErrAlreadyAttached, "a %s backend is already attached", kind)
	}
	return nil
}

func (m *Manager) initBackend(kind memutils.Kind, init func(host memutils.Host) error) error {
	err := init(m.host)
	if err == nil {
		return nil
	}

	if memutils.KindOf(err) != nil {
		return errors.Wrapf(err, "failed to initialize %s backend", kind)
	}
	return memutils.WithKind(memutils.ErrInvalidArgument, err, "failed to initialize "+kind.String()+" backend")
}

func (m *Manager) destroyOnRollback(scope *utils.Scope, backend any) {
	destroyer, ok := backend.(memutils.Destroyer)
	if !ok {
		return
	}

	scope.OnRollback(func() error {
		return destroyer.Destroy(m.host)
	})
}

// AttachSlotSpace hands the slot namespace over to space. Every slot the bootstrap mechanism
// has handed out, including those held in reserve, is adopted by space before it takes over.
// If any adoption fails, the slots adopted so far are freed again and the bootstrap mechanism
// stays in charge.
func (m *Manager) AttachSlotSpace(space memutils.SlotSpace) error {
	err := m.enter("Manager::AttachSlotSpace")
	if err != nil {
		return err
	}
	defer m.exit()

	err = m.checkAttach(memutils.KindSlots, space)
	if err != nil {
		return err
	}

	m.drainDeferred()

	err = m.initBackend(memutils.KindSlots, space.Init)
	if err != nil {
		return err
	}

	var scope utils.Scope
	defer m.rollback(&scope, "slot space attach")
	m.destroyOnRollback(&scope, space)

	// Adopting may itself take bootstrap slots through the host, so keep going until every
	// live bootstrap slot has been adopted
	adopted := swiss.NewMap[memutils.Slot, struct{}](uint32(m.records.Count() + m.issuedSlots.Count() + 8))
	for {
		var pending []memutils.Slot
		m.bootSlots.each(func(slot memutils.Slot) {
			if _, ok := adopted.Get(slot); !ok {
				pending = append(pending, slot)
			}
		})
		if len(pending) == 0 {
			break
		}

		for _, slot := range pending {
			slot := slot
			if !space.Contains(slot) {
				return errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is outside the namespace of the attached slot space", slot)
			}

			err = space.Adopt(m.host, slot)
			if err != nil {
				if memutils.KindOf(err) != nil {
					return errors.Wrapf(err, "failed to adopt slot %d", slot)
				}
				return memutils.WithKind(memutils.ErrInvalidArgument, err, "failed to adopt slot")
			}

			adopted.Put(slot, struct{}{})
			scope.OnRollback(func() error {
				return space.Free(m.host, slot)
			})
		}
	}

	scope.Commit()

	m.bootSlots.forget()
	m.slots = space
	m.attached[memutils.KindSlots] = true
	m.updateState()

	return nil
}

type adoptedChunk struct {
	cookie      memutils.Cookie
	reservation memutils.ReservationID
}

// AttachObjectSpace hands chunk management over to space. Every chunk carved by the bootstrap
// mechanism, whether it backs a live object or is pending in a reservation, is adopted by space,
// and open reservations are re-created in space with the same pending chunks. Cookies already
// handed to clients stay valid. If anything fails, space is left as it was found and the
// bootstrap mechanism stays in charge.
func (m *Manager) AttachObjectSpace(space memutils.ObjectSpace) error {
	err := m.enter("Manager::AttachObjectSpace")
	if err != nil {
		return err
	}
	defer m.exit()

	err = m.checkAttach(memutils.KindObjects, space)
	if err != nil {
		return err
	}

	m.drainDeferred()

	err = m.initBackend(memutils.KindObjects, space.Init)
	if err != nil {
		return err
	}

	var scope utils.Scope
	defer m.rollback(&scope, "object space attach")
	m.destroyOnRollback(&scope, space)

	var chunks []memutils.Chunk
	var pendingIn []memutils.ReservationID
	m.bootObjects.each(func(chunk memutils.Chunk, reservation memutils.ReservationID) bool {
		chunks = append(chunks, chunk)
		pendingIn = append(pendingIn, reservation)
		return true
	})

	remap := swiss.NewMap[memutils.Cookie, adoptedChunk](uint32(len(chunks) + 1))
	for i, chunk := range chunks {
		cookie, err := space.Adopt(m.host, chunk)
		if err != nil {
			if memutils.KindOf(err) != nil {
				return errors.Wrapf(err, "failed to adopt chunk at %#x", chunk.Addr)
			}
			return memutils.WithKind(memutils.ErrInvalidArgument, err, "failed to adopt chunk")
		}

		remap.Put(chunk.Cookie, adoptedChunk{cookie: cookie, reservation: pendingIn[i]})
		scope.OnRollback(func() error {
			// Chunks pending in a re-created reservation are dropped when that reservation
			// is released
			if _, describeErr := space.Describe(cookie); describeErr != nil {
				return nil
			}
			return space.Free(m.host, cookie)
		})
	}

	// Re-create open reservations with their pending chunks
	var reservations []*Reservation
	m.reservations.Iter(func(key uint64, reservation *Reservation) bool {
		reservations = append(reservations, reservation)
		return false
	})

	newIDs := make([]memutils.ReservationID, len(reservations))
	for i, reservation := range reservations {
		id, err := space.Reserve(m.host, reservation.objType, reservation.class, 0)
		if err != nil {
			return memutils.WithKind(memutils.ErrInsufficientCapacity, err, "failed to re-create reservation")
		}
		scope.OnRollback(func() error {
			return space.Release(m.host, id)
		})
		newIDs[i] = id

		var restoreErr error
		remap.Iter(func(_ memutils.Cookie, adopted adoptedChunk) bool {
			if adopted.reservation != reservation.id {
				return false
			}
			restoreErr = space.Restore(m.host, id, adopted.cookie)
			return restoreErr != nil
		})
		if restoreErr != nil {
			return memutils.WithKind(memutils.ErrInvalidArgument, restoreErr, "failed to restore a reserved chunk")
		}
	}

	// Every live object must now be known to the new object space
	var records []*objectRecord
	var updated []memutils.Chunk
	var lookupErr error
	m.records.Iter(func(path memutils.Path, record *objectRecord) bool {
		adopted, ok := remap.Get(record.chunk.Cookie)
		if !ok {
			lookupErr = errors.Newf("the chunk of the object at %s was not tracked by the bootstrap object space", path)
			return true
		}

		chunk, err := space.Describe(adopted.cookie)
		if err != nil {
			lookupErr = err
			return true
		}

		records = append(records, record)
		updated = append(updated, chunk)
		return false
	})
	if lookupErr != nil {
		return memutils.WithKind(memutils.ErrInvalidArgument, lookupErr, "failed to migrate live objects")
	}

	// Chunks held by other backends keep the cookies they were handed
	var hostEntries []*hostChunk
	var hostUpdated []memutils.Chunk
	m.hostChunks.Iter(func(cookie memutils.Cookie, entry *hostChunk) bool {
		adopted, ok := remap.Get(entry.chunk.Cookie)
		if !ok {
			lookupErr = errors.Newf("the chunk held for a backend as %s was not tracked by the bootstrap object space", cookie)
			return true
		}

		chunk, err := space.Describe(adopted.cookie)
		if err != nil {
			lookupErr = err
			return true
		}

		hostEntries = append(hostEntries, entry)
		hostUpdated = append(hostUpdated, chunk)
		return false
	})
	if lookupErr != nil {
		return memutils.WithKind(memutils.ErrInvalidArgument, lookupErr, "failed to migrate backend chunks")
	}

	scope.Commit()

	for i, record := range records {
		record.chunk = updated[i]
	}
	for i, entry := range hostEntries {
		entry.chunk = hostUpdated[i]
	}
	for i, reservation := range reservations {
		reservation.space = space
		reservation.id = newIDs[i]
	}

	m.bootObjects.forget()
	m.objects = space
	m.attached[memutils.KindObjects] = true
	m.updateState()

	return nil
}

// AttachBookkeeping hands bookkeeping over to space. Memory already issued by the bootstrap
// pool stays where it is and returns to the pool when freed.
func (m *Manager) AttachBookkeeping(space memutils.BookkeepingSpace) error {
	err := m.enter("Manager::AttachBookkeeping")
	if err != nil {
		return err
	}
	defer m.exit()

	err = m.checkAttach(memutils.KindBookkeeping, space)
	if err != nil {
		return err
	}

	m.drainDeferred()

	m.bookkeeping = space
	m.attached[memutils.KindBookkeeping] = true
	m.updateState()

	return nil
}

// Detach removes the backend attached for kind. It fails with memutils.ErrInUse while the
// backend still has anything allocated or reserved, once the manager's own reserves have been
// handed back. Afterward the kind is served by the bootstrap mechanism again, which issues
// nothing if it has already been retired or taken over.
func (m *Manager) Detach(kind memutils.Kind) error {
	err := m.enter("Manager::Detach", "kind", kind)
	if err != nil {
		return err
	}
	defer m.exit()

	if kind >= memutils.KindCount {
		return errors.Wrapf(memutils.ErrInvalidArgument, "unknown kind %d", kind)
	}
	if !m.attached[kind] {
		return errors.Wrapf(memutils.ErrInvalidArgument, "no %s backend is attached", kind)
	}

	m.drainDeferred()
	m.drainReserves(kind)
	m.drainDeferred()

	var backend any
	var stats memutils.Statistics
	switch kind {
	case memutils.KindSlots:
		backend = m.slots
		m.slots.AddStatistics(&stats)
	case memutils.KindObjects:
		backend = m.objects
		m.objects.AddStatistics(&stats)
	case memutils.KindBookkeeping:
		backend = m.bookkeeping
		m.bookkeeping.AddStatistics(&stats)
	}

	if stats.Allocations > 0 || stats.Reservations > 0 || stats.ReservedChunks > 0 {
		return errors.Wrapf(memutils.ErrInUse, "the %s backend still has %d allocations and %d reservations",
			kind, stats.Allocations, stats.Reservations)
	}

	if destroyer, ok := backend.(memutils.Destroyer); ok {
		err = destroyer.Destroy(m.host)
		if err != nil {
			return errors.Wrapf(err, "failed to destroy the %s backend", kind)
		}
	}

	switch kind {
	case memutils.KindSlots:
		m.slots = m.bootSlots
	case memutils.KindObjects:
		m.objects = m.bootObjects
	case memutils.KindBookkeeping:
		m.bookkeeping = m.pool
	}
	m.attached[kind] = false
	m.updateState()

	return nil
}
