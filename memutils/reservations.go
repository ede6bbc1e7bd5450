package memutils

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// ReservationEntry is the state of one open reservation
type ReservationEntry struct {
	Type    ObjectType
	Class   SizeClass
	Pending []Cookie
}

// ReservationTable tracks the open reservations of an object space. The chunks listed as
// pending are owned by the reservation and must not be handed out by any other path.
type ReservationTable struct {
	lastID ReservationID
	open   *swiss.Map[ReservationID, *ReservationEntry]
}

func NewReservationTable() *ReservationTable {
	return &ReservationTable{
		open: swiss.NewMap[ReservationID, *ReservationEntry](8),
	}
}

func (t *ReservationTable) Create(objType ObjectType, class SizeClass, pending []Cookie) ReservationID {
	t.lastID++
	t.open.Put(t.lastID, &ReservationEntry{
		Type:    objType,
		Class:   class,
		Pending: pending,
	})
	return t.lastID
}

func (t *ReservationTable) Get(id ReservationID) (*ReservationEntry, error) {
	entry, ok := t.open.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "reservation %d is not open", id)
	}
	return entry, nil
}

// Pop removes one pending chunk from the reservation. The second return value is false if
// the reservation has no pending chunks left.
func (t *ReservationTable) Pop(id ReservationID) (Cookie, bool, error) {
	entry, err := t.Get(id)
	if err != nil {
		return Cookie{}, false, err
	}

	if len(entry.Pending) == 0 {
		return Cookie{}, false, nil
	}

	cookie := entry.Pending[len(entry.Pending)-1]
	entry.Pending = entry.Pending[:len(entry.Pending)-1]
	return cookie, true, nil
}

func (t *ReservationTable) Push(id ReservationID, objType ObjectType, class SizeClass, cookie Cookie) error {
	entry, err := t.Get(id)
	if err != nil {
		return err
	}

	if entry.Type != objType || entry.Class != class {
		return errors.Wrapf(ErrInvalidArgument, "reservation %d holds type %d class %d, not type %d class %d",
			id, entry.Type, entry.Class, objType, class)
	}

	entry.Pending = append(entry.Pending, cookie)
	return nil
}

func (t *ReservationTable) Remove(id ReservationID) (*ReservationEntry, error) {
	entry, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	t.open.Delete(id)
	return entry, nil
}

func (t *ReservationTable) Count() int {
	return t.open.Count()
}

func (t *ReservationTable) PendingCount() int {
	var count int
	t.open.Iter(func(_ ReservationID, entry *ReservationEntry) bool {
		count += len(entry.Pending)
		return false
	})
	return count
}

// Each visits every open reservation until fn returns false
func (t *ReservationTable) Each(fn func(id ReservationID, entry *ReservationEntry) bool) {
	t.open.Iter(func(id ReservationID, entry *ReservationEntry) bool {
		return !fn(id, entry)
	})
}
