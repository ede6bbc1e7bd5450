package allocman

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

// AllocateSlot hands out an empty slot for the caller to fill by its own means
func (m *Manager) AllocateSlot() (memutils.Path, error) {
	err := m.enter("Manager::AllocateSlot")
	if err != nil {
		return memutils.Path{}, err
	}
	defer m.exit()

	slot, err := m.allocSlot(m.watermarkEnabled())
	if err != nil {
		return memutils.Path{}, err
	}

	path := m.slots.MakePath(slot)
	m.issuedSlots.Put(path, slot)
	return path, nil
}

// FreeSlot returns a slot obtained from AllocateSlot. Slots holding objects made by
// AllocateObject must be released with FreeObject instead.
func (m *Manager) FreeSlot(path memutils.Path) error {
	err := m.enter("Manager::FreeSlot", "path", path)
	if err != nil {
		return err
	}
	defer m.exit()

	if _, ok := m.records.Get(path); ok {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s holds a live object", path)
	}

	slot, ok := m.issuedSlots.Get(path)
	if !ok {
		return errors.Wrapf(memutils.ErrDoubleFree, "%s is not allocated", path)
	}

	err = m.freeSlot(slot)
	if err != nil {
		return errors.Wrapf(err, "failed to free %s", path)
	}

	m.issuedSlots.Delete(path)
	return nil
}

// MakePath resolves a slot through the slot space currently in charge. It has no side effects
// and may be called at any time after Init, including from callbacks.
func (m *Manager) MakePath(slot memutils.Slot) memutils.Path {
	if m.slots == nil {
		return memutils.Path{}
	}
	return m.slots.MakePath(slot)
}
