package allocman

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

// slotReserve holds slots set aside for backends that need a slot while the slot space is busy
type slotReserve struct {
	target int
	slots  []memutils.Slot
}

// memoryReserve holds bookkeeping allocations of one size, set aside for backends that need
// memory while the bookkeeping space is busy
type memoryReserve struct {
	bytes  int
	target int
	memory []memutils.Memory
}

func (m *Manager) takeReservedSlot() (memutils.Slot, error) {
	if !m.watermarkEnabled() {
		return 0, errors.Wrap(memutils.ErrOutOfSlots, "the slot space is busy and the watermark is disabled")
	}

	last := len(m.slotReserve.slots) - 1
	if last < 0 {
		return 0, errors.Wrap(memutils.ErrOutOfSlots, "the slot reserve is empty")
	}

	slot := m.slotReserve.slots[last]
	m.slotReserve.slots = m.slotReserve.slots[:last]
	m.usedReserve = true
	return slot, nil
}

// takeReservedMemory hands out memory from the smallest reserve that fits bytes
func (m *Manager) takeReservedMemory(bytes int) (memutils.Memory, error) {
	if !m.watermarkEnabled() {
		return memutils.Memory{}, errors.Wrap(memutils.ErrOutOfMemory, "the bookkeeping space is busy and the watermark is disabled")
	}

	for _, reserve := range m.memoryReserves {
		if reserve.bytes < bytes || len(reserve.memory) == 0 {
			continue
		}

		last := len(reserve.memory) - 1
		mem := reserve.memory[last]
		reserve.memory = reserve.memory[:last]
		m.usedReserve = true

		mem.Bytes = mem.Bytes[:bytes:bytes]
		return mem, nil
	}

	return memutils.Memory{}, errors.Wrapf(memutils.ErrOutOfMemory, "no bookkeeping reserve can supply %d bytes", bytes)
}

// refill tops up every reserve, making up to maxRefillPasses attempts. Each pass begins by
// draining the deferred frees, since a free may be what makes room for a refill. It returns
// true if every reserve is full.
func (m *Manager) refill() (bool, error) {
	var lastErr error

	for pass := 0; pass < maxRefillPasses; pass++ {
		m.drainDeferred()

		progress := false
		short := false

		for len(m.slotReserve.slots) < m.slotReserve.target {
			slot, err := m.allocSlot(false)
			if err != nil {
				lastErr = err
				short = true
				break
			}
			m.slotReserve.slots = append(m.slotReserve.slots, slot)
			progress = true
		}

		for _, reserve := range m.memoryReserves {
			for len(reserve.memory) < reserve.target {
				mem, err := m.allocBookkeeping(reserve.bytes, false)
				if err != nil {
					lastErr = err
					short = true
					break
				}
				reserve.memory = append(reserve.memory, mem)
				progress = true
			}
		}

		for _, reserve := range m.objectReserves {
			for len(reserve.chunks) < reserve.target {
				entry, err := m.allocChunk(reserve.objType, reserve.class, false)
				if err != nil {
					lastErr = err
					short = true
					break
				}
				reserve.chunks = append(reserve.chunks, entry)
				progress = true
			}
		}

		if !short {
			m.usedReserve = false
			return true, nil
		}

		if !progress {
			break
		}
	}

	return false, lastErr
}

// ConfigureSlotReserve sets the number of slots held back for backends that need a slot while
// the slot space cannot be entered. Shrinking the reserve frees the surplus slots.
func (m *Manager) ConfigureSlotReserve(count int) error {
	err := m.enter("Manager::ConfigureSlotReserve", "count", count)
	if err != nil {
		return err
	}
	defer m.exit()

	if count < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d slots", count)
	}

	m.slotReserve.target = count
	for len(m.slotReserve.slots) > count {
		last := len(m.slotReserve.slots) - 1
		slot := m.slotReserve.slots[last]
		m.slotReserve.slots = m.slotReserve.slots[:last]

		err = m.freeSlot(slot)
		if err != nil {
			m.logError("failed to free surplus reserve slot", err)
		}
	}

	return nil
}

// ConfigureBookkeepingReserve sets the number of allocations of the given size held back for
// backends that need bookkeeping memory while the bookkeeping space cannot be entered. A count
// of zero removes the reserve for that size.
func (m *Manager) ConfigureBookkeepingReserve(bytes int, count int) error {
	err := m.enter("Manager::ConfigureBookkeepingReserve", "bytes", bytes, "count", count)
	if err != nil {
		return err
	}
	defer m.exit()

	if bytes <= 0 || count < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d allocations of %d bytes", count, bytes)
	}

	index := sort.Search(len(m.memoryReserves), func(i int) bool {
		return m.memoryReserves[i].bytes >= bytes
	})

	var reserve *memoryReserve
	if index < len(m.memoryReserves) && m.memoryReserves[index].bytes == bytes {
		reserve = m.memoryReserves[index]
	} else {
		if count == 0 {
			return nil
		}

		reserve = &memoryReserve{bytes: bytes}
		m.memoryReserves = append(m.memoryReserves, nil)
		copy(m.memoryReserves[index+1:], m.memoryReserves[index:])
		m.memoryReserves[index] = reserve
	}

	reserve.target = count
	m.trimMemoryReserve(reserve)

	if count == 0 {
		m.memoryReserves = append(m.memoryReserves[:index], m.memoryReserves[index+1:]...)
	}

	return nil
}

func (m *Manager) trimMemoryReserve(reserve *memoryReserve) {
	for len(reserve.memory) > reserve.target {
		last := len(reserve.memory) - 1
		mem := reserve.memory[last]
		reserve.memory = reserve.memory[:last]

		err := m.freeBookkeeping(mem)
		if err != nil {
			m.logError("failed to free surplus reserve memory", err)
		}
	}
}

// FillReserves tops up the reserves immediately and reports whether they are all full. The
// manager does this at the end of every operation anyway; FillReserves exposes the failure.
func (m *Manager) FillReserves() (bool, error) {
	err := m.enter("Manager::FillReserves")
	if err != nil {
		return false, err
	}
	defer m.exit()

	if !m.watermarkEnabled() {
		return false, errors.Wrap(memutils.ErrInvalidArgument, "the watermark is disabled")
	}

	full, err := m.refill()
	if err != nil {
		return full, errors.Wrap(err, "failed to fill reserves")
	}
	return full, nil
}

// drainReserves returns every reserved resource of kind to its backend, ahead of detaching it
func (m *Manager) drainReserves(kind memutils.Kind) {
	switch kind {
	case memutils.KindSlots:
		target := m.slotReserve.target
		m.slotReserve.target = 0
		for len(m.slotReserve.slots) > 0 {
			last := len(m.slotReserve.slots) - 1
			slot := m.slotReserve.slots[last]
			m.slotReserve.slots = m.slotReserve.slots[:last]
			err := m.freeSlot(slot)
			if err != nil {
				m.logError("failed to free reserve slot", err)
			}
		}
		m.slotReserve.target = target
	case memutils.KindObjects:
		for _, reserve := range m.objectReserves {
			target := reserve.target
			reserve.target = 0
			m.trimObjectReserve(reserve)
			reserve.target = target
		}
	case memutils.KindBookkeeping:
		for _, reserve := range m.memoryReserves {
			target := reserve.target
			reserve.target = 0
			m.trimMemoryReserve(reserve)
			reserve.target = target
		}
	}
}

func (m *Manager) reservedSlotCount() int {
	return len(m.slotReserve.slots)
}

func (m *Manager) reservedMemoryBytes() (count int, bytes int) {
	for _, reserve := range m.memoryReserves {
		count += len(reserve.memory)
		bytes += len(reserve.memory) * reserve.bytes
	}
	return count, bytes
}
