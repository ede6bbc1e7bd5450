package cspace

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/allocman/memutils"
)

// TwoLevelOptions describes a namespace made of a first-level node whose entries each hold a
// second-level table. A slot address is the first-level index shifted left by LevelTwoBits,
// combined with the index within the second-level table.
type TwoLevelOptions struct {
	Root memutils.Slot
	// LevelOneBits is the number of address bits resolved by the first-level node
	LevelOneBits uint8
	// LevelTwoBits is the number of address bits resolved by each second-level table
	LevelTwoBits uint8
	// FirstIndex is the first first-level entry available for second-level tables. Entries
	// below it are left alone.
	FirstIndex int
	// NodeType is the kernel object type backing each second-level table. When it is zero,
	// second-level tables exist only as bookkeeping.
	NodeType memutils.ObjectType
	// NodeClass is the size class of each second-level node object
	NodeClass memutils.SizeClass
}

type secondLevel struct {
	memory memutils.Memory
	table  bitTable
	count  int

	hasNode  bool
	nodeSlot memutils.Slot
	node     memutils.Chunk
}

// TwoLevel is a slot space that grows lazily: second-level tables are created the first time a
// slot in their range is needed and destroyed once their last slot is freed. Each table takes
// bookkeeping memory and, when NodeType is set, a host slot holding a kernel node object carved
// from the object space. All of it goes through the Host, so TwoLevel is manager-dependent.
type TwoLevel struct {
	options TwoLevelOptions

	firstMemory memutils.Memory
	first       bitTable
	levels      *swiss.Map[int, *secondLevel]
	lastIndex   int
	allocated   int
}

var _ memutils.SlotSpace = &TwoLevel{}

func NewTwoLevel(options TwoLevelOptions) (*TwoLevel, error) {
	if options.LevelTwoBits == 0 || options.LevelOneBits == 0 || options.LevelOneBits+options.LevelTwoBits > 56 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "invalid level sizes %d/%d", options.LevelOneBits, options.LevelTwoBits)
	}

	if options.FirstIndex < 0 || options.FirstIndex >= 1<<options.LevelOneBits {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "first index %d is outside the first level", options.FirstIndex)
	}

	return &TwoLevel{
		options: options,
		levels:  swiss.NewMap[int, *secondLevel](8),
	}, nil
}

// Properties reports that Allocate may need bookkeeping memory for a new second-level table,
// and Free may release one. Neither tolerates re-entry.
func (s *TwoLevel) Properties() memutils.Properties {
	return memutils.Properties{ManagerDependent: true}
}

func (s *TwoLevel) Init(host memutils.Host) error {
	if s.first.data != nil {
		return errors.Wrap(memutils.ErrAlreadyAttached, "two-level slot space was already initialized")
	}

	count := 1 << s.options.LevelOneBits
	memory, err := host.AllocBookkeeping(bitTableBytes(count))
	if err != nil {
		return errors.Wrap(err, "failed to allocate first-level bitmap")
	}

	s.firstMemory = memory
	s.first = newBitTable(memory.Bytes, count)
	for i := 0; i < s.options.FirstIndex; i++ {
		s.first.take(i)
	}
	s.lastIndex = s.options.FirstIndex
	return nil
}

// Destroy releases every second-level table, along with its node, and the first-level bitmap.
// The slot space may be initialized again.
func (s *TwoLevel) Destroy(host memutils.Host) error {
	if s.first.data == nil {
		return nil
	}

	var indices []int
	var levels []*secondLevel
	s.levels.Iter(func(index int, level *secondLevel) bool {
		indices = append(indices, index)
		levels = append(levels, level)
		return false
	})
	for i, level := range levels {
		s.releaseNode(host, indices[i], level)
		host.FreeBookkeeping(level.memory)
	}

	s.levels = swiss.NewMap[int, *secondLevel](8)
	host.FreeBookkeeping(s.firstMemory)
	s.firstMemory = memutils.Memory{}
	s.first = bitTable{}
	s.allocated = 0
	return nil
}

func (s *TwoLevel) levelSize() int {
	return 1 << s.options.LevelTwoBits
}

func (s *TwoLevel) split(slot memutils.Slot) (int, int) {
	return int(slot >> s.options.LevelTwoBits), int(slot & memutils.Slot(s.levelSize()-1))
}

func (s *TwoLevel) createLevel(host memutils.Host, index int) (*secondLevel, error) {
	memory, err := host.AllocBookkeeping(bitTableBytes(s.levelSize()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate second-level table %d", index)
	}

	level := &secondLevel{
		memory: memory,
		table:  newBitTable(memory.Bytes, s.levelSize()),
	}

	if s.options.NodeType != 0 {
		slot, err := host.AllocSlot()
		if err != nil {
			host.FreeBookkeeping(memory)
			return nil, errors.Wrapf(err, "failed to allocate a slot for second-level node %d", index)
		}

		node, err := host.AllocChunk(s.options.NodeType, s.options.NodeClass, slot)
		if err != nil {
			host.FreeSlot(slot)
			host.FreeBookkeeping(memory)
			return nil, errors.Wrapf(err, "failed to create second-level node %d", index)
		}

		level.hasNode = true
		level.nodeSlot = slot
		level.node = node
	}

	s.first.take(index)
	s.levels.Put(index, level)
	return level, nil
}

// ownsNode reports whether the level's node lives in one of the level's own slots
func (s *TwoLevel) ownsNode(index int, level *secondLevel) bool {
	if !level.hasNode {
		return false
	}

	nodeIndex, nodeBit := s.split(level.nodeSlot)
	return nodeIndex == index && !level.table.isFree(nodeBit)
}

func (s *TwoLevel) releaseNode(host memutils.Host, index int, level *secondLevel) {
	if !level.hasNode {
		return
	}

	host.FreeChunk(level.node)
	if s.ownsNode(index, level) {
		_, bit := s.split(level.nodeSlot)
		level.table.give(bit)
		level.count--
		s.allocated--
	} else {
		host.FreeSlot(level.nodeSlot)
	}
	level.hasNode = false
}

func (s *TwoLevel) destroyLevel(host memutils.Host, index int, level *secondLevel) {
	s.releaseNode(host, index, level)
	s.levels.Delete(index)
	s.first.give(index)
	host.FreeBookkeeping(level.memory)
}

func (s *TwoLevel) findLevel() (int, *secondLevel) {
	if level, ok := s.levels.Get(s.lastIndex); ok && level.count < s.levelSize() {
		return s.lastIndex, level
	}

	foundIndex := -1
	var found *secondLevel
	s.levels.Iter(func(index int, level *secondLevel) bool {
		if level.count < s.levelSize() {
			foundIndex = index
			found = level
			return true
		}
		return false
	})
	return foundIndex, found
}

func (s *TwoLevel) Allocate(host memutils.Host) (memutils.Slot, error) {
	if s.first.data == nil {
		return 0, errors.Wrap(memutils.ErrUninitialized, "two-level slot space was not initialized")
	}

	index, level := s.findLevel()
	if level == nil {
		var found bool
		index, _, found = s.first.findFree(0)
		if !found {
			return 0, errors.Wrapf(memutils.ErrOutOfSlots, "all %d second-level tables are full", s.levels.Count())
		}

		var err error
		level, err = s.createLevel(host, index)
		if err != nil {
			return 0, err
		}
	}

	bit, _, _ := level.table.findFree(0)
	level.table.take(bit)
	level.count++
	s.allocated++
	s.lastIndex = index

	return memutils.Slot(index)<<s.options.LevelTwoBits | memutils.Slot(bit), nil
}

func (s *TwoLevel) Free(host memutils.Host, slot memutils.Slot) error {
	if !s.Contains(slot) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is outside the two-level slot space", slot)
	}

	index, bit := s.split(slot)
	level, ok := s.levels.Get(index)
	if !ok || level.table.isFree(bit) {
		return errors.Wrapf(memutils.ErrDoubleFree, "slot %d is not allocated", slot)
	}

	level.table.give(bit)
	level.count--
	s.allocated--

	if level.count == 0 || (level.count == 1 && s.ownsNode(index, level)) {
		s.destroyLevel(host, index, level)
	}
	return nil
}

func (s *TwoLevel) Adopt(host memutils.Host, slot memutils.Slot) error {
	if s.first.data == nil {
		return errors.Wrap(memutils.ErrUninitialized, "two-level slot space was not initialized")
	}

	if !s.Contains(slot) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is outside the two-level slot space", slot)
	}

	index, bit := s.split(slot)
	level, ok := s.levels.Get(index)
	if !ok {
		if !s.first.isFree(index) {
			return errors.Wrapf(memutils.ErrInvalidArgument, "first-level entry %d is not available", index)
		}

		var err error
		level, err = s.createLevel(host, index)
		if err != nil {
			return err
		}
	}

	if !level.table.isFree(bit) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is already allocated", slot)
	}

	level.table.take(bit)
	level.count++
	s.allocated++
	return nil
}

func (s *TwoLevel) MakePath(slot memutils.Slot) memutils.Path {
	return memutils.NewPath(s.options.Root, slot, s.options.LevelOneBits+s.options.LevelTwoBits)
}

func (s *TwoLevel) Contains(slot memutils.Slot) bool {
	index := slot >> s.options.LevelTwoBits
	return index >= memutils.Slot(s.options.FirstIndex) && index < memutils.Slot(1)<<s.options.LevelOneBits
}

// Levels returns the number of second-level tables currently in existence
func (s *TwoLevel) Levels() int {
	return s.levels.Count()
}

// Node returns the slot and chunk of the node object backing the second-level table at index
func (s *TwoLevel) Node(index int) (memutils.Slot, memutils.Chunk, bool) {
	level, ok := s.levels.Get(index)
	if !ok || !level.hasNode {
		return 0, memutils.Chunk{}, false
	}
	return level.nodeSlot, level.node, true
}

func (s *TwoLevel) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += ((1 << s.options.LevelOneBits) - s.options.FirstIndex) * s.levelSize()
	stats.Allocations += s.allocated
}

func (s *TwoLevel) Validate() error {
	var total int
	var err error
	s.levels.Iter(func(index int, level *secondLevel) bool {
		if s.first.isFree(index) {
			err = errors.Newf("second-level table %d exists but its first-level entry is free", index)
			return true
		}
		if level.count == 0 {
			err = errors.Newf("second-level table %d is empty but was not destroyed", index)
			return true
		}
		if level.count == 1 && s.ownsNode(index, level) {
			err = errors.Newf("second-level table %d holds only its own node but was not destroyed", index)
			return true
		}
		if free := level.table.freeCount(); free+level.count != s.levelSize() {
			err = errors.Newf("second-level table %d lists %d allocated slots but has %d free", index, level.count, free)
			return true
		}
		total += level.count
		return false
	})
	if err != nil {
		return err
	}

	if total != s.allocated {
		return errors.Newf("two-level slot space counts %d allocated slots, but its tables hold %d", s.allocated, total)
	}

	return nil
}
