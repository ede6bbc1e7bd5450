package cspace

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
)

// BitmapOptions describes the single namespace node managed by a Bitmap slot space
type BitmapOptions struct {
	// Root is the slot that the namespace is looked up from
	Root memutils.Slot
	// Depth is the number of address bits resolved by paths into this namespace
	Depth uint8
	// FirstSlot is the first slot handed out by the slot space
	FirstSlot memutils.Slot
	// EndSlot is one past the last slot handed out by the slot space
	EndSlot memutils.Slot
}

// Bitmap is a single-level slot space. Its bitmap is obtained from bookkeeping memory once, in
// Init, after which Allocate and Free never call back into the Host.
type Bitmap struct {
	options BitmapOptions

	memory    memutils.Memory
	table     bitTable
	lastWord  int
	allocated int
}

var _ memutils.SlotSpace = &Bitmap{}

func NewBitmap(options BitmapOptions) (*Bitmap, error) {
	if options.EndSlot <= options.FirstSlot {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "slot range [%d, %d) is empty", options.FirstSlot, options.EndSlot)
	}

	return &Bitmap{options: options}, nil
}

func (b *Bitmap) Properties() memutils.Properties {
	return memutils.Properties{}
}

func (b *Bitmap) Init(host memutils.Host) error {
	if b.table.data != nil {
		return errors.Wrap(memutils.ErrAlreadyAttached, "bitmap slot space was already initialized")
	}

	count := int(b.options.EndSlot - b.options.FirstSlot)
	memory, err := host.AllocBookkeeping(bitTableBytes(count))
	if err != nil {
		return errors.Wrap(err, "failed to allocate slot bitmap")
	}

	b.memory = memory
	b.table = newBitTable(memory.Bytes, count)
	return nil
}

// Destroy returns the bitmap memory to the host. The slot space may be initialized again.
func (b *Bitmap) Destroy(host memutils.Host) error {
	if b.table.data == nil {
		return nil
	}

	host.FreeBookkeeping(b.memory)
	b.memory = memutils.Memory{}
	b.table = bitTable{}
	b.allocated = 0
	b.lastWord = 0
	return nil
}

func (b *Bitmap) index(slot memutils.Slot) (int, error) {
	if b.table.data == nil {
		return 0, errors.Wrap(memutils.ErrUninitialized, "bitmap slot space was not initialized")
	}

	if !b.Contains(slot) {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is outside [%d, %d)", slot, b.options.FirstSlot, b.options.EndSlot)
	}

	return int(slot - b.options.FirstSlot), nil
}

func (b *Bitmap) Allocate(host memutils.Host) (memutils.Slot, error) {
	if b.table.data == nil {
		return 0, errors.Wrap(memutils.ErrUninitialized, "bitmap slot space was not initialized")
	}

	bit, word, found := b.table.findFree(b.lastWord)
	if !found {
		return 0, errors.Wrapf(memutils.ErrOutOfSlots, "all %d slots are allocated", b.table.count)
	}

	b.lastWord = word
	b.table.take(bit)
	b.allocated++
	return b.options.FirstSlot + memutils.Slot(bit), nil
}

func (b *Bitmap) Free(host memutils.Host, slot memutils.Slot) error {
	bit, err := b.index(slot)
	if err != nil {
		return err
	}

	if b.table.isFree(bit) {
		return errors.Wrapf(memutils.ErrDoubleFree, "slot %d is not allocated", slot)
	}

	b.table.give(bit)
	b.allocated--
	return nil
}

func (b *Bitmap) Adopt(host memutils.Host, slot memutils.Slot) error {
	bit, err := b.index(slot)
	if err != nil {
		return err
	}

	if !b.table.isFree(bit) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "slot %d is already allocated", slot)
	}

	b.table.take(bit)
	b.allocated++
	return nil
}

func (b *Bitmap) MakePath(slot memutils.Slot) memutils.Path {
	return memutils.NewPath(b.options.Root, slot, b.options.Depth)
}

func (b *Bitmap) Contains(slot memutils.Slot) bool {
	return slot >= b.options.FirstSlot && slot < b.options.EndSlot
}

func (b *Bitmap) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += int(b.options.EndSlot - b.options.FirstSlot)
	stats.Allocations += b.allocated
}

func (b *Bitmap) Validate() error {
	if b.table.data == nil {
		return nil
	}

	if free := b.table.freeCount(); free+b.allocated != b.table.count {
		return errors.Newf("bitmap lists %d free slots and %d allocated slots, but holds %d", free, b.allocated, b.table.count)
	}

	return nil
}
