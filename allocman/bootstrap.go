package allocman

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/metadata"
)

// BootstrapAlignment is the alignment of every allocation made from a BootstrapPool
const BootstrapAlignment uint = 8

// BootstrapPool is a fixed region of memory that serves as the bookkeeping space of a
// manager until a richer one is attached. Allocations are placed one after the other and
// freed memory is never reused. Once every kind has an attached backend the pool is
// retired: it still accepts frees of memory it issued, but it issues nothing new.
type BootstrapPool struct {
	origin   memutils.Origin
	memory   []byte
	metadata *metadata.WatermarkMetadata
	retired  bool
}

var _ memutils.BookkeepingSpace = &BootstrapPool{}
var _ memutils.DetailedStatsWriter = &BootstrapPool{}

// NewBootstrapPool wraps memory as a bootstrap pool. The pool owns memory from this point on.
func NewBootstrapPool(memory []byte) (*BootstrapPool, error) {
	if len(memory) < int(BootstrapAlignment) {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "a bootstrap pool of %d bytes is too small", len(memory))
	}

	md := metadata.NewWatermarkMetadata()
	md.Init(len(memory))

	return &BootstrapPool{
		origin:   memutils.NewOrigin(),
		memory:   memory,
		metadata: md,
	}, nil
}

func (p *BootstrapPool) Properties() memutils.Properties {
	return memutils.Properties{}
}

// Origin returns the origin stamped on every Memory this pool issues
func (p *BootstrapPool) Origin() memutils.Origin {
	return p.origin
}

// Retired returns true once the pool has stopped issuing memory
func (p *BootstrapPool) Retired() bool {
	return p.retired
}

// Remaining returns the number of bytes that have not yet been handed out
func (p *BootstrapPool) Remaining() int {
	return p.metadata.SumFreeSize()
}

func (p *BootstrapPool) Allocate(host memutils.Host, bytes int) (memutils.Memory, error) {
	if bytes <= 0 {
		return memutils.Memory{}, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d bytes", bytes)
	}

	if p.retired {
		return memutils.Memory{}, errors.Wrap(memutils.ErrOutOfMemory, "the bootstrap pool is retired")
	}

	success, request, err := p.metadata.CreateAllocationRequest(bytes, BootstrapAlignment)
	if err != nil {
		return memutils.Memory{}, err
	}
	if !success {
		return memutils.Memory{}, errors.Wrapf(memutils.ErrOutOfMemory, "bootstrap pool cannot fit %d bytes (%d left)", bytes, p.metadata.SumFreeSize())
	}

	err = p.metadata.Alloc(request, bytes)
	if err != nil {
		return memutils.Memory{}, err
	}

	data := p.memory[request.Offset : request.Offset+bytes : request.Offset+bytes]
	clear(data)
	memutils.WriteMagicValue(p.memory, request.Offset+bytes)

	return memutils.Memory{
		Bytes:  data,
		Handle: uint64(request.BlockAllocationHandle),
		Origin: p.origin,
	}, nil
}

func (p *BootstrapPool) Free(host memutils.Host, mem memutils.Memory) error {
	if mem.Origin != p.origin {
		return errors.Wrapf(memutils.ErrInvalidArgument, "memory from origin %d was not issued by the bootstrap pool", mem.Origin)
	}

	err := p.metadata.Free(metadata.BlockAllocationHandle(mem.Handle))
	if err != nil {
		return memutils.WithKind(memutils.ErrDoubleFree, err, "bootstrap pool memory is not allocated")
	}
	return nil
}

func (p *BootstrapPool) AddStatistics(stats *memutils.Statistics) {
	p.metadata.AddStatistics(stats)
}

func (p *BootstrapPool) Validate() error {
	err := p.metadata.Validate()
	if err != nil {
		return err
	}

	return p.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free || handle == metadata.NoAllocation {
			return nil
		}

		if !memutils.ValidateMagicValue(p.memory, offset+size) {
			return errors.Newf("bootstrap allocation at offset %d overran its %d bytes", offset, size)
		}
		return nil
	})
}

func (p *BootstrapPool) WriteDetailedStats(json *jwriter.ObjectState) {
	json.Name("Retired").Bool(p.retired)
	p.metadata.BlockJsonData(json)
}

// InitialResources describes what the environment hands a program at startup: a range of
// empty slots in its namespace and the untyped memory it may carve objects from
type InitialResources struct {
	// Root is the slot that the namespace is looked up from
	Root memutils.Slot
	// Depth is the number of address bits resolved by paths into the namespace
	Depth uint8
	// FirstFreeSlot is the first empty slot of the namespace
	FirstFreeSlot memutils.Slot
	// EndSlot is one past the last empty slot of the namespace
	EndSlot memutils.Slot
	// Untyped lists the memory that objects may be carved from before an object space is attached
	Untyped []memutils.Region
}

// bootstrapSlots hands out the initial free slots in order and recycles freed ones
type bootstrapSlots struct {
	root  memutils.Slot
	depth uint8
	first memutils.Slot
	next  memutils.Slot
	end   memutils.Slot

	recycled []memutils.Slot
	live     *swiss.Map[memutils.Slot, struct{}]
	retired  bool
}

var _ memutils.SlotSpace = &bootstrapSlots{}

func newBootstrapSlots(resources InitialResources) *bootstrapSlots {
	return &bootstrapSlots{
		root:  resources.Root,
		depth: resources.Depth,
		first: resources.FirstFreeSlot,
		next:  resources.FirstFreeSlot,
		end:   resources.EndSlot,
		live:  swiss.NewMap[memutils.Slot, struct{}](16),
	}
}

func (s *bootstrapSlots) Properties() memutils.Properties {
	return memutils.Properties{}
}

func (s *bootstrapSlots) Init(host memutils.Host) error {
	return nil
}

func (s *bootstrapSlots) Allocate(host memutils.Host) (memutils.Slot, error) {
	var slot memutils.Slot
	if len(s.recycled) > 0 {
		slot = s.recycled[len(s.recycled)-1]
		s.recycled = s.recycled[:len(s.recycled)-1]
	} else if s.next < s.end {
		slot = s.next
		s.next++
	} else {
		return 0, errors.Wrapf(memutils.ErrOutOfSlots, "all %d initial slots are in use", s.end-s.first)
	}

	s.live.Put(slot, struct{}{})
	return slot, nil
}

func (s *bootstrapSlots) Free(host memutils.Host, slot memutils.Slot) error {
	_, ok := s.live.Get(slot)
	if !ok {
		return errors.Wrapf(memutils.ErrDoubleFree, "slot %d is not allocated", slot)
	}

	s.live.Delete(slot)
	s.recycled = append(s.recycled, slot)
	return nil
}

func (s *bootstrapSlots) Adopt(host memutils.Host, slot memutils.Slot) error {
	return errors.Wrap(memutils.ErrInvalidArgument, "the bootstrap slot space cannot adopt slots")
}

func (s *bootstrapSlots) MakePath(slot memutils.Slot) memutils.Path {
	return memutils.NewPath(s.root, slot, s.depth)
}

func (s *bootstrapSlots) Contains(slot memutils.Slot) bool {
	return slot >= s.first && slot < s.end
}

func (s *bootstrapSlots) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += int(s.end - s.first)
	stats.Allocations += s.live.Count()
}

// each visits every live slot
func (s *bootstrapSlots) each(fn func(slot memutils.Slot)) {
	s.live.Iter(func(slot memutils.Slot, _ struct{}) bool {
		fn(slot)
		return false
	})
}

// forget drops every slot after an attached slot space has taken them over. The initial
// namespace now belongs to that slot space, so nothing more can be handed out.
func (s *bootstrapSlots) forget() {
	s.live = swiss.NewMap[memutils.Slot, struct{}](16)
	s.recycled = nil
	s.next = s.end
	s.retired = true
}

func (s *bootstrapSlots) Validate() error {
	if s.next < s.first || s.next > s.end {
		return errors.Newf("bootstrap slot cursor %d is outside [%d, %d]", s.next, s.first, s.end)
	}

	var err error
	s.live.Iter(func(slot memutils.Slot, _ struct{}) bool {
		if slot < s.first || slot >= s.next {
			err = errors.Newf("live bootstrap slot %d was never handed out", slot)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	for _, slot := range s.recycled {
		if _, ok := s.live.Get(slot); ok {
			err = errors.Newf("bootstrap slot %d is both live and recycled", slot)
			return err
		}
	}

	if !s.retired && s.live.Count()+len(s.recycled) != int(s.next-s.first) {
		return errors.Newf("bootstrap slots: %d live and %d recycled, but %d were handed out", s.live.Count(), len(s.recycled), s.next-s.first)
	}
	return nil
}

type bootstrapChunk struct {
	chunk       memutils.Chunk
	reservation memutils.ReservationID
}

type carvedChunk struct {
	addr     uint64
	recycled bool
}

// bootstrapObjects carves chunks from the initial untyped regions in address order. The gaps
// left by alignment are lost, but freed chunks are kept per size class and handed out again
// to the next request of that class.
type bootstrapObjects struct {
	origin       memutils.Origin
	minChunkBits int
	regions      []memutils.Region
	capacity     int

	region int
	cursor uint64

	recycled [memutils.MaxSizeClass + 1][]uint64

	chunks       *memutils.CookieTable[*bootstrapChunk]
	reservations *memutils.ReservationTable
}

var _ memutils.ObjectSpace = &bootstrapObjects{}
var _ memutils.DetailedStatsWriter = &bootstrapObjects{}

func newBootstrapObjects(regions []memutils.Region, minChunkBits int) *bootstrapObjects {
	origin := memutils.NewOrigin()
	objects := &bootstrapObjects{
		origin:       origin,
		minChunkBits: minChunkBits,
		regions:      append([]memutils.Region(nil), regions...),
		chunks:       memutils.NewCookieTable[*bootstrapChunk](origin),
		reservations: memutils.NewReservationTable(),
	}

	for _, region := range regions {
		objects.capacity += region.Bytes
	}
	if len(objects.regions) > 0 {
		objects.cursor = objects.regions[0].Base
	}

	return objects
}

func (o *bootstrapObjects) Properties() memutils.Properties {
	return memutils.Properties{}
}

func (o *bootstrapObjects) Init(host memutils.Host) error {
	return nil
}

func (o *bootstrapObjects) bytes(class memutils.SizeClass) int {
	return memutils.ChunkBytes(class, o.minChunkBits)
}

func (o *bootstrapObjects) carve(class memutils.SizeClass) (carvedChunk, bool) {
	if len(o.recycled[class]) > 0 {
		last := len(o.recycled[class]) - 1
		addr := o.recycled[class][last]
		o.recycled[class] = o.recycled[class][:last]
		return carvedChunk{addr: addr, recycled: true}, true
	}

	size := uint64(o.bytes(class))
	for o.region < len(o.regions) {
		addr := memutils.AlignUp64(o.cursor, size)
		if addr+size <= o.regions[o.region].End() {
			o.cursor = addr + size
			return carvedChunk{addr: addr}, true
		}

		o.region++
		if o.region < len(o.regions) {
			o.cursor = o.regions[o.region].Base
		}
	}

	return carvedChunk{}, false
}

func (o *bootstrapObjects) allocate(objType memutils.ObjectType, class memutils.SizeClass) (memutils.Cookie, carvedChunk, error) {
	carved, ok := o.carve(class)
	if !ok {
		return memutils.Cookie{}, carved, errors.Wrapf(memutils.ErrOutOfMemory, "initial untyped memory cannot fit a class %d chunk", class)
	}

	record := &bootstrapChunk{
		chunk: memutils.Chunk{
			Type:  objType,
			Class: class,
			Addr:  carved.addr,
			Bytes: o.bytes(class),
		},
	}
	cookie := o.chunks.Insert(record)
	record.chunk.Cookie = cookie
	return cookie, carved, nil
}

func (o *bootstrapObjects) Allocate(host memutils.Host, objType memutils.ObjectType, class memutils.SizeClass) (memutils.Cookie, error) {
	if err := memutils.CheckSizeClass(class, o.minChunkBits); err != nil {
		return memutils.Cookie{}, err
	}

	cookie, _, err := o.allocate(objType, class)
	return cookie, err
}

func (o *bootstrapObjects) Free(host memutils.Host, cookie memutils.Cookie) error {
	record, err := o.chunks.Get(cookie)
	if err != nil {
		return err
	}

	if record.reservation != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is pending in reservation %d", cookie, record.reservation)
	}

	_, err = o.chunks.Remove(cookie)
	if err != nil {
		return err
	}

	o.recycled[record.chunk.Class] = append(o.recycled[record.chunk.Class], record.chunk.Addr)
	return nil
}

func (o *bootstrapObjects) Reserve(host memutils.Host, objType memutils.ObjectType, class memutils.SizeClass, count int) (memutils.ReservationID, error) {
	if err := memutils.CheckSizeClass(class, o.minChunkBits); err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d chunks", count)
	}

	region, cursor := o.region, o.cursor
	pending := make([]memutils.Cookie, 0, count)
	carved := make([]carvedChunk, 0, count)

	for i := 0; i < count; i++ {
		cookie, chunk, err := o.allocate(objType, class)
		if err != nil {
			for j, taken := range pending {
				_, _ = o.chunks.Remove(taken)
				if carved[j].recycled {
					o.recycled[class] = append(o.recycled[class], carved[j].addr)
				}
			}
			o.region, o.cursor = region, cursor

			return 0, memutils.WithKind(memutils.ErrInsufficientCapacity, err,
				"initial untyped memory cannot hold the reservation")
		}

		pending = append(pending, cookie)
		carved = append(carved, chunk)
	}

	id := o.reservations.Create(objType, class, pending)
	for _, cookie := range pending {
		record, _ := o.chunks.Get(cookie)
		record.reservation = id
	}
	return id, nil
}

func (o *bootstrapObjects) Consume(host memutils.Host, id memutils.ReservationID) (memutils.Cookie, error) {
	cookie, ok, err := o.reservations.Pop(id)
	if err != nil {
		return memutils.Cookie{}, err
	}
	if !ok {
		return memutils.Cookie{}, errors.Wrapf(memutils.ErrInsufficientCapacity, "reservation %d has no pending chunks", id)
	}

	record, err := o.chunks.Get(cookie)
	if err != nil {
		return memutils.Cookie{}, err
	}
	record.reservation = 0
	return cookie, nil
}

func (o *bootstrapObjects) Restore(host memutils.Host, id memutils.ReservationID, cookie memutils.Cookie) error {
	record, err := o.chunks.Get(cookie)
	if err != nil {
		return err
	}

	if record.reservation != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is already pending in reservation %d", cookie, record.reservation)
	}

	err = o.reservations.Push(id, record.chunk.Type, record.chunk.Class, cookie)
	if err != nil {
		return err
	}

	record.reservation = id
	return nil
}

func (o *bootstrapObjects) Release(host memutils.Host, id memutils.ReservationID) error {
	entry, err := o.reservations.Remove(id)
	if err != nil {
		return err
	}

	for _, cookie := range entry.Pending {
		record, err := o.chunks.Remove(cookie)
		if err != nil {
			return err
		}
		o.recycled[record.chunk.Class] = append(o.recycled[record.chunk.Class], record.chunk.Addr)
	}
	return nil
}

func (o *bootstrapObjects) Adopt(host memutils.Host, chunk memutils.Chunk) (memutils.Cookie, error) {
	return memutils.Cookie{}, errors.Wrap(memutils.ErrInvalidArgument, "the bootstrap object space cannot adopt chunks")
}

func (o *bootstrapObjects) Describe(cookie memutils.Cookie) (memutils.Chunk, error) {
	record, err := o.chunks.Get(cookie)
	if err != nil {
		return memutils.Chunk{}, err
	}
	return record.chunk, nil
}

func (o *bootstrapObjects) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += o.capacity
	stats.Reservations += o.reservations.Count()

	o.chunks.Each(func(cookie memutils.Cookie, record *bootstrapChunk) bool {
		if record.reservation != 0 {
			stats.ReservedChunks++
			stats.ReservedBytes += record.chunk.Bytes
		} else {
			stats.Allocations++
			stats.AllocatedBytes += record.chunk.Bytes
		}
		return true
	})
}

// each visits every chunk, pending or allocated, along with the reservation it is pending in
func (o *bootstrapObjects) each(fn func(chunk memutils.Chunk, reservation memutils.ReservationID) bool) {
	o.chunks.Each(func(cookie memutils.Cookie, record *bootstrapChunk) bool {
		return fn(record.chunk, record.reservation)
	})
}

// forget drops every chunk and reservation after an attached object space has taken them
// over. The initial untyped memory now belongs to that object space.
func (o *bootstrapObjects) forget() {
	o.chunks = memutils.NewCookieTable[*bootstrapChunk](o.origin)
	o.reservations = memutils.NewReservationTable()
	for class := range o.recycled {
		o.recycled[class] = nil
	}
	o.region = len(o.regions)
}

func (o *bootstrapObjects) Validate() error {
	var err error
	o.chunks.Each(func(cookie memutils.Cookie, record *bootstrapChunk) bool {
		if record.chunk.Addr%uint64(record.chunk.Bytes) != 0 {
			err = errors.Newf("%s at %#x is not aligned to its %d bytes", cookie, record.chunk.Addr, record.chunk.Bytes)
			return false
		}
		if record.reservation != 0 {
			if _, resErr := o.reservations.Get(record.reservation); resErr != nil {
				err = errors.Newf("%s is pending in reservation %d, which is not open", cookie, record.reservation)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	if o.reservations.PendingCount() > o.chunks.Len() {
		return errors.Newf("reservations list %d pending chunks, but only %d chunks exist", o.reservations.PendingCount(), o.chunks.Len())
	}
	return nil
}

func (o *bootstrapObjects) WriteDetailedStats(json *jwriter.ObjectState) {
	json.Name("MinChunkBits").Int(o.minChunkBits)
	json.Name("Region").Int(o.region)
	json.Name("Cursor").String(strconv.FormatUint(o.cursor, 16))

	recycled := json.Name("Recycled").Object()
	for class := range o.recycled {
		if len(o.recycled[class]) > 0 {
			recycled.Name(strconv.Itoa(class)).Int(len(o.recycled[class]))
		}
	}
	recycled.End()
}
