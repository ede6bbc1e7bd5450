package utspace

import (
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/allocman/memutils"
)

// SplitOptions configures a Split object space
type SplitOptions struct {
	// MinChunkBits is the log2 of the byte size of a class 0 chunk. Zero selects
	// memutils.DefaultMinChunkBits.
	MinChunkBits int
	// Regions is the untyped memory the object space carves chunks from. Each region is broken
	// into the largest naturally aligned power-of-two blocks it contains; bytes that do not fit a
	// class 0 chunk are ignored.
	Regions []memutils.Region
	// RecordBytes, when nonzero, charges each chunk record that many bytes of bookkeeping memory,
	// obtained through the Host. This makes the object space manager-dependent.
	RecordBytes int
}

type rootBlock struct {
	addr  uint64
	class memutils.SizeClass
}

type splitChunk struct {
	chunk       memutils.Chunk
	memory      memutils.Memory
	reservation memutils.ReservationID
}

// Split is a buddy object space. A request for a class that has no free chunk splits the
// smallest larger free block in halves until one of the right class exists; a freed chunk is
// merged with its buddy whenever the buddy is free as well, so that fully freed regions always
// return to their original blocks.
type Split struct {
	origin       memutils.Origin
	minChunkBits int
	recordBytes  int
	initialized  bool

	roots    []rootBlock
	free     [memutils.MaxSizeClass + 1]freeList
	capacity int

	chunks       *memutils.CookieTable[*splitChunk]
	reservations *memutils.ReservationTable
}

var _ memutils.ObjectSpace = &Split{}
var _ memutils.DetailedStatsWriter = &Split{}
var _ memutils.Destroyer = &Split{}

func NewSplit(options SplitOptions) (*Split, error) {
	minChunkBits := options.MinChunkBits
	if minChunkBits == 0 {
		minChunkBits = memutils.DefaultMinChunkBits
	}
	if minChunkBits < 0 || minChunkBits > 40 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "min chunk bits %d is out of range", minChunkBits)
	}

	if options.RecordBytes < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "record bytes %d is negative", options.RecordBytes)
	}

	origin := memutils.NewOrigin()
	split := &Split{
		origin:       origin,
		minChunkBits: minChunkBits,
		recordBytes:  options.RecordBytes,
		chunks:       memutils.NewCookieTable[*splitChunk](origin),
		reservations: memutils.NewReservationTable(),
	}
	for i := range split.free {
		split.free[i] = newFreeList()
	}

	for _, region := range options.Regions {
		split.addRegion(region)
	}
	sort.Slice(split.roots, func(i, j int) bool {
		return split.roots[i].addr < split.roots[j].addr
	})

	for i := 1; i < len(split.roots); i++ {
		prev := split.roots[i-1]
		if prev.addr+uint64(split.bytes(prev.class)) > split.roots[i].addr {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "untyped regions overlap at %#x", split.roots[i].addr)
		}
	}

	return split, nil
}

func (s *Split) bytes(class memutils.SizeClass) int {
	return memutils.ChunkBytes(class, s.minChunkBits)
}

// addRegion breaks a region into root blocks, each the largest naturally aligned block that
// fits at the current position
func (s *Split) addRegion(region memutils.Region) {
	minBytes := uint64(1) << s.minChunkBits
	addr := memutils.AlignUp64(region.Base, minBytes)
	end := region.End()

	for addr+minBytes <= end {
		class := memutils.SizeClass(0)
		for class < memutils.MaxSizeClass && s.minChunkBits+int(class)+1 < 62 {
			next := uint64(s.bytes(class + 1))
			if addr%next != 0 || addr+next > end {
				break
			}
			class++
		}

		s.roots = append(s.roots, rootBlock{addr: addr, class: class})
		s.free[class].push(addr)
		s.capacity += s.bytes(class)
		addr += uint64(s.bytes(class))
	}
}

func (s *Split) rootClass(addr uint64) (memutils.SizeClass, bool) {
	index := sort.Search(len(s.roots), func(i int) bool {
		return s.roots[i].addr > addr
	}) - 1
	if index < 0 {
		return 0, false
	}

	root := s.roots[index]
	if addr >= root.addr+uint64(s.bytes(root.class)) {
		return 0, false
	}
	return root.class, true
}

// Properties reports the object space as manager-dependent when chunk records are charged
// to bookkeeping memory
func (s *Split) Properties() memutils.Properties {
	return memutils.Properties{ManagerDependent: s.recordBytes > 0}
}

func (s *Split) Init(host memutils.Host) error {
	if s.initialized {
		return errors.Wrap(memutils.ErrAlreadyAttached, "split object space was already initialized")
	}
	s.initialized = true
	return nil
}

// Destroy drops every chunk record and reservation and returns all memory to the free lists.
// Cookies issued before are no longer valid. The object space may be initialized again.
func (s *Split) Destroy(host memutils.Host) error {
	var cookies []memutils.Cookie
	s.chunks.Each(func(cookie memutils.Cookie, record *splitChunk) bool {
		cookies = append(cookies, cookie)
		return true
	})
	for _, cookie := range cookies {
		_, err := s.dropRecord(host, cookie)
		if err != nil {
			return err
		}
	}

	s.reservations = memutils.NewReservationTable()
	for i := range s.free {
		s.free[i] = newFreeList()
	}
	for _, root := range s.roots {
		s.free[root.class].push(root.addr)
	}

	s.initialized = false
	return nil
}

// Origin returns the origin stamped on every cookie this object space issues
func (s *Split) Origin() memutils.Origin {
	return s.origin
}

func (s *Split) takeBlock(class memutils.SizeClass) (uint64, bool) {
	source := class
	for source <= memutils.MaxSizeClass && s.free[source].len() == 0 {
		source++
	}
	if source > memutils.MaxSizeClass {
		return 0, false
	}

	addr := s.free[source].pop()
	for source > class {
		source--
		// The right half goes in first so that the left half is handed out next
		s.free[source].push(addr + uint64(s.bytes(source)))
	}
	return addr, true
}

func (s *Split) giveBlock(addr uint64, class memutils.SizeClass) {
	rootClass, _ := s.rootClass(addr)
	for class < rootClass {
		buddy := addr ^ uint64(s.bytes(class))
		if !s.free[class].remove(buddy) {
			break
		}
		addr = min(addr, buddy)
		class++
	}
	s.free[class].push(addr)
}

func (s *Split) newRecord(host memutils.Host, chunk memutils.Chunk) (memutils.Cookie, error) {
	record := &splitChunk{chunk: chunk}
	if s.recordBytes > 0 {
		memory, err := host.AllocBookkeeping(s.recordBytes)
		if err != nil {
			return memutils.Cookie{}, errors.Wrap(err, "failed to allocate chunk record")
		}
		record.memory = memory
	}

	cookie := s.chunks.Insert(record)
	record.chunk.Cookie = cookie
	return cookie, nil
}

func (s *Split) dropRecord(host memutils.Host, cookie memutils.Cookie) (*splitChunk, error) {
	record, err := s.chunks.Remove(cookie)
	if err != nil {
		return nil, err
	}

	if s.recordBytes > 0 {
		host.FreeBookkeeping(record.memory)
	}
	return record, nil
}

func (s *Split) allocate(host memutils.Host, objType memutils.ObjectType, class memutils.SizeClass) (memutils.Cookie, error) {
	addr, ok := s.takeBlock(class)
	if !ok {
		return memutils.Cookie{}, errors.Wrapf(memutils.ErrOutOfMemory, "no free block of class %d or larger", class)
	}

	cookie, err := s.newRecord(host, memutils.Chunk{
		Type:  objType,
		Class: class,
		Addr:  addr,
		Bytes: s.bytes(class),
	})
	if err != nil {
		s.giveBlock(addr, class)
		return memutils.Cookie{}, err
	}

	return cookie, nil
}

func (s *Split) Allocate(host memutils.Host, objType memutils.ObjectType, class memutils.SizeClass) (memutils.Cookie, error) {
	if err := memutils.CheckSizeClass(class, s.minChunkBits); err != nil {
		return memutils.Cookie{}, err
	}

	return s.allocate(host, objType, class)
}

func (s *Split) Free(host memutils.Host, cookie memutils.Cookie) error {
	record, err := s.chunks.Get(cookie)
	if err != nil {
		return err
	}

	if record.reservation != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is pending in reservation %d", cookie, record.reservation)
	}

	_, err = s.dropRecord(host, cookie)
	if err != nil {
		return err
	}

	s.giveBlock(record.chunk.Addr, record.chunk.Class)
	return nil
}

func (s *Split) Reserve(host memutils.Host, objType memutils.ObjectType, class memutils.SizeClass, count int) (memutils.ReservationID, error) {
	if err := memutils.CheckSizeClass(class, s.minChunkBits); err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d chunks", count)
	}

	pending := make([]memutils.Cookie, 0, count)
	for i := 0; i < count; i++ {
		cookie, err := s.allocate(host, objType, class)
		if err != nil {
			for _, carved := range pending {
				_ = s.Free(host, carved)
			}
			return 0, memutils.WithKind(memutils.ErrInsufficientCapacity, err,
				"split object space cannot reserve the requested chunks")
		}
		pending = append(pending, cookie)
	}

	id := s.reservations.Create(objType, class, pending)
	for _, cookie := range pending {
		record, _ := s.chunks.Get(cookie)
		record.reservation = id
	}
	return id, nil
}

func (s *Split) Consume(host memutils.Host, id memutils.ReservationID) (memutils.Cookie, error) {
	cookie, ok, err := s.reservations.Pop(id)
	if err != nil {
		return memutils.Cookie{}, err
	}
	if !ok {
		return memutils.Cookie{}, errors.Wrapf(memutils.ErrInsufficientCapacity, "reservation %d has no pending chunks", id)
	}

	record, err := s.chunks.Get(cookie)
	if err != nil {
		return memutils.Cookie{}, err
	}
	record.reservation = 0
	return cookie, nil
}

func (s *Split) Restore(host memutils.Host, id memutils.ReservationID, cookie memutils.Cookie) error {
	record, err := s.chunks.Get(cookie)
	if err != nil {
		return err
	}

	if record.reservation != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is already pending in reservation %d", cookie, record.reservation)
	}

	err = s.reservations.Push(id, record.chunk.Type, record.chunk.Class, cookie)
	if err != nil {
		return err
	}

	record.reservation = id
	return nil
}

func (s *Split) Release(host memutils.Host, id memutils.ReservationID) error {
	entry, err := s.reservations.Remove(id)
	if err != nil {
		return err
	}

	for _, cookie := range entry.Pending {
		record, err := s.dropRecord(host, cookie)
		if err != nil {
			return err
		}
		s.giveBlock(record.chunk.Addr, record.chunk.Class)
	}
	return nil
}

// Adopt claims the free block that exactly covers chunk, splitting larger free blocks as needed
func (s *Split) Adopt(host memutils.Host, chunk memutils.Chunk) (memutils.Cookie, error) {
	if err := memutils.CheckSizeClass(chunk.Class, s.minChunkBits); err != nil {
		return memutils.Cookie{}, err
	}

	if chunk.Bytes != s.bytes(chunk.Class) || chunk.Addr%uint64(chunk.Bytes) != 0 {
		return memutils.Cookie{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"chunk at %#x of %d bytes is not a naturally aligned class %d chunk", chunk.Addr, chunk.Bytes, chunk.Class)
	}

	class := chunk.Class
	var block uint64
	found := false
	for ; class <= memutils.MaxSizeClass && s.minChunkBits+int(class) < 62; class++ {
		block = chunk.Addr &^ (uint64(s.bytes(class)) - 1)
		if s.free[class].contains(block) {
			found = true
			break
		}
	}
	if !found {
		return memutils.Cookie{}, errors.Wrapf(memutils.ErrInvalidArgument, "chunk at %#x is not free in this object space", chunk.Addr)
	}

	s.free[class].remove(block)
	for class > chunk.Class {
		class--
		half := uint64(s.bytes(class))
		if chunk.Addr >= block+half {
			s.free[class].push(block)
			block += half
		} else {
			s.free[class].push(block + half)
		}
	}

	cookie, err := s.newRecord(host, memutils.Chunk{
		Type:  chunk.Type,
		Class: chunk.Class,
		Addr:  chunk.Addr,
		Bytes: chunk.Bytes,
	})
	if err != nil {
		s.giveBlock(chunk.Addr, chunk.Class)
		return memutils.Cookie{}, err
	}
	return cookie, nil
}

func (s *Split) Describe(cookie memutils.Cookie) (memutils.Chunk, error) {
	record, err := s.chunks.Get(cookie)
	if err != nil {
		return memutils.Chunk{}, err
	}
	return record.chunk, nil
}

// FreeBytes returns the number of bytes held by free blocks
func (s *Split) FreeBytes() int {
	var total int
	for class := range s.free {
		total += s.free[class].len() * s.bytes(memutils.SizeClass(class))
	}
	return total
}

func (s *Split) AddStatistics(stats *memutils.Statistics) {
	stats.Capacity += s.capacity
	stats.Reservations += s.reservations.Count()

	s.chunks.Each(func(cookie memutils.Cookie, record *splitChunk) bool {
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

func (s *Split) Validate() error {
	var used int
	var err error
	s.chunks.Each(func(cookie memutils.Cookie, record *splitChunk) bool {
		used += record.chunk.Bytes
		if _, ok := s.rootClass(record.chunk.Addr); !ok {
			err = errors.Newf("%s at %#x lies outside every untyped region", cookie, record.chunk.Addr)
			return false
		}
		if record.reservation != 0 {
			if _, resErr := s.reservations.Get(record.reservation); resErr != nil {
				err = errors.Newf("%s is pending in reservation %d, which is not open", cookie, record.reservation)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	if used+s.FreeBytes() != s.capacity {
		return errors.Newf("free blocks and chunks add up to %d bytes, but the capacity is %d", used+s.FreeBytes(), s.capacity)
	}

	for class := range s.free {
		sizeClass := memutils.SizeClass(class)
		for _, addr := range s.free[class].addrs {
			rootClass, ok := s.rootClass(addr)
			if !ok || rootClass < sizeClass {
				return errors.Newf("free block at %#x of class %d does not fit its region", addr, class)
			}
			if sizeClass < rootClass && s.free[class].contains(addr^uint64(s.bytes(sizeClass))) {
				return errors.Newf("free buddies at %#x of class %d were not merged", addr, class)
			}
		}
	}

	if s.reservations.PendingCount() > s.chunks.Len() {
		return errors.Newf("reservations list %d pending chunks, but only %d chunks exist", s.reservations.PendingCount(), s.chunks.Len())
	}

	return nil
}

func (s *Split) WriteDetailedStats(json *jwriter.ObjectState) {
	json.Name("MinChunkBits").Int(s.minChunkBits)
	json.Name("FreeBytes").Int(s.FreeBytes())

	freeBlocks := json.Name("FreeBlocks").Object()
	for class := range s.free {
		if s.free[class].len() > 0 {
			freeBlocks.Name(strconv.Itoa(class)).Int(s.free[class].len())
		}
	}
	freeBlocks.End()

	chunks := json.Name("Chunks").Array()
	s.chunks.Each(func(cookie memutils.Cookie, record *splitChunk) bool {
		obj := chunks.Object()
		obj.Name("Cookie").String(cookie.String())
		obj.Name("Type").Int(int(record.chunk.Type))
		obj.Name("Class").Int(int(record.chunk.Class))
		obj.Name("Addr").String(strconv.FormatUint(record.chunk.Addr, 16))
		if record.reservation != 0 {
			obj.Name("Reservation").Int(int(record.reservation))
		}
		obj.End()
		return true
	})
	chunks.End()
}
