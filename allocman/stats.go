package allocman

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/allocman/memutils"
)

// Statistics is a snapshot of the resources a manager is responsible for
type Statistics struct {
	State State
	// Kinds holds the statistics of the backend currently in charge of each kind, indexed
	// by memutils.Kind
	Kinds [memutils.KindCount]memutils.Statistics
	// Attached reports, per kind, whether a backend has been attached
	Attached [memutils.KindCount]bool
	// Pool holds the statistics of the bootstrap pool, which may still own memory after a
	// bookkeeping space has been attached
	Pool          memutils.Statistics
	PoolRemaining int
	PoolRetired   bool

	LiveObjects  int
	IssuedSlots  int
	Reservations int
	// HostChunks counts the chunks backends hold through the Host, including those waiting in
	// object reserves
	HostChunks int

	ReservedSlots       int
	ReservedMemory      int
	ReservedMemoryBytes int
	ReservedObjects     int
	DeferredFrees       int
}

// CalculateStatistics populates stats with the current state of the manager
func (m *Manager) CalculateStatistics(stats *Statistics) error {
	err := m.enter("Manager::CalculateStatistics")
	if err != nil {
		return err
	}
	defer m.exit()

	m.calculateStatistics(stats)
	return nil
}

func (m *Manager) calculateStatistics(stats *Statistics) {
	*stats = Statistics{}

	stats.State = m.state
	stats.Attached = m.attached
	m.slots.AddStatistics(&stats.Kinds[memutils.KindSlots])
	m.objects.AddStatistics(&stats.Kinds[memutils.KindObjects])
	m.bookkeeping.AddStatistics(&stats.Kinds[memutils.KindBookkeeping])

	m.pool.AddStatistics(&stats.Pool)
	stats.PoolRemaining = m.pool.Remaining()
	stats.PoolRetired = m.pool.Retired()

	stats.LiveObjects = m.records.Count()
	stats.IssuedSlots = m.issuedSlots.Count()
	stats.Reservations = m.reservations.Count()
	stats.HostChunks = m.hostChunks.Count()

	stats.ReservedSlots = m.reservedSlotCount()
	stats.ReservedMemory, stats.ReservedMemoryBytes = m.reservedMemoryBytes()
	stats.ReservedObjects = m.reservedObjectCount()
	stats.DeferredFrees = m.deferredCount()
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("Capacity").Int(stats.Capacity)
	json.Name("Allocations").Int(stats.Allocations)
	json.Name("AllocatedBytes").Int(stats.AllocatedBytes)
	json.Name("Reservations").Int(stats.Reservations)
	json.Name("ReservedChunks").Int(stats.ReservedChunks)
	json.Name("ReservedBytes").Int(stats.ReservedBytes)
}

// BuildStatsString produces a JSON document describing the manager. With detailed set, the
// layout of every backend that can describe itself and the list of live objects are included.
func (m *Manager) BuildStatsString(detailed bool) (string, error) {
	err := m.enter("Manager::BuildStatsString", "detailed", detailed)
	if err != nil {
		return "", err
	}
	defer m.exit()

	var stats Statistics
	m.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("State").String(stats.State.String())
	general.Name("LiveObjects").Int(stats.LiveObjects)
	general.Name("IssuedSlots").Int(stats.IssuedSlots)
	general.Name("Reservations").Int(stats.Reservations)
	general.Name("HostChunks").Int(stats.HostChunks)
	general.Name("DeferredFrees").Int(stats.DeferredFrees)
	general.End()

	backends := [memutils.KindCount]any{m.slots, m.objects, m.bookkeeping}
	kinds := obj.Name("Kinds").Object()
	for kind := memutils.Kind(0); kind < memutils.KindCount; kind++ {
		kindObj := kinds.Name(kind.String()).Object()
		kindObj.Name("Attached").Bool(stats.Attached[kind])
		writeStatistics(&kindObj, &stats.Kinds[kind])

		if detailed {
			if detailer, ok := backends[kind].(memutils.DetailedStatsWriter); ok {
				details := kindObj.Name("Details").Object()
				detailer.WriteDetailedStats(&details)
				details.End()
			}
		}
		kindObj.End()
	}
	kinds.End()

	pool := obj.Name("BootstrapPool").Object()
	pool.Name("Retired").Bool(stats.PoolRetired)
	pool.Name("Remaining").Int(stats.PoolRemaining)
	writeStatistics(&pool, &stats.Pool)
	if detailed {
		details := pool.Name("Details").Object()
		m.pool.WriteDetailedStats(&details)
		details.End()
	}
	pool.End()

	reserves := obj.Name("Reserves").Object()
	reserves.Name("Slots").Int(stats.ReservedSlots)
	reserves.Name("SlotTarget").Int(m.slotReserve.target)
	reserves.Name("Memory").Int(stats.ReservedMemory)
	reserves.Name("MemoryBytes").Int(stats.ReservedMemoryBytes)
	reserves.Name("Objects").Int(stats.ReservedObjects)
	objectTargets := reserves.Name("ObjectTargets").Array()
	for _, reserve := range m.objectReserves {
		target := objectTargets.Object()
		target.Name("Type").Int(int(reserve.objType))
		target.Name("Class").Int(int(reserve.class))
		target.Name("Target").Int(reserve.target)
		target.Name("Held").Int(len(reserve.chunks))
		target.End()
	}
	objectTargets.End()
	reserves.End()

	if detailed {
		objects := obj.Name("Objects").Array()
		m.records.Iter(func(path memutils.Path, record *objectRecord) bool {
			item := objects.Object()
			item.Name("Path").String(path.String())
			item.Name("Cookie").String(record.cookie.String())
			item.Name("Type").Int(int(record.chunk.Type))
			item.Name("Class").Int(int(record.chunk.Class))
			item.Name("Bytes").Int(record.chunk.Bytes)
			if record.reservation != nil {
				item.Name("Reservation").Int(int(record.reservation.key))
			}
			item.End()
			return false
		})
		objects.End()
	}

	obj.End()

	return string(writer.Bytes()), nil
}

// Validate cross-checks the manager's records against its backends. It returns nil when
// everything is consistent.
func (m *Manager) Validate() error {
	err := m.enter("Manager::Validate")
	if err != nil {
		return err
	}
	defer m.exit()

	return m.validate()
}

func (m *Manager) validate() error {
	if m.state == StateUninitialized {
		return nil
	}

	var err error
	m.records.Iter(func(path memutils.Path, record *objectRecord) bool {
		if record.path != path {
			err = errors.Newf("record stored under %s describes %s", path, record.path)
			return true
		}

		if recordErr := record.verify(); recordErr != nil {
			err = recordErr
			return true
		}

		chunk, describeErr := m.objects.Describe(record.chunk.Cookie)
		if describeErr != nil {
			err = errors.Wrapf(describeErr, "the chunk of the object at %s is not allocated", path)
			return true
		}
		if chunk != record.chunk {
			err = errors.Newf("the object at %s expects chunk %+v, but the object space describes %+v", path, record.chunk, chunk)
			return true
		}

		if _, issued := m.issuedSlots.Get(path); issued {
			err = errors.Newf("%s is both a live object and an issued slot", path)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	m.hostChunks.Iter(func(cookie memutils.Cookie, entry *hostChunk) bool {
		chunk, describeErr := m.objects.Describe(entry.chunk.Cookie)
		if describeErr != nil {
			err = errors.Wrapf(describeErr, "the chunk held for a backend as %s is not allocated", cookie)
			return true
		}
		if chunk != entry.chunk {
			err = errors.Newf("the chunk held for a backend as %s expects %+v, but the object space describes %+v", cookie, entry.chunk, chunk)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	var stats Statistics
	m.calculateStatistics(&stats)

	if held := stats.LiveObjects + stats.HostChunks; stats.Kinds[memutils.KindObjects].Allocations < held {
		return errors.Newf("the object space lists %d allocated chunks, but the manager holds %d",
			stats.Kinds[memutils.KindObjects].Allocations, held)
	}

	liveSlots := stats.LiveObjects + stats.IssuedSlots + stats.ReservedSlots
	if stats.Kinds[memutils.KindSlots].Allocations < liveSlots {
		return errors.Newf("the slot space lists %d allocated slots, but the manager holds %d",
			stats.Kinds[memutils.KindSlots].Allocations, liveSlots)
	}

	var remaining, pending int
	m.reservations.Iter(func(key uint64, reservation *Reservation) bool {
		if !reservation.open || reservation.space != m.objects {
			err = errors.Newf("reservation %d is tracked but not open in the current object space", key)
			return true
		}
		remaining += reservation.remaining
		return false
	})
	if err != nil {
		return err
	}
	pending = stats.Kinds[memutils.KindObjects].ReservedChunks
	if remaining != pending {
		return errors.Newf("reservations promise %d chunks, but the object space holds %d pending", remaining, pending)
	}

	for _, backend := range []any{m.slots, m.objects, m.bookkeeping, m.pool} {
		if validatable, ok := backend.(memutils.Validatable); ok {
			err = validatable.Validate()
			if err != nil {
				return err
			}
		}
	}

	return nil
}
