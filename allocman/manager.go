package allocman

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/allocman/allocman/internal/utils"
	"github.com/vkngwrapper/allocman/memutils"
	"golang.org/x/exp/slog"
)

// Manager coordinates a slot space, an object space and a bookkeeping space to hand out live
// kernel objects. It starts out serving every kind from the resources passed to Init, and
// richer backends can be attached for each kind later.
//
// A Manager is not safe for concurrent use. Every public method fails immediately with
// memutils.ErrReentrant if another one is already in progress, including calls made from
// callbacks or backends while the manager is busy.
type Manager struct {
	logger       *slog.Logger
	kernel       Kernel
	createFlags  CreateFlags
	minChunkBits int
	recordBytes  int
	callbacks    objectCallbacks

	guard utils.Guard
	state State
	host  *backendHost

	pool        *BootstrapPool
	bootSlots   *bootstrapSlots
	bootObjects *bootstrapObjects

	slots       memutils.SlotSpace
	objects     memutils.ObjectSpace
	bookkeeping memutils.BookkeepingSpace
	attached    [memutils.KindCount]bool
	allocDepth  [memutils.KindCount]int
	freeDepth   [memutils.KindCount]int

	records         *swiss.Map[memutils.Path, *objectRecord]
	issuedSlots     *swiss.Map[memutils.Path, memutils.Slot]
	hostChunks      *swiss.Map[memutils.Cookie, *hostChunk]
	reservations    *swiss.Map[uint64, *Reservation]
	lastReservation uint64

	slotReserve    slotReserve
	memoryReserves []*memoryReserve
	objectReserves []*objectReserve
	usedReserve    bool

	deferLimits    [memutils.KindCount]int
	deferredSlots  []memutils.Slot
	deferredMemory []memutils.Memory
	deferredChunks []memutils.Chunk
}

// Init hands the manager its bootstrap pool and the resources the environment started the
// program with. Until backends are attached, every kind is served from these.
func (m *Manager) Init(pool *BootstrapPool, resources InitialResources) error {
	if !m.guard.TryAcquire() {
		return errors.Wrap(memutils.ErrReentrant, "Init called while another operation is in progress")
	}
	defer m.guard.Release()

	m.logger.Debug("Manager::Init")

	if m.state != StateUninitialized {
		return errors.Wrap(memutils.ErrAlreadyAttached, "manager was already initialized")
	}

	if pool == nil {
		return errors.Wrap(memutils.ErrInvalidArgument, "a bootstrap pool is required")
	}
	if pool.Retired() {
		return errors.Wrap(memutils.ErrInvalidArgument, "the bootstrap pool was retired by another manager")
	}
	if resources.EndSlot < resources.FirstFreeSlot {
		return errors.Wrapf(memutils.ErrInvalidArgument, "initial slot range [%d, %d) is inverted", resources.FirstFreeSlot, resources.EndSlot)
	}
	for _, region := range resources.Untyped {
		if region.Bytes <= 0 || region.End() < region.Base {
			return errors.Wrapf(memutils.ErrInvalidArgument, "untyped region at %#x of %d bytes is malformed", region.Base, region.Bytes)
		}
	}

	m.pool = pool
	m.bootSlots = newBootstrapSlots(resources)
	m.bootObjects = newBootstrapObjects(resources.Untyped, m.minChunkBits)

	m.slots = m.bootSlots
	m.objects = m.bootObjects
	m.bookkeeping = m.pool
	m.state = StateBootstrapActive

	return nil
}

// State returns the lifecycle state of the manager
func (m *Manager) State() State {
	return m.state
}

// enter begins a root operation
func (m *Manager) enter(operation string, args ...any) error {
	if !m.guard.TryAcquire() {
		return errors.Wrapf(memutils.ErrReentrant, "%s called while another operation is in progress", operation)
	}

	if m.state == StateUninitialized {
		m.guard.Release()
		return errors.Wrapf(memutils.ErrUninitialized, "%s called before Init", operation)
	}

	m.logger.Debug(operation, args...)
	return nil
}

// exit ends a root operation: queued frees are drained and the reserves are topped up
// before the guard is released
func (m *Manager) exit() {
	m.drainDeferred()

	if m.createFlags&CreateDisableWatermark == 0 {
		_, err := m.refill()
		if err != nil {
			m.logger.Debug("reserves could not be refilled", slog.Any("error", err))
		}
	}

	if m.createFlags&CreateValidateEachOperation != 0 {
		err := m.validate()
		if err != nil {
			m.guard.Release()
			panic(errors.Wrap(err, "manager failed validation"))
		}
	}

	m.guard.Release()
}

func (m *Manager) logError(msg string, err error, attrs ...slog.Attr) {
	m.logger.LogAttrs(context.Background(), slog.LevelError, msg, append(attrs, slog.Any("error", err))...)
}

func (m *Manager) updateState() {
	var count int
	for _, attached := range m.attached {
		if attached {
			count++
		}
	}

	switch count {
	case 0:
		m.state = StateBootstrapActive
	case memutils.KindCount:
		m.state = StateFullyAttached
		m.pool.retired = true
	default:
		m.state = StatePartiallyAttached
	}
}

// resourceError roots a backend failure on exactly one sentinel. Exhaustion of a kind that is
// still served by the bootstrap mechanism is reported as memutils.ErrBootstrapExhausted. An
// attached backend that ran out of anything, including the resources it needs from the Host,
// reports sentinel with the exhaustion attached as the cause. Other failures keep their kind.
func (m *Manager) resourceError(kind memutils.Kind, sentinel error, cause error, msg string) error {
	if !m.attached[kind] && errors.Is(cause, sentinel) {
		return memutils.WithKind(memutils.ErrBootstrapExhausted, cause, msg)
	}

	switch memutils.KindOf(cause) {
	case nil, memutils.ErrOutOfSlots, memutils.ErrOutOfMemory, memutils.ErrBootstrapExhausted, memutils.ErrInsufficientCapacity:
		return memutils.WithKind(sentinel, cause, msg)
	}

	return errors.Wrap(cause, msg)
}

func (m *Manager) watermarkEnabled() bool {
	return m.createFlags&CreateDisableWatermark == 0
}

func (m *Manager) allocSlot(useReserve bool) (memutils.Slot, error) {
	props := m.slots.Properties()
	if !props.CanAllocate(m.allocDepth[memutils.KindSlots], m.freeDepth[memutils.KindSlots]) {
		if useReserve {
			return m.takeReservedSlot()
		}
		return 0, errors.Wrap(memutils.ErrOutOfSlots, "the slot space is busy")
	}

	m.allocDepth[memutils.KindSlots]++
	slot, err := m.slots.Allocate(m.host)
	m.allocDepth[memutils.KindSlots]--
	if err == nil {
		return slot, nil
	}

	if useReserve {
		reserved, reserveErr := m.takeReservedSlot()
		if reserveErr == nil {
			return reserved, nil
		}
	}

	return 0, m.resourceError(memutils.KindSlots, memutils.ErrOutOfSlots, err, "failed to allocate a slot")
}

func (m *Manager) freeSlot(slot memutils.Slot) error {
	props := m.slots.Properties()
	if !props.CanFree(m.allocDepth[memutils.KindSlots], m.freeDepth[memutils.KindSlots]) {
		m.deferSlot(slot)
		return nil
	}

	m.freeDepth[memutils.KindSlots]++
	err := m.slots.Free(m.host, slot)
	m.freeDepth[memutils.KindSlots]--
	return err
}

func (m *Manager) allocBookkeeping(bytes int, useReserve bool) (memutils.Memory, error) {
	props := m.bookkeeping.Properties()
	if !props.CanAllocate(m.allocDepth[memutils.KindBookkeeping], m.freeDepth[memutils.KindBookkeeping]) {
		if useReserve {
			return m.takeReservedMemory(bytes)
		}
		return memutils.Memory{}, errors.Wrap(memutils.ErrOutOfMemory, "the bookkeeping space is busy")
	}

	m.allocDepth[memutils.KindBookkeeping]++
	mem, err := m.bookkeeping.Allocate(m.host, bytes)
	m.allocDepth[memutils.KindBookkeeping]--
	if err == nil {
		return mem, nil
	}

	if useReserve {
		reserved, reserveErr := m.takeReservedMemory(bytes)
		if reserveErr == nil {
			return reserved, nil
		}
	}

	return memutils.Memory{}, m.resourceError(memutils.KindBookkeeping, memutils.ErrOutOfMemory, err, "failed to allocate bookkeeping memory")
}

// freeBookkeeping returns memory to whichever space issued it. Memory from the bootstrap
// pool always goes back to the pool, even after a bookkeeping space has been attached.
func (m *Manager) freeBookkeeping(mem memutils.Memory) error {
	if mem.Origin == m.pool.Origin() {
		return m.pool.Free(m.host, mem)
	}

	props := m.bookkeeping.Properties()
	if !props.CanFree(m.allocDepth[memutils.KindBookkeeping], m.freeDepth[memutils.KindBookkeeping]) {
		m.deferMemory(mem)
		return nil
	}

	m.freeDepth[memutils.KindBookkeeping]++
	err := m.bookkeeping.Free(m.host, mem)
	m.freeDepth[memutils.KindBookkeeping]--
	return err
}

func (m *Manager) deferSlot(slot memutils.Slot) {
	if len(m.deferredSlots) >= m.deferLimits[memutils.KindSlots] {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "deferred slot queue is full, leaking slot",
			slog.Uint64("slot", uint64(slot)))
		return
	}
	m.deferredSlots = append(m.deferredSlots, slot)
}

func (m *Manager) deferMemory(mem memutils.Memory) {
	if len(m.deferredMemory) >= m.deferLimits[memutils.KindBookkeeping] {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "deferred bookkeeping queue is full, leaking memory",
			slog.Int("bytes", len(mem.Bytes)))
		return
	}
	m.deferredMemory = append(m.deferredMemory, mem)
}

func (m *Manager) deferredCount() int {
	return len(m.deferredSlots) + len(m.deferredMemory) + len(m.deferredChunks)
}

// drainDeferred retries the frees that were queued while a backend was busy. A free that is
// still not permitted goes back on the queue, and frees queued by the retries themselves are
// picked up by the next pass.
func (m *Manager) drainDeferred() {
	for pass := 0; pass < maxDrainPasses && m.deferredCount() > 0; pass++ {
		chunks := m.deferredChunks
		m.deferredChunks = nil
		for _, chunk := range chunks {
			err := m.freeChunk(chunk)
			if err != nil {
				m.logError("failed to free deferred chunk", err, slog.Uint64("addr", chunk.Addr))
			}
		}

		slots := m.deferredSlots
		m.deferredSlots = nil
		for _, slot := range slots {
			err := m.freeSlot(slot)
			if err != nil {
				m.logError("failed to free deferred slot", err, slog.Uint64("slot", uint64(slot)))
			}
		}

		memory := m.deferredMemory
		m.deferredMemory = nil
		for _, mem := range memory {
			err := m.freeBookkeeping(mem)
			if err != nil {
				m.logError("failed to free deferred bookkeeping memory", err)
			}
		}
	}
}

// backendHost is the Host handed to backends. Requests made through it never touch the
// reentrancy guard: they are part of the operation that is already in progress.
type backendHost struct {
	manager *Manager
}

var _ memutils.Host = &backendHost{}

func (h *backendHost) AllocBookkeeping(bytes int) (memutils.Memory, error) {
	return h.manager.allocBookkeeping(bytes, h.manager.watermarkEnabled())
}

func (h *backendHost) FreeBookkeeping(mem memutils.Memory) {
	err := h.manager.freeBookkeeping(mem)
	if err != nil {
		h.manager.logError("backend freed bookkeeping memory that could not be released", err)
	}
}

func (h *backendHost) AllocSlot() (memutils.Slot, error) {
	return h.manager.allocSlot(h.manager.watermarkEnabled())
}

func (h *backendHost) FreeSlot(slot memutils.Slot) {
	err := h.manager.freeSlot(slot)
	if err != nil {
		h.manager.logError("backend freed a slot that could not be released", err, slog.Uint64("slot", uint64(slot)))
	}
}

func (h *backendHost) AllocChunk(objType memutils.ObjectType, class memutils.SizeClass, slot memutils.Slot) (memutils.Chunk, error) {
	return h.manager.allocHostChunk(objType, class, slot)
}

func (h *backendHost) FreeChunk(chunk memutils.Chunk) {
	err := h.manager.freeHostChunk(chunk)
	if err != nil {
		h.manager.logError("backend freed a chunk that could not be released", err, slog.Uint64("addr", chunk.Addr))
	}
}
