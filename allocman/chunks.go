package allocman

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/allocman/memutils"
	"golang.org/x/exp/slog"
)

// hostChunk is a chunk the manager obtained on behalf of a backend, either handed out through
// the Host or held in an object reserve. cookie is the cookie the backend was given; chunk names
// the chunk in the object space that currently owns it, which differs from cookie once the chunk
// has been migrated to an attached object space.
type hostChunk struct {
	cookie memutils.Cookie
	chunk  memutils.Chunk
	path   memutils.Path
	live   bool
}

func (c *hostChunk) handle() memutils.Chunk {
	chunk := c.chunk
	chunk.Cookie = c.cookie
	return chunk
}

// objectReserve holds chunks of one type and class set aside for backends that need a chunk
// while the object space is busy
type objectReserve struct {
	objType memutils.ObjectType
	class   memutils.SizeClass
	target  int
	chunks  []*hostChunk
}

func (m *Manager) allocChunk(objType memutils.ObjectType, class memutils.SizeClass, useReserve bool) (*hostChunk, error) {
	props := m.objects.Properties()
	if !props.CanAllocate(m.allocDepth[memutils.KindObjects], m.freeDepth[memutils.KindObjects]) {
		if useReserve {
			return m.takeReservedChunk(objType, class)
		}
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "the object space is busy")
	}

	m.allocDepth[memutils.KindObjects]++
	cookie, err := m.objects.Allocate(m.host, objType, class)
	m.allocDepth[memutils.KindObjects]--
	if err == nil {
		var chunk memutils.Chunk
		chunk, err = m.objects.Describe(cookie)
		if err == nil {
			entry := &hostChunk{cookie: cookie, chunk: chunk}
			m.hostChunks.Put(cookie, entry)
			return entry, nil
		}

		freeErr := m.freeChunk(memutils.Chunk{Cookie: cookie})
		if freeErr != nil {
			m.logError("failed to free an undescribed chunk", freeErr)
		}
	}

	if useReserve {
		reserved, reserveErr := m.takeReservedChunk(objType, class)
		if reserveErr == nil {
			return reserved, nil
		}
	}

	return nil, m.resourceError(memutils.KindObjects, memutils.ErrOutOfMemory, err, "failed to allocate a chunk for a backend")
}

// freeChunk returns a chunk to the object space, or queues it while the object space is busy
func (m *Manager) freeChunk(chunk memutils.Chunk) error {
	props := m.objects.Properties()
	if !props.CanFree(m.allocDepth[memutils.KindObjects], m.freeDepth[memutils.KindObjects]) {
		m.deferChunk(chunk)
		return nil
	}

	m.freeDepth[memutils.KindObjects]++
	err := m.objects.Free(m.host, chunk.Cookie)
	m.freeDepth[memutils.KindObjects]--
	return err
}

func (m *Manager) releaseChunk(entry *hostChunk) error {
	m.hostChunks.Delete(entry.cookie)
	return m.freeChunk(entry.chunk)
}

// allocHostChunk carves a chunk for a backend and materializes an object of objType in it,
// addressed by slot
func (m *Manager) allocHostChunk(objType memutils.ObjectType, class memutils.SizeClass, slot memutils.Slot) (memutils.Chunk, error) {
	entry, err := m.allocChunk(objType, class, m.watermarkEnabled())
	if err != nil {
		return memutils.Chunk{}, err
	}

	path := m.slots.MakePath(slot)
	err = m.kernel.Materialize(entry.chunk, path)
	if err != nil {
		releaseErr := m.releaseChunk(entry)
		if releaseErr != nil {
			m.logError("failed to release the chunk of a backend object that was never created", releaseErr)
		}
		return memutils.Chunk{}, memutils.WithKind(memutils.ErrCreationFailed, err, "failed to materialize a backend object")
	}

	entry.path = path
	entry.live = true
	return entry.handle(), nil
}

// freeHostChunk destroys an object made by allocHostChunk and returns its chunk. If the kernel
// refuses, the chunk stays allocated.
func (m *Manager) freeHostChunk(chunk memutils.Chunk) error {
	entry, ok := m.hostChunks.Get(chunk.Cookie)
	if !ok || !entry.live {
		return errors.Wrapf(memutils.ErrDoubleFree, "%s was not handed to a backend", chunk.Cookie)
	}

	err := m.kernel.RevokeAndDestroy(entry.path, entry.chunk)
	if err != nil {
		return memutils.WithKind(memutils.ErrRevokeFailed, err, "failed to destroy a backend object")
	}

	entry.live = false
	return m.releaseChunk(entry)
}

func (m *Manager) deferChunk(chunk memutils.Chunk) {
	if len(m.deferredChunks) >= m.deferLimits[memutils.KindObjects] {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "deferred chunk queue is full, leaking chunk",
			slog.Uint64("addr", chunk.Addr), slog.Int("bytes", chunk.Bytes))
		return
	}
	m.deferredChunks = append(m.deferredChunks, chunk)
}

func (m *Manager) takeReservedChunk(objType memutils.ObjectType, class memutils.SizeClass) (*hostChunk, error) {
	if !m.watermarkEnabled() {
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "the object space is busy and the watermark is disabled")
	}

	for _, reserve := range m.objectReserves {
		if reserve.objType != objType || reserve.class != class || len(reserve.chunks) == 0 {
			continue
		}

		last := len(reserve.chunks) - 1
		entry := reserve.chunks[last]
		reserve.chunks = reserve.chunks[:last]
		m.usedReserve = true
		return entry, nil
	}

	return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no object reserve holds a chunk of type %d and class %d", objType, class)
}

// ConfigureObjectReserve sets the number of chunks of the given type and class held back for
// backends that need a chunk while the object space cannot be entered. A count of zero removes
// the reserve for that type and class.
func (m *Manager) ConfigureObjectReserve(objType memutils.ObjectType, class memutils.SizeClass, count int) error {
	err := m.enter("Manager::ConfigureObjectReserve", "type", objType, "class", class, "count", count)
	if err != nil {
		return err
	}
	defer m.exit()

	if count < 0 || class > memutils.MaxSizeClass {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot reserve %d chunks of class %d", count, class)
	}

	index := -1
	for i, reserve := range m.objectReserves {
		if reserve.objType == objType && reserve.class == class {
			index = i
			break
		}
	}

	if index < 0 {
		if count == 0 {
			return nil
		}
		index = len(m.objectReserves)
		m.objectReserves = append(m.objectReserves, &objectReserve{objType: objType, class: class})
	}

	reserve := m.objectReserves[index]
	reserve.target = count
	m.trimObjectReserve(reserve)

	if count == 0 {
		m.objectReserves = append(m.objectReserves[:index], m.objectReserves[index+1:]...)
	}

	return nil
}

func (m *Manager) trimObjectReserve(reserve *objectReserve) {
	for len(reserve.chunks) > reserve.target {
		last := len(reserve.chunks) - 1
		entry := reserve.chunks[last]
		reserve.chunks = reserve.chunks[:last]

		err := m.releaseChunk(entry)
		if err != nil {
			m.logError("failed to free surplus reserve chunk", err)
		}
	}
}

func (m *Manager) reservedObjectCount() int {
	var count int
	for _, reserve := range m.objectReserves {
		count += len(reserve.chunks)
	}
	return count
}
