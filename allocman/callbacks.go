package allocman

import "github.com/vkngwrapper/allocman/memutils"

type AllocateObjectCallback func(
	manager *Manager,
	path memutils.Path,
	chunk memutils.Chunk,
	userData any,
)

type FreeObjectCallback func(
	manager *Manager,
	path memutils.Path,
	chunk memutils.Chunk,
	userData any,
)

// ObjectCallbackOptions is an optional set of callbacks invoked after each successful
// AllocateObject and FreeObject. They run while the manager is still busy, so they must not
// call back into it.
type ObjectCallbackOptions struct {
	Allocate AllocateObjectCallback
	Free     FreeObjectCallback
	UserData any
}

type objectCallbacks struct {
	Callbacks *ObjectCallbackOptions
	Manager   *Manager
}

func (c *objectCallbacks) Allocate(path memutils.Path, chunk memutils.Chunk) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Manager, path, chunk, c.Callbacks.UserData)
	}
}

func (c *objectCallbacks) Free(path memutils.Path, chunk memutils.Chunk) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Manager, path, chunk, c.Callbacks.UserData)
	}
}
