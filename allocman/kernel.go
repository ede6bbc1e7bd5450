package allocman

import "github.com/vkngwrapper/allocman/memutils"

//go:generate mockgen -source kernel.go -destination ./mocks/kernel.go -package mocks

// Kernel is the collaborator that turns chunks of untyped memory into live kernel objects.
// The manager calls it exactly once per successful composite allocation and once per free.
type Kernel interface {
	// Materialize retypes chunk into an object of chunk.Type, placing the capability to it at path
	Materialize(chunk memutils.Chunk, path memutils.Path) error
	// RevokeAndDestroy revokes every capability derived from path and destroys the object,
	// leaving chunk free to be retyped again
	RevokeAndDestroy(path memutils.Path, chunk memutils.Chunk) error
}
