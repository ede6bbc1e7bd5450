package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfSlots is returned when the slot space has no free slot left
	ErrOutOfSlots = errors.New("out of slots")
	// ErrOutOfMemory is returned when the object space (or bookkeeping space) cannot satisfy a request
	ErrOutOfMemory = errors.New("out of memory")
	// ErrBootstrapExhausted is returned when a kind that is still served by the bootstrap mechanism
	// runs dry. It is terminal for that kind until a richer backend is attached.
	ErrBootstrapExhausted = errors.New("bootstrap resources exhausted")
	// ErrInsufficientCapacity is returned when a reservation cannot be created in full
	ErrInsufficientCapacity = errors.New("insufficient capacity for reservation")
	// ErrReentrant is returned when a manager operation is attempted while another one is in flight
	ErrReentrant = errors.New("reentrant manager call")
	// ErrAlreadyAttached is returned when a backend is attached to a kind that already has one
	ErrAlreadyAttached = errors.New("backend already attached")
	// ErrCreationFailed is returned when the kernel fails to materialize an object
	ErrCreationFailed = errors.New("kernel object creation failed")
	// ErrDoubleFree is returned when freeing a resource that is not currently allocated
	ErrDoubleFree = errors.New("double free")

	// ErrUninitialized is returned by every manager operation issued before Init
	ErrUninitialized = errors.New("manager is not initialized")
	// ErrInvalidArgument is returned for malformed requests: unknown reservations, foreign cookies,
	// size classes out of range and the like
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInUse is returned when detaching a backend that still owns live allocations
	ErrInUse = errors.New("resource in use")
	// ErrRevokeFailed is returned when the kernel fails to revoke and destroy an object
	ErrRevokeFailed = errors.New("kernel object revocation failed")
)

var taxonomy = []error{
	ErrOutOfSlots,
	ErrOutOfMemory,
	ErrBootstrapExhausted,
	ErrInsufficientCapacity,
	ErrReentrant,
	ErrAlreadyAttached,
	ErrCreationFailed,
	ErrDoubleFree,
	ErrUninitialized,
	ErrInvalidArgument,
	ErrInUse,
	ErrRevokeFailed,
}

// KindOf returns the sentinel error that err is rooted on, or nil if err does not belong
// to the error taxonomy
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}

// WithKind returns an error rooted on kind. If cause is already rooted on kind it is simply
// wrapped with msg; otherwise cause is kept as a secondary error so that it is still reported
// but no longer participates in errors.Is.
func WithKind(kind error, cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(kind, msg)
	}

	if errors.Is(cause, kind) {
		return errors.Wrap(cause, msg)
	}

	return errors.WithSecondaryError(errors.Wrap(kind, msg), cause)
}
