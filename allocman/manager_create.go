package allocman

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateDisableWatermark turns off the watermark reserves: nested requests that a busy backend
	// cannot serve fail instead of drawing on reserved resources, and the reserves are never refilled
	CreateDisableWatermark CreateFlags = 1 << iota
	// CreateValidateEachOperation runs Validate after every public operation and panics if it
	// fails. It is meant for tests and debugging.
	CreateValidateEachOperation
)

func init() {
	CreateDisableWatermark.Register("CreateDisableWatermark")
	CreateValidateEachOperation.Register("CreateValidateEachOperation")
}

const (
	// DefaultObjectRecordBytes is the bookkeeping charged for each live object when none is
	// provided via CreateOptions
	DefaultObjectRecordBytes int = 32
	// DefaultMaxDeferredFrees bounds each queue of frees that are waiting for a busy backend when
	// no bound is provided via CreateOptions. Frees past the bound are leaked.
	DefaultMaxDeferredFrees int = 64
	// maxRefillPasses bounds the number of times the reserves are topped up at the end of a
	// single operation
	maxRefillPasses int = 4
	// maxDrainPasses bounds the number of times the deferred frees are retried in one drain
	maxDrainPasses int = 8
)

// CreateOptions contains optional settings when creating a manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// MinChunkBits is the log2 of the size in bytes of a class 0 chunk carved by the bootstrap
	// object space. It defaults to memutils.DefaultMinChunkBits.
	MinChunkBits int
	// ObjectRecordBytes is the amount of bookkeeping memory charged for every live object. It
	// must be large enough to hold the record the manager writes there, and defaults to
	// DefaultObjectRecordBytes.
	ObjectRecordBytes int
	// Callbacks is an optional set of callbacks executed when objects are allocated and freed
	Callbacks *ObjectCallbackOptions

	// MaxDeferredSlots bounds the queue of slot frees waiting for a busy slot space. It defaults
	// to DefaultMaxDeferredFrees.
	MaxDeferredSlots int
	// MaxDeferredChunks bounds the queue of chunk frees waiting for a busy object space. It
	// defaults to DefaultMaxDeferredFrees.
	MaxDeferredChunks int
	// MaxDeferredMemory bounds the queue of bookkeeping frees waiting for a busy bookkeeping
	// space. It defaults to DefaultMaxDeferredFrees.
	MaxDeferredMemory int
}

// New creates a new, uninitialized Manager. Init must be called before any other method.
//
// logger - Receives debug output for every public operation. May be nil.
//
// kernel - Materializes and destroys kernel objects on behalf of the manager
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, kernel Kernel, options CreateOptions) (*Manager, error) {
	if kernel == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a kernel collaborator is required")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	manager := &Manager{
		logger:       logger,
		kernel:       kernel,
		createFlags:  options.Flags,
		minChunkBits: options.MinChunkBits,
		recordBytes:  options.ObjectRecordBytes,

		records:      swiss.NewMap[memutils.Path, *objectRecord](64),
		issuedSlots:  swiss.NewMap[memutils.Path, memutils.Slot](16),
		hostChunks:   swiss.NewMap[memutils.Cookie, *hostChunk](8),
		reservations: swiss.NewMap[uint64, *Reservation](8),
	}

	if manager.minChunkBits == 0 {
		manager.minChunkBits = memutils.DefaultMinChunkBits
	}
	if manager.minChunkBits < 0 || manager.minChunkBits > 40 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "min chunk bits %d is out of range", options.MinChunkBits)
	}

	if manager.recordBytes == 0 {
		manager.recordBytes = DefaultObjectRecordBytes
	}
	if manager.recordBytes < objectRecordLayoutBytes {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "object records need at least %d bytes, not %d", objectRecordLayoutBytes, manager.recordBytes)
	}

	limits := [memutils.KindCount]int{
		memutils.KindSlots:       options.MaxDeferredSlots,
		memutils.KindObjects:     options.MaxDeferredChunks,
		memutils.KindBookkeeping: options.MaxDeferredMemory,
	}
	for kind, limit := range limits {
		if limit < 0 {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "the %s deferred free limit %d is negative", memutils.Kind(kind), limit)
		}
		if limit == 0 {
			limit = DefaultMaxDeferredFrees
		}
		manager.deferLimits[kind] = limit
	}

	manager.callbacks = objectCallbacks{
		Callbacks: options.Callbacks,
		Manager:   manager,
	}

	manager.host = &backendHost{manager: manager}

	return manager, nil
}
