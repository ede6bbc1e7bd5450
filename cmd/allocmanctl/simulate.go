package main

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/allocman/allocman"
	"github.com/vkngwrapper/allocman/allocman/simkernel"
	"github.com/vkngwrapper/allocman/memutils"
	"github.com/vkngwrapper/allocman/memutils/cspace"
	"github.com/vkngwrapper/allocman/memutils/mspace"
	"github.com/vkngwrapper/allocman/memutils/utspace"
)

const (
	simRoot        memutils.Slot = 1
	simFirstSlot   memutils.Slot = 256
	simLevelOne    uint8         = 4
	simLevelTwo    uint8         = 8
	simUntypedBase uint64        = 0x10000000
	// simNodeType is the object type backing second-level tables. The workload never
	// allocates it.
	simNodeType memutils.ObjectType = 5
	simPageBytes   int           = 4096
)

type simulateOptions struct {
	PoolBytes  int
	Slots      int
	Pages      int
	Operations int
	Seed       int64

	Attach   []string
	AttachAt int
	TwoLevel bool
	Mmap     bool

	HeapBytes        int
	SplitRecordBytes int

	ReserveSlots     int
	ReserveObjects   int
	ReserveBytes     int
	ReserveCount     int
	DisableWatermark bool

	Validate bool
	Detailed bool
	Drain    bool
}

var simOpts simulateOptions

func init() {
	cmd := newSimulateCmd()
	flags := cmd.Flags()
	flags.IntVar(&simOpts.PoolBytes, "pool-bytes", 16*1024, "Size of the bootstrap pool")
	flags.IntVar(&simOpts.Slots, "slots", 256, "Number of free slots handed to the manager at startup")
	flags.IntVar(&simOpts.Pages, "pages", 64, "Number of 4KiB pages of initial untyped memory")
	flags.IntVarP(&simOpts.Operations, "operations", "n", 500, "Number of allocate/free operations to run")
	flags.Int64Var(&simOpts.Seed, "seed", 1, "Seed for the workload")
	flags.StringSliceVar(&simOpts.Attach, "attach", nil, "Backends to attach partway through: bookkeeping, slots, objects")
	flags.IntVar(&simOpts.AttachAt, "attach-at", -1, "Operation at which to attach backends (default: halfway)")
	flags.BoolVar(&simOpts.TwoLevel, "two-level", false, "Attach a two-level slot space instead of a bitmap")
	flags.BoolVar(&simOpts.Mmap, "mmap", false, "Back the attached bookkeeping heap with mapped memory")
	flags.IntVar(&simOpts.HeapBytes, "heap-bytes", 1<<20, "Size of the attached bookkeeping heap")
	flags.IntVar(&simOpts.SplitRecordBytes, "split-record-bytes", 0, "Bookkeeping charged per chunk by the attached object space")
	flags.IntVar(&simOpts.ReserveSlots, "reserve-slots", 0, "Slots held back for busy backends")
	flags.IntVar(&simOpts.ReserveObjects, "reserve-objects", 0, "Second-level node chunks held back for a busy object space")
	flags.IntVar(&simOpts.ReserveBytes, "reserve-bytes", 64, "Size of each bookkeeping allocation held back for busy backends")
	flags.IntVar(&simOpts.ReserveCount, "reserve-count", 0, "Number of bookkeeping allocations held back for busy backends")
	flags.BoolVar(&simOpts.DisableWatermark, "disable-watermark", false, "Disable the reserves for busy backends")
	flags.BoolVar(&simOpts.Validate, "validate", false, "Validate the manager after every operation")
	flags.BoolVar(&simOpts.Detailed, "detailed", false, "Include backend layouts and live objects in the statistics")
	flags.BoolVar(&simOpts.Drain, "drain", false, "Free every object before reporting")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a random allocation workload and print statistics",
		Long: `The simulate command bootstraps a manager, runs a seeded workload of
object allocations, frees and reservations against a simulated kernel, and
prints the manager's statistics as JSON.

Example:
  allocmanctl simulate
  allocmanctl simulate --pages 16 -n 2000 --attach bookkeeping,slots,objects
  allocmanctl simulate --attach slots --two-level --reserve-slots 4 --reserve-objects 1 --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout(), cmd.ErrOrStderr(), simOpts)
		},
	}
	return cmd
}

type simObject struct {
	path   memutils.Path
	cookie memutils.Cookie
}

type simulation struct {
	options  simulateOptions
	manager  *allocman.Manager
	kernel   *simkernel.Kernel
	heap     *mspace.Heap
	resource allocman.InitialResources

	live        []simObject
	reservation *allocman.Reservation

	allocated int
	freed     int
	exhausted int
	attached  []string
}

func (s *simulation) attach() error {
	for _, name := range s.options.Attach {
		var err error
		switch strings.TrimSpace(name) {
		case "bookkeeping":
			err = s.attachBookkeeping()
		case "slots":
			err = s.attachSlots()
		case "objects":
			err = s.attachObjects()
		default:
			return errors.Newf("unknown backend %q (must be bookkeeping, slots, or objects)", name)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to attach %s", name)
		}
		s.attached = append(s.attached, name)
	}
	return nil
}

func (s *simulation) attachBookkeeping() error {
	var arena *mspace.Arena
	if s.options.Mmap {
		var err error
		arena, err = mspace.MapArena(s.options.HeapBytes)
		if err != nil {
			return err
		}
	} else {
		arena = mspace.NewArena(make([]byte, s.options.HeapBytes))
	}

	heap, err := mspace.NewHeap(arena)
	if err != nil {
		return errors.CombineErrors(err, arena.Close())
	}

	err = s.manager.AttachBookkeeping(heap)
	if err != nil {
		return errors.CombineErrors(err, heap.Close())
	}
	s.heap = heap
	return nil
}

func (s *simulation) attachSlots() error {
	if s.options.TwoLevel {
		twoLevel, err := cspace.NewTwoLevel(cspace.TwoLevelOptions{
			Root:         simRoot,
			LevelOneBits: simLevelOne,
			LevelTwoBits: simLevelTwo,
			FirstIndex:   int(simFirstSlot >> simLevelTwo),
			NodeType:     simNodeType,
		})
		if err != nil {
			return err
		}
		return s.manager.AttachSlotSpace(twoLevel)
	}

	end := simFirstSlot + memutils.Slot(4*s.options.Slots)
	if limit := memutils.Slot(1) << (simLevelOne + simLevelTwo); end > limit {
		end = limit
	}
	bitmap, err := cspace.NewBitmap(cspace.BitmapOptions{
		Root:      simRoot,
		Depth:     simLevelOne + simLevelTwo,
		FirstSlot: simFirstSlot,
		EndSlot:   end,
	})
	if err != nil {
		return err
	}
	return s.manager.AttachSlotSpace(bitmap)
}

func (s *simulation) attachObjects() error {
	split, err := utspace.NewSplit(utspace.SplitOptions{
		Regions:     s.resource.Untyped,
		RecordBytes: s.options.SplitRecordBytes,
	})
	if err != nil {
		return err
	}
	return s.manager.AttachObjectSpace(split)
}

// isExhaustion reports whether err only means the manager ran out of something, which the
// workload tolerates
func isExhaustion(err error) bool {
	switch memutils.KindOf(err) {
	case memutils.ErrBootstrapExhausted, memutils.ErrOutOfMemory, memutils.ErrOutOfSlots, memutils.ErrInsufficientCapacity:
		return true
	}
	return false
}

func (s *simulation) step(rng *rand.Rand) error {
	roll := rng.Intn(20)

	switch {
	case roll == 0 && s.reservation == nil:
		reservation, err := s.manager.Reserve(1, 0, 4)
		if isExhaustion(err) {
			s.exhausted++
			return nil
		}
		if err != nil {
			return err
		}
		s.reservation = reservation
		return nil

	case roll == 1 && s.reservation != nil:
		err := s.manager.Release(s.reservation)
		s.reservation = nil
		return err

	case roll < 12 || len(s.live) == 0:
		objType := memutils.ObjectType(rng.Intn(4) + 1)
		class := memutils.SizeClass(rng.Intn(3))
		reservation := s.reservation
		if objType != 1 || class != 0 {
			reservation = nil
		}

		path, cookie, err := s.manager.AllocateObject(objType, class, reservation)
		if isExhaustion(err) {
			s.exhausted++
			return nil
		}
		if err != nil {
			return err
		}
		s.live = append(s.live, simObject{path: path, cookie: cookie})
		s.allocated++
		return nil

	default:
		index := rng.Intn(len(s.live))
		return s.free(index)
	}
}

func (s *simulation) free(index int) error {
	object := s.live[index]
	err := s.manager.FreeObject(object.path, object.cookie)
	if err != nil {
		return err
	}

	last := len(s.live) - 1
	s.live[index] = s.live[last]
	s.live = s.live[:last]
	s.freed++
	return nil
}

func (s *simulation) drain() error {
	for len(s.live) > 0 {
		err := s.free(len(s.live) - 1)
		if err != nil {
			return err
		}
	}

	if s.reservation != nil {
		err := s.manager.Release(s.reservation)
		s.reservation = nil
		return err
	}
	return nil
}

func newSimulation(options simulateOptions) (*simulation, error) {
	if options.Slots <= 0 || simFirstSlot+memutils.Slot(options.Slots) > memutils.Slot(1)<<(simLevelOne+simLevelTwo) {
		return nil, errors.Newf("slot count %d does not fit the simulated namespace", options.Slots)
	}
	if options.Pages <= 0 {
		return nil, errors.Newf("page count %d must be positive", options.Pages)
	}

	var flags allocman.CreateFlags
	if options.DisableWatermark {
		flags |= allocman.CreateDisableWatermark
	}
	if options.Validate {
		flags |= allocman.CreateValidateEachOperation
	}

	kernel := simkernel.New()
	manager, err := allocman.New(newLogger(), kernel, allocman.CreateOptions{Flags: flags})
	if err != nil {
		return nil, err
	}

	pool, err := allocman.NewBootstrapPool(make([]byte, options.PoolBytes))
	if err != nil {
		return nil, err
	}

	resources := allocman.InitialResources{
		Root:          simRoot,
		Depth:         simLevelOne + simLevelTwo,
		FirstFreeSlot: simFirstSlot,
		EndSlot:       simFirstSlot + memutils.Slot(options.Slots),
		Untyped: []memutils.Region{
			{Base: simUntypedBase, Bytes: options.Pages * simPageBytes},
		},
	}
	err = manager.Init(pool, resources)
	if err != nil {
		return nil, err
	}

	if options.ReserveSlots > 0 {
		err = manager.ConfigureSlotReserve(options.ReserveSlots)
		if err != nil {
			return nil, err
		}
	}
	if options.ReserveObjects > 0 {
		err = manager.ConfigureObjectReserve(simNodeType, 0, options.ReserveObjects)
		if err != nil {
			return nil, err
		}
	}
	if options.ReserveCount > 0 {
		err = manager.ConfigureBookkeepingReserve(options.ReserveBytes, options.ReserveCount)
		if err != nil {
			return nil, err
		}
	}

	return &simulation{
		options:  options,
		manager:  manager,
		kernel:   kernel,
		resource: resources,
	}, nil
}

func runSimulate(out io.Writer, info io.Writer, options simulateOptions) error {
	sim, err := newSimulation(options)
	if err != nil {
		return err
	}
	defer func() {
		if sim.heap != nil {
			_ = sim.heap.Close()
		}
	}()

	attachAt := options.AttachAt
	if attachAt < 0 {
		attachAt = options.Operations / 2
	}

	rng := rand.New(rand.NewSource(options.Seed))
	for op := 0; op < options.Operations; op++ {
		if op == attachAt && len(options.Attach) > 0 {
			err = sim.attach()
			if err != nil {
				return err
			}
		}

		err = sim.step(rng)
		if err != nil {
			return errors.Wrapf(err, "operation %d failed", op)
		}
	}

	if options.Drain {
		err = sim.drain()
		if err != nil {
			return errors.Wrap(err, "failed to drain the workload")
		}
	}

	err = sim.manager.Validate()
	if err != nil {
		return errors.Wrap(err, "manager is inconsistent after the workload")
	}

	printInfo(info, "state: %s\n", sim.manager.State())
	printInfo(info, "attached: %s\n", strings.Join(sim.attached, ","))
	printInfo(info, "allocated %d, freed %d, exhausted %d, kernel objects %d\n",
		sim.allocated, sim.freed, sim.exhausted, sim.kernel.Occupied())

	stats, err := sim.manager.BuildStatsString(options.Detailed)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, stats)
	return err
}
