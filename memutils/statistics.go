package memutils

import "math"

// Statistics summarizes the state of a single backend. For slot spaces the byte counters
// stay zero and Capacity counts slots; for object and bookkeeping spaces Capacity is in bytes.
type Statistics struct {
	Capacity       int
	Allocations    int
	AllocatedBytes int
	Reservations   int
	ReservedChunks int
	ReservedBytes  int
}

func (s *Statistics) Clear() {
	s.Capacity = 0
	s.Allocations = 0
	s.AllocatedBytes = 0
	s.Reservations = 0
	s.ReservedChunks = 0
	s.ReservedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.Capacity += other.Capacity
	s.Allocations += other.Allocations
	s.AllocatedBytes += other.AllocatedBytes
	s.Reservations += other.Reservations
	s.ReservedChunks += other.ReservedChunks
	s.ReservedBytes += other.ReservedBytes
}

// DetailedStatistics adds the shape of the free and used regions of a byte arena
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.Allocations++
	s.AllocatedBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}
