package allocman

// State describes how far a manager has progressed from its bootstrap resources toward
// fully attached backends
type State int32

const (
	// StateUninitialized is the state of a manager that has not yet been given its bootstrap pool
	StateUninitialized State = iota
	// StateBootstrapActive indicates that every resource kind is still served by the bootstrap mechanism
	StateBootstrapActive
	// StatePartiallyAttached indicates that at least one, but not every, resource kind has an attached backend
	StatePartiallyAttached
	// StateFullyAttached indicates that every resource kind has an attached backend and the bootstrap pool is retired
	StateFullyAttached
)

var stateMapping = map[State]string{
	StateUninitialized:     "Uninitialized",
	StateBootstrapActive:   "BootstrapActive",
	StatePartiallyAttached: "PartiallyAttached",
	StateFullyAttached:     "FullyAttached",
}

func (s State) String() string {
	return stateMapping[s]
}
