package utils

import "github.com/cockroachdb/errors"

// Scope collects the undo steps of a multi-step operation. Steps are undone in the reverse
// order they were registered.
type Scope struct {
	undo      []func() error
	committed bool
}

// OnRollback registers a step to run if the scope is rolled back
func (s *Scope) OnRollback(undo func() error) {
	s.undo = append(s.undo, undo)
}

// Commit discards all registered steps
func (s *Scope) Commit() {
	s.committed = true
	s.undo = nil
}

// Rollback runs every registered step, even if some of them fail, and returns the combined
// failures. It does nothing once the scope is committed.
func (s *Scope) Rollback() error {
	if s.committed {
		return nil
	}

	var err error
	for i := len(s.undo) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, s.undo[i]())
	}
	s.undo = nil
	return err
}
