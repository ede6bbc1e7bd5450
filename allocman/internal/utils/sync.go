package utils

import "sync/atomic"

// Guard is a held/not-held flag. It never blocks: a caller that finds it held is expected to
// fail immediately.
type Guard struct {
	held atomic.Bool
}

// TryAcquire takes the guard and returns true, or returns false if it is already held
func (g *Guard) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

func (g *Guard) Release() {
	g.held.Store(false)
}

func (g *Guard) Held() bool {
	return g.held.Load()
}
