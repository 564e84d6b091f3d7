package callsession

import "sync/atomic"

// TerminationGuard marks the irreversible teardown of a session. It is the only
// piece of session state read outside the executor.
type TerminationGuard struct {
	set atomic.Bool
}

// Set marks the guard. It reports true only for the single caller that
// observed the transition; every later call is a no-op returning false.
func (g *TerminationGuard) Set() bool {
	return g.set.CompareAndSwap(false, true)
}

func (g *TerminationGuard) IsSet() bool {
	return g.set.Load()
}
