// Package portalloc implements the per-compute port allocator (spec.md
// §4.1): reservations of TCP console ports and UDP tunnel ports from
// configured ranges, plus MarkExternallyHeld for ports a compute
// reports in use. Nothing in this package calls MarkExternallyHeld on
// its own; reconciliation happens only where a caller invokes it.
package portalloc

import (
	"fmt"
	"sync"
)

// Allocator reserves ports from a fixed range for one compute. Every
// method is safe for concurrent use; the allocator is the single mutex
// boundary for one compute's ports (spec.md §5: "the port allocator is
// behind a compute-scoped mutex").
type Allocator struct {
	mu   sync.Mutex
	min  int
	max  int
	used map[int]ownerState
}

type ownerState int

const (
	stateFree ownerState = iota
	stateReserved
	stateExternal
)

// New creates an allocator over the inclusive range [min, max].
func New(min, max int) *Allocator {
	return &Allocator{
		min:  min,
		max:  max,
		used: make(map[int]ownerState),
	}
}

// ErrNoPortAvailable is returned when a range is exhausted.
var ErrNoPortAvailable = fmt.Errorf("no-port-available")

// Reserve returns the smallest free port in the range, or
// ErrNoPortAvailable if the range is exhausted.
func (a *Allocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.min; p <= a.max; p++ {
		if a.used[p] == stateFree {
			a.used[p] = stateReserved
			return p, nil
		}
	}
	return 0, ErrNoPortAvailable
}

// ReserveSpecific reserves a specific port, failing if it is already
// taken (whether by an explicit reservation or an externally-held port).
func (a *Allocator) ReserveSpecific(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return fmt.Errorf("port %d out of range [%d,%d]", port, a.min, a.max)
	}
	if a.used[port] != stateFree {
		return fmt.Errorf("port %d already in use", port)
	}
	a.used[port] = stateReserved
	return nil
}

// Release frees a previously reserved port. Releasing a free or unknown
// port is a no-op (matches teardown paths that release defensively). An
// externally held port is left untouched — it didn't come from this
// allocator's own Reserve/ReserveSpecific, so a teardown path calling
// Release can't be the one that's entitled to free it; only
// ForceRelease, called when the owning node or link is actually deleted,
// does that (spec.md §4.1).
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used[port] == stateExternal {
		return
	}
	delete(a.used, port)
}

// ForceRelease frees port regardless of its tracking state, including an
// externally held one. Call this only when the owning node or link is
// itself being deleted.
func (a *Allocator) ForceRelease(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// MarkExternallyHeld reserves a port the compute reports in use that the
// allocator did not already know about, without attributing it to any
// controller-side owner (spec.md §4.1: "becomes externally held...to
// avoid double-allocation"). A port already tracked by the allocator is
// left as-is — the controller's bookkeeping wins.
func (a *Allocator) MarkExternallyHeld(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.min || port > a.max {
		return
	}
	if _, known := a.used[port]; !known {
		a.used[port] = stateExternal
	}
}

// InUse reports whether a port is currently reserved or externally held.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[port] != stateFree
}

// Count returns the number of ports currently allocated (reserved or
// external).
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Set holds the two port ranges a compute exposes to the controller:
// console ports and UDP tunnel ports (spec.md §4.1).
type Set struct {
	Console *Allocator
	UDP     *Allocator
}

// NewSet builds the pair of allocators for one compute from configured
// ranges.
func NewSet(consoleMin, consoleMax, udpMin, udpMax int) *Set {
	return &Set{
		Console: New(consoleMin, consoleMax),
		UDP:     New(udpMin, udpMax),
	}
}
