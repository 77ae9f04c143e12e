package linkengine

import (
	"fmt"
	"sync"

	"github.com/gns3/gnsd/internal/portalloc"
)

// ComputePorts implements PortReserver over one portalloc.Allocator per
// compute, matching how the controller tracks one UDP range per
// registered compute (spec.md §4.1).
type ComputePorts struct {
	mu    sync.Mutex
	byID  map[string]*portalloc.Allocator
	min   int
	max   int
}

// NewComputePorts creates a ComputePorts that lazily allocates a
// [min,max] UDP range for each compute it sees.
func NewComputePorts(min, max int) *ComputePorts {
	return &ComputePorts{byID: make(map[string]*portalloc.Allocator), min: min, max: max}
}

// Register installs an explicit allocator for a compute, e.g. one
// configured with a non-default range.
func (c *ComputePorts) Register(computeID string, a *portalloc.Allocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[computeID] = a
}

func (c *ComputePorts) allocatorFor(computeID string) *portalloc.Allocator {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byID[computeID]
	if !ok {
		a = portalloc.New(c.min, c.max)
		c.byID[computeID] = a
	}
	return a
}

// ReserveUDP reserves the smallest free UDP port on computeID.
func (c *ComputePorts) ReserveUDP(computeID string) (int, error) {
	p, err := c.allocatorFor(computeID).Reserve()
	if err != nil {
		return 0, fmt.Errorf("compute %s: %w", computeID, err)
	}
	return p, nil
}

// ReleaseUDP frees a previously reserved UDP port on computeID.
func (c *ComputePorts) ReleaseUDP(computeID string, port int) {
	c.allocatorFor(computeID).Release(port)
}
