// Package nodeadapter implements the Node Adapter and its lifecycle
// state machine (spec.md §4.3): one Node per emulated device, each
// backed by a driver.Handle and driven through
// stopped/started/suspended transitions under its own lock.
package nodeadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
)

// State is one of a node's externally visible lifecycle states.
type State string

const (
	StateStopped   State = "stopped"
	StateStarted   State = "started"
	StateSuspended State = "suspended"
)

// Node is one emulated device. Properties are opaque to the adapter and
// passed through to the driver verbatim (spec.md §4.3: "the controller
// does not interpret driver properties beyond this substitution pass").
type Node struct {
	mu sync.Mutex

	ID         string
	ProjectID  string
	Kind       string
	Name       string
	Properties map[string]interface{}

	state  State
	handle driver.Handle
	ports  []driver.PortExpose
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Ports returns the node's most recently observed port list.
func (n *Node) Ports() []driver.PortExpose {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]driver.PortExpose, len(n.ports))
	copy(out, n.ports)
	return out
}

// Handle returns the node's driver handle.
func (n *Node) Handle() driver.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// StateChangeFunc is invoked after a node's state actually changes.
type StateChangeFunc func(n *Node, from, to State)

// PortsRemovedFunc is invoked after a Start/Resume/Reload/Update call
// observes that the driver no longer reports one or more ports the node
// previously exposed. Fired with n.mu already released, so the callback
// is free to call back into this or any other node's methods (e.g. to
// tear down a link endpoint bound to the removed port) without
// deadlocking.
type PortsRemovedFunc func(n *Node, removed []driver.PortExpose)

// Manager owns every Node across every project and the driver registry
// used to create/operate them. Grounded directly on
// internal/lifecycle/manager.go's Instance/Manager pair: one mutex
// guarding the map of nodes, one mutex per node guarding its own state.
type Manager struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	registry *driver.Registry

	onStateChange  StateChangeFunc
	onPortsRemoved PortsRemovedFunc
}

// NewManager creates a Manager dispatching to drivers in registry.
func NewManager(registry *driver.Registry) *Manager {
	return &Manager{
		nodes:    make(map[string]*Node),
		registry: registry,
	}
}

// OnStateChange installs the callback fired after every successful state
// transition. Only one callback may be installed; a later call replaces
// the earlier one.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnPortsRemoved installs the callback fired after a port disappears
// from a node's driver-reported set. Only one callback may be
// installed; a later call replaces the earlier one.
func (m *Manager) OnPortsRemoved(fn PortsRemovedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPortsRemoved = fn
}

func (m *Manager) driverFor(kind string) (driver.Driver, error) {
	d, ok := m.registry.Lookup(kind)
	if !ok {
		return nil, apierr.Validationf("no driver registered for node kind %q", kind)
	}
	return d, nil
}

// CreateNode instantiates a node via its driver and registers it under
// id. The node starts in StateStopped.
func (m *Manager) CreateNode(ctx context.Context, projectID, id, kind, name string, properties map[string]interface{}) (*Node, error) {
	d, err := m.driverFor(kind)
	if err != nil {
		return nil, err
	}

	h, err := d.Create(ctx, driver.Spec{Kind: kind, Name: name, Properties: properties})
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, fmt.Sprintf("create node %s", id), err)
	}

	n := &Node{
		ID:         id,
		ProjectID:  projectID,
		Kind:       kind,
		Name:       name,
		Properties: properties,
		state:      StateStopped,
		handle:     h,
	}

	m.mu.Lock()
	if _, exists := m.nodes[id]; exists {
		m.mu.Unlock()
		_ = d.Delete(ctx, h)
		return nil, apierr.Conflictf("node %s already exists", id)
	}
	m.nodes[id] = n
	m.mu.Unlock()

	return n, nil
}

// GetNode returns the node registered under id, if any.
func (m *Manager) GetNode(id string) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	return n, ok
}

// ListNodes returns every node belonging to projectID. Order is
// unspecified.
func (m *Manager) ListNodes(projectID string) []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Node
	for _, n := range m.nodes {
		if n.ProjectID == projectID {
			out = append(out, n)
		}
	}
	return out
}

// DeleteNode stops backing resources and removes the node from the
// manager. Deleting an already-unknown id is a no-op.
func (m *Manager) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.nodes, id)
	m.mu.Unlock()

	d, err := m.driverFor(n.Kind)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.Delete(ctx, n.handle); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("delete node %s", id), err)
	}
	return nil
}

// Start transitions a node from stopped to started. Calling Start on an
// already-started node is an idempotent no-op success. Calling Start on
// a suspended node is a conflict — callers must Resume it instead.
func (m *Manager) Start(ctx context.Context, id string) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()

	switch n.state {
	case StateStarted:
		n.mu.Unlock()
		return nil
	case StateSuspended:
		n.mu.Unlock()
		return apierr.Conflictf("node %s is suspended; resume it instead of starting", id)
	}

	if err := d.Start(ctx, n.handle); err != nil {
		n.mu.Unlock()
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("start node %s", id), err)
	}
	removed := m.refreshPortsLocked(ctx, n, d)
	m.setStateLocked(n, StateStarted)
	n.mu.Unlock()

	m.notifyPortsRemoved(n, removed)
	return nil
}

// Stop transitions a node to stopped from any state. Calling Stop on an
// already-stopped node is an idempotent no-op success.
func (m *Manager) Stop(ctx context.Context, id string) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateStopped {
		return nil
	}

	if err := d.Stop(ctx, n.handle); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("stop node %s", id), err)
	}
	m.setStateLocked(n, StateStopped)
	return nil
}

// Suspend transitions a started node to suspended. If the driver does
// not support suspend, this is treated as a no-op success and the node
// remains started (spec.md: "drivers that do not support suspend treat
// suspend/resume as no-ops returning success").
func (m *Manager) Suspend(ctx context.Context, id string) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateStarted {
		return apierr.Conflictf("node %s is not started (state=%s)", id, n.state)
	}

	if err := d.Suspend(ctx, n.handle); err != nil {
		if err == driver.ErrNotSupported {
			return nil
		}
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("suspend node %s", id), err)
	}
	m.setStateLocked(n, StateSuspended)
	return nil
}

// Resume transitions a suspended node back to started. If the driver
// does not support suspend, this is a no-op success (mirrors Suspend).
func (m *Manager) Resume(ctx context.Context, id string) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()

	if n.state != StateSuspended {
		n.mu.Unlock()
		return apierr.Conflictf("node %s is not suspended (state=%s)", id, n.state)
	}

	if err := d.Resume(ctx, n.handle); err != nil {
		n.mu.Unlock()
		if err == driver.ErrNotSupported {
			return nil
		}
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("resume node %s", id), err)
	}
	removed := m.refreshPortsLocked(ctx, n, d)
	m.setStateLocked(n, StateStarted)
	n.mu.Unlock()

	m.notifyPortsRemoved(n, removed)
	return nil
}

// Reload stops and restarts a node as one critical section, so a
// concurrent caller never observes an intermediate state other than the
// one actually reached on error (mirrors lifecycle.Manager's
// bootInstance rollback-to-stopped behavior on each failure point).
func (m *Manager) Reload(ctx context.Context, id string) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()

	wasStarted := n.state == StateStarted
	if wasStarted {
		if err := d.Stop(ctx, n.handle); err != nil {
			n.mu.Unlock()
			return apierr.Wrap(apierr.DriverError, fmt.Sprintf("reload (stop) node %s", id), err)
		}
		m.setStateLocked(n, StateStopped)
	}

	if err := d.Start(ctx, n.handle); err != nil {
		n.mu.Unlock()
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("reload (start) node %s", id), err)
	}
	removed := m.refreshPortsLocked(ctx, n, d)
	m.setStateLocked(n, StateStarted)
	n.mu.Unlock()

	m.notifyPortsRemoved(n, removed)
	return nil
}

// Update pushes a changed property set to an already-created node's
// driver.
func (m *Manager) Update(ctx context.Context, id string, properties map[string]interface{}) error {
	n, d, err := m.lookup(id)
	if err != nil {
		return err
	}

	n.mu.Lock()

	spec := driver.Spec{Kind: n.Kind, Name: n.Name, Properties: properties}
	if err := d.Update(ctx, n.handle, spec); err != nil {
		n.mu.Unlock()
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("update node %s", id), err)
	}
	n.Properties = properties
	removed := m.refreshPortsLocked(ctx, n, d)
	n.mu.Unlock()

	m.notifyPortsRemoved(n, removed)
	return nil
}

// Duplicate creates an independent copy of an existing node under newID.
func (m *Manager) Duplicate(ctx context.Context, id, newID string) (*Node, error) {
	n, d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	kind, name, props := n.Kind, n.Name, n.Properties
	handle := n.handle
	n.mu.Unlock()

	h2, err := d.Duplicate(ctx, handle)
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, fmt.Sprintf("duplicate node %s", id), err)
	}

	dup := &Node{
		ID:         newID,
		ProjectID:  n.ProjectID,
		Kind:       kind,
		Name:       name,
		Properties: props,
		state:      StateStopped,
		handle:     h2,
	}

	m.mu.Lock()
	if _, exists := m.nodes[newID]; exists {
		m.mu.Unlock()
		_ = d.Delete(ctx, h2)
		return nil, apierr.Conflictf("node %s already exists", newID)
	}
	m.nodes[newID] = dup
	m.mu.Unlock()

	return dup, nil
}

func (m *Manager) lookup(id string) (*Node, driver.Driver, error) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apierr.NotFoundf("node %s not found", id)
	}
	d, err := m.driverFor(n.Kind)
	if err != nil {
		return nil, nil, err
	}
	return n, d, nil
}

// setStateLocked updates n.state and fires the state-change callback.
// Caller must hold n.mu.
func (m *Manager) setStateLocked(n *Node, to State) {
	from := n.state
	n.state = to
	if from == to {
		return
	}
	m.mu.Lock()
	cb := m.onStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(n, from, to)
	}
}

// refreshPortsLocked re-queries the driver's current port list, replaces
// n.ports, and returns the ports present in the previous set but absent
// from the new one (spec.md §4.3: "the core treats the returned port
// list as authoritative and detaches any link endpoint that no longer
// exists"). Caller must hold n.mu. Errors are swallowed: a failed port
// query does not fail the operation that triggered it, matching the
// teacher's best-effort HostEndpoints re-query.
func (m *Manager) refreshPortsLocked(ctx context.Context, n *Node, d driver.Driver) []driver.PortExpose {
	ports, err := d.Ports(ctx, n.handle)
	if err != nil {
		return nil
	}

	present := make(map[portKey]bool, len(ports))
	for _, p := range ports {
		present[portKey{p.AdapterNumber, p.PortNumber}] = true
	}

	var removed []driver.PortExpose
	for _, old := range n.ports {
		if !present[portKey{old.AdapterNumber, old.PortNumber}] {
			removed = append(removed, old)
		}
	}

	n.ports = ports
	return removed
}

type portKey struct {
	adapter int
	port    int
}

// notifyPortsRemoved fires the installed PortsRemovedFunc, if any, with
// n's lock already released. Must never be called while n.mu is held.
func (m *Manager) notifyPortsRemoved(n *Node, removed []driver.PortExpose) {
	if len(removed) == 0 {
		return
	}
	m.mu.Lock()
	cb := m.onPortsRemoved
	m.mu.Unlock()
	if cb != nil {
		cb(n, removed)
	}
}
