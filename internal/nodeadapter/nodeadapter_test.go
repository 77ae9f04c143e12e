package nodeadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
)

// portsFakeDriver is a minimal driver.Driver whose Ports() result is
// controlled by the test, used to exercise refreshPortsLocked's diffing
// without loopback's always-empty Ports().
type portsFakeDriver struct {
	mu    sync.Mutex
	ports []driver.PortExpose
}

func (d *portsFakeDriver) Create(ctx context.Context, spec driver.Spec) (driver.Handle, error) {
	return "h1", nil
}
func (d *portsFakeDriver) Update(ctx context.Context, h driver.Handle, spec driver.Spec) error {
	return nil
}
func (d *portsFakeDriver) Delete(ctx context.Context, h driver.Handle) error { return nil }
func (d *portsFakeDriver) Start(ctx context.Context, h driver.Handle) error { return nil }
func (d *portsFakeDriver) Stop(ctx context.Context, h driver.Handle) error  { return nil }
func (d *portsFakeDriver) Suspend(ctx context.Context, h driver.Handle) error {
	return driver.ErrNotSupported
}
func (d *portsFakeDriver) Resume(ctx context.Context, h driver.Handle) error {
	return driver.ErrNotSupported
}
func (d *portsFakeDriver) Reload(ctx context.Context, h driver.Handle) error { return nil }
func (d *portsFakeDriver) Duplicate(ctx context.Context, h driver.Handle) (driver.Handle, error) {
	return "h2", nil
}
func (d *portsFakeDriver) Ports(ctx context.Context, h driver.Handle) ([]driver.PortExpose, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.PortExpose(nil), d.ports...), nil
}
func (d *portsFakeDriver) AddNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint, f driver.Filters) error {
	return nil
}
func (d *portsFakeDriver) UpdateNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint, f driver.Filters) error {
	return nil
}
func (d *portsFakeDriver) RemoveNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	return nil
}
func (d *portsFakeDriver) StartCapture(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	return nil
}
func (d *portsFakeDriver) StopCapture(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	return nil
}
func (d *portsFakeDriver) StreamPCAP(ctx context.Context, h driver.Handle, ep driver.Endpoint) (driver.PCAPStream, error) {
	return nil, driver.ErrNotSupported
}

func newTestManager() *Manager {
	reg := driver.NewRegistry()
	reg.Register("cloud", loopback.New())
	return NewManager(reg)
}

func TestCreateStartStopLifecycle(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	n, err := m.CreateNode(ctx, "proj1", "node1", "cloud", "cloud1", nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if n.State() != StateStopped {
		t.Fatalf("got state %s, want stopped", n.State())
	}

	if err := m.Start(ctx, "node1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.State() != StateStarted {
		t.Fatalf("got state %s, want started", n.State())
	}

	// idempotent
	if err := m.Start(ctx, "node1"); err != nil {
		t.Fatalf("Start (idempotent): %v", err)
	}

	if err := m.Stop(ctx, "node1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.State() != StateStopped {
		t.Fatalf("got state %s, want stopped", n.State())
	}
}

func TestSuspendUnsupportedIsNoop(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	m.CreateNode(ctx, "proj1", "node1", "cloud", "cloud1", nil)
	if err := m.Start(ctx, "node1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Suspend(ctx, "node1"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	n, _ := m.GetNode("node1")
	if n.State() != StateStarted {
		t.Fatalf("got state %s, want started (suspend unsupported -> no-op)", n.State())
	}
}

func TestResumeNonSuspendedConflict(t *testing.T) {
	// loopback doesn't support suspend, so the suspended state is not
	// reachable through the public API; this checks the conflict path
	// for Resume on a node that is stopped.
	m := newTestManager()
	ctx := context.Background()
	m.CreateNode(ctx, "proj1", "node1", "cloud", "cloud1", nil)

	err := m.Resume(ctx, "node1")
	if err == nil {
		t.Fatal("expected conflict resuming a non-suspended node")
	}
	e, ok := apierr.As(err)
	if !ok || e.Code != apierr.Conflict {
		t.Fatalf("got %v, want Conflict", err)
	}
}

func TestStateChangeCallback(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var transitions []string
	m.OnStateChange(func(n *Node, from, to State) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	m.CreateNode(ctx, "proj1", "node1", "cloud", "cloud1", nil)
	m.Start(ctx, "node1")
	m.Stop(ctx, "node1")

	want := []string{"stopped->started", "started->stopped"}
	if len(transitions) != len(want) {
		t.Fatalf("got %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("got %v, want %v", transitions, want)
		}
	}
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	m := newTestManager()
	if err := m.DeleteNode(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("DeleteNode on unknown id should be a no-op, got %v", err)
	}
}

func TestCreateNodeUnknownKind(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateNode(context.Background(), "proj1", "node1", "qemu", "r1", nil)
	if err == nil {
		t.Fatal("expected error for unregistered driver kind")
	}
	e, ok := apierr.As(err)
	if !ok || e.Code != apierr.Validation {
		t.Fatalf("got %v, want Validation", err)
	}
}

func TestPortsRemovedCallbackFiresAfterUnlock(t *testing.T) {
	reg := driver.NewRegistry()
	fd := &portsFakeDriver{ports: []driver.PortExpose{{Name: "eth0", AdapterNumber: 0, PortNumber: 0}}}
	reg.Register("fake", fd)
	m := NewManager(reg)
	ctx := context.Background()

	if _, err := m.CreateNode(ctx, "proj1", "node1", "fake", "n1", nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	var removed []driver.PortExpose
	done := make(chan struct{})
	m.OnPortsRemoved(func(n *Node, ports []driver.PortExpose) {
		removed = ports
		// Calling back into the same node's (non-reentrant) lock must
		// not deadlock: the callback only ever fires after n.mu is
		// released.
		if err := m.RemoveNIO(ctx, n.ID, driver.Endpoint{AdapterNumber: 0, PortNumber: 0}); err != nil {
			t.Errorf("RemoveNIO from callback: %v", err)
		}
		close(done)
	})

	if err := m.Start(ctx, "node1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fd.mu.Lock()
	fd.ports = nil
	fd.mu.Unlock()

	if err := m.Update(ctx, "node1", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PortsRemoved callback did not complete — possible deadlock")
	}

	if len(removed) != 1 || removed[0].AdapterNumber != 0 || removed[0].PortNumber != 0 {
		t.Fatalf("got removed %v, want one port at adapter 0 port 0", removed)
	}
}

func TestDuplicateNode(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	m.CreateNode(ctx, "proj1", "node1", "cloud", "cloud1", nil)

	dup, err := m.Duplicate(ctx, "node1", "node2")
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if dup.ID != "node2" {
		t.Fatalf("got id %s, want node2", dup.ID)
	}
	if dup.State() != StateStopped {
		t.Fatalf("duplicate should start stopped, got %s", dup.State())
	}
}
