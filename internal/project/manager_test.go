package project

import (
	"context"
	"testing"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/nodeadapter"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := driver.NewRegistry()
	reg.Register("ethernet_switch", loopback.New())
	reg.Register("vpcs", loopback.New())

	nodes := nodeadapter.NewManager(reg)
	return NewManager(Config{
		BaseDir: t.TempDir(),
		Nodes:   nodes,
	})
}

func TestCreateProjectPersistsGraph(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p, err := m.CreateProject(ctx, "lab1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != StatusOpened {
		t.Fatalf("got status %s, want opened", p.Status)
	}

	got, ok := m.GetProject(p.ID)
	if !ok || got.Graph.Name != "lab1" {
		t.Fatalf("project not retrievable after create")
	}
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	if _, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	_, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "SW1", Kind: "ethernet_switch"})
	if err == nil {
		t.Fatal("expected conflict for case-insensitive duplicate node name")
	}
	e, ok := apierr.As(err)
	if !ok || e.Code != apierr.Conflict {
		t.Fatalf("got %v, want Conflict", err)
	}
}

func TestStartAllStopAllDependencyOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	if _, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"}); err != nil {
		t.Fatalf("AddNode switch: %v", err)
	}
	if _, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "pc1", Kind: "vpcs"}); err != nil {
		t.Fatalf("AddNode vm: %v", err)
	}

	results := m.StartAll(ctx, p.ID)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("node %s failed to start: %v", r.NodeID, r.Err)
		}
	}

	results = m.StopAll(ctx, p.ID)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("node %s failed to stop: %v", r.NodeID, r.Err)
		}
	}
}

func TestRemoveNodeUpdatesGraph(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	rec, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if err := m.RemoveNode(ctx, p.ID, rec.ID); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}

	got, _ := m.GetProject(p.ID)
	if len(got.Graph.Nodes) != 0 {
		t.Fatalf("got %d nodes, want 0 after remove", len(got.Graph.Nodes))
	}
}

func TestCloseAndOpenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	if _, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if err := m.Close(ctx, p.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := m.GetProject(p.ID); ok {
		t.Fatal("project should be unregistered after Close")
	}

	reopened, err := m.Open(ctx, p.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(reopened.Graph.Nodes) != 1 {
		t.Fatalf("got %d nodes after reopen, want 1", len(reopened.Graph.Nodes))
	}
}

func TestDependencyGroupsSplitsAlwaysOn(t *testing.T) {
	nodes := []*nodeadapter.Node{
		{ID: "a", Kind: "ethernet_switch"},
		{ID: "b", Kind: "vpcs"},
		{ID: "c", Kind: "cloud"},
	}
	alwaysOn, rest := dependencyGroups(nodes)
	if len(alwaysOn) != 2 || len(rest) != 1 {
		t.Fatalf("got alwaysOn=%d rest=%d, want 2/1", len(alwaysOn), len(rest))
	}
}
