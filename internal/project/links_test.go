package project

import (
	"context"
	"testing"

	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
)

type fakeLocator struct{}

func (fakeLocator) TunnelHost(computeID string) (string, error) { return "127.0.0.1", nil }

func newTestManagerWithLinks(t *testing.T) *Manager {
	t.Helper()
	reg := driver.NewRegistry()
	reg.Register("ethernet_switch", loopback.New())

	nodes := nodeadapter.NewManager(reg)
	ports := linkengine.NewComputePorts(20000, 20100)
	engine := linkengine.New(nodes, ports)

	return NewManager(Config{
		BaseDir: t.TempDir(),
		Nodes:   nodes,
		Links:   engine,
	})
}

func TestAddLinkAndRemoveLink(t *testing.T) {
	m := newTestManagerWithLinks(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	n1, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"})
	if err != nil {
		t.Fatalf("AddNode sw1: %v", err)
	}
	n2, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw2", Kind: "ethernet_switch"})
	if err != nil {
		t.Fatalf("AddNode sw2: %v", err)
	}

	endpoints := [2]LinkEndpointRecord{
		{NodeID: n1.ID, AdapterNumber: 0, PortNumber: 0},
		{NodeID: n2.ID, AdapterNumber: 0, PortNumber: 0},
	}
	nodeComputeID := func(nodeID string) (string, error) { return "local", nil }

	rec, err := m.AddLink(ctx, p.ID, "ethernet", endpoints, driver.Filters{}, fakeLocator{}, nodeComputeID)
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if !rec.Installed {
		t.Fatal("expected newly added link to be installed")
	}

	got, _ := m.GetProject(p.ID)
	if len(got.Graph.Links) != 1 {
		t.Fatalf("got %d links, want 1", len(got.Graph.Links))
	}

	if err := m.RemoveLink(ctx, p.ID, rec.ID); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	got, _ = m.GetProject(p.ID)
	if len(got.Graph.Links) != 0 {
		t.Fatalf("got %d links after remove, want 0", len(got.Graph.Links))
	}
}

func TestAddLinkRejectsSameNodeEndpoints(t *testing.T) {
	m := newTestManagerWithLinks(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	n1, err := m.AddNode(ctx, p.ID, NodeRecord{Name: "sw1", Kind: "ethernet_switch"})
	if err != nil {
		t.Fatalf("AddNode sw1: %v", err)
	}

	endpoints := [2]LinkEndpointRecord{
		{NodeID: n1.ID, AdapterNumber: 0, PortNumber: 0},
		{NodeID: n1.ID, AdapterNumber: 0, PortNumber: 1},
	}
	nodeComputeID := func(nodeID string) (string, error) { return "local", nil }

	if _, err := m.AddLink(ctx, p.ID, "ethernet", endpoints, driver.Filters{}, fakeLocator{}, nodeComputeID); err == nil {
		t.Fatal("expected AddLink to reject a link whose endpoints share a node")
	}

	got, _ := m.GetProject(p.ID)
	if len(got.Graph.Links) != 0 {
		t.Fatalf("got %d links, want 0 after rejected AddLink", len(got.Graph.Links))
	}
}

func TestAddDrawingAndRemoveDrawing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	p, _ := m.CreateProject(ctx, "lab1")

	d, err := m.AddDrawing(p.ID, DrawingRecord{SVG: "<svg/>"})
	if err != nil {
		t.Fatalf("AddDrawing: %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected generated drawing id")
	}

	if err := m.RemoveDrawing(p.ID, d.ID); err != nil {
		t.Fatalf("RemoveDrawing: %v", err)
	}
	got, _ := m.GetProject(p.ID)
	if len(got.Graph.Drawings) != 0 {
		t.Fatalf("got %d drawings after remove, want 0", len(got.Graph.Drawings))
	}
}
