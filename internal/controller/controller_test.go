package controller

import (
	"context"
	"testing"

	"github.com/gns3/gnsd/internal/computeproxy"
	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
	"github.com/gns3/gnsd/internal/project"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	reg := driver.NewRegistry()
	reg.Register("ethernet_switch", loopback.New())
	nodes := nodeadapter.NewManager(reg)
	ports := linkengine.NewComputePorts(20000, 20100)
	links := linkengine.New(nodes, ports)

	projects := project.NewManager(project.Config{
		BaseDir: t.TempDir(),
		Nodes:   nodes,
		Links:   links,
	})
	bus := notify.New(notify.Config{})
	return New(config.DefaultController(), projects, nodes, links, bus, nil, nil)
}

func TestRegisterAndLookupCompute(t *testing.T) {
	c := newTestController(t)

	c.RegisterCompute("vm1", computeproxy.Config{Host: "10.0.0.5", Port: 3080}, "10.0.0.5")

	p, ok := c.GetCompute("vm1")
	if !ok || p == nil {
		t.Fatal("expected registered compute to be retrievable")
	}

	host, err := c.TunnelHost("vm1")
	if err != nil || host != "10.0.0.5" {
		t.Fatalf("got host=%q err=%v, want 10.0.0.5/nil", host, err)
	}
}

func TestTunnelHostUnknownCompute(t *testing.T) {
	c := newTestController(t)
	if _, err := c.TunnelHost("does-not-exist"); err == nil {
		t.Fatal("expected error resolving an unregistered compute")
	}
}

func TestUnregisterCompute(t *testing.T) {
	c := newTestController(t)
	c.RegisterCompute("vm1", computeproxy.Config{Host: "10.0.0.5", Port: 3080}, "10.0.0.5")
	c.UnregisterCompute("vm1")

	if _, ok := c.GetCompute("vm1"); ok {
		t.Fatal("compute should be gone after Unregister")
	}
}

func TestShutdownClosesOpenProjects(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	p, err := c.Projects.CreateProject(ctx, "lab1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, ok := c.Projects.GetProject(p.ID); ok {
		t.Fatal("project should be closed (unregistered) after Shutdown")
	}
}
