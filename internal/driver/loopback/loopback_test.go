package loopback

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gns3/gnsd/internal/driver"
)

func TestCreateStartStop(t *testing.T) {
	d := New()
	ctx := context.Background()

	h, err := d.Create(ctx, driver.Spec{Kind: "cloud", Name: "cloud1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Stop(ctx, h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Delete(ctx, h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestSuspendResumeNotSupported(t *testing.T) {
	d := New()
	ctx := context.Background()
	h, _ := d.Create(ctx, driver.Spec{Kind: "nat"})

	if err := d.Suspend(ctx, h); err != driver.ErrNotSupported {
		t.Fatalf("Suspend: got %v, want ErrNotSupported", err)
	}
	if err := d.Resume(ctx, h); err != driver.ErrNotSupported {
		t.Fatalf("Resume: got %v, want ErrNotSupported", err)
	}
}

func TestUnknownHandle(t *testing.T) {
	d := New()
	ctx := context.Background()
	if err := d.Start(ctx, driver.Handle("bogus")); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestNIOLifecycleAndCapture(t *testing.T) {
	d := New()
	ctx := context.Background()
	h, _ := d.Create(ctx, driver.Spec{Kind: "ethernet_switch"})

	ep := driver.Endpoint{AdapterNumber: 0, PortNumber: 0, LocalPort: 0, RemoteHost: "127.0.0.1", RemotePort: 1}
	// LocalPort 0 means OS-assigned; grab a real free port first.
	ep.LocalPort = freeUDPPort(t)

	if err := d.AddNIO(ctx, h, ep, driver.Filters{}); err != nil {
		t.Fatalf("AddNIO: %v", err)
	}
	if err := d.StartCapture(ctx, h, ep); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	// give the echo goroutine a moment to be listening; not strictly
	// required since capture reads accumulated buffer state only.
	time.Sleep(10 * time.Millisecond)

	stream, err := d.StreamPCAP(ctx, h, ep)
	if err != nil {
		t.Fatalf("StreamPCAP: %v", err)
	}
	stream.Close()

	if err := d.StopCapture(ctx, h, ep); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := d.RemoveNIO(ctx, h, ep); err != nil {
		t.Fatalf("RemoveNIO: %v", err)
	}
	if err := d.Delete(ctx, h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	d := New()
	ctx := context.Background()
	h, _ := d.Create(ctx, driver.Spec{Kind: "vpcs", Name: "pc1"})
	h2, err := d.Duplicate(ctx, h)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if h2 == h {
		t.Fatal("duplicate handle should differ from original")
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}
