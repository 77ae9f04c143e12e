// Package loopback implements driver.Driver entirely in-process over
// local UDP sockets, standing in for the emulator-specific backends
// spec.md places out of scope (Dynamips, QEMU, Docker, VirtualBox, VPCS,
// IOU, TraceNG). It is the only concrete driver the controller ships and
// exists for testability: the binaries register it under the
// "always-on" node kinds (cloud, nat, ethernet_switch, ethernet_hub) and
// vpcs. Every kind behaves the same: frames arriving on a NIO are only
// recorded into an active capture, never echoed or forwarded.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/gns3/gnsd/internal/driver"
)

// Driver is a loopback driver.Driver implementation. One Driver instance
// can back any number of nodes; state is kept per-handle in nodes.
type Driver struct {
	mu    sync.Mutex
	nodes map[driver.Handle]*node
	seq   int
}

type node struct {
	spec  driver.Spec
	nios  map[nioKey]*nio
	cap   map[nioKey]*capture
}

type nioKey struct {
	adapter int
	port    int
}

type nio struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	filters driver.Filters
	done    chan struct{}
}

// capture writes a real pcap-format capture of every frame the echo loop
// observes on one endpoint, using gopacket/pcapgo rather than a raw
// byte dump so StreamPCAP produces a file any pcap reader can open.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
	w   *pcapgo.Writer
}

func newCapture() *capture {
	c := &capture{}
	c.w = pcapgo.NewWriter(&c.buf)
	c.w.WriteFileHeader(65536, layers.LinkTypeEthernet)
	return c
}

func (c *capture) write(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// New creates an empty loopback driver.
func New() *Driver {
	return &Driver{nodes: make(map[driver.Handle]*node)}
}

func (d *Driver) Create(ctx context.Context, spec driver.Spec) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	h := driver.Handle(fmt.Sprintf("loopback-%d", d.seq))
	d.nodes[h] = &node{
		spec: spec,
		nios: make(map[nioKey]*nio),
		cap:  make(map[nioKey]*capture),
	}
	return h, nil
}

func (d *Driver) Update(ctx context.Context, h driver.Handle, spec driver.Spec) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	n.spec = spec
	d.mu.Unlock()
	return nil
}

func (d *Driver) Delete(ctx context.Context, h driver.Handle) error {
	d.mu.Lock()
	n, ok := d.nodes[h]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.nodes, h)
	d.mu.Unlock()

	for _, ni := range n.nios {
		ni.conn.Close()
	}
	return nil
}

func (d *Driver) Start(ctx context.Context, h driver.Handle) error {
	_, err := d.get(h)
	return err
}

func (d *Driver) Stop(ctx context.Context, h driver.Handle) error {
	_, err := d.get(h)
	return err
}

// Suspend is unsupported: the loopback driver has no paused state.
func (d *Driver) Suspend(ctx context.Context, h driver.Handle) error {
	if _, err := d.get(h); err != nil {
		return err
	}
	return driver.ErrNotSupported
}

// Resume is unsupported, matching Suspend.
func (d *Driver) Resume(ctx context.Context, h driver.Handle) error {
	if _, err := d.get(h); err != nil {
		return err
	}
	return driver.ErrNotSupported
}

func (d *Driver) Reload(ctx context.Context, h driver.Handle) error {
	if err := d.Stop(ctx, h); err != nil {
		return err
	}
	return d.Start(ctx, h)
}

func (d *Driver) Duplicate(ctx context.Context, h driver.Handle) (driver.Handle, error) {
	n, err := d.get(h)
	if err != nil {
		return "", err
	}
	return d.Create(ctx, n.spec)
}

// Ports always reports empty: the loopback driver exposes no console or
// application ports, only link endpoints.
func (d *Driver) Ports(ctx context.Context, h driver.Handle) ([]driver.PortExpose, error) {
	if _, err := d.get(h); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Driver) AddNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint, f driver.Filters) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: ep.LocalPort})
	if err != nil {
		return fmt.Errorf("loopback: listen udp %d: %w", ep.LocalPort, err)
	}
	remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ep.RemoteHost, ep.RemotePort))
	if err != nil {
		conn.Close()
		return fmt.Errorf("loopback: resolve remote %s:%d: %w", ep.RemoteHost, ep.RemotePort, err)
	}

	ni := &nio{conn: conn, remote: remote, filters: f, done: make(chan struct{})}

	d.mu.Lock()
	key := nioKey{ep.AdapterNumber, ep.PortNumber}
	n.nios[key] = ni
	d.mu.Unlock()

	go d.echoLoop(n, key, ni)
	return nil
}

// echoLoop reads datagrams arriving on the local tunnel socket and, when
// a capture is active for this endpoint, appends them to the capture
// buffer. It exits when the socket is closed by RemoveNIO or Delete.
func (d *Driver) echoLoop(n *node, key nioKey, ni *nio) {
	buf := make([]byte, 65535)
	for {
		nr, _, err := ni.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		d.mu.Lock()
		c := n.cap[key]
		d.mu.Unlock()
		if c != nil {
			c.write(buf[:nr])
		}
	}
}

func (d *Driver) UpdateNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint, f driver.Filters) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ni, ok := n.nios[nioKey{ep.AdapterNumber, ep.PortNumber}]
	if !ok {
		return fmt.Errorf("loopback: no nio at adapter %d port %d", ep.AdapterNumber, ep.PortNumber)
	}
	ni.filters = f
	return nil
}

func (d *Driver) RemoveNIO(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	key := nioKey{ep.AdapterNumber, ep.PortNumber}
	ni, ok := n.nios[key]
	if ok {
		delete(n.nios, key)
	}
	delete(n.cap, key)
	d.mu.Unlock()

	if ok {
		ni.conn.Close()
	}
	return nil
}

func (d *Driver) StartCapture(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := nioKey{ep.AdapterNumber, ep.PortNumber}
	if _, ok := n.nios[key]; !ok {
		return fmt.Errorf("loopback: no nio at adapter %d port %d", ep.AdapterNumber, ep.PortNumber)
	}
	n.cap[key] = newCapture()
	return nil
}

func (d *Driver) StopCapture(ctx context.Context, h driver.Handle, ep driver.Endpoint) error {
	n, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(n.cap, nioKey{ep.AdapterNumber, ep.PortNumber})
	d.mu.Unlock()
	return nil
}

func (d *Driver) StreamPCAP(ctx context.Context, h driver.Handle, ep driver.Endpoint) (driver.PCAPStream, error) {
	n, err := d.get(h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	c, ok := n.cap[nioKey{ep.AdapterNumber, ep.PortNumber}]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: no active capture at adapter %d port %d", ep.AdapterNumber, ep.PortNumber)
	}

	c.mu.Lock()
	snapshot := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()
	return &pcapReader{r: bytes.NewReader(snapshot)}, nil
}

type pcapReader struct {
	r *bytes.Reader
}

func (p *pcapReader) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pcapReader) Close() error               { return nil }

func (d *Driver) get(h driver.Handle) (*node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[h]
	if !ok {
		return nil, fmt.Errorf("loopback: unknown handle %q", h)
	}
	return n, nil
}

var _ io.Closer = (*pcapReader)(nil)
