// Package linkengine implements the Link Engine (spec.md §4.4): the
// three-phase validate/allocate/install pipeline that wires a UDP tunnel
// between two node endpoints, with idempotent rollback at each phase.
package linkengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
)

// NodeOps is the subset of node-adapter operations the link engine
// needs. The controller wires this to a local nodeadapter.Manager when
// both endpoints live on the same process, or to a computeproxy-backed
// forwarder when an endpoint lives on a remote compute.
type NodeOps interface {
	AddNIO(ctx context.Context, nodeID string, ep driver.Endpoint, f driver.Filters) error
	UpdateNIO(ctx context.Context, nodeID string, ep driver.Endpoint, f driver.Filters) error
	RemoveNIO(ctx context.Context, nodeID string, ep driver.Endpoint) error
	StartCapture(ctx context.Context, nodeID string, ep driver.Endpoint) error
	StopCapture(ctx context.Context, nodeID string, ep driver.Endpoint) error
	StreamPCAP(ctx context.Context, nodeID string, ep driver.Endpoint) (driver.PCAPStream, error)
}

// PortReserver allocates and releases UDP tunnel ports on one compute.
// The engine calls it once per endpoint per link (spec.md §4.1's UDP
// range), including twice against the same compute for a same-compute
// link.
type PortReserver interface {
	ReserveUDP(computeID string) (int, error)
	ReleaseUDP(computeID string, port int)
}

// Endpoint identifies one side of a link to be created: a specific
// adapter/port on a node, plus enough addressing information for the
// other endpoint to dial a UDP tunnel to it.
type Endpoint struct {
	NodeID        string
	ComputeID     string
	TunnelHost    string
	AdapterNumber int
	PortNumber    int
}

// Link is an established point-to-point connection between two node
// endpoints.
type Link struct {
	ID        string
	ProjectID string
	Type      string
	Endpoints [2]Endpoint

	mu         sync.Mutex
	filters    driver.Filters
	udpPorts   [2]int
	capturing  bool
	captureIdx int
}

// Filters returns the link's current filter settings.
func (l *Link) Filters() driver.Filters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filters
}

// Engine owns every link in the controller and the port/node operations
// needed to build and tear them down. Grounded on
// internal/router/router.go's AllocatePort/FreeAllPorts pairing and its
// acceptLoop/relay per-connection goroutine idiom, reused here per
// tunnel endpoint instead of per TCP listener.
type Engine struct {
	ops   NodeOps
	ports PortReserver

	mu    sync.Mutex
	links map[string]*Link
	// byEndpoint tracks which link currently owns a given
	// (nodeID, adapter, port) so CreateLink can reject a second link on
	// an already-connected adapter/port.
	byEndpoint map[endpointKey]string
	seq        int
}

type endpointKey struct {
	nodeID  string
	adapter int
	port    int
}

// New creates an Engine dispatching node operations through ops and
// reserving UDP ports through ports.
func New(ops NodeOps, ports PortReserver) *Engine {
	return &Engine{
		ops:        ops,
		ports:      ports,
		links:      make(map[string]*Link),
		byEndpoint: make(map[endpointKey]string),
	}
}

// CreateLink validates, allocates, and installs a point-to-point link
// between exactly two endpoints (spec.md's link model is 2-endpoint;
// N-port hubs are modeled as a driver-backed switch node, not a link
// with more than two endpoints). Same-compute links still allocate two
// distinct UDP ports and loop back between them (spec.md §4.4).
func (e *Engine) CreateLink(ctx context.Context, id, projectID, linkType string, endpoints [2]Endpoint, filters driver.Filters) (*Link, error) {
	if filters.BPF != "" {
		if err := validateBPF(filters.BPF); err != nil {
			return nil, apierr.Wrap(apierr.Validation, "invalid bpf filter", err)
		}
	}

	if endpoints[0].NodeID == endpoints[1].NodeID {
		return nil, apierr.Validationf("link endpoints must be distinct nodes, got %s twice", endpoints[0].NodeID)
	}

	if err := e.reserveEndpoints(id, endpoints); err != nil {
		return nil, err
	}

	portA, err := e.ports.ReserveUDP(endpoints[0].ComputeID)
	if err != nil {
		e.releaseEndpoints(endpoints)
		return nil, apierr.Wrap(apierr.Conflict, fmt.Sprintf("reserve udp port on compute %s", endpoints[0].ComputeID), err)
	}
	portB, err := e.ports.ReserveUDP(endpoints[1].ComputeID)
	if err != nil {
		e.ports.ReleaseUDP(endpoints[0].ComputeID, portA)
		e.releaseEndpoints(endpoints)
		return nil, apierr.Wrap(apierr.Conflict, fmt.Sprintf("reserve udp port on compute %s", endpoints[1].ComputeID), err)
	}

	nioA := driver.Endpoint{
		AdapterNumber: endpoints[0].AdapterNumber,
		PortNumber:    endpoints[0].PortNumber,
		LocalPort:     portA,
		RemoteHost:    endpoints[1].TunnelHost,
		RemotePort:    portB,
	}
	nioB := driver.Endpoint{
		AdapterNumber: endpoints[1].AdapterNumber,
		PortNumber:    endpoints[1].PortNumber,
		LocalPort:     portB,
		RemoteHost:    endpoints[0].TunnelHost,
		RemotePort:    portA,
	}

	if err := e.ops.AddNIO(ctx, endpoints[0].NodeID, nioA, filters); err != nil {
		e.ports.ReleaseUDP(endpoints[0].ComputeID, portA)
		e.ports.ReleaseUDP(endpoints[1].ComputeID, portB)
		e.releaseEndpoints(endpoints)
		return nil, apierr.Wrap(apierr.DriverError, "install nio on first endpoint", err)
	}
	if err := e.ops.AddNIO(ctx, endpoints[1].NodeID, nioB, filters); err != nil {
		_ = e.ops.RemoveNIO(ctx, endpoints[0].NodeID, nioA)
		e.ports.ReleaseUDP(endpoints[0].ComputeID, portA)
		e.ports.ReleaseUDP(endpoints[1].ComputeID, portB)
		e.releaseEndpoints(endpoints)
		return nil, apierr.Wrap(apierr.DriverError, "install nio on second endpoint", err)
	}

	l := &Link{
		ID:        id,
		ProjectID: projectID,
		Type:      linkType,
		Endpoints: endpoints,
		filters:   filters,
		udpPorts:  [2]int{portA, portB},
	}

	// byEndpoint already carries id for both endpoints from
	// reserveEndpoints; only the links map needs populating now.
	e.mu.Lock()
	e.links[id] = l
	e.mu.Unlock()

	return l, nil
}

func keyOf(ep Endpoint) endpointKey {
	return endpointKey{nodeID: ep.NodeID, adapter: ep.AdapterNumber, port: ep.PortNumber}
}

// reserveEndpoints atomically checks both endpoints are free and claims
// them under id in one critical section, closing the gap between
// checking availability and registering the link that a separate
// check-then-register pair would leave open to a concurrent CreateLink
// racing on the same endpoint.
func (e *Engine) reserveEndpoints(id string, endpoints [2]Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ep := range endpoints {
		if existing, ok := e.byEndpoint[keyOf(ep)]; ok {
			return apierr.Conflictf("node %s adapter %d port %d already connected to link %s", ep.NodeID, ep.AdapterNumber, ep.PortNumber, existing)
		}
	}
	for _, ep := range endpoints {
		e.byEndpoint[keyOf(ep)] = id
	}
	return nil
}

// releaseEndpoints undoes a reserveEndpoints claim after a later phase
// of CreateLink fails.
func (e *Engine) releaseEndpoints(endpoints [2]Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ep := range endpoints {
		delete(e.byEndpoint, keyOf(ep))
	}
}

// GetLink returns the link registered under id, if any.
func (e *Engine) GetLink(id string) (*Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[id]
	return l, ok
}

// ListLinks returns every link belonging to projectID. Order is
// unspecified.
func (e *Engine) ListLinks(projectID string) []*Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Link
	for _, l := range e.links {
		if l.ProjectID == projectID {
			out = append(out, l)
		}
	}
	return out
}

// DeleteLink tears down both installed NIOs and releases both reserved
// ports. Deleting an already-unknown id is a no-op.
func (e *Engine) DeleteLink(ctx context.Context, id string) error {
	e.mu.Lock()
	l, ok := e.links[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.links, id)
	delete(e.byEndpoint, keyOf(l.Endpoints[0]))
	delete(e.byEndpoint, keyOf(l.Endpoints[1]))
	e.mu.Unlock()

	l.mu.Lock()
	ports := l.udpPorts
	eps := l.Endpoints
	l.mu.Unlock()

	var firstErr error
	for i, ep := range eps {
		nio := driver.Endpoint{AdapterNumber: ep.AdapterNumber, PortNumber: ep.PortNumber, LocalPort: ports[i]}
		if err := e.ops.RemoveNIO(ctx, ep.NodeID, nio); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i, ep := range eps {
		e.ports.ReleaseUDP(ep.ComputeID, ports[i])
	}

	if firstErr != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("delete link %s", id), firstErr)
	}
	return nil
}

// DetachByEndpoint tears down the link, if any, whose endpoint matches
// nodeID/adapter/port, releasing both its NIOs and UDP ports. Used when
// a driver reports that a port it previously exposed is gone (spec.md
// §4.3: "detaches any link endpoint that no longer exists"). Returns the
// torn-down link's id, or "" if no link owned that endpoint.
func (e *Engine) DetachByEndpoint(ctx context.Context, nodeID string, adapter, port int) (string, error) {
	e.mu.Lock()
	linkID, ok := e.byEndpoint[endpointKey{nodeID: nodeID, adapter: adapter, port: port}]
	e.mu.Unlock()
	if !ok {
		return "", nil
	}
	return linkID, e.DeleteLink(ctx, linkID)
}

// UpdateFilters pushes new filter settings to both installed NIOs. The
// controller retains the filter state even if a driver returns
// ErrNotSupported for filters specifically — spec.md: "drivers that do
// not support them must accept and ignore."
func (e *Engine) UpdateFilters(ctx context.Context, id string, filters driver.Filters) error {
	if filters.BPF != "" {
		if err := validateBPF(filters.BPF); err != nil {
			return apierr.Wrap(apierr.Validation, "invalid bpf filter", err)
		}
	}

	l, ok := e.GetLink(id)
	if !ok {
		return apierr.NotFoundf("link %s not found", id)
	}

	l.mu.Lock()
	ports := l.udpPorts
	eps := l.Endpoints
	l.mu.Unlock()

	for i, ep := range eps {
		nio := driver.Endpoint{AdapterNumber: ep.AdapterNumber, PortNumber: ep.PortNumber, LocalPort: ports[i]}
		if err := e.ops.UpdateNIO(ctx, ep.NodeID, nio, filters); err != nil && err != driver.ErrNotSupported {
			return apierr.Wrap(apierr.DriverError, fmt.Sprintf("update filters on link %s", id), err)
		}
	}

	l.mu.Lock()
	l.filters = filters
	l.mu.Unlock()
	return nil
}

// StartCapture begins a pcap capture on the link's first endpoint.
func (e *Engine) StartCapture(ctx context.Context, id string) error {
	l, ok := e.GetLink(id)
	if !ok {
		return apierr.NotFoundf("link %s not found", id)
	}

	l.mu.Lock()
	if l.capturing {
		l.mu.Unlock()
		return apierr.Conflictf("link %s already capturing", id)
	}
	ep := l.Endpoints[0]
	port := l.udpPorts[0]
	l.mu.Unlock()

	nio := driver.Endpoint{AdapterNumber: ep.AdapterNumber, PortNumber: ep.PortNumber, LocalPort: port}
	if err := e.ops.StartCapture(ctx, ep.NodeID, nio); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("start capture on link %s", id), err)
	}

	l.mu.Lock()
	l.capturing = true
	l.mu.Unlock()
	return nil
}

// StopCapture ends a capture started with StartCapture.
func (e *Engine) StopCapture(ctx context.Context, id string) error {
	l, ok := e.GetLink(id)
	if !ok {
		return apierr.NotFoundf("link %s not found", id)
	}

	l.mu.Lock()
	if !l.capturing {
		l.mu.Unlock()
		return nil
	}
	ep := l.Endpoints[0]
	port := l.udpPorts[0]
	l.mu.Unlock()

	nio := driver.Endpoint{AdapterNumber: ep.AdapterNumber, PortNumber: ep.PortNumber, LocalPort: port}
	if err := e.ops.StopCapture(ctx, ep.NodeID, nio); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("stop capture on link %s", id), err)
	}

	l.mu.Lock()
	l.capturing = false
	l.mu.Unlock()
	return nil
}

// StreamPCAP returns the readable capture stream for a link under active
// capture. Callers are expected to io.Copy it to an http.ResponseWriter.
func (e *Engine) StreamPCAP(ctx context.Context, id string) (driver.PCAPStream, error) {
	l, ok := e.GetLink(id)
	if !ok {
		return nil, apierr.NotFoundf("link %s not found", id)
	}

	l.mu.Lock()
	capturing := l.capturing
	ep := l.Endpoints[0]
	port := l.udpPorts[0]
	l.mu.Unlock()

	if !capturing {
		return nil, apierr.Conflictf("link %s has no active capture", id)
	}

	nio := driver.Endpoint{AdapterNumber: ep.AdapterNumber, PortNumber: ep.PortNumber, LocalPort: port}
	return e.ops.StreamPCAP(ctx, ep.NodeID, nio)
}

// validateBPF rejects a malformed BPF expression as a validation error
// rather than letting it reach the driver layer silently (spec.md
// leaves controller-level BPF validation unspecified; this enriches it).
// Uses gopacket/pcap's filter compiler, which wraps libpcap's BPF
// expression grammar (golang.org/x/net/bpf's bytecode is the target of
// compilation, not the expression grammar itself).
func validateBPF(expr string) error {
	_, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, 65535, expr)
	return err
}
