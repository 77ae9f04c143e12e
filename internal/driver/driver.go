// Package driver defines the Node Driver Interface (spec.md §6): the
// out-of-scope contract boundary between the controller/compute core and
// emulator-specific backends (Dynamips, QEMU, Docker, VirtualBox, VPCS,
// IOU, TraceNG). The core ships one concrete driver, package
// internal/driver/loopback, for testability; real emulator drivers are
// external implementations of Driver.
package driver

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by a Driver method the backend does not
// implement. nodeadapter.Manager treats ErrNotSupported from
// Suspend/Resume as a successful no-op (spec.md: "drivers that do not
// support suspend treat suspend/resume as no-ops returning success"),
// and treats it from UpdateNIO's filter application as "accepted the NIO
// change but ignored the filters".
var ErrNotSupported = errors.New("driver: operation not supported")

// Spec is the driver-specific configuration for one node, taken verbatim
// from the node's `properties` (spec.md §4.3: the controller does not
// interpret properties beyond template substitution).
type Spec struct {
	Kind       string
	Name       string
	Properties map[string]interface{}
}

// PortExpose is one console or application port a running node exposes on
// its host. AdapterNumber/PortNumber identify the link-facing adapter
// port this host port belongs to, if any (zero value for ports with no
// link endpoint, e.g. a console port), so nodeadapter.Manager can match
// a removed entry back to an installed link endpoint.
type PortExpose struct {
	Name          string
	Port          int
	Protocol      string
	AdapterNumber int
	PortNumber    int
}

// Endpoint identifies one side of an installed NIO: a UDP tunnel
// terminating on the local compute and forwarding to a remote
// (host, port) pair.
type Endpoint struct {
	AdapterNumber int
	PortNumber    int
	LocalPort     int
	RemoteHost    string
	RemotePort    int
}

// Filters carries the per-link degradation parameters a driver may apply
// to an installed NIO (spec.md §4.4). A driver that does not support a
// given field must accept the call and silently ignore that field.
type Filters struct {
	LatencyMS     int
	JitterMS      int
	LossPercent   float64
	CorruptPct    float64
	FrequencyDrop int
	BPF           string
}

// Handle is an opaque, driver-assigned identifier for one instantiated
// node. The core never interprets it.
type Handle string

// Driver is the contract a node backend implements. Every method is
// expected to be safe for concurrent use across different Handles.
// nodeadapter.Manager invokes a single Handle's methods under the node's
// own lock, except Duplicate, which it calls after releasing that lock.
type Driver interface {
	// Create instantiates a node from spec, returning its handle. The
	// node is not yet started.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Update applies a changed Spec to an already-created node.
	Update(ctx context.Context, h Handle, spec Spec) error

	// Delete tears down and releases all resources for h. Delete on an
	// already-deleted or unknown handle is a no-op.
	Delete(ctx context.Context, h Handle) error

	// Start transitions the node to running.
	Start(ctx context.Context, h Handle) error

	// Stop transitions the node to stopped.
	Stop(ctx context.Context, h Handle) error

	// Suspend freezes a running node's state. Returns ErrNotSupported if
	// the backend has no concept of suspend.
	Suspend(ctx context.Context, h Handle) error

	// Resume unfreezes a suspended node. Returns ErrNotSupported if the
	// backend has no concept of suspend.
	Resume(ctx context.Context, h Handle) error

	// Reload restarts the node without changing its spec.
	Reload(ctx context.Context, h Handle) error

	// Duplicate creates a new node that is an independent copy of h,
	// with its own Handle.
	Duplicate(ctx context.Context, h Handle) (Handle, error)

	// Ports returns the current set of ports the node exposes. Called
	// after Start/Update so nodeadapter.Manager can diff against its
	// previously known set and detach link endpoints bound to ports the
	// driver no longer reports.
	Ports(ctx context.Context, h Handle) ([]PortExpose, error)

	// AddNIO installs a new link endpoint on adapter/port.
	AddNIO(ctx context.Context, h Handle, ep Endpoint, f Filters) error

	// UpdateNIO changes the filters of an already-installed endpoint.
	// Returns ErrNotSupported if the backend ignores filters entirely;
	// the caller (link engine) still records the filter state.
	UpdateNIO(ctx context.Context, h Handle, ep Endpoint, f Filters) error

	// RemoveNIO tears down a previously installed link endpoint.
	RemoveNIO(ctx context.Context, h Handle, ep Endpoint) error

	// StartCapture begins a packet capture on adapter/port, streaming
	// pcap-format frames until StopCapture or the context is canceled.
	StartCapture(ctx context.Context, h Handle, ep Endpoint) error

	// StopCapture ends a capture started with StartCapture.
	StopCapture(ctx context.Context, h Handle, ep Endpoint) error

	// StreamPCAP returns a reader of the pcap capture file for an
	// endpoint under active capture. Callers are expected to read it
	// with io.Copy to an http.ResponseWriter rather than buffering.
	StreamPCAP(ctx context.Context, h Handle, ep Endpoint) (PCAPStream, error)
}

// PCAPStream is a readable capture stream the caller must Close.
type PCAPStream interface {
	Read(p []byte) (int, error)
	Close() error
}

// Registry dispatches to a concrete Driver by node kind (spec.md §6's
// "dynamic driver dispatch"), implemented as a closed map lookup rather
// than reflection-based plugin loading.
type Registry struct {
	byKind map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Driver)}
}

// Register associates a node kind string with a Driver implementation.
// A later call for the same kind replaces the earlier one.
func (r *Registry) Register(kind string, d Driver) {
	r.byKind[kind] = d
}

// Lookup returns the Driver registered for kind, or nil, false if no
// driver is registered for it.
func (r *Registry) Lookup(kind string) (Driver, bool) {
	d, ok := r.byKind[kind]
	return d, ok
}

// Kinds returns the sorted-insertion-independent set of node kinds this
// registry has a driver for. Order is unspecified.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}
