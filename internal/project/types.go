// Package project implements the Project Manager (spec.md §4.5): the
// entity graph (nodes, links, drawings, snapshots) owned per project,
// bulk lifecycle operations in dependency order, and the portable
// archive format used by export/import/snapshot.
package project

import (
	"sync"
	"time"

	"github.com/gns3/gnsd/internal/driver"
)

// Status is a project's open/closed lifecycle state.
type Status string

const (
	StatusOpened Status = "opened"
	StatusClosed Status = "closed"
)

// alwaysOnKinds are dispatched before VM-like kinds in bulk operations
// (spec.md §4.5's dependency order).
var alwaysOnKinds = map[string]bool{
	"cloud":           true,
	"nat":             true,
	"ethernet_switch": true,
	"ethernet_hub":    true,
}

// NodeRecord is one node's persisted graph entry. The node's live
// runtime state lives in nodeadapter.Manager; NodeRecord is what the
// project graph round-trips to disk and to the API.
type NodeRecord struct {
	ID          string                 `json:"node_id"`
	ComputeID   string                 `json:"compute_id"`
	Kind        string                 `json:"node_type"`
	Name        string                 `json:"name"`
	Properties  map[string]interface{} `json:"properties"`
	X           int                    `json:"x"`
	Y           int                    `json:"y"`
	Z           int                    `json:"z"`
	ConsoleType string                 `json:"console_type,omitempty"`
	ConsoleHost string                 `json:"console_host,omitempty"`
	ConsolePort int                    `json:"console_port,omitempty"`
	AuxPort     int                    `json:"aux_port,omitempty"`
}

// LinkEndpointRecord is one side of a link.
type LinkEndpointRecord struct {
	NodeID        string `json:"node_id"`
	AdapterNumber int    `json:"adapter_number"`
	PortNumber    int    `json:"port_number"`
	Label         string `json:"label,omitempty"`
}

// LinkRecord is one link's persisted graph entry.
type LinkRecord struct {
	ID        string               `json:"link_id"`
	Type      string               `json:"link_type"`
	Endpoints []LinkEndpointRecord `json:"nodes"`
	Filters   driver.Filters       `json:"filters"`

	// Installed is true once the link's NIOs are actually wired up on
	// both computes. Only AddLink sets it. A link reloaded from disk on
	// Open (or copied by Duplicate) stays declared (Installed=false);
	// starting its endpoint nodes does not install it.
	Installed bool `json:"-"`

	Capturing     bool   `json:"capturing"`
	CaptureNodeID string `json:"capture_node_id,omitempty"`
}

// DrawingRecord is a freeform annotation on the topology canvas.
type DrawingRecord struct {
	ID       string  `json:"drawing_id"`
	SVG      string  `json:"svg"`
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Z        int     `json:"z"`
	Rotation float64 `json:"rotation"`
	Locked   bool    `json:"locked"`
}

// SnapshotRecord is one immutable, named archive of a project's state.
type SnapshotRecord struct {
	ID        string    `json:"snapshot_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"-"`
}

// Graph is the full JSON document persisted as project.gns3 (spec.md
// §6's portable archive format).
type Graph struct {
	ProjectID   string                 `json:"project_id"`
	Name        string                 `json:"name"`
	SceneWidth  int                    `json:"scene_width"`
	SceneHeight int                    `json:"scene_height"`
	GridSize    int                    `json:"grid_size"`
	Variables   map[string]string      `json:"variables,omitempty"`
	AutoStart   bool                   `json:"auto_start"`
	AutoOpen    bool                   `json:"auto_open"`
	AutoClose   bool                   `json:"auto_close"`
	Supplier    map[string]interface{} `json:"supplier,omitempty"`

	Nodes    []NodeRecord    `json:"nodes"`
	Links    []LinkRecord    `json:"links"`
	Drawings []DrawingRecord `json:"drawings"`
}

// Project is one controller-managed topology: an in-memory view of its
// graph plus runtime status. Node/link runtime state itself lives in the
// shared nodeadapter.Manager / linkengine.Engine; Project tracks the
// graph's identity and metadata.
type Project struct {
	mu sync.RWMutex

	ID     string
	Path   string
	Status Status
	Graph  Graph

	Snapshots []SnapshotRecord

	// snapshotMu serializes snapshot create against Close and other
	// snapshot ops, kept separate from mu per spec.md §5's "no global
	// locks, dedicated lock per concern" rule.
	snapshotMu sync.Mutex
}

func (p *Project) snapshot() Graph {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Graph
}
