package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
)

// Nodes is the subset of nodeadapter.Manager the project manager needs.
// Kept as an interface so tests can substitute a fake without standing
// up real drivers.
type Nodes interface {
	CreateNode(ctx context.Context, projectID, id, kind, name string, properties map[string]interface{}) (*nodeadapter.Node, error)
	DeleteNode(ctx context.Context, id string) error
	GetNode(id string) (*nodeadapter.Node, bool)
	ListNodes(projectID string) []*nodeadapter.Node
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) error
	Duplicate(ctx context.Context, id, newID string) (*nodeadapter.Node, error)
	OnPortsRemoved(fn nodeadapter.PortsRemovedFunc)
}

// Manager owns every open Project. Grounded on internal/registry/db.go's
// persistence shape (one DB-backed index plus on-disk per-project
// state) combined with internal/lifecycle/manager.go's map-of-entities-
// under-one-mutex pattern, reused here one level up (projects instead of
// instances).
type Manager struct {
	mu       sync.RWMutex
	projects map[string]*Project

	baseDir     string
	nodes       Nodes
	links       *linkengine.Engine
	bus         *notify.Bus
	store       *Store
	concurrency int
}

// Config configures a new Manager.
type Config struct {
	BaseDir     string
	Nodes       Nodes
	Links       *linkengine.Engine
	Bus         *notify.Bus
	Store       *Store
	Concurrency int
}

// NewManager creates an empty project Manager. It installs a
// PortsRemoved callback on nodes that detaches any link endpoint bound
// to a port the driver stops reporting (spec.md §4.3).
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	m := &Manager{
		projects:    make(map[string]*Project),
		baseDir:     cfg.BaseDir,
		nodes:       cfg.Nodes,
		links:       cfg.Links,
		bus:         cfg.Bus,
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
	}
	if m.nodes != nil {
		m.nodes.OnPortsRemoved(m.handlePortsRemoved)
	}
	return m
}

// CreateProject creates a new, empty, opened project on disk and
// registers it.
func (m *Manager) CreateProject(ctx context.Context, name string) (*Project, error) {
	id := uuid.NewString()
	path := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create project directory", err)
	}

	p := &Project{
		ID:     id,
		Path:   path,
		Status: StatusOpened,
		Graph: Graph{
			ProjectID:   id,
			Name:        name,
			SceneWidth:  2000,
			SceneHeight: 1000,
			GridSize:    75,
		},
	}

	m.mu.Lock()
	m.projects[id] = p
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Upsert(ctx, ProjectIndexRow{ID: id, Name: name, Path: path, Status: string(StatusOpened)}); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "persist project index", err)
		}
	}
	if err := m.persistGraph(p); err != nil {
		return nil, err
	}

	return p, nil
}

// GetProject returns the project registered under id.
func (m *Manager) GetProject(id string) (*Project, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok
}

// ListProjects returns every currently registered project. Order is
// unspecified.
func (m *Manager) ListProjects() []*Project {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out
}

func (m *Manager) persistGraph(p *Project) error {
	g := p.snapshot()
	return writeGraphFile(filepath.Join(p.Path, graphFileName), g)
}

// AddNode creates a node in both the project graph and the shared
// nodeadapter.Manager, enforcing within-project name uniqueness (spec.md
// §3's Node Adapter invariant).
func (m *Manager) AddNode(ctx context.Context, projectID string, rec NodeRecord) (*NodeRecord, error) {
	p, ok := m.GetProject(projectID)
	if !ok {
		return nil, apierr.NotFoundf("project %s not found", projectID)
	}

	p.mu.Lock()
	normalized := normalizeName(rec.Name)
	for _, existing := range p.Graph.Nodes {
		if normalizeName(existing.Name) == normalized {
			p.mu.Unlock()
			return nil, apierr.Conflictf("node name %q already used in project %s", rec.Name, projectID)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	p.mu.Unlock()

	if _, err := m.nodes.CreateNode(ctx, projectID, rec.ID, rec.Kind, rec.Name, rec.Properties); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.Graph.Nodes = append(p.Graph.Nodes, rec)
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(projectID, notify.Event{Action: "node.created", Data: rec})
	}
	return &rec, nil
}

// RemoveNode deletes a node from the runtime manager and the project
// graph.
func (m *Manager) RemoveNode(ctx context.Context, projectID, nodeID string) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}

	if err := m.nodes.DeleteNode(ctx, nodeID); err != nil {
		return err
	}

	p.mu.Lock()
	filtered := p.Graph.Nodes[:0]
	for _, n := range p.Graph.Nodes {
		if n.ID != nodeID {
			filtered = append(filtered, n)
		}
	}
	p.Graph.Nodes = filtered
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(projectID, notify.Event{Action: "node.deleted", Data: map[string]string{"node_id": nodeID}})
	}
	return nil
}

// normalizeName lowercases and trims a node name for uniqueness
// comparisons, matching spec.md's "unique within the project after
// normalization".
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// dependencyGroups splits project nodes into the always-on group
// (switches/hubs/clouds/NATs) and the remaining VM-like group, matching
// spec.md §4.5's bulk-operation dependency order.
func dependencyGroups(nodes []*nodeadapter.Node) (alwaysOn, rest []*nodeadapter.Node) {
	for _, n := range nodes {
		if alwaysOnKinds[n.Kind] {
			alwaysOn = append(alwaysOn, n)
		} else {
			rest = append(rest, n)
		}
	}
	return alwaysOn, rest
}

// NodeResult is one node's outcome from a bulk operation.
type NodeResult struct {
	NodeID string
	Err    error
}

// runBulk dispatches op over nodes with a bounded concurrency cap,
// within the always-on group before the rest group, collecting every
// per-node result rather than aborting on first failure (spec.md §4.5:
// "does not abort on first failure"). Grounded on the pack's
// golang.org/x/sync/errgroup usage (dittofs, golib) with
// errgroup.Group.SetLimit bounding fan-out.
func (m *Manager) runBulk(ctx context.Context, projectID string, op func(context.Context, *nodeadapter.Node) error) []NodeResult {
	nodes := m.nodes.ListNodes(projectID)
	alwaysOn, rest := dependencyGroups(nodes)

	var results []NodeResult
	var resultsMu sync.Mutex

	dispatch := func(group []*nodeadapter.Node) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.concurrency)
		for _, n := range group {
			n := n
			g.Go(func() error {
				err := op(gctx, n)
				resultsMu.Lock()
				results = append(results, NodeResult{NodeID: n.ID, Err: err})
				resultsMu.Unlock()
				// never propagate the error upward: errgroup would
				// otherwise cancel gctx and stop sibling dispatches.
				return nil
			})
		}
		g.Wait()
	}

	dispatch(alwaysOn)
	dispatch(rest)
	return results
}

// StartAll starts every node in dependency order, always-on kinds
// first.
func (m *Manager) StartAll(ctx context.Context, projectID string) []NodeResult {
	return m.runBulk(ctx, projectID, func(ctx context.Context, n *nodeadapter.Node) error {
		return m.nodes.Start(ctx, n.ID)
	})
}

// StopAll stops every node in dependency order.
func (m *Manager) StopAll(ctx context.Context, projectID string) []NodeResult {
	return m.runBulk(ctx, projectID, func(ctx context.Context, n *nodeadapter.Node) error {
		return m.nodes.Stop(ctx, n.ID)
	})
}

// SuspendAll suspends every node in dependency order.
func (m *Manager) SuspendAll(ctx context.Context, projectID string) []NodeResult {
	return m.runBulk(ctx, projectID, func(ctx context.Context, n *nodeadapter.Node) error {
		return m.nodes.Suspend(ctx, n.ID)
	})
}

// Close stops all running nodes best-effort, tears down every installed
// link (releasing its reserved UDP ports), deregisters every node from
// the node adapter, and drops the in-memory project state. On-disk
// state remains (spec.md §4.5: "stop all running nodes… release all
// ports… drop in-memory state"). Deregistering nodes is what lets a
// later Open re-create them without hitting nodeadapter's
// already-exists conflict.
func (m *Manager) Close(ctx context.Context, projectID string) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}

	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()

	m.StopAll(ctx, projectID)

	if m.links != nil {
		for _, l := range m.links.ListLinks(projectID) {
			_ = m.links.DeleteLink(ctx, l.ID)
		}
	}
	for _, n := range m.nodes.ListNodes(projectID) {
		_ = m.nodes.DeleteNode(ctx, n.ID)
	}

	p.mu.Lock()
	p.Status = StatusClosed
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, projectID, string(StatusClosed)); err != nil {
			return err
		}
	}
	if m.bus != nil {
		m.bus.Publish(projectID, notify.Event{Action: "project.closed"})
	}

	m.mu.Lock()
	delete(m.projects, projectID)
	m.mu.Unlock()

	return nil
}

// Open loads a previously closed project's persisted graph and
// re-instantiates its nodes in stopped status; links are rebuilt as
// declared (not installed) and are not reinstalled when their endpoints
// start (spec.md §4.5). If the graph's AutoStart flag is set, StartAll is
// issued after load.
func (m *Manager) Open(ctx context.Context, projectID string) (*Project, error) {
	path := filepath.Join(m.baseDir, projectID)
	g, err := readGraphFile(filepath.Join(path, graphFileName))
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, fmt.Sprintf("open project %s", projectID), err)
	}

	p := &Project{ID: projectID, Path: path, Status: StatusOpened, Graph: g}

	for _, rec := range g.Nodes {
		if _, err := m.nodes.CreateNode(ctx, projectID, rec.ID, rec.Kind, rec.Name, rec.Properties); err != nil {
			return nil, apierr.Wrap(apierr.Internal, fmt.Sprintf("restore node %s", rec.ID), err)
		}
	}
	for i := range g.Links {
		g.Links[i].Installed = false
	}

	m.mu.Lock()
	m.projects[projectID] = p
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, projectID, string(StatusOpened)); err != nil {
			return nil, err
		}
	}

	if g.AutoStart {
		m.StartAll(ctx, projectID)
	}

	return p, nil
}

const graphFileName = "project.gns3"
