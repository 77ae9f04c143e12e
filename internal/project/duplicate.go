package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gns3/gnsd/internal/apierr"
)

// Duplicate deep-copies a project's topology under new UUIDs for every
// node, link, and drawing, invoking driver Duplicate for each node
// (spec.md §4.5). Name collisions across existing projects are resolved
// by appending " - copy", then " - copy (2)", ... — a small
// suffix-scanning loop written in the teacher's plain-loop style; this
// problem is too small to justify pulling in a regex library.
func (m *Manager) Duplicate(ctx context.Context, projectID string) (*Project, error) {
	src, ok := m.GetProject(projectID)
	if !ok {
		return nil, apierr.NotFoundf("project %s not found", projectID)
	}

	srcGraph := src.snapshot()

	newID := uuid.NewString()
	newPath := filepath.Join(m.baseDir, newID)
	if err := os.MkdirAll(newPath, 0700); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create duplicate project directory", err)
	}

	newName := m.resolveNameCollision(srcGraph.Name)

	dst := &Project{
		ID:     newID,
		Path:   newPath,
		Status: StatusOpened,
		Graph: Graph{
			ProjectID:   newID,
			Name:        newName,
			SceneWidth:  srcGraph.SceneWidth,
			SceneHeight: srcGraph.SceneHeight,
			GridSize:    srcGraph.GridSize,
			Variables:   srcGraph.Variables,
		},
	}

	idMap := make(map[string]string, len(srcGraph.Nodes))
	for _, n := range srcGraph.Nodes {
		newNodeID := uuid.NewString()
		idMap[n.ID] = newNodeID

		if _, err := m.nodes.Duplicate(ctx, n.ID, newNodeID); err != nil {
			return nil, apierr.Wrap(apierr.DriverError, fmt.Sprintf("duplicate node %s", n.ID), err)
		}

		rec := n
		rec.ID = newNodeID
		dst.Graph.Nodes = append(dst.Graph.Nodes, rec)
	}

	for _, l := range srcGraph.Links {
		rec := l
		rec.ID = uuid.NewString()
		rec.Installed = false
		endpoints := make([]LinkEndpointRecord, len(l.Endpoints))
		for i, ep := range l.Endpoints {
			endpoints[i] = ep
			endpoints[i].NodeID = idMap[ep.NodeID]
		}
		rec.Endpoints = endpoints
		dst.Graph.Links = append(dst.Graph.Links, rec)
	}

	for _, d := range srcGraph.Drawings {
		rec := d
		rec.ID = uuid.NewString()
		dst.Graph.Drawings = append(dst.Graph.Drawings, rec)
	}

	m.mu.Lock()
	m.projects[newID] = dst
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Upsert(ctx, ProjectIndexRow{ID: newID, Name: newName, Path: newPath, Status: string(StatusOpened)}); err != nil {
			return nil, err
		}
	}
	if err := m.persistGraph(dst); err != nil {
		return nil, err
	}

	return dst, nil
}

func (m *Manager) resolveNameCollision(base string) string {
	existing := make(map[string]bool)
	m.mu.RLock()
	for _, p := range m.projects {
		existing[normalizeName(p.Graph.Name)] = true
	}
	m.mu.RUnlock()

	candidate := base + " - copy"
	if !existing[normalizeName(candidate)] {
		return candidate
	}
	for i := 2; ; i++ {
		candidate = fmt.Sprintf("%s - copy (%d)", base, i)
		if !existing[normalizeName(candidate)] {
			return candidate
		}
	}
}
