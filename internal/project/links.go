package project

import (
	"context"

	"github.com/google/uuid"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
)

// ComputeLocator resolves a compute_id to the addressing information the
// link engine needs to dial a UDP tunnel to it.
type ComputeLocator interface {
	TunnelHost(computeID string) (string, error)
}

// NodeComputeID returns the compute a node was created on, as recorded
// in the project graph at AddNode time.
func (m *Manager) NodeComputeID(projectID, nodeID string) (string, error) {
	p, ok := m.GetProject(projectID)
	if !ok {
		return "", apierr.NotFoundf("project %s not found", projectID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rec := range p.Graph.Nodes {
		if rec.ID == nodeID {
			return rec.ComputeID, nil
		}
	}
	return "", apierr.NotFoundf("node %s not found in project %s", nodeID, projectID)
}

// AddLink validates and installs a two-endpoint link (spec.md §4.4).
// locator resolves each endpoint's compute to its advertised tunnel
// host; nodeComputeID resolves a node_id to its owning compute_id.
func (m *Manager) AddLink(ctx context.Context, projectID, linkType string, endpoints [2]LinkEndpointRecord, filters driver.Filters, locator ComputeLocator, nodeComputeID func(nodeID string) (string, error)) (*LinkRecord, error) {
	p, ok := m.GetProject(projectID)
	if !ok {
		return nil, apierr.NotFoundf("project %s not found", projectID)
	}

	var engineEndpoints [2]linkengine.Endpoint
	for i, ep := range endpoints {
		computeID, err := nodeComputeID(ep.NodeID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Validation, "resolve endpoint compute", err)
		}
		host, err := locator.TunnelHost(computeID)
		if err != nil {
			return nil, apierr.Wrap(apierr.ComputeUnreachable, "resolve endpoint tunnel host", err)
		}
		engineEndpoints[i] = linkengine.Endpoint{
			NodeID:        ep.NodeID,
			ComputeID:     computeID,
			TunnelHost:    host,
			AdapterNumber: ep.AdapterNumber,
			PortNumber:    ep.PortNumber,
		}
	}

	id := uuid.NewString()
	if _, err := m.links.CreateLink(ctx, id, projectID, linkType, engineEndpoints, filters); err != nil {
		return nil, err
	}

	rec := LinkRecord{ID: id, Type: linkType, Endpoints: endpoints[:], Filters: filters, Installed: true}

	p.mu.Lock()
	p.Graph.Links = append(p.Graph.Links, rec)
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(projectID, notify.Event{Action: "link.created", Data: rec})
	}
	return &rec, nil
}

// RemoveLink tears down an installed link and removes it from the
// project graph.
func (m *Manager) RemoveLink(ctx context.Context, projectID, linkID string) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}

	if err := m.links.DeleteLink(ctx, linkID); err != nil {
		return err
	}

	p.mu.Lock()
	filtered := p.Graph.Links[:0]
	for _, l := range p.Graph.Links {
		if l.ID != linkID {
			filtered = append(filtered, l)
		}
	}
	p.Graph.Links = filtered
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(projectID, notify.Event{Action: "link.deleted", Data: map[string]string{"link_id": linkID}})
	}
	return nil
}

// handlePortsRemoved is installed as the nodeadapter.Manager's
// PortsRemovedFunc. For each port the driver no longer reports, it
// detaches the link endpoint bound to it (if any), drops the link from
// the project graph, and publishes link.port-removed (spec.md §4.3:
// "detaches any link endpoint that no longer exists").
func (m *Manager) handlePortsRemoved(n *nodeadapter.Node, removed []driver.PortExpose) {
	if m.links == nil {
		return
	}
	p, ok := m.GetProject(n.ProjectID)
	if !ok {
		return
	}

	for _, port := range removed {
		linkID, err := m.links.DetachByEndpoint(context.Background(), n.ID, port.AdapterNumber, port.PortNumber)
		if err != nil || linkID == "" {
			continue
		}

		p.mu.Lock()
		filtered := p.Graph.Links[:0]
		for _, l := range p.Graph.Links {
			if l.ID != linkID {
				filtered = append(filtered, l)
			}
		}
		p.Graph.Links = filtered
		p.mu.Unlock()

		_ = m.persistGraph(p)
		if m.bus != nil {
			m.bus.Publish(n.ProjectID, notify.Event{
				Action: "link.port-removed",
				Data: map[string]string{
					"link_id": linkID,
					"node_id": n.ID,
				},
			})
		}
	}
}

// AddDrawing appends a freeform annotation to the project graph.
func (m *Manager) AddDrawing(projectID string, d DrawingRecord) (*DrawingRecord, error) {
	p, ok := m.GetProject(projectID)
	if !ok {
		return nil, apierr.NotFoundf("project %s not found", projectID)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	p.mu.Lock()
	p.Graph.Drawings = append(p.Graph.Drawings, d)
	p.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return nil, err
	}
	return &d, nil
}

// RemoveDrawing deletes a drawing from the project graph.
func (m *Manager) RemoveDrawing(projectID, drawingID string) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}

	p.mu.Lock()
	filtered := p.Graph.Drawings[:0]
	for _, d := range p.Graph.Drawings {
		if d.ID != drawingID {
			filtered = append(filtered, d)
		}
	}
	p.Graph.Drawings = filtered
	p.mu.Unlock()

	return m.persistGraph(p)
}
