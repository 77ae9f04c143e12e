package nodeadapter

import (
	"context"
	"fmt"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/driver"
)

// AddNIO installs a link endpoint on a node's driver. Satisfies
// linkengine.NodeOps so the link engine can operate on nodes without
// reaching into the driver registry itself.
func (m *Manager) AddNIO(ctx context.Context, nodeID string, ep driver.Endpoint, f driver.Filters) error {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.AddNIO(ctx, n.handle, ep, f); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("add nio on node %s", nodeID), err)
	}
	return nil
}

// UpdateNIO pushes new filters to an already-installed endpoint.
func (m *Manager) UpdateNIO(ctx context.Context, nodeID string, ep driver.Endpoint, f driver.Filters) error {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.UpdateNIO(ctx, n.handle, ep, f); err != nil {
		if err == driver.ErrNotSupported {
			return driver.ErrNotSupported
		}
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("update nio on node %s", nodeID), err)
	}
	return nil
}

// RemoveNIO tears down a previously installed link endpoint.
func (m *Manager) RemoveNIO(ctx context.Context, nodeID string, ep driver.Endpoint) error {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.RemoveNIO(ctx, n.handle, ep); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("remove nio on node %s", nodeID), err)
	}
	return nil
}

// StartCapture begins a packet capture on a node's endpoint.
func (m *Manager) StartCapture(ctx context.Context, nodeID string, ep driver.Endpoint) error {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.StartCapture(ctx, n.handle, ep); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("start capture on node %s", nodeID), err)
	}
	return nil
}

// StopCapture ends a packet capture on a node's endpoint.
func (m *Manager) StopCapture(ctx context.Context, nodeID string, ep driver.Endpoint) error {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := d.StopCapture(ctx, n.handle, ep); err != nil {
		return apierr.Wrap(apierr.DriverError, fmt.Sprintf("stop capture on node %s", nodeID), err)
	}
	return nil
}

// StreamPCAP returns the readable capture stream for a node's endpoint.
func (m *Manager) StreamPCAP(ctx context.Context, nodeID string, ep driver.Endpoint) (driver.PCAPStream, error) {
	n, d, err := m.lookup(nodeID)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := d.StreamPCAP(ctx, n.handle, ep)
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, fmt.Sprintf("stream pcap on node %s", nodeID), err)
	}
	return s, nil
}
