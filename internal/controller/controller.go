// Package controller implements the Controller Core (spec.md §4.7): the
// top-level object owning every registered Compute Proxy and the Project
// Manager, and orchestrating graceful shutdown across both.
package controller

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/computeproxy"
	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
	"github.com/gns3/gnsd/internal/project"
	"github.com/gns3/gnsd/internal/secrets"
)

// computeEntry is one registered compute's proxy plus the addressing
// metadata the link engine needs to dial a UDP tunnel to it.
type computeEntry struct {
	proxy      *computeproxy.Proxy
	tunnelHost string
}

// Controller owns every registered compute and the project manager,
// grounded on internal/daemon/manager.go's single-mutex
// map-of-entities-by-id shape, reused here one level up (computes
// instead of daemon processes).
type Controller struct {
	cfg *config.Controller

	mu       sync.RWMutex
	computes map[string]*computeEntry

	Projects *project.Manager
	Nodes    *nodeadapter.Manager
	Links    *linkengine.Engine
	Bus      *notify.Bus

	store   *project.Store
	secrets *secrets.Store
}

// New creates a Controller wired to an already-constructed Project
// Manager, Node Adapter Manager, Link Engine, and notification Bus. Nodes
// and Links are exposed alongside Projects because the REST API needs
// per-node and per-link operations that project.Manager does not itself
// surface (it only owns the graph-level view of each). store and
// secretStore may be nil, in which case compute registrations are kept
// in memory only (matching prior behavior, and what tests use).
func New(cfg *config.Controller, projects *project.Manager, nodes *nodeadapter.Manager, links *linkengine.Engine, bus *notify.Bus, store *project.Store, secretStore *secrets.Store) *Controller {
	return &Controller{
		cfg:      cfg,
		computes: make(map[string]*computeEntry),
		Projects: projects,
		Nodes:    nodes,
		Links:    links,
		Bus:      bus,
		store:    store,
		secrets:  secretStore,
	}
}

// RegisterCompute adds a new compute to the fleet and returns its proxy.
// Registering an id that already exists replaces the prior proxy. When a
// project.Store and secrets.Store were supplied to New, the registration
// is also persisted (password encrypted at rest) so it survives a
// controller restart; a persistence failure is logged but does not fail
// registration, matching nodeadapter's best-effort port refresh idiom.
func (c *Controller) RegisterCompute(id string, pcfg computeproxy.Config, tunnelHost string) *computeproxy.Proxy {
	p := computeproxy.New(pcfg)

	c.mu.Lock()
	c.computes[id] = &computeEntry{proxy: p, tunnelHost: tunnelHost}
	c.mu.Unlock()

	c.persistCompute(id, pcfg, tunnelHost)

	return p
}

func (c *Controller) persistCompute(id string, pcfg computeproxy.Config, tunnelHost string) {
	if c.store == nil || c.secrets == nil {
		return
	}

	var encPassword []byte
	if pcfg.Password != "" {
		enc, err := c.secrets.Encrypt([]byte(pcfg.Password))
		if err != nil {
			log.Printf("encrypt compute %s password: %v", id, err)
			return
		}
		encPassword = enc
	}

	row := project.ComputeRow{
		ID:                id,
		Host:              pcfg.Host,
		Port:              pcfg.Port,
		Protocol:          pcfg.Protocol,
		User:              pcfg.User,
		EncryptedPassword: encPassword,
		TunnelHost:        tunnelHost,
	}
	if err := c.store.UpsertCompute(context.Background(), row); err != nil {
		log.Printf("persist compute %s: %v", id, err)
	}
}

// UnregisterCompute drops a compute from the fleet. Unregistering an
// unknown id is a no-op.
func (c *Controller) UnregisterCompute(id string) {
	c.mu.Lock()
	delete(c.computes, id)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteCompute(context.Background(), id); err != nil {
			log.Printf("delete persisted compute %s: %v", id, err)
		}
	}
}

// RestoreComputes re-registers every compute the store remembers from a
// prior run, decrypting each stored password. Call once at startup after
// New, before the API server starts accepting traffic.
func (c *Controller) RestoreComputes(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	rows, err := c.store.ListComputes(ctx)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		pcfg := computeproxy.Config{
			Host:             row.Host,
			Port:             row.Port,
			Protocol:         row.Protocol,
			User:             row.User,
			CallTimeout:      c.cfg.ComputeCallTimeout,
			ReconnectInitial: c.cfg.ReconnectInitialBackoff,
			ReconnectMax:     c.cfg.ReconnectMaxBackoff,
		}
		if len(row.EncryptedPassword) > 0 && c.secrets != nil {
			plain, err := c.secrets.Decrypt(row.EncryptedPassword)
			if err != nil {
				log.Printf("decrypt compute %s password: %v", row.ID, err)
			} else {
				pcfg.Password = string(plain)
			}
		}

		p := computeproxy.New(pcfg)
		c.mu.Lock()
		c.computes[row.ID] = &computeEntry{proxy: p, tunnelHost: row.TunnelHost}
		c.mu.Unlock()
	}

	return len(rows), nil
}

// GetCompute returns the proxy registered under id, if any.
func (c *Controller) GetCompute(id string) (*computeproxy.Proxy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.computes[id]
	if !ok {
		return nil, false
	}
	return e.proxy, true
}

// ListComputeIDs returns every registered compute id. Order is
// unspecified.
func (c *Controller) ListComputeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.computes))
	for id := range c.computes {
		ids = append(ids, id)
	}
	return ids
}

// TunnelHost implements project.ComputeLocator: it resolves a
// compute_id to the host the link engine should tell its peer endpoint
// to dial.
func (c *Controller) TunnelHost(computeID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.computes[computeID]
	if !ok {
		return "", apierr.NotFoundf("compute %s not found", computeID)
	}
	return e.tunnelHost, nil
}

// Shutdown closes every open project in parallel (bounded by a 30s
// timeout matching spec.md §4.7's graceful-shutdown budget), then closes
// every Compute Proxy's underlying transport. A project or compute that
// does not finish within the timeout does not block the others.
func (c *Controller) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	projects := c.Projects.ListProjects()
	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			_ = c.Projects.Close(gctx, p.ID)
			return nil
		})
	}
	g.Wait()

	c.mu.RLock()
	entries := make([]*computeEntry, 0, len(c.computes))
	for _, e := range c.computes {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.proxy.Close()
	}

	return nil
}
