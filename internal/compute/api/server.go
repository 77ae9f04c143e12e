// Package api implements the Compute agent's HTTP surface
// (`/v2/compute/...`): node lifecycle CRUD, NIO wiring, packet capture,
// and the agent's notification stream the Controller's
// internal/computeproxy.Proxy.Subscribe consumes. Grounded on the same
// internal/api/server.go idiom as internal/controller/api, narrowed one
// level down to a single compute's node set instead of the controller's
// whole project graph.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
	"github.com/gns3/gnsd/internal/portalloc"
	"github.com/gns3/gnsd/internal/version"
)

// notificationsProjectID is the fixed Bus key this agent's node state
// changes are published under — a compute agent hosts nodes on behalf of
// many controller projects, but exposes one flat notification stream,
// matching the real GNS3 compute API's single `/v2/compute/notifications`
// endpoint.
const notificationsProjectID = "compute"

// Server is the compute agent's HTTP API server.
type Server struct {
	cfg   *config.Compute
	nodes *nodeadapter.Manager
	bus   *notify.Bus
	ports *portalloc.Set

	mu           sync.Mutex
	consolePorts map[string]int // node_id -> reserved console port

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a Server wired to nodes. It installs a state-change
// callback on nodes that publishes to its own notify.Bus, so any caller
// subscribed to /v2/compute/notifications observes every node's
// lifecycle transitions. Every created node is given a console port out
// of cfg's console range (spec.md §4.1) via its own portalloc.Set.
func NewServer(cfg *config.Compute, nodes *nodeadapter.Manager) *Server {
	bus := notify.New(notify.Config{})
	nodes.OnStateChange(func(n *nodeadapter.Node, from, to nodeadapter.State) {
		bus.Publish(notificationsProjectID, notify.Event{
			Action: "node.updated",
			Data: map[string]interface{}{
				"node_id": n.ID,
				"from":    from,
				"to":      to,
			},
		})
	})

	s := &Server{
		cfg:          cfg,
		nodes:        nodes,
		bus:          bus,
		ports:        portalloc.NewSet(cfg.ConsolePortMin, cfg.ConsolePortMax, cfg.UDPPortMin, cfg.UDPPortMax),
		consolePorts: make(map[string]int),
		mux:          http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the configured host:port and begins serving in the
// background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Printf("gnscompute API listening on %s", addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("compute API server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v2/compute/version", s.handleVersion)
	s.mux.HandleFunc("GET /v2/compute/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /v2/compute/notifications", s.handleNotifications)

	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes", s.handleCreateNode)
	s.mux.HandleFunc("GET /v2/compute/projects/{project_id}/nodes/{node_id}", s.handleGetNode)
	s.mux.HandleFunc("PUT /v2/compute/projects/{project_id}/nodes/{node_id}", s.handleUpdateNode)
	s.mux.HandleFunc("DELETE /v2/compute/projects/{project_id}/nodes/{node_id}", s.handleDeleteNode)
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/start", s.handleNodeLifecycle(nodeStart))
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/stop", s.handleNodeLifecycle(nodeStop))
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/suspend", s.handleNodeLifecycle(nodeSuspend))
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/reload", s.handleNodeLifecycle(nodeReload))
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/duplicate", s.handleDuplicateNode)

	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/nio", s.handleAddNIO)
	s.mux.HandleFunc("PUT /v2/compute/projects/{project_id}/nodes/{node_id}/nio", s.handleUpdateNIO)
	s.mux.HandleFunc("DELETE /v2/compute/projects/{project_id}/nodes/{node_id}/nio", s.handleRemoveNIO)
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/capture/start", s.handleStartCapture)
	s.mux.HandleFunc("POST /v2/compute/projects/{project_id}/nodes/{node_id}/capture/stop", s.handleStopCapture)
	s.mux.HandleFunc("GET /v2/compute/projects/{project_id}/nodes/{node_id}/capture/stream", s.handleStreamPCAP)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version()})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"node_types": []string{}})
}

// handleNotifications streams newline-delimited JSON envelopes
// {"action": ..., "event": ...}, matching computeproxy.Proxy.streamOnce's
// expected wire format exactly.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(notificationsProjectID)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			sub.MarkAlive()
			line, err := json.Marshal(map[string]interface{}{"action": ev.Action, "event": ev.Data})
			if err != nil {
				continue
			}
			w.Write(line)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

type createNodeRequest struct {
	NodeID     string                 `json:"node_id"`
	Kind       string                 `json:"node_type"`
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	n, err := s.nodes.CreateNode(r.Context(), r.PathValue("project_id"), req.NodeID, req.Kind, req.Name, req.Properties)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	consolePort, err := s.ports.Console.Reserve()
	if err != nil {
		log.Printf("reserve console port for node %s: %v", n.ID, err)
	} else {
		s.mu.Lock()
		s.consolePorts[n.ID] = consolePort
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusCreated, s.nodeView(n))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.nodes.GetNode(r.PathValue("node_id"))
	if !ok {
		writeAPIErr(w, apierr.NotFoundf("node %s not found", r.PathValue("node_id")))
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(n))
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Properties map[string]interface{} `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.Update(r.Context(), r.PathValue("node_id"), req.Properties); err != nil {
		writeAPIErr(w, err)
		return
	}
	n, _ := s.nodes.GetNode(r.PathValue("node_id"))
	writeJSON(w, http.StatusOK, s.nodeView(n))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("node_id")
	if err := s.nodes.DeleteNode(r.Context(), id); err != nil {
		writeAPIErr(w, err)
		return
	}

	s.mu.Lock()
	port, ok := s.consolePorts[id]
	delete(s.consolePorts, id)
	s.mu.Unlock()
	if ok {
		s.ports.Console.Release(port)
	}

	w.WriteHeader(http.StatusNoContent)
}

type nodeLifecycleOp int

const (
	nodeStart nodeLifecycleOp = iota
	nodeStop
	nodeSuspend
	nodeReload
)

func (s *Server) handleNodeLifecycle(op nodeLifecycleOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("node_id")
		var err error
		switch op {
		case nodeStart:
			err = s.nodes.Start(r.Context(), id)
		case nodeStop:
			err = s.nodes.Stop(r.Context(), id)
		case nodeSuspend:
			err = s.nodes.Suspend(r.Context(), id)
		case nodeReload:
			err = s.nodes.Reload(r.Context(), id)
		}
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDuplicateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewNodeID string `json:"new_node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	n, err := s.nodes.Duplicate(r.Context(), r.PathValue("node_id"), req.NewNodeID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	consolePort, err := s.ports.Console.Reserve()
	if err != nil {
		log.Printf("reserve console port for node %s: %v", n.ID, err)
	} else {
		s.mu.Lock()
		s.consolePorts[n.ID] = consolePort
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusCreated, s.nodeView(n))
}

type nioRequest struct {
	Endpoint driver.Endpoint `json:"endpoint"`
	Filters  driver.Filters  `json:"filters"`
}

func (s *Server) handleAddNIO(w http.ResponseWriter, r *http.Request) {
	var req nioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.AddNIO(r.Context(), r.PathValue("node_id"), req.Endpoint, req.Filters); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdateNIO(w http.ResponseWriter, r *http.Request) {
	var req nioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.UpdateNIO(r.Context(), r.PathValue("node_id"), req.Endpoint, req.Filters); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveNIO(w http.ResponseWriter, r *http.Request) {
	var req nioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.RemoveNIO(r.Context(), r.PathValue("node_id"), req.Endpoint); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint driver.Endpoint `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.StartCapture(r.Context(), r.PathValue("node_id"), req.Endpoint); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint driver.Endpoint `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.nodes.StopCapture(r.Context(), r.PathValue("node_id"), req.Endpoint); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamPCAP(w http.ResponseWriter, r *http.Request) {
	adapter, port := queryEndpointCoords(r)
	ep := driver.Endpoint{AdapterNumber: adapter, PortNumber: port}

	stream, err := s.nodes.StreamPCAP(r.Context(), r.PathValue("node_id"), ep)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	io.Copy(w, stream)
}

func queryEndpointCoords(r *http.Request) (adapter, port int) {
	fmt.Sscanf(r.URL.Query().Get("adapter"), "%d", &adapter)
	fmt.Sscanf(r.URL.Query().Get("port"), "%d", &port)
	return adapter, port
}

func (s *Server) nodeView(n *nodeadapter.Node) map[string]interface{} {
	s.mu.Lock()
	consolePort := s.consolePorts[n.ID]
	s.mu.Unlock()

	return map[string]interface{}{
		"node_id":      n.ID,
		"status":       n.State(),
		"ports":        n.Ports(),
		"console_port": consolePort,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAPIErr(w http.ResponseWriter, err error) {
	writeError(w, apierr.StatusOf(err), err.Error())
}
