// Package api implements the Controller's HTTP surface (spec.md §6):
// compute registration, project/node/link/drawing/snapshot CRUD, and the
// notification stream. Grounded on internal/api/server.go's
// http.ServeMux-with-method-patterns shape and its writeJSON/writeError
// helpers, reused verbatim in idiom for the controller's own resource
// set.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/gns3/gnsd/internal/apierr"
	"github.com/gns3/gnsd/internal/computeproxy"
	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/controller"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/project"
	"github.com/gns3/gnsd/internal/version"
)

// Server is the controller's HTTP API server, grounded on
// internal/api/server.go's Server shape (a *http.ServeMux plus a
// *http.Server and its own net.Listener) adapted from that server's
// unix-socket transport to the TCP(+TLS) transport spec.md §6's REST
// surface requires.
type Server struct {
	cfg *config.Controller
	ctl *controller.Controller

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a Server wired to ctl.
func NewServer(cfg *config.Controller, ctl *controller.Controller) *Server {
	s := &Server{cfg: cfg, ctl: ctl, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

// Handler returns the server's http.Handler, for use in tests via
// httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the configured host:port and begins serving in the
// background. TLS is enabled when the config's SSL flag is set, using
// its CertFile/CertKey pair.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Printf("gnsd controller API listening on %s", addr)

	go func() {
		var err error
		if s.cfg.SSL {
			err = s.server.ServeTLS(ln, s.cfg.CertFile, s.cfg.CertKey)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("controller API server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v2/version", s.handleVersion)

	s.mux.HandleFunc("POST /v2/computes", s.handleRegisterCompute)
	s.mux.HandleFunc("GET /v2/computes", s.handleListComputes)
	s.mux.HandleFunc("GET /v2/computes/{compute_id}", s.handleGetCompute)
	s.mux.HandleFunc("DELETE /v2/computes/{compute_id}", s.handleUnregisterCompute)

	s.mux.HandleFunc("POST /v2/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /v2/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /v2/projects/{project_id}", s.handleGetProject)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/close", s.handleCloseProject)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/open", s.handleOpenProject)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/duplicate", s.handleDuplicateProject)
	s.mux.HandleFunc("GET /v2/projects/{project_id}/export", s.handleExportProject)
	s.mux.HandleFunc("POST /v2/projects/import", s.handleImportProject)
	s.mux.HandleFunc("GET /v2/projects/{project_id}/notifications", s.handleNotifications)
	s.mux.HandleFunc("GET /v2/projects/{project_id}/notifications/ws", s.handleNotificationsWS)

	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes", s.handleAddNode)
	s.mux.HandleFunc("GET /v2/projects/{project_id}/nodes", s.handleListNodes)
	s.mux.HandleFunc("DELETE /v2/projects/{project_id}/nodes/{node_id}", s.handleRemoveNode)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/{node_id}/start", s.handleNodeOp(nodeStart))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/{node_id}/stop", s.handleNodeOp(nodeStop))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/{node_id}/suspend", s.handleNodeOp(nodeSuspend))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/{node_id}/reload", s.handleNodeOp(nodeReload))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/start", s.handleBulkOp(bulkStart))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/stop", s.handleBulkOp(bulkStop))
	s.mux.HandleFunc("POST /v2/projects/{project_id}/nodes/suspend", s.handleBulkOp(bulkSuspend))

	s.mux.HandleFunc("POST /v2/projects/{project_id}/links", s.handleAddLink)
	s.mux.HandleFunc("DELETE /v2/projects/{project_id}/links/{link_id}", s.handleRemoveLink)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/links/{link_id}/start_capture", s.handleStartCapture)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/links/{link_id}/stop_capture", s.handleStopCapture)
	s.mux.HandleFunc("GET /v2/projects/{project_id}/links/{link_id}/pcap", s.handleStreamPCAP)

	s.mux.HandleFunc("POST /v2/projects/{project_id}/drawings", s.handleAddDrawing)
	s.mux.HandleFunc("DELETE /v2/projects/{project_id}/drawings/{drawing_id}", s.handleRemoveDrawing)

	s.mux.HandleFunc("POST /v2/projects/{project_id}/snapshots", s.handleCreateSnapshot)
	s.mux.HandleFunc("POST /v2/projects/{project_id}/snapshots/{snapshot_id}/restore", s.handleRestoreSnapshot)

	// No method verb: this pattern matches every HTTP method, since the
	// compute's own emulator-specific routes (spec.md §6's "out of scope,
	// driver-defined" surface) aren't enumerable ahead of time.
	s.mux.HandleFunc("/v2/computes/{compute_id}/{emulator}/{path...}", s.handleForwardToCompute)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version.Version(),
		"local":   s.cfg.Local,
	})
}

// ---- computes ----

type registerComputeRequest struct {
	ComputeID  string `json:"compute_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	User       string `json:"user"`
	Password   string `json:"password"`
	TunnelHost string `json:"tunnel_host"`
}

func (s *Server) handleRegisterCompute(w http.ResponseWriter, r *http.Request) {
	var req registerComputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.ComputeID == "" {
		req.ComputeID = uuid.NewString()
	}
	if req.TunnelHost == "" {
		req.TunnelHost = req.Host
	}

	s.ctl.RegisterCompute(req.ComputeID, computeproxy.Config{
		Host:     req.Host,
		Port:     req.Port,
		Protocol: req.Protocol,
		User:     req.User,
		Password: req.Password,
	}, req.TunnelHost)

	writeJSON(w, http.StatusCreated, map[string]string{"compute_id": req.ComputeID})
}

func (s *Server) handleListComputes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.ListComputeIDs())
}

func (s *Server) handleGetCompute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("compute_id")
	p, ok := s.ctl.GetCompute(id)
	if !ok {
		writeAPIErr(w, apierr.NotFoundf("compute %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"compute_id":   id,
		"state":        p.State(),
		"capabilities": p.Capabilities(),
	})
}

func (s *Server) handleUnregisterCompute(w http.ResponseWriter, r *http.Request) {
	s.ctl.UnregisterCompute(r.PathValue("compute_id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleForwardToCompute proxies requests the controller itself has no
// opinion about straight through to the owning compute, grounded on
// internal/router/router.go's httputil.ReverseProxy use — narrowed here
// to computeproxy.Proxy.Call's connection-state tracking (Call does not
// retry) instead of a bare reverse proxy, since every other call the
// controller makes to a compute already goes through that Proxy.
func (s *Server) handleForwardToCompute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("compute_id")
	p, ok := s.ctl.GetCompute(id)
	if !ok {
		writeAPIErr(w, apierr.NotFoundf("compute %s not found", id))
		return
	}

	path := fmt.Sprintf("/v2/compute/%s/%s", r.PathValue("emulator"), r.PathValue("path"))
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var body interface{}
	if r.ContentLength != 0 {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read request body: %v", err))
			return
		}
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	status, respBody, err := p.Call(r.Context(), r.Method, path, body)
	if err != nil && status == 0 {
		writeAPIErr(w, apierr.Wrap(apierr.ComputeUnreachable, fmt.Sprintf("forward to compute %s", id), err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

// ---- projects ----

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	p, err := s.ctl.Projects.CreateProject(r.Context(), req.Name)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Graph)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.ctl.Projects.ListProjects()
	out := make([]interface{}, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Graph)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) projectOr404(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	id := r.PathValue("project_id")
	p, ok := s.ctl.Projects.GetProject(id)
	if !ok {
		writeAPIErr(w, apierr.NotFoundf("project %s not found", id))
		return nil, false
	}
	return p, true
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Graph)
}

func (s *Server) handleCloseProject(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Projects.Close(r.Context(), r.PathValue("project_id")); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Projects.Open(r.Context(), r.PathValue("project_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Graph)
}

func (s *Server) handleDuplicateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Projects.Duplicate(r.Context(), r.PathValue("project_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Graph)
}

func (s *Server) handleExportProject(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", "attachment; filename=project.gns3project")
	if err := s.ctl.Projects.Export(r.Context(), r.PathValue("project_id"), w); err != nil {
		writeAPIErr(w, err)
		return
	}
}

func (s *Server) handleImportProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Projects.Import(r.Context(), r.Body)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Graph)
}

// ---- nodes ----

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var rec project.NodeRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	got, err := s.ctl.Projects.AddNode(r.Context(), r.PathValue("project_id"), rec)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Graph.Nodes)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Projects.RemoveNode(r.Context(), r.PathValue("project_id"), r.PathValue("node_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nodeOp int

const (
	nodeStart nodeOp = iota
	nodeStop
	nodeSuspend
	nodeReload
)

func (s *Server) handleNodeOp(op nodeOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("node_id")
		var err error
		switch op {
		case nodeStart:
			err = s.ctl.Nodes.Start(r.Context(), id)
		case nodeStop:
			err = s.ctl.Nodes.Stop(r.Context(), id)
		case nodeSuspend:
			err = s.ctl.Nodes.Suspend(r.Context(), id)
		case nodeReload:
			err = s.ctl.Nodes.Reload(r.Context(), id)
		}
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type bulkOp int

const (
	bulkStart bulkOp = iota
	bulkStop
	bulkSuspend
)

func (s *Server) handleBulkOp(op bulkOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("project_id")
		var results []project.NodeResult
		switch op {
		case bulkStart:
			results = s.ctl.Projects.StartAll(r.Context(), id)
		case bulkStop:
			results = s.ctl.Projects.StopAll(r.Context(), id)
		case bulkSuspend:
			results = s.ctl.Projects.SuspendAll(r.Context(), id)
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// ---- links ----

type addLinkRequest struct {
	LinkType  string                         `json:"link_type"`
	Endpoints [2]project.LinkEndpointRecord `json:"nodes"`
	Filters   driver.Filters                `json:"filters"`
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	var req addLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	projectID := r.PathValue("project_id")
	nodeComputeID := func(nodeID string) (string, error) {
		return s.ctl.Projects.NodeComputeID(projectID, nodeID)
	}

	rec, err := s.ctl.Projects.AddLink(r.Context(), projectID, req.LinkType, req.Endpoints, req.Filters, s.ctl, nodeComputeID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Projects.RemoveLink(r.Context(), r.PathValue("project_id"), r.PathValue("link_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Links.StartCapture(r.Context(), r.PathValue("link_id")); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Links.StopCapture(r.Context(), r.PathValue("link_id")); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamPCAP(w http.ResponseWriter, r *http.Request) {
	stream, err := s.ctl.Links.StreamPCAP(r.Context(), r.PathValue("link_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	io.Copy(w, stream)
}

// ---- drawings ----

func (s *Server) handleAddDrawing(w http.ResponseWriter, r *http.Request) {
	var d project.DrawingRecord
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	got, err := s.ctl.Projects.AddDrawing(r.PathValue("project_id"), d)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleRemoveDrawing(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Projects.RemoveDrawing(r.PathValue("project_id"), r.PathValue("drawing_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- snapshots ----

type createSnapshotRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	rec, err := s.ctl.Projects.SnapshotCreate(r.Context(), r.PathValue("project_id"), req.Name)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Projects.SnapshotRestore(r.Context(), r.PathValue("project_id"), r.PathValue("snapshot_id"))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- notifications ----

// handleNotifications streams a project's events as Server-Sent Events.
// Grounded on internal/api/server.go's streamJSON helper (flush-per-
// message over a plain http.ResponseWriter) combined with
// internal/logstore.go's tailing-follow idiom, here driving an SSE
// "data: " framing instead of a raw newline-delimited stream — the
// controller's notification transport is re-grounded on stdlib
// net/http rather than a second websocket dependency (see DESIGN.md).
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.ctl.Bus.Subscribe(r.PathValue("project_id"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
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
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Action, data)
			flusher.Flush()
		}
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAPIErr maps a taxonomy error (or any error) to its HTTP status
// (spec.md §7).
func writeAPIErr(w http.ResponseWriter, err error) {
	writeError(w, apierr.StatusOf(err), err.Error())
}
