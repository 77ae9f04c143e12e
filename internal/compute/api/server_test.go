package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/nodeadapter"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := driver.NewRegistry()
	reg.Register("ethernet_switch", loopback.New())
	nodes := nodeadapter.NewManager(reg)

	s := NewServer(config.DefaultCompute(), nodes)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestCreateGetAndStartNode(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v2/compute/projects/proj1/nodes", createNodeRequest{
		NodeID: "n1",
		Kind:   "ethernet_switch",
		Name:   "sw1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create node: got status %d", resp.StatusCode)
	}
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	if created["node_id"] != "n1" {
		t.Fatalf("got node_id %v, want n1", created["node_id"])
	}

	getResp, err := http.Get(ts.URL + "/v2/compute/projects/proj1/nodes/n1")
	if err != nil {
		t.Fatal(err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get node: got status %d", getResp.StatusCode)
	}

	startResp, err := http.Post(ts.URL+"/v2/compute/projects/proj1/nodes/n1/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if startResp.StatusCode != http.StatusNoContent {
		t.Fatalf("start node: got status %d", startResp.StatusCode)
	}
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v2/compute/version")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["version"] == "" {
		t.Fatal("expected a non-empty version string")
	}
}

func TestGetNodeNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v2/compute/projects/proj1/nodes/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", resp.StatusCode)
	}
}

func TestAddNIOAndCapture(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts, "/v2/compute/projects/proj1/nodes", createNodeRequest{
		NodeID: "n1",
		Kind:   "ethernet_switch",
		Name:   "sw1",
	})

	ep := driver.Endpoint{AdapterNumber: 0, PortNumber: 0}
	nioResp := postJSON(t, ts, "/v2/compute/projects/proj1/nodes/n1/nio", nioRequest{Endpoint: ep})
	if nioResp.StatusCode != http.StatusCreated {
		t.Fatalf("add nio: got status %d", nioResp.StatusCode)
	}

	captureResp := postJSON(t, ts, "/v2/compute/projects/proj1/nodes/n1/capture/start", map[string]interface{}{"endpoint": ep})
	if captureResp.StatusCode != http.StatusNoContent {
		t.Fatalf("start capture: got status %d", captureResp.StatusCode)
	}

	stopResp := postJSON(t, ts, "/v2/compute/projects/proj1/nodes/n1/capture/stop", map[string]interface{}{"endpoint": ep})
	if stopResp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop capture: got status %d", stopResp.StatusCode)
	}
}

func TestNotificationsStream(t *testing.T) {
	ts := newTestServer(t)

	conn, err := http.Get(ts.URL + "/v2/compute/notifications")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Body.Close()

	postJSON(t, ts, "/v2/compute/projects/proj1/nodes", createNodeRequest{
		NodeID: "n1",
		Kind:   "ethernet_switch",
		Name:   "sw1",
	})
	http.Post(ts.URL+"/v2/compute/projects/proj1/nodes/n1/start", "application/json", nil)

	br := bufio.NewReader(conn.Body)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "node.updated") {
		t.Fatalf("got line %q, want it to mention node.updated", line)
	}
}
