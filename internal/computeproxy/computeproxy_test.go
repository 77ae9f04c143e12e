package computeproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestProxy(t *testing.T, srv *httptest.Server) *Proxy {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return New(Config{
		Host:             u.Hostname(),
		Port:             port,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	})
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	p := newTestProxy(t, srv)
	var out map[string]string
	if err := p.CallJSON(context.Background(), http.MethodGet, "/v2/compute/version", nil, &out); err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("got %v", out)
	}
	if p.State() != StateConnected {
		t.Fatalf("got state %s, want connected", p.State())
	}
}

func TestCallConflictClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"port in use"}`))
	}))
	defer srv.Close()

	p := newTestProxy(t, srv)
	_, _, err := p.Call(context.Background(), http.MethodPost, "/v2/compute/ports", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	ce, ok := err.(*CallError)
	if !ok || ce.Class != ClassConflict {
		t.Fatalf("got %v, want ClassConflict", err)
	}
	// a protocol-level error does not flip the proxy to disconnected
	if p.State() == StateDisconnected {
		t.Fatal("conflict should not flip proxy to disconnected")
	}
}

func TestCallNetworkErrorDisconnects(t *testing.T) {
	p := New(Config{Host: "127.0.0.1", Port: 1, CallTimeout: 200 * time.Millisecond})
	_, _, err := p.Call(context.Background(), http.MethodGet, "/v2/compute/version", nil)
	if err == nil {
		t.Fatal("expected error dialing a closed port")
	}
	ce, ok := err.(*CallError)
	if !ok || ce.Class != ClassNetwork {
		t.Fatalf("got %v, want ClassNetwork", err)
	}
	if p.State() != StateDisconnected {
		t.Fatalf("got state %s, want disconnected", p.State())
	}
}

func TestUploadDownloadImageStreaming(t *testing.T) {
	const payload = "image-bytes-go-here"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			buf := make([]byte, len(payload))
			r.Body.Read(buf)
			if string(buf) != payload {
				http.Error(w, "mismatch", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			w.Write([]byte(payload))
		}
	}))
	defer srv.Close()

	p := newTestProxy(t, srv)
	if err := p.UploadImage(context.Background(), "/v2/compute/images/x", int64(len(payload)), strings.NewReader(payload)); err != nil {
		t.Fatalf("UploadImage: %v", err)
	}

	var sb strings.Builder
	if err := p.DownloadImage(context.Background(), "/v2/compute/images/x", &sb); err != nil {
		t.Fatalf("DownloadImage: %v", err)
	}
	if sb.String() != payload {
		t.Fatalf("got %q, want %q", sb.String(), payload)
	}
}

func TestSubscribeReconnects(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			// first connection: drop immediately without writing, forcing
			// a reconnect
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"action":"node.updated","event":{"id":"n1"}}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := newTestProxy(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events := p.Subscribe(ctx)
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before delivering an event")
		}
		if ev.Action != "node.updated" {
			t.Fatalf("got action %q", ev.Action)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}
