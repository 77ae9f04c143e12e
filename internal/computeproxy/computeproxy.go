// Package computeproxy implements the controller-side RPC client to one
// compute agent (spec.md §4.2): an HTTP client wrapper with connection
// state tracking, notification-stream subscription with reconnect
// backoff, and unbuffered image transfer streaming.
package computeproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gns3/gnsd/internal/apierr"
)

// State is the connection state of a Proxy, tracked independently of any
// individual call's outcome.
type State string

const (
	StateUnregistered State = "unregistered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// ErrorClass partitions Call failures the way spec.md §7 requires:
// network errors flip the proxy to disconnected, protocol/conflict
// errors do not.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassNetwork
	ClassProtocol
	ClassConflict
)

// CallError wraps a Call failure with its class.
type CallError struct {
	Class ErrorClass
	Err   error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Event is one item delivered on a notification subscription.
type Event struct {
	Action string
	Data   json.RawMessage
}

// Config configures a Proxy's transport and backoff schedule.
type Config struct {
	Host                string
	Port                int
	Protocol            string // "http" or "https"
	User                string
	Password            string
	CallTimeout         time.Duration
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
}

// Proxy is the controller's RPC client to one compute agent. Grounded on
// internal/client/client.go's Client: a *http.Client with a custom
// DialContext, JSON request/response helpers, and raw-stream helpers
// that never buffer a full body.
type Proxy struct {
	cfg    Config
	client *http.Client

	mu         sync.Mutex
	state      State
	lastError  error
	caps       map[string]interface{}
}

// New creates a Proxy for one compute. It starts unregistered; a
// successful Call or Subscribe transitions it.
func New(cfg Config) *Proxy {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = 1 * time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.CallTimeout,
	}

	return &Proxy{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		state:  StateUnregistered,
	}
}

func (p *Proxy) baseURL() string {
	return fmt.Sprintf("%s://%s:%d", p.cfg.Protocol, p.cfg.Host, p.cfg.Port)
}

// Close releases the proxy's idle transport connections. It does not
// change the proxy's State; a caller intending to stop talking to this
// compute entirely should drop its last reference after calling Close.
func (p *Proxy) Close() {
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// State returns the proxy's current connection state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastError returns the most recently observed network error, if any.
func (p *Proxy) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func (p *Proxy) setState(s State, err error) {
	p.mu.Lock()
	p.state = s
	p.lastError = err
	p.mu.Unlock()
}

// Capabilities returns the compute's most recently cached capability set.
func (p *Proxy) Capabilities() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// SetCapabilities updates the cached capability set, typically after a
// successful GET /capabilities call.
func (p *Proxy) SetCapabilities(caps map[string]interface{}) {
	p.mu.Lock()
	p.caps = caps
	p.mu.Unlock()
}

// Call issues one JSON RPC to the compute and classifies the outcome.
// A network-level failure (dial/timeout/connection reset) flips the
// proxy to disconnected; an HTTP-level error response does not.
func (p *Proxy) Call(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &CallError{Class: ClassProtocol, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL()+path, reqBody)
	if err != nil {
		return 0, nil, &CallError{Class: ClassProtocol, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.setState(StateDisconnected, err)
		return 0, nil, &CallError{Class: ClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.setState(StateDisconnected, err)
		return 0, nil, &CallError{Class: ClassNetwork, Err: err}
	}

	p.setState(StateConnected, nil)

	if resp.StatusCode == http.StatusConflict {
		return resp.StatusCode, respBody, &CallError{Class: ClassConflict, Err: fmt.Errorf("conflict: %s", respBody)}
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, respBody, &CallError{Class: ClassProtocol, Err: fmt.Errorf("compute returned %d: %s", resp.StatusCode, respBody)}
	}

	return resp.StatusCode, respBody, nil
}

// CallJSON is a convenience wrapper over Call that marshals the request
// and unmarshals the response into out (when non-nil).
func (p *Proxy) CallJSON(ctx context.Context, method, path string, body, out interface{}) error {
	status, respBody, err := p.Call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Sprintf("decode response (status %d)", status), err)
	}
	return nil
}

// UploadImage streams r directly into the request body of a PUT to path,
// never buffering the full image in memory (grounded on
// internal/client/client.go's doRaw/StreamLogs idiom).
func (p *Proxy) UploadImage(ctx context.Context, path string, size int64, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL()+path, r)
	if err != nil {
		return &CallError{Class: ClassProtocol, Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.setState(StateDisconnected, err)
		return &CallError{Class: ClassNetwork, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &CallError{Class: ClassProtocol, Err: fmt.Errorf("upload failed: status %d", resp.StatusCode)}
	}
	p.setState(StateConnected, nil)
	return nil
}

// DownloadImage streams the compute's response body directly into w,
// never buffering it in memory.
func (p *Proxy) DownloadImage(ctx context.Context, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+path, nil)
	if err != nil {
		return &CallError{Class: ClassProtocol, Err: err}
	}
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.setState(StateDisconnected, err)
		return &CallError{Class: ClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return &CallError{Class: ClassProtocol, Err: fmt.Errorf("download failed: status %d", resp.StatusCode)}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return &CallError{Class: ClassNetwork, Err: err}
	}
	p.setState(StateConnected, nil)
	return nil
}
