package computeproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Subscribe opens the compute's long-lived notification stream
// (GET /v2/compute/notifications, newline-delimited JSON) and
// auto-reconnects with an exponential backoff (1s,2s,4s,...,capped at
// ReconnectMax) whenever the stream drops. The returned channel is
// closed when ctx is canceled. Reimplemented from the teacher's
// ticker-driven retry idiom as a time.Timer-based backoff loop: the
// teacher's minute-granularity cron expressions are the wrong grain for
// sub-second reconnect backoff and are not reused verbatim.
func (p *Proxy) Subscribe(ctx context.Context) <-chan Event {
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		backoff := p.cfg.ReconnectInitial

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			p.setState(StateConnecting, nil)
			err := p.streamOnce(ctx, events)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// stream ended cleanly (compute restarted the endpoint);
				// restart the backoff schedule from ReconnectInitial.
				backoff = p.cfg.ReconnectInitial
			}

			p.setState(StateDisconnected, err)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			backoff *= 2
			if backoff > p.cfg.ReconnectMax {
				backoff = p.cfg.ReconnectMax
			}
		}
	}()

	return events
}

func (p *Proxy) streamOnce(ctx context.Context, events chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/v2/compute/notifications", nil)
	if err != nil {
		return err
	}
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification stream returned status %d", resp.StatusCode)
	}

	p.setState(StateConnected, nil)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env struct {
			Action string          `json:"action"`
			Event  json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		select {
		case events <- Event{Action: env.Action, Data: env.Event}:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}
