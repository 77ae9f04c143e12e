// Package notify implements the Notification Bus (spec.md §4.6):
// per-project event fan-out to bounded subscriber channels, with a
// ping/absence keep-alive contract matching the long-lived streaming
// transports built on top of it.
package notify

import (
	"log"
	"sync"
	"time"
)

// Event is one notification delivered to subscribers of a project.
type Event struct {
	Action string
	Data   interface{}
}

// Subscription is a single subscriber's bounded view onto a project's
// event stream. Callers must call MarkAlive after each event they
// actually read off Events; subscriptions that go AbsenceTimeout
// without a MarkAlive call are closed.
type Subscription struct {
	Events <-chan Event

	bus       *Bus
	projectID string
	ch        chan Event

	mu     sync.Mutex
	closed bool

	pingTicker   *time.Ticker
	absenceTimer *time.Timer
	done         chan struct{}
}

// Close ends the subscription and releases its resources. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.unsubscribe(s.projectID, s)
	if s.pingTicker != nil {
		s.pingTicker.Stop()
	}
	if s.absenceTimer != nil {
		s.absenceTimer.Stop()
	}
	close(s.done)
}

// Bus fans out published events to every subscriber of a project. One
// Bus instance serves the whole controller. Grounded on
// internal/logstore/logstore.go's tailing/follow reader combined with a
// bounded-channel broadcast registry written in the pack's general
// pub/sub idiom (the teacher's logstore is single-reader tail, not
// multi-subscriber fan-out).
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	queueSize      int
	pingInterval   time.Duration
	absenceTimeout time.Duration
}

// Config tunes a Bus's subscriber queue depth and keep-alive timers.
type Config struct {
	QueueSize      int
	PingInterval   time.Duration
	AbsenceTimeout time.Duration
}

// New creates a Bus. Zero-valued Config fields fall back to spec.md
// §4.6 defaults (queue 1000, 10s ping, 30s absence).
func New(cfg Config) *Bus {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.AbsenceTimeout == 0 {
		cfg.AbsenceTimeout = 30 * time.Second
	}
	return &Bus{
		subs:           make(map[string]map[*Subscription]struct{}),
		queueSize:      cfg.QueueSize,
		pingInterval:   cfg.PingInterval,
		absenceTimeout: cfg.AbsenceTimeout,
	}
}

// Subscribe opens a bounded event stream for a project. The ping ticker
// and absence timer start immediately.
func (b *Bus) Subscribe(projectID string) *Subscription {
	ch := make(chan Event, b.queueSize)
	s := &Subscription{
		Events:    ch,
		bus:       b,
		projectID: projectID,
		ch:        ch,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*Subscription]struct{})
	}
	b.subs[projectID][s] = struct{}{}
	b.mu.Unlock()

	s.pingTicker = time.NewTicker(b.pingInterval)
	s.absenceTimer = time.NewTimer(b.absenceTimeout)

	go s.keepAliveLoop()

	return s
}

// keepAliveLoop delivers a ping event on every tick and closes the
// subscription if AbsenceTimeout elapses with no MarkAlive call
// (grounded on internal/lifecycle/manager.go's idleTimer/terminateTimer
// time.AfterFunc idiom, reapplied to a subscription instead of an
// instance).
func (s *Subscription) keepAliveLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.absenceTimer.C:
			s.Close()
			return
		case <-s.pingTicker.C:
			s.bus.deliver(s, Event{Action: "ping"})
		}
	}
}

// Publish fans ev out to every current subscriber of projectID. A
// subscriber whose queue is full has its oldest event dropped to make
// room (spec.md: "oldest-drop on overflow") and a warning is logged.
func (b *Bus) Publish(projectID string, ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[projectID]))
	for s := range b.subs[projectID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
	default:
		// queue full: drop the oldest event to make room, then retry once.
		select {
		case <-s.ch:
			log.Printf("notify: subscriber-lag project=%s, dropping oldest event", s.projectID)
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// MarkAlive resets the subscription's absence timer. Callers reading
// Events must call this after each received event — a queued send into
// ch only proves the bus attempted delivery, not that anything is still
// reading the other end, so the timer must track actual consumption
// rather than delivery attempts.
func (s *Subscription) MarkAlive() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.absenceTimer.Reset(s.bus.absenceTimeout)
	}
}

func (b *Bus) unsubscribe(projectID string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[projectID]; ok {
		delete(m, s)
		if len(m) == 0 {
			delete(b.subs, projectID)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a
// project, mainly for tests and diagnostics.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
